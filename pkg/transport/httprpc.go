package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// rpcTransport speaks plain request/response JSON-RPC over HTTP POST: one
// request per POST, the response carried in the reply body. There is no
// server-push channel; notifications written by the backend outside a POST
// exchange simply never happen on this wire style.
type rpcTransport struct {
	endpoint string
	client   *http.Client
}

func (t *rpcTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	return &rpcConnection{
		endpoint: t.endpoint,
		client:   t.client,
		incoming: make(chan jsonrpc.Message, 16),
		done:     make(chan struct{}),
	}, nil
}

type rpcConnection struct {
	endpoint string
	client   *http.Client
	incoming chan jsonrpc.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *rpcConnection) SessionID() string { return "" }

// Write POSTs one message and queues the decoded reply, if any, for Read.
// Notifications and empty replies produce nothing to queue.
func (c *rpcConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	reply, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	select {
	case c.incoming <- reply:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *rpcConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *rpcConnection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
