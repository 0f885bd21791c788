package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
	"github.com/mcphost/mcp-gateway-go/pkg/transport"
)

type echoArgs struct {
	Text string `json:"text"`
}

// connectFixture wires an adapter to an in-memory MCP server carrying one
// echo tool. Returns the adapter and the server for mutating its tool set.
func connectFixture(t *testing.T) (transport.Adapter, *mcp.Server) {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "fixture", Version: "0.1.0"}, nil)
	echoSchema, err := jsonschema.For[echoArgs](nil)
	if err != nil {
		t.Fatalf("schema for echo: %v", err)
	}
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echo text back", InputSchema: echoSchema},
		func(ctx context.Context, req *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: args.Text}},
			}, nil, nil
		})

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	ad := transport.NewFromTransport(transport.Config{
		Backend: "fixture",
		Kind:    transport.KindStdio,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, clientTransport)
	if err := ad.Connect(ctx); err != nil {
		t.Fatalf("adapter.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = ad.Close() })
	return ad, server
}

func TestAdapterPing(t *testing.T) {
	ad, _ := connectFixture(t)

	resp, err := ad.Send(context.Background(), &protocol.Request{Method: protocol.MethodPing})
	if err != nil {
		t.Fatalf("Send(ping) unexpected error: %v", err)
	}
	if resp.Backend != "fixture" {
		t.Errorf("response backend = %q, want %q", resp.Backend, "fixture")
	}
}

func TestAdapterListTools(t *testing.T) {
	ad, _ := connectFixture(t)

	resp, err := ad.Send(context.Background(), &protocol.Request{Method: protocol.MethodListTools})
	if err != nil {
		t.Fatalf("Send(tools/list) unexpected error: %v", err)
	}
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("tools/list = %+v, want single echo tool", result.Tools)
	}
}

func TestAdapterCallTool(t *testing.T) {
	ad, _ := connectFixture(t)

	params := json.RawMessage(`{"name":"echo","arguments":{"text":"hello"}}`)
	resp, err := ad.Send(context.Background(), &protocol.Request{Method: protocol.MethodCallTool, Params: params})
	if err != nil {
		t.Fatalf("Send(tools/call) unexpected error: %v", err)
	}
	if !strings.Contains(string(resp.Result), "hello") {
		t.Errorf("tools/call result = %s, want to contain %q", resp.Result, "hello")
	}
}

func TestAdapterCallToolMissingName(t *testing.T) {
	ad, _ := connectFixture(t)

	_, err := ad.Send(context.Background(), &protocol.Request{Method: protocol.MethodCallTool, Params: json.RawMessage(`{}`)})
	if !errors.Is(err, protocol.ErrConfig) {
		t.Fatalf("Send(tools/call) error = %v, want ErrConfig", err)
	}
}

func TestAdapterUnsupportedMethod(t *testing.T) {
	ad, _ := connectFixture(t)

	_, err := ad.Send(context.Background(), &protocol.Request{Method: "completion/complete"})
	if !errors.Is(err, protocol.ErrUnsupportedMethod) {
		t.Fatalf("Send(completion/complete) error = %v, want ErrUnsupportedMethod", err)
	}
}

func TestAdapterCoercesUnsupportedLists(t *testing.T) {
	ad, _ := connectFixture(t)

	// the fixture server registers no prompts; the adapter reports an empty
	// list instead of a protocol error
	resp, err := ad.Send(context.Background(), &protocol.Request{Method: protocol.MethodListPrompts})
	if err != nil {
		t.Fatalf("Send(prompts/list) unexpected error: %v", err)
	}
	if resp == nil || len(resp.Result) == 0 {
		t.Fatal("Send(prompts/list) returned empty response")
	}
}

func TestAdapterSendBeforeConnect(t *testing.T) {
	_, clientTransport := mcp.NewInMemoryTransports()
	ad := transport.NewFromTransport(transport.Config{
		Backend: "fixture",
		Kind:    transport.KindStdio,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, clientTransport)

	_, err := ad.Send(context.Background(), &protocol.Request{Method: protocol.MethodPing})
	if !errors.Is(err, protocol.ErrConnect) {
		t.Fatalf("Send() before Connect error = %v, want ErrConnect", err)
	}
}

func TestAdapterStreamsListChanges(t *testing.T) {
	ad, server := connectFixture(t)

	events, err := ad.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream() unexpected error: %v", err)
	}

	// registering a tool after connect makes the server announce a change
	mcp.AddTool(server, &mcp.Tool{Name: "late", Description: "added after connect"},
		func(ctx context.Context, req *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "late"}}}, nil, nil
		})

	select {
	case ev := <-events:
		if ev.Backend != "fixture" {
			t.Errorf("event backend = %q, want %q", ev.Backend, "fixture")
		}
		if !strings.Contains(ev.Method, "list_changed") {
			t.Errorf("event method = %q, want a list_changed notification", ev.Method)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification received")
	}
}
