package capability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

type cannedSender map[string]string

func (s cannedSender) Send(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, ok := s[req.Method]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return &protocol.Response{Result: json.RawMessage(body)}, nil
}

func newTestCache() *Cache {
	return NewCache(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fullSender() cannedSender {
	return cannedSender{
		protocol.MethodListTools:             `{"tools":[{"name":"read_file"},{"name":"write_file"}]}`,
		protocol.MethodListResources:         `{"resources":[{"uri":"file:///tmp/a.txt","name":"a"}]}`,
		protocol.MethodListResourceTemplates: `{"resourceTemplates":[{"uriTemplate":"file:///{path}"}]}`,
		protocol.MethodListPrompts:           `{"prompts":[{"name":"summarize"}]}`,
	}
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	t.Parallel()
	c := newTestCache()

	require.NoError(t, c.Refresh(context.Background(), "fs", fullSender()))

	snap, ok := c.Snapshot("fs")
	require.True(t, ok)
	require.Len(t, snap.Tools, 2)
	require.Equal(t, "read_file", snap.Tools[0].Key)
	require.Len(t, snap.Resources, 1)
	require.Equal(t, "file:///tmp/a.txt", snap.Resources[0].Key)
	require.Len(t, snap.ResourceTemplates, 1)
	require.Equal(t, "file:///{path}", snap.ResourceTemplates[0].Key)
	require.Len(t, snap.Prompts, 1)
	require.False(t, snap.RefreshedAt.IsZero())
}

func TestRefreshKeepsPartialResults(t *testing.T) {
	t.Parallel()
	c := newTestCache()

	s := fullSender()
	delete(s, protocol.MethodListPrompts)
	err := c.Refresh(context.Background(), "fs", s)
	require.Error(t, err)

	snap, ok := c.Snapshot("fs")
	require.True(t, ok)
	require.Len(t, snap.Tools, 2)
	require.Empty(t, snap.Prompts)
}

func TestFindFirstBackendWins(t *testing.T) {
	t.Parallel()
	c := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx, "alpha", cannedSender{
		protocol.MethodListTools:             `{"tools":[{"name":"search"}]}`,
		protocol.MethodListResources:         `{"resources":[]}`,
		protocol.MethodListResourceTemplates: `{"resourceTemplates":[]}`,
		protocol.MethodListPrompts:           `{"prompts":[]}`,
	}))
	require.NoError(t, c.Refresh(ctx, "beta", cannedSender{
		protocol.MethodListTools:             `{"tools":[{"name":"search"},{"name":"fetch"}]}`,
		protocol.MethodListResources:         `{"resources":[]}`,
		protocol.MethodListResourceTemplates: `{"resourceTemplates":[]}`,
		protocol.MethodListPrompts:           `{"prompts":[]}`,
	}))

	// both declare "search"; visible order decides
	backend, ok := c.FindTool("search", []string{"alpha", "beta"})
	require.True(t, ok)
	require.Equal(t, "alpha", backend)

	backend, ok = c.FindTool("search", []string{"beta", "alpha"})
	require.True(t, ok)
	require.Equal(t, "beta", backend)

	backend, ok = c.FindTool("fetch", []string{"alpha", "beta"})
	require.True(t, ok)
	require.Equal(t, "beta", backend)

	// visibility filters lookups entirely
	_, ok = c.FindTool("fetch", []string{"alpha"})
	require.False(t, ok)

	_, ok = c.FindTool("missing", []string{"alpha", "beta"})
	require.False(t, ok)
}

func TestRemoveDropsSnapshot(t *testing.T) {
	t.Parallel()
	c := newTestCache()

	require.NoError(t, c.Refresh(context.Background(), "fs", fullSender()))
	c.Remove("fs")

	_, ok := c.Snapshot("fs")
	require.False(t, ok)
	_, ok = c.FindTool("read_file", []string{"fs"})
	require.False(t, ok)
}
