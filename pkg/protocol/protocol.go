// Package protocol defines the gateway's internal request/response envelope,
// the classification of MCP methods into aggregate and direct dispatch, and
// the error taxonomy shared by every other gateway package. It deliberately
// carries no transport or routing logic so that transports, the backend
// registry, and the router can all depend on it without cycles.
package protocol

import (
	"encoding/json"
	"time"
)

// MCP methods the gateway routes. Aggregate methods fan out to every visible
// backend; direct methods resolve to exactly one backend by capability name.
const (
	MethodPing                  = "ping"
	MethodListTools             = "tools/list"
	MethodCallTool              = "tools/call"
	MethodListResources         = "resources/list"
	MethodReadResource          = "resources/read"
	MethodListResourceTemplates = "resources/templates/list"
	MethodSubscribeResource     = "resources/subscribe"
	MethodUnsubscribeResource   = "resources/unsubscribe"
	MethodListPrompts           = "prompts/list"
	MethodGetPrompt             = "prompts/get"
)

// IsAggregate reports whether method is a discovery-style method whose result
// is the merged union of every matching backend's contribution.
func IsAggregate(method string) bool {
	switch method {
	case MethodListTools, MethodListResources, MethodListResourceTemplates, MethodListPrompts:
		return true
	}
	return false
}

// IsDirect reports whether method addresses a single capability by name or
// URI and therefore dispatches to exactly one backend.
func IsDirect(method string) bool {
	switch method {
	case MethodCallTool, MethodReadResource, MethodGetPrompt,
		MethodSubscribeResource, MethodUnsubscribeResource:
		return true
	}
	return false
}

// Request is the gateway's internal envelope for a routed protocol request.
// ID pairs the request with its terminal outcome; Params stays opaque until a
// component actually needs to look inside it.
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries a backend's reply. Backend names the originating backend
// so callers can attribute results and failures.
type Response struct {
	Backend string          `json:"backend,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// Event is a server-initiated notification decoded off a backend's push
// stream and tagged with the backend it came from.
type Event struct {
	Backend string          `json:"backend"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	At      time.Time       `json:"at"`
}
