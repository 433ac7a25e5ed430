package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"apiary/internal/mcpclient"
	"apiary/internal/provider"
	"apiary/pkg/mcpext"
)

// Kind identifies one feature catalog. Kinds qualify routing keys, so a
// tool and an agent may share a name without clashing.
type Kind string

const (
	KindTool          Kind = "tool"
	KindPrompt        Kind = "prompt"
	KindResource      Kind = "resource"
	KindAgent         Kind = "agent"
	KindAgentTemplate Kind = "agent_template"
)

// routingKey builds the qualified catalog key for a feature name (or URI,
// for resources).
func routingKey(kind Kind, name string) string {
	return fmt.Sprintf("%s/%s", kind, name)
}

// State is the liveness of a loaded provider.
type State int32

const (
	// StateConnecting: no session yet, a connection attempt is due.
	StateConnecting State = iota
	// StateReady: session established and responding.
	StateReady
	// StateDegraded: the session broke; a reconnect happens on the next
	// periodic tick.
	StateDegraded
	// StateClosed: terminal. The provider will never open a session again.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Timing defaults of the proxy core.
const (
	// ReconnectInterval bounds how quickly a dead provider is retried.
	ReconnectInterval = 10 * time.Second
	// PingTimeout bounds liveness probes. On expiry the session is left in
	// place; the upstream is assumed busy with a request.
	PingTimeout = 5 * time.Second
	// ReloadPeriod is the container's full reconciliation period.
	// Repository change events trigger reconciliation sooner via poke.
	ReloadPeriod = time.Minute
)

// upstream is the container-facing surface of a loaded provider. The
// concrete type is LoadedProvider; tests substitute fakes.
type upstream interface {
	Descriptor() provider.Descriptor
	Init(ctx context.Context) error
	Close() error
	State() State
	Session() mcpclient.MCPClient
	Incoming() <-chan mcp.JSONRPCNotification
	Tools() []mcp.Tool
	Prompts() []mcp.Prompt
	Resources() []mcp.Resource
	Agents() []mcpext.Agent
	AgentTemplates() []mcpext.AgentTemplate
}
