package mcpext

import "github.com/mark3labs/mcp-go/mcp"

// JSON-RPC methods of the agent extension. Servers advertise support for
// them under capabilities.experimental["agents"].
const (
	MethodListAgents         = "agents/list"
	MethodListAgentTemplates = "agents/templates/list"
	MethodCreateAgent        = "agents/create"
	MethodRunAgent           = "agents/run"
	MethodDestroyAgent       = "agents/destroy"

	NotificationAgentListChanged = "notifications/agents/list_changed"
	NotificationAgentRunProgress = "notifications/agents/run/progress"
)

// AgentTemplate describes an agent type a server can instantiate.
type AgentTemplate struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	ConfigSchema map[string]any `json:"configSchema,omitempty"`
}

// Agent is a live agent instance advertised by a server.
type Agent struct {
	Name        string         `json:"name"`
	Template    string         `json:"template,omitempty"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// AgentCapability is the extension capability block servers place under
// capabilities.experimental["agents"] in the initialize result.
type AgentCapability struct {
	Templates   bool `json:"templates,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ParseAgentCapability extracts the agent capability from the experimental
// capabilities of an initialize result. The second return is false when the
// server does not advertise the extension at all.
func ParseAgentCapability(experimental map[string]any) (AgentCapability, bool) {
	raw, ok := experimental["agents"]
	if !ok {
		return AgentCapability{}, false
	}
	cap := AgentCapability{}
	if fields, ok := raw.(map[string]any); ok {
		if v, ok := fields["templates"].(bool); ok {
			cap.Templates = v
		}
		if v, ok := fields["listChanged"].(bool); ok {
			cap.ListChanged = v
		}
	}
	return cap, true
}

// ListAgentsResult is the response payload of agents/list.
type ListAgentsResult struct {
	Agents []Agent `json:"agents"`
}

// ListAgentTemplatesResult is the response payload of agents/templates/list.
type ListAgentTemplatesResult struct {
	AgentTemplates []AgentTemplate `json:"agentTemplates"`
}

// CreateAgentParams instantiates an agent from a template.
type CreateAgentParams struct {
	Meta         *mcp.Meta      `json:"_meta,omitempty"`
	TemplateName string         `json:"templateName"`
	Config       map[string]any `json:"config,omitempty"`
}

// CreateAgentResult is the response payload of agents/create.
type CreateAgentResult struct {
	Agent Agent `json:"agent"`
}

// RunAgentParams runs a named agent with a prompt.
type RunAgentParams struct {
	Meta   *mcp.Meta      `json:"_meta,omitempty"`
	Name   string         `json:"name"`
	Prompt string         `json:"prompt"`
	Config map[string]any `json:"config,omitempty"`
}

// RunAgent responses reuse the tool-call result shape (a list of content
// blocks plus an error flag), so the client returns *mcp.CallToolResult.

// DestroyAgentParams tears down a previously created agent.
type DestroyAgentParams struct {
	Meta *mcp.Meta `json:"_meta,omitempty"`
	Name string    `json:"name"`
}

// DestroyAgentResult is the (empty) response payload of agents/destroy.
type DestroyAgentResult struct{}
