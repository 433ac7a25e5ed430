package mcpext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Caller issues agent-extension requests over an established MCP client
// connection. It talks to the client's transport directly because the
// extension methods are not part of the standard client surface.
type Caller struct {
	transport transport.Interface
	idCounter atomic.Int64
}

// NewCaller wraps an initialized mcp-go client. The extension shares the
// client's transport, so requests are multiplexed with standard MCP
// traffic on the same session.
func NewCaller(c *client.Client) *Caller {
	return &Caller{transport: c.GetTransport()}
}

func (e *Caller) sendRequest(ctx context.Context, method string, params any, out any) error {
	id := e.idCounter.Add(1)
	resp, err := e.transport.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("request %s failed: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("request %s returned error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// ListAgents returns all agents advertised by the server.
func (e *Caller) ListAgents(ctx context.Context) ([]Agent, error) {
	var result ListAgentsResult
	if err := e.sendRequest(ctx, MethodListAgents, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Agents, nil
}

// ListAgentTemplates returns all agent templates advertised by the server.
func (e *Caller) ListAgentTemplates(ctx context.Context) ([]AgentTemplate, error) {
	var result ListAgentTemplatesResult
	if err := e.sendRequest(ctx, MethodListAgentTemplates, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.AgentTemplates, nil
}

// CreateAgent instantiates an agent from a template.
func (e *Caller) CreateAgent(ctx context.Context, templateName string, config map[string]any, meta *mcp.Meta) (*Agent, error) {
	var result CreateAgentResult
	params := CreateAgentParams{Meta: meta, TemplateName: templateName, Config: config}
	if err := e.sendRequest(ctx, MethodCreateAgent, params, &result); err != nil {
		return nil, err
	}
	return &result.Agent, nil
}

// RunAgent runs a named agent with a prompt and returns the tool-call
// shaped result.
func (e *Caller) RunAgent(ctx context.Context, name, prompt string, config map[string]any, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	params := RunAgentParams{Meta: meta, Name: name, Prompt: prompt, Config: config}

	id := e.idCounter.Add(1)
	resp, err := e.transport.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Method:  MethodRunAgent,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", MethodRunAgent, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("request %s returned error %d: %s", MethodRunAgent, resp.Error.Code, resp.Error.Message)
	}
	return mcp.ParseCallToolResult(&resp.Result)
}

// DestroyAgent tears down a previously created agent.
func (e *Caller) DestroyAgent(ctx context.Context, name string, meta *mcp.Meta) error {
	params := DestroyAgentParams{Meta: meta, Name: name}
	return e.sendRequest(ctx, MethodDestroyAgent, params, nil)
}
