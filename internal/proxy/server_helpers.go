package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"apiary/pkg/logging"
)

// itemType represents the type of MCP item (tool, prompt, or resource)
type itemType string

const (
	itemTypeTool     itemType = "tool"
	itemTypePrompt   itemType = "prompt"
	itemTypeResource itemType = "resource"
)

// activeItemManager tracks which mirrored items are currently exposed on
// the facing server.
type activeItemManager struct {
	mu       sync.RWMutex
	items    map[string]bool
	itemType itemType
}

func newActiveItemManager(iType itemType) *activeItemManager {
	return &activeItemManager{
		items:    make(map[string]bool),
		itemType: iType,
	}
}

func (m *activeItemManager) isActive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[name]
}

func (m *activeItemManager) setActive(name string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.items[name] = true
	} else {
		delete(m.items, name)
	}
}

// getInactiveItems returns items that are no longer in the new set
func (m *activeItemManager) getInactiveItems(newItems map[string]struct{}) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var inactive []string
	for name := range m.items {
		if _, exists := newItems[name]; !exists {
			inactive = append(inactive, name)
		}
	}
	return inactive
}

func (m *activeItemManager) removeItems(items []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		delete(m.items, item)
	}
}

// syncCapabilities mirrors the container's current tool, prompt and
// resource catalogs onto the mcp-go server, adding new items and removing
// stale ones in batches.
func (s *Server) syncCapabilities() {
	s.mu.RLock()
	mcpServer := s.mcpServer
	s.mu.RUnlock()

	if mcpServer == nil {
		return
	}

	// Tools
	currentTools := make(map[string]struct{})
	var toolsToAdd []mcpserver.ServerTool
	for _, tool := range s.container.Tools() {
		currentTools[tool.Name] = struct{}{}
		if s.toolManager.isActive(tool.Name) {
			continue
		}
		s.toolManager.setActive(tool.Name, true)
		toolsToAdd = append(toolsToAdd, mcpserver.ServerTool{
			Tool:    tool,
			Handler: toolHandlerFactory(s, tool.Name),
		})
	}
	if stale := s.toolManager.getInactiveItems(currentTools); len(stale) > 0 {
		s.toolManager.removeItems(stale)
		mcpServer.DeleteTools(stale...)
	}
	if len(toolsToAdd) > 0 {
		logging.Debug("Proxy", "Adding %d tools in batch", len(toolsToAdd))
		mcpServer.AddTools(toolsToAdd...)
	}

	// Prompts
	currentPrompts := make(map[string]struct{})
	var promptsToAdd []mcpserver.ServerPrompt
	for _, prompt := range s.container.Prompts() {
		currentPrompts[prompt.Name] = struct{}{}
		if s.promptManager.isActive(prompt.Name) {
			continue
		}
		s.promptManager.setActive(prompt.Name, true)
		promptsToAdd = append(promptsToAdd, mcpserver.ServerPrompt{
			Prompt:  prompt,
			Handler: promptHandlerFactory(s, prompt.Name),
		})
	}
	if stale := s.promptManager.getInactiveItems(currentPrompts); len(stale) > 0 {
		s.promptManager.removeItems(stale)
		mcpServer.DeletePrompts(stale...)
	}
	if len(promptsToAdd) > 0 {
		logging.Debug("Proxy", "Adding %d prompts in batch", len(promptsToAdd))
		mcpServer.AddPrompts(promptsToAdd...)
	}

	// Resources
	currentResources := make(map[string]struct{})
	var resourcesToAdd []mcpserver.ServerResource
	for _, resource := range s.container.Resources() {
		currentResources[resource.URI] = struct{}{}
		if s.resourceManager.isActive(resource.URI) {
			continue
		}
		s.resourceManager.setActive(resource.URI, true)
		resourcesToAdd = append(resourcesToAdd, mcpserver.ServerResource{
			Resource: resource,
			Handler:  resourceHandlerFactory(s, resource.URI),
		})
	}
	if stale := s.resourceManager.getInactiveItems(currentResources); len(stale) > 0 {
		s.resourceManager.removeItems(stale)
		// There is no batch removal for resources in the MCP library.
		for _, uri := range stale {
			mcpServer.RemoveResource(uri)
		}
	}
	if len(resourcesToAdd) > 0 {
		logging.Debug("Proxy", "Adding %d resources in batch", len(resourcesToAdd))
		mcpServer.AddResources(resourcesToAdd...)
	}
}

// requestArguments extracts the argument map of a tool call.
func requestArguments(req mcp.CallToolRequest) map[string]interface{} {
	args := make(map[string]interface{})
	if req.Params.Arguments != nil {
		if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
			args = argsMap
		}
	}
	return args
}

// toolHandlerFactory creates the dispatch handler for one mirrored tool.
func toolHandlerFactory(s *Server, name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.toolManager.isActive(name) {
			return nil, fmt.Errorf("tool %q is no longer available", name)
		}

		handle, ok := s.container.Route(KindTool, name)
		if !ok {
			return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
		}
		session := handle.Session()
		if session == nil {
			return nil, fmt.Errorf("provider %s for tool %q: %w", handle.Descriptor(), name, ErrUnavailable)
		}

		token := ensureProgressToken(req.Params.Meta)
		closeProgress := s.forwardProgress(ctx, token)
		defer closeProgress()

		result, err := session.CallTool(ctx, name, requestArguments(req), &mcp.Meta{ProgressToken: token})
		if err != nil {
			return nil, fmt.Errorf("tool execution failed: %w", err)
		}
		return result, nil
	}
}

// promptHandlerFactory creates the dispatch handler for one mirrored
// prompt.
func promptHandlerFactory(s *Server, name string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		if !s.promptManager.isActive(name) {
			return nil, fmt.Errorf("prompt %q is no longer available", name)
		}

		handle, ok := s.container.Route(KindPrompt, name)
		if !ok {
			return nil, fmt.Errorf("prompt %q: %w", name, ErrNotFound)
		}
		session := handle.Session()
		if session == nil {
			return nil, fmt.Errorf("provider %s for prompt %q: %w", handle.Descriptor(), name, ErrUnavailable)
		}

		args := make(map[string]interface{})
		for k, v := range req.Params.Arguments {
			args[k] = v
		}

		result, err := session.GetPrompt(ctx, name, args)
		if err != nil {
			return nil, fmt.Errorf("prompt retrieval failed: %w", err)
		}
		return result, nil
	}
}

// resourceHandlerFactory creates the dispatch handler for one mirrored
// resource.
func resourceHandlerFactory(s *Server, uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if !s.resourceManager.isActive(uri) {
			return nil, fmt.Errorf("resource %q is no longer available", uri)
		}

		handle, ok := s.container.Route(KindResource, uri)
		if !ok {
			return nil, fmt.Errorf("resource %q: %w", uri, ErrNotFound)
		}
		session := handle.Session()
		if session == nil {
			return nil, fmt.Errorf("provider %s for resource %q: %w", handle.Descriptor(), uri, ErrUnavailable)
		}

		result, err := session.ReadResource(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("resource read failed: %w", err)
		}

		var contents []mcp.ResourceContents
		if result != nil && len(result.Contents) > 0 {
			contents = result.Contents
		}
		return contents, nil
	}
}

// agentTools builds the built-in tools exposing the agent surface of the
// federation: listing templates and instances, and the three unary agent
// operations.
func (s *Server) agentTools() []mcpserver.ServerTool {
	return []mcpserver.ServerTool{
		{
			Tool: mcp.Tool{
				Name:        "agent_template_list",
				Description: "List all agent templates available across providers",
				InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
			},
			Handler: s.handleAgentTemplateList,
		},
		{
			Tool: mcp.Tool{
				Name:        "agent_list",
				Description: "List all agent instances available across providers",
				InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
			},
			Handler: s.handleAgentList,
		},
		{
			Tool: mcp.Tool{
				Name:        "agent_create",
				Description: "Instantiate an agent from a template",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]any{
						"templateName": map[string]any{"type": "string", "description": "Name of the agent template"},
						"config":       map[string]any{"type": "object", "description": "Template-specific configuration"},
					},
					Required: []string{"templateName"},
				},
			},
			Handler: s.handleAgentCreate,
		},
		{
			Tool: mcp.Tool{
				Name:        "agent_run",
				Description: "Run a named agent with a prompt",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]any{
						"name":   map[string]any{"type": "string", "description": "Name of the agent"},
						"prompt": map[string]any{"type": "string", "description": "Prompt passed to the agent"},
						"config": map[string]any{"type": "object", "description": "Run-specific configuration"},
					},
					Required: []string{"name", "prompt"},
				},
			},
			Handler: s.handleAgentRun,
		},
		{
			Tool: mcp.Tool{
				Name:        "agent_destroy",
				Description: "Destroy a previously created agent",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]any{
						"name": map[string]any{"type": "string", "description": "Name of the agent"},
					},
					Required: []string{"name"},
				},
			},
			Handler: s.handleAgentDestroy,
		},
	}
}

func (s *Server) handleAgentTemplateList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]any{"agentTemplates": s.container.AgentTemplates()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent templates: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAgentList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]any{"agents": s.container.Agents()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agents: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAgentCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := requestArguments(req)
	templateName, _ := args["templateName"].(string)
	if templateName == "" {
		return mcp.NewToolResultError("templateName is required"), nil
	}
	config, _ := args["config"].(map[string]interface{})

	handle, ok := s.container.Route(KindAgentTemplate, templateName)
	if !ok {
		return nil, fmt.Errorf("agent template %q: %w", templateName, ErrNotFound)
	}
	session := handle.Session()
	if session == nil {
		return nil, fmt.Errorf("provider %s for agent template %q: %w", handle.Descriptor(), templateName, ErrUnavailable)
	}

	token := ensureProgressToken(req.Params.Meta)
	closeProgress := s.forwardProgress(ctx, token)
	defer closeProgress()

	agent, err := session.CreateAgent(ctx, templateName, config, &mcp.Meta{ProgressToken: token})
	if err != nil {
		return nil, fmt.Errorf("agent creation failed: %w", err)
	}

	data, err := json.Marshal(map[string]any{"agent": agent})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAgentRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := requestArguments(req)
	name, _ := args["name"].(string)
	prompt, _ := args["prompt"].(string)
	if name == "" || prompt == "" {
		return mcp.NewToolResultError("name and prompt are required"), nil
	}
	config, _ := args["config"].(map[string]interface{})

	handle, ok := s.container.Route(KindAgent, name)
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	session := handle.Session()
	if session == nil {
		return nil, fmt.Errorf("provider %s for agent %q: %w", handle.Descriptor(), name, ErrUnavailable)
	}

	token := ensureProgressToken(req.Params.Meta)
	closeProgress := s.forwardProgress(ctx, token)
	defer closeProgress()

	result, err := session.RunAgent(ctx, name, prompt, config, &mcp.Meta{ProgressToken: token})
	if err != nil {
		return nil, fmt.Errorf("agent run failed: %w", err)
	}
	return result, nil
}

func (s *Server) handleAgentDestroy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := requestArguments(req)
	name, _ := args["name"].(string)
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	handle, ok := s.container.Route(KindAgent, name)
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	session := handle.Session()
	if session == nil {
		return nil, fmt.Errorf("provider %s for agent %q: %w", handle.Descriptor(), name, ErrUnavailable)
	}

	token := ensureProgressToken(req.Params.Meta)
	closeProgress := s.forwardProgress(ctx, token)
	defer closeProgress()

	if err := session.DestroyAgent(ctx, name, &mcp.Meta{ProgressToken: token}); err != nil {
		return nil, fmt.Errorf("agent destruction failed: %w", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("agent %q destroyed", name)), nil
}
