package mcpclient

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"apiary/pkg/logging"
	"apiary/pkg/mcpext"
)

// MCPClient is one live upstream MCP session. Both transport types
// (stdio subprocess, SSE) implement it, enabling polymorphic usage and
// easier testing with fakes.
type MCPClient interface {
	// Initialize establishes the connection and performs the protocol
	// handshake. It returns the initialize result so callers can inspect
	// the advertised capabilities.
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	// Close cleanly shuts down the client connection
	Close() error
	// Ping checks if the server is responsive
	Ping(ctx context.Context) error
	// OnNotification registers a handler for server-pushed notifications.
	// Handlers registered before Initialize are installed during connect.
	OnNotification(handler func(mcp.JSONRPCNotification))

	// ListTools returns all available tools from the server
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes a tool. A non-nil meta is attached to the request,
	// carrying the progress token upstream.
	CallTool(ctx context.Context, name string, args map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error)
	// ListResources returns all available resources from the server
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	// ReadResource retrieves a specific resource
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	// ListPrompts returns all available prompts from the server
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt retrieves a specific prompt
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)

	// Agent extension operations (see pkg/mcpext). Only valid when the
	// initialize result advertised the extension.
	ListAgents(ctx context.Context) ([]mcpext.Agent, error)
	ListAgentTemplates(ctx context.Context) ([]mcpext.AgentTemplate, error)
	CreateAgent(ctx context.Context, templateName string, config map[string]interface{}, meta *mcp.Meta) (*mcpext.Agent, error)
	RunAgent(ctx context.Context, name, prompt string, config map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error)
	DestroyAgent(ctx context.Context, name string, meta *mcp.Meta) error
}

// Compile-time interface compliance checks
var (
	_ MCPClient = (*StdioClient)(nil)
	_ MCPClient = (*SSEClient)(nil)
)

const initializeTimeout = 10 * time.Second

// baseClient provides the protocol operations shared by the transport
// implementations.
type baseClient struct {
	mu        sync.RWMutex
	client     *client.Client
	ext        *mcpext.Caller
	connected  bool
	initResult *mcp.InitializeResult

	// Handlers registered before the underlying client exists.
	pendingNotif []func(mcp.JSONRPCNotification)
}

// checkConnected verifies the client is connected. Caller must hold at
// least a read lock on mu.
func (b *baseClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return fmt.Errorf("client not connected")
	}
	return nil
}

// attach wires a freshly initialized mcp-go client into the base,
// installing any pre-registered notification handlers. Caller holds mu.
func (b *baseClient) attach(mcpClient *client.Client, initResult *mcp.InitializeResult) {
	b.client = mcpClient
	b.ext = mcpext.NewCaller(mcpClient)
	b.connected = true
	b.initResult = initResult
	for _, handler := range b.pendingNotif {
		mcpClient.OnNotification(handler)
	}
}

func (b *baseClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pendingNotif = append(b.pendingNotif, handler)
	if b.connected && b.client != nil {
		b.client.OnNotification(handler)
	}
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil
	b.ext = nil
	b.initResult = nil

	return err
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}
	return b.client.Ping(ctx)
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
			Meta:      meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return result.Resources, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	return result, nil
}

func (b *baseClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return result.Prompts, nil
}

func (b *baseClient) getPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	// The prompt API takes string arguments only
	stringArgs := make(map[string]string)
	for k, v := range args {
		if str, ok := v.(string); ok {
			stringArgs[k] = str
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return result, nil
}

func (b *baseClient) extension() (*mcpext.Caller, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	return b.ext, nil
}

func (b *baseClient) listAgents(ctx context.Context) ([]mcpext.Agent, error) {
	ext, err := b.extension()
	if err != nil {
		return nil, err
	}
	return ext.ListAgents(ctx)
}

func (b *baseClient) listAgentTemplates(ctx context.Context) ([]mcpext.AgentTemplate, error) {
	ext, err := b.extension()
	if err != nil {
		return nil, err
	}
	return ext.ListAgentTemplates(ctx)
}

func (b *baseClient) createAgent(ctx context.Context, templateName string, config map[string]interface{}, meta *mcp.Meta) (*mcpext.Agent, error) {
	ext, err := b.extension()
	if err != nil {
		return nil, err
	}
	return ext.CreateAgent(ctx, templateName, config, meta)
}

func (b *baseClient) runAgent(ctx context.Context, name, prompt string, config map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	ext, err := b.extension()
	if err != nil {
		return nil, err
	}
	return ext.RunAgent(ctx, name, prompt, config, meta)
}

func (b *baseClient) destroyAgent(ctx context.Context, name string, meta *mcp.Meta) error {
	ext, err := b.extension()
	if err != nil {
		return err
	}
	return ext.DestroyAgent(ctx, name, meta)
}

// initializeProtocol performs the MCP handshake on a freshly created
// client, bounding it with a default timeout when the context has none.
func initializeProtocol(ctx context.Context, mcpClient *client.Client, clientName string) (*mcp.InitializeResult, error) {
	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initializeTimeout)
		defer cancel()
	}

	return mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
}

// StdioClient implements MCPClient over a spawned subprocess.
type StdioClient struct {
	baseClient
	command string
	args    []string
	env     map[string]string
}

// NewStdioClient creates a new stdio-based MCP client. The subprocess is
// not started until Initialize.
func NewStdioClient(command string, args []string, env map[string]string) *StdioClient {
	return &StdioClient{
		command: command,
		args:    args,
		env:     env,
	}
}

// Initialize spawns the subprocess and performs the protocol handshake.
// Idempotent while connected.
func (c *StdioClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.initResult, nil
	}

	logging.Debug("StdioClient", "Spawning %s %v", c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}

	initResult, err := initializeProtocol(ctx, mcpClient, "apiary")
	if err != nil {
		logging.Error("StdioClient", err, "Failed to initialize MCP protocol for %s", c.command)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.attach(mcpClient, initResult)
	c.logStderr(mcpClient)

	logging.Debug("StdioClient", "MCP protocol initialized for %s", c.command)
	return initResult, nil
}

// logStderr drains the subprocess stderr into the log until the process
// exits.
func (c *StdioClient) logStderr(mcpClient *client.Client) {
	stderr, ok := client.GetStderr(mcpClient)
	if !ok {
		return
	}
	command := c.command
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debug("StdioClient", "[%s stderr] %s", command, scanner.Text())
		}
	}()
}

func (c *StdioClient) Close() error { return c.closeClient() }

func (c *StdioClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args, meta)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) ListAgents(ctx context.Context) ([]mcpext.Agent, error) {
	return c.listAgents(ctx)
}

func (c *StdioClient) ListAgentTemplates(ctx context.Context) ([]mcpext.AgentTemplate, error) {
	return c.listAgentTemplates(ctx)
}

func (c *StdioClient) CreateAgent(ctx context.Context, templateName string, config map[string]interface{}, meta *mcp.Meta) (*mcpext.Agent, error) {
	return c.createAgent(ctx, templateName, config, meta)
}

func (c *StdioClient) RunAgent(ctx context.Context, name, prompt string, config map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	return c.runAgent(ctx, name, prompt, config, meta)
}

func (c *StdioClient) DestroyAgent(ctx context.Context, name string, meta *mcp.Meta) error {
	return c.destroyAgent(ctx, name, meta)
}

// SSEClient implements MCPClient over an SSE connection to a remote
// server.
type SSEClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewSSEClient creates a new SSE-based MCP client.
func NewSSEClient(url string, headers map[string]string) *SSEClient {
	return &SSEClient{
		url:     url,
		headers: headers,
	}
}

// Initialize opens the SSE stream and performs the protocol handshake.
// Idempotent while connected.
func (c *SSEClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.initResult, nil
	}

	logging.Debug("SSEClient", "Connecting to %s", c.url)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start SSE transport: %w", err)
	}

	initResult, err := initializeProtocol(ctx, mcpClient, "apiary")
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.attach(mcpClient, initResult)

	logging.Debug("SSEClient", "SSE client initialized. Server: %s, Version: %s",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return initResult, nil
}

func (c *SSEClient) Close() error { return c.closeClient() }

func (c *SSEClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args, meta)
}

func (c *SSEClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) ListAgents(ctx context.Context) ([]mcpext.Agent, error) {
	return c.listAgents(ctx)
}

func (c *SSEClient) ListAgentTemplates(ctx context.Context) ([]mcpext.AgentTemplate, error) {
	return c.listAgentTemplates(ctx)
}

func (c *SSEClient) CreateAgent(ctx context.Context, templateName string, config map[string]interface{}, meta *mcp.Meta) (*mcpext.Agent, error) {
	return c.createAgent(ctx, templateName, config, meta)
}

func (c *SSEClient) RunAgent(ctx context.Context, name, prompt string, config map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	return c.runAgent(ctx, name, prompt, config, meta)
}

func (c *SSEClient) DestroyAgent(ctx context.Context, name string, meta *mcp.Meta) error {
	return c.destroyAgent(ctx, name, meta)
}
