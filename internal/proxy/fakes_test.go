package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"apiary/internal/mcpclient"
	"apiary/internal/provider"
	"apiary/pkg/mcpext"
)

// fakeClient is an in-memory mcpclient.MCPClient for loaded-provider and
// dispatch tests.
type fakeClient struct {
	mu sync.Mutex

	initResult mcp.InitializeResult
	initErr    error
	initCalls  int

	pingErr   error
	pingCalls int

	closed     bool
	closeCalls int

	tools     []mcp.Tool
	toolsErr  error
	listTools int

	prompts    []mcp.Prompt
	promptsErr error

	resources    []mcp.Resource
	resourcesErr error

	agents    []mcpext.Agent
	agentsErr error

	templates    []mcpext.AgentTemplate
	templatesErr error

	callResult *mcp.CallToolResult
	callErr    error
	lastCall   struct {
		name string
		args map[string]interface{}
		meta *mcp.Meta
	}

	runResult *mcp.CallToolResult
	runErr    error
	lastRun   struct {
		name, prompt string
		meta         *mcp.Meta
	}

	destroyErr   error
	destroyCalls int

	notifHandlers []func(mcp.JSONRPCNotification)
}

var _ mcpclient.MCPClient = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		initResult: mcp.InitializeResult{
			Capabilities: mcp.ServerCapabilities{
				Tools: &struct {
					ListChanged bool `json:"listChanged,omitempty"`
				}{},
			},
		},
	}
}

func (f *fakeClient) withAgentSupport(templates bool) *fakeClient {
	f.initResult.Capabilities.Experimental = map[string]any{
		"agents": map[string]any{"templates": templates},
	}
	return f
}

func (f *fakeClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.closed = false
	result := f.initResult
	return &result, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	return f.pingErr
}

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifHandlers = append(f.notifHandlers, handler)
}

func (f *fakeClient) emit(n mcp.JSONRPCNotification) {
	f.mu.Lock()
	handlers := append([]func(mcp.JSONRPCNotification){}, f.notifHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(n)
	}
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listTools++
	return f.tools, f.toolsErr
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall.name = name
	f.lastCall.args = args
	f.lastCall.meta = meta
	return f.callResult, f.callErr
}

func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources, f.resourcesErr
}

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts, f.promptsErr
}

func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeClient) ListAgents(ctx context.Context) ([]mcpext.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents, f.agentsErr
}

func (f *fakeClient) ListAgentTemplates(ctx context.Context) ([]mcpext.AgentTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.templates, f.templatesErr
}

func (f *fakeClient) CreateAgent(ctx context.Context, templateName string, config map[string]interface{}, meta *mcp.Meta) (*mcpext.Agent, error) {
	return &mcpext.Agent{Name: templateName + "-1", Template: templateName, Config: config}, nil
}

func (f *fakeClient) RunAgent(ctx context.Context, name, prompt string, config map[string]interface{}, meta *mcp.Meta) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRun.name = name
	f.lastRun.prompt = prompt
	f.lastRun.meta = meta
	return f.runResult, f.runErr
}

func (f *fakeClient) DestroyAgent(ctx context.Context, name string, meta *mcp.Meta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	return f.destroyErr
}

// fakeUpstream is an in-memory upstream for hub and container tests.
type fakeUpstream struct {
	mu         sync.Mutex
	desc       provider.Descriptor
	incoming   chan mcp.JSONRPCNotification
	session    mcpclient.MCPClient
	state      State
	initCalls  int
	closeCalls int

	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	agents    []mcpext.Agent
	templates []mcpext.AgentTemplate
}

var _ upstream = (*fakeUpstream)(nil)

func newFakeUpstream(d provider.Descriptor) *fakeUpstream {
	return &fakeUpstream{
		desc:     d,
		incoming: make(chan mcp.JSONRPCNotification, incomingBuffer),
		state:    StateReady,
	}
}

func (f *fakeUpstream) Descriptor() provider.Descriptor { return f.desc }

func (f *fakeUpstream) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.state = StateClosed
	return nil
}

func (f *fakeUpstream) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeUpstream) Session() mcpclient.MCPClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeUpstream) Incoming() <-chan mcp.JSONRPCNotification { return f.incoming }

func (f *fakeUpstream) Tools() []mcp.Tool { f.mu.Lock(); defer f.mu.Unlock(); return f.tools }

func (f *fakeUpstream) Prompts() []mcp.Prompt { f.mu.Lock(); defer f.mu.Unlock(); return f.prompts }

func (f *fakeUpstream) Resources() []mcp.Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources
}

func (f *fakeUpstream) Agents() []mcpext.Agent { f.mu.Lock(); defer f.mu.Unlock(); return f.agents }

func (f *fakeUpstream) AgentTemplates() []mcpext.AgentTemplate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.templates
}

// notification builds a minimal upstream notification for tests.
func notification(method string, fields map[string]any) mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: fields},
		},
	}
}

// recordingSender collects forwarded notifications.
type recordingSender struct {
	mu       sync.Mutex
	received []forwarded
	err      error
}

type forwarded struct {
	method string
	params map[string]any
}

func (r *recordingSender) send(method string, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.received = append(r.received, forwarded{method: method, params: params})
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recordingSender) all() []forwarded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]forwarded, len(r.received))
	copy(out, r.received)
	return out
}
