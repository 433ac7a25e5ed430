package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"apiary/internal/mcpclient"
	"apiary/internal/provider"
	"apiary/pkg/logging"
	"apiary/pkg/mcpext"
	"apiary/pkg/periodic"
)

// incomingBuffer bounds the per-provider message pump. A full pump drops
// the notification rather than blocking the upstream reader.
const incomingBuffer = 64

// kinds whose list-changed notification triggers a targeted re-inventory.
var listChangedKinds = map[string]Kind{
	"notifications/tools/list_changed":     KindTool,
	"notifications/prompts/list_changed":   KindPrompt,
	"notifications/resources/list_changed": KindResource,
	mcpext.NotificationAgentListChanged:    KindAgent,
}

// LoadedProvider manages a single provider connection:
//   - load the features (tools, agents, ...) offered by the provider
//   - reload features on list-changed notifications
//   - reconnect on issues
//   - provide an uninterrupted stream of upstream notifications via
//     Incoming(), surviving session breaks
//
// All session management runs on a single periodic task, so connect,
// ping, reconnect and teardown never interleave.
type LoadedProvider struct {
	descriptor provider.Descriptor
	dial       mcpclient.DialFunc
	ensure     *periodic.Periodic
	incoming   chan mcp.JSONRPCNotification

	// Timing knobs, defaulted from the package constants.
	reconnectInterval time.Duration
	pingTimeout       time.Duration

	mu             sync.RWMutex
	session        mcpclient.MCPClient
	capabilities   mcp.ServerCapabilities
	agentCap       mcpext.AgentCapability
	supportsAgents bool
	tools          []mcp.Tool
	prompts        []mcp.Prompt
	resources      []mcp.Resource
	agents         []mcpext.Agent
	agentTemplates []mcpext.AgentTemplate

	state    atomic.Int32
	stopping atomic.Bool
	started  bool
	stopped  chan struct{}
	stopOnce sync.Once
}

var _ upstream = (*LoadedProvider)(nil)

// NewLoadedProvider creates the manager for one descriptor. No connection
// is opened until Init.
func NewLoadedProvider(d provider.Descriptor, dial mcpclient.DialFunc) *LoadedProvider {
	return &LoadedProvider{
		descriptor:        d,
		dial:              dial,
		incoming:          make(chan mcp.JSONRPCNotification, incomingBuffer),
		stopped:           make(chan struct{}),
		reconnectInterval: ReconnectInterval,
		pingTimeout:       PingTimeout,
	}
}

// Descriptor returns the identity of this provider.
func (lp *LoadedProvider) Descriptor() provider.Descriptor { return lp.descriptor }

// State returns the current liveness state.
func (lp *LoadedProvider) State() State { return State(lp.state.Load()) }

// Session reveals the current session handle for request dispatch, or nil
// while disconnected.
func (lp *LoadedProvider) Session() mcpclient.MCPClient {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.session
}

// Incoming is the stream of notifications received from upstream. It
// keeps flowing across reconnects; it is never closed.
func (lp *LoadedProvider) Incoming() <-chan mcp.JSONRPCNotification { return lp.incoming }

// Init starts the session loop. The first connection attempt happens
// immediately. Idempotent.
func (lp *LoadedProvider) Init(ctx context.Context) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if lp.started || lp.State() == StateClosed {
		return nil
	}
	lp.started = true

	logging.Info("Provider", "Loading provider %s", lp.descriptor)
	lp.state.Store(int32(StateConnecting))
	lp.ensure = periodic.New(
		fmt.Sprintf("ensure session for provider %s", lp.descriptor),
		lp.reconnectInterval,
		lp.ensureSession,
	)
	lp.ensure.Start(ctx)
	return nil
}

// Close stops the session loop and releases the session. The teardown
// itself runs on the session loop task, so it cannot interleave with an
// in-flight connect. Idempotent; terminal.
func (lp *LoadedProvider) Close() error {
	lp.stopOnce.Do(func() {
		lp.stopping.Store(true)

		lp.mu.Lock()
		started := lp.started
		lp.mu.Unlock()

		if started {
			lp.ensure.Poke()
			<-lp.stopped
			lp.ensure.Stop()
		} else {
			lp.releaseSession()
			close(lp.stopped)
		}
		lp.state.Store(int32(StateClosed))
		logging.Info("Provider", "Removed provider %s", lp.descriptor)
	})
	return nil
}

// Tools returns the latest tool inventory.
func (lp *LoadedProvider) Tools() []mcp.Tool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out := make([]mcp.Tool, len(lp.tools))
	copy(out, lp.tools)
	return out
}

// Prompts returns the latest prompt inventory.
func (lp *LoadedProvider) Prompts() []mcp.Prompt {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out := make([]mcp.Prompt, len(lp.prompts))
	copy(out, lp.prompts)
	return out
}

// Resources returns the latest resource inventory.
func (lp *LoadedProvider) Resources() []mcp.Resource {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out := make([]mcp.Resource, len(lp.resources))
	copy(out, lp.resources)
	return out
}

// Agents returns the latest agent inventory.
func (lp *LoadedProvider) Agents() []mcpext.Agent {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out := make([]mcpext.Agent, len(lp.agents))
	copy(out, lp.agents)
	return out
}

// AgentTemplates returns the latest agent template inventory.
func (lp *LoadedProvider) AgentTemplates() []mcpext.AgentTemplate {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out := make([]mcpext.AgentTemplate, len(lp.agentTemplates))
	copy(out, lp.agentTemplates)
	return out
}

// ensureSession is the single session-loop tick: release on stop, probe
// an existing session, or connect a new one.
func (lp *LoadedProvider) ensureSession(ctx context.Context) error {
	if lp.stopping.Load() {
		lp.releaseSession()
		lp.stopOnceSignal()
		return nil
	}

	if session := lp.Session(); session != nil {
		pingCtx, cancel := context.WithTimeout(ctx, lp.pingTimeout)
		err := session.Ping(pingCtx)
		cancel()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			logging.Warn("Provider", "%s did not respond to ping in %s, assuming it is processing a request", lp.descriptor, lp.pingTimeout)
			return nil
		default:
			logging.Warn("Provider", "Connection to %s was closed, reconnecting: %v", lp.descriptor, err)
			lp.releaseSession()
			lp.state.Store(int32(StateDegraded))
		}
	}

	if err := lp.initializeSession(ctx); err != nil {
		lp.state.Store(int32(StateDegraded))
		return fmt.Errorf("failed to initialize session to %s: %w", lp.descriptor, err)
	}
	return nil
}

func (lp *LoadedProvider) stopOnceSignal() {
	select {
	case <-lp.stopped:
	default:
		close(lp.stopped)
	}
}

// releaseSession discards the current session if any.
func (lp *LoadedProvider) releaseSession() {
	lp.mu.Lock()
	session := lp.session
	lp.session = nil
	lp.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			logging.Debug("Provider", "Error closing session to %s: %v", lp.descriptor, err)
		}
	}
}

// initializeSession opens a fresh connection, performs the handshake,
// wires the notification stream and loads the full inventory.
func (lp *LoadedProvider) initializeSession(ctx context.Context) error {
	logging.Info("Provider", "Initializing session to provider %s", lp.descriptor)

	session, err := lp.dial(ctx)
	if err != nil {
		return err
	}

	session.OnNotification(lp.handleNotification)

	initResult, err := session.Initialize(ctx)
	if err != nil {
		session.Close()
		return err
	}

	agentCap, supportsAgents := mcpext.ParseAgentCapability(initResult.Capabilities.Experimental)

	lp.mu.Lock()
	lp.session = session
	lp.capabilities = initResult.Capabilities
	lp.agentCap = agentCap
	lp.supportsAgents = supportsAgents
	lp.mu.Unlock()

	lp.state.Store(int32(StateReady))
	lp.loadFeatures(ctx, KindTool, KindPrompt, KindResource, KindAgent, KindAgentTemplate)
	return nil
}

// handleNotification is invoked by the client for every server-pushed
// notification: list-changed notifications trigger a targeted
// re-inventory, and every notification is forwarded to the pump.
func (lp *LoadedProvider) handleNotification(n mcp.JSONRPCNotification) {
	if kind, ok := listChangedKinds[n.Method]; ok {
		go func() {
			if kind == KindAgent {
				lp.loadFeatures(context.Background(), KindAgent, KindAgentTemplate)
			} else {
				lp.loadFeatures(context.Background(), kind)
			}
		}()
	}

	if lp.stopping.Load() {
		return
	}
	select {
	case lp.incoming <- n:
	default:
		logging.Warn("Provider", "Message pump for %s is full, dropping %s", lp.descriptor, n.Method)
	}
}

// loadFeatures refreshes the inventory for the given kinds. A kind is
// loaded only when the initialize result advertised the capability. A
// per-kind failure clears that kind and leaves the provider Ready.
func (lp *LoadedProvider) loadFeatures(ctx context.Context, kinds ...Kind) {
	lp.mu.RLock()
	session := lp.session
	capabilities := lp.capabilities
	agentCap := lp.agentCap
	supportsAgents := lp.supportsAgents
	lp.mu.RUnlock()

	if session == nil {
		return
	}

	logging.Info("Provider", "Loading features for provider %s: %v", lp.descriptor, kinds)

	for _, kind := range kinds {
		switch kind {
		case KindTool:
			if capabilities.Tools == nil {
				continue
			}
			tools, err := session.ListTools(ctx)
			lp.storeInventory(kind, err, func() { lp.tools = tools })

		case KindPrompt:
			if capabilities.Prompts == nil {
				continue
			}
			prompts, err := session.ListPrompts(ctx)
			lp.storeInventory(kind, err, func() { lp.prompts = prompts })

		case KindResource:
			if capabilities.Resources == nil {
				continue
			}
			resources, err := session.ListResources(ctx)
			lp.storeInventory(kind, err, func() { lp.resources = resources })

		case KindAgent:
			if !supportsAgents {
				continue
			}
			agents, err := session.ListAgents(ctx)
			lp.storeInventory(kind, err, func() { lp.agents = agents })

		case KindAgentTemplate:
			if !supportsAgents || !agentCap.Templates {
				continue
			}
			templates, err := session.ListAgentTemplates(ctx)
			lp.storeInventory(kind, err, func() { lp.agentTemplates = templates })
		}
	}
}

// storeInventory commits one kind's refreshed inventory, or clears it on
// error.
func (lp *LoadedProvider) storeInventory(kind Kind, err error, commit func()) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if err != nil {
		logging.Warn("Provider", "Failed to load %s inventory for %s, clearing it: %v", kind, lp.descriptor, err)
		switch kind {
		case KindTool:
			lp.tools = nil
		case KindPrompt:
			lp.prompts = nil
		case KindResource:
			lp.resources = nil
		case KindAgent:
			lp.agents = nil
		case KindAgentTemplate:
			lp.agentTemplates = nil
		}
		return
	}
	commit()
}
