package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"apiary/internal/mcpclient"
	"apiary/internal/provider"
	"apiary/pkg/logging"
	"apiary/pkg/mcpext"
	"apiary/pkg/periodic"
)

// CollisionHandler is invoked when two providers advertise the same
// qualified name. The default handler logs; tests substitute their own.
type CollisionHandler func(key string, kept, shadowed provider.Descriptor)

// Container reconciles the provider repository against the set of loaded
// providers and exposes the aggregated catalogs plus the routing table.
//
// Reconciliation runs single-threaded on the container's periodic runner;
// every repository change event pokes it. Subprocess teardown and SSE
// cancellation are entered from that same task, so their cancellation
// scopes never interleave.
type Container struct {
	repository provider.Repository
	hub        *NotificationHub
	reload     *periodic.Periodic

	// newProvider constructs the managed provider for a descriptor.
	// Tests substitute a fake constructor.
	newProvider func(d provider.Descriptor) (upstream, error)

	onCollision CollisionHandler

	mu     sync.RWMutex
	loaded map[provider.Descriptor]upstream

	updateChan  chan struct{}
	stopping    bool
	stopped     chan struct{}
	stopMu      sync.Mutex
	unsubscribe func()
	started     bool
}

// NewContainer creates a container over the given repository.
func NewContainer(repository provider.Repository) *Container {
	c := &Container{
		repository: repository,
		hub:        NewNotificationHub(),
		loaded:     make(map[provider.Descriptor]upstream),
		updateChan: make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	c.newProvider = func(d provider.Descriptor) (upstream, error) {
		dial, err := mcpclient.NewDialer(d)
		if err != nil {
			return nil, err
		}
		return NewLoadedProvider(d, dial), nil
	}
	c.onCollision = func(key string, kept, shadowed provider.Descriptor) {
		logging.Warn("Container", "Name collision on %s: %s shadows %s", key, kept, shadowed)
	}
	c.reload = periodic.New("reload providers", ReloadPeriod, c.reconcile)
	return c
}

// Start begins reconciliation. The first pass runs immediately.
func (c *Container) Start(ctx context.Context) error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if c.started {
		return nil
	}
	c.started = true
	c.stopping = false
	c.stopped = make(chan struct{})

	// Teardown runs on the reconciliation task, so that task must outlive
	// cancellation of ctx; Stop ends it.
	runCtx := context.WithoutCancel(ctx)
	c.hub.Start(runCtx)
	c.reload.Start(runCtx)
	c.unsubscribe = c.repository.Subscribe(func(provider.Event) {
		c.reload.Poke()
	})

	logging.Info("Container", "Started provider container")
	return nil
}

// Stop closes every loaded provider, clears the maps and terminates
// reconciliation. It returns once all providers confirmed teardown.
func (c *Container) Stop() error {
	c.stopMu.Lock()
	if !c.started {
		c.stopMu.Unlock()
		return nil
	}
	c.started = false
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.stopping = true
	c.stopMu.Unlock()

	// The teardown itself runs on the reconciliation task.
	c.reload.Poke()
	<-c.stopped
	c.reload.Stop()
	c.hub.Stop()

	logging.Info("Container", "Stopped provider container")
	return nil
}

// reconcile is one reconciliation pass: align loaded providers with the
// repository's desired set, or tear everything down when stopping.
func (c *Container) reconcile(ctx context.Context) error {
	c.stopMu.Lock()
	stopping := c.stopping
	c.stopMu.Unlock()

	if stopping {
		c.mu.Lock()
		loaded := c.loaded
		c.loaded = make(map[provider.Descriptor]upstream)
		c.mu.Unlock()

		for _, lp := range loaded {
			if err := lp.Close(); err != nil {
				logging.Warn("Container", "Error closing provider %s: %v", lp.Descriptor(), err)
			}
			c.hub.Remove(lp)
		}
		select {
		case <-c.stopped:
		default:
			close(c.stopped)
		}
		return nil
	}

	logging.Debug("Container", "Reconciling MCP providers")

	desired, err := c.repository.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	desiredSet := make(map[provider.Descriptor]bool, len(desired))
	for _, d := range desired {
		desiredSet[d] = true
	}

	c.mu.RLock()
	current := make(map[provider.Descriptor]upstream, len(c.loaded))
	for d, lp := range c.loaded {
		current[d] = lp
	}
	c.mu.RUnlock()

	var toAdd []provider.Descriptor
	for _, d := range desired {
		if _, exists := current[d]; !exists {
			toAdd = append(toAdd, d)
		}
	}
	var toRemove []upstream
	for d, lp := range current {
		if !desiredSet[d] {
			toRemove = append(toRemove, lp)
		}
	}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return nil
	}
	logging.Info("Container", "Removing %d old providers, adding %d new providers", len(toRemove), len(toAdd))

	for _, lp := range toRemove {
		if err := lp.Close(); err != nil {
			logging.Warn("Container", "Error closing provider %s: %v", lp.Descriptor(), err)
		}
		c.hub.Remove(lp)
	}

	added := make(map[provider.Descriptor]upstream, len(toAdd))
	for _, d := range toAdd {
		lp, err := c.newProvider(d)
		if err != nil {
			logging.Error("Container", err, "Failed to construct provider %s", d)
			continue
		}
		if err := lp.Init(ctx); err != nil {
			logging.Error("Container", err, "Failed to start provider %s", d)
			continue
		}
		c.hub.Register(lp)
		added[d] = lp
	}

	c.mu.Lock()
	next := make(map[provider.Descriptor]upstream, len(current)+len(added))
	for d, lp := range current {
		if desiredSet[d] {
			next[d] = lp
		}
	}
	for d, lp := range added {
		next[d] = lp
	}
	c.loaded = next
	c.mu.Unlock()

	c.notifyUpdate()
	return nil
}

// notifyUpdate signals catalog consumers that the loaded set changed.
func (c *Container) notifyUpdate() {
	select {
	case c.updateChan <- struct{}{}:
	default:
	}
}

// Updates receives a signal whenever the loaded provider set changes.
func (c *Container) Updates() <-chan struct{} { return c.updateChan }

// snapshot returns the current loaded providers.
func (c *Container) snapshot() []upstream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]upstream, 0, len(c.loaded))
	for _, lp := range c.loaded {
		out = append(out, lp)
	}
	return out
}

// Tools returns the aggregated tool catalog.
func (c *Container) Tools() []mcp.Tool {
	var out []mcp.Tool
	for _, lp := range c.snapshot() {
		out = append(out, lp.Tools()...)
	}
	return out
}

// Prompts returns the aggregated prompt catalog.
func (c *Container) Prompts() []mcp.Prompt {
	var out []mcp.Prompt
	for _, lp := range c.snapshot() {
		out = append(out, lp.Prompts()...)
	}
	return out
}

// Resources returns the aggregated resource catalog.
func (c *Container) Resources() []mcp.Resource {
	var out []mcp.Resource
	for _, lp := range c.snapshot() {
		out = append(out, lp.Resources()...)
	}
	return out
}

// Agents returns the aggregated agent catalog.
func (c *Container) Agents() []mcpext.Agent {
	var out []mcpext.Agent
	for _, lp := range c.snapshot() {
		out = append(out, lp.Agents()...)
	}
	return out
}

// AgentTemplates returns the aggregated agent template catalog.
func (c *Container) AgentTemplates() []mcpext.AgentTemplate {
	var out []mcpext.AgentTemplate
	for _, lp := range c.snapshot() {
		out = append(out, lp.AgentTemplates()...)
	}
	return out
}

// RoutingTable derives the qualified-name routing map from the current
// loaded set and per-provider inventories. The returned map is a fresh
// snapshot; callers may hold it without locking. Collisions resolve
// last-writer-wins and are reported to the collision handler.
func (c *Container) RoutingTable() map[string]ProviderHandle {
	table := make(map[string]ProviderHandle)
	put := func(key string, lp upstream) {
		if prev, exists := table[key]; exists && prev.Descriptor() != lp.Descriptor() {
			c.onCollision(key, lp.Descriptor(), prev.Descriptor())
		}
		table[key] = ProviderHandle{lp: lp}
	}

	for _, lp := range c.snapshot() {
		for _, t := range lp.Tools() {
			put(routingKey(KindTool, t.Name), lp)
		}
		for _, p := range lp.Prompts() {
			put(routingKey(KindPrompt, p.Name), lp)
		}
		for _, r := range lp.Resources() {
			put(routingKey(KindResource, r.URI), lp)
		}
		for _, a := range lp.Agents() {
			put(routingKey(KindAgent, a.Name), lp)
		}
		for _, t := range lp.AgentTemplates() {
			put(routingKey(KindAgentTemplate, t.Name), lp)
		}
	}
	return table
}

// Route resolves one qualified name to its owning provider. The second
// return is false on a routing miss; callers fail the request with
// ErrNotFound rather than waiting for reconciliation.
func (c *Container) Route(kind Kind, name string) (ProviderHandle, bool) {
	handle, exists := c.RoutingTable()[routingKey(kind, name)]
	return handle, exists
}

// ForwardNotifications delegates to the notification hub.
func (c *Container) ForwardNotifications(stream StreamType, progressToken any, send SendFunc) (*Subscription, error) {
	return c.hub.ForwardNotifications(stream, progressToken, send)
}

// ProviderHandle is the request-dispatch view of a loaded provider.
type ProviderHandle struct {
	lp upstream
}

// Descriptor returns the identity of the routed provider.
func (h ProviderHandle) Descriptor() provider.Descriptor { return h.lp.Descriptor() }

// Session reveals the provider's current session, or nil while
// disconnected.
func (h ProviderHandle) Session() mcpclient.MCPClient { return h.lp.Session() }

// State returns the provider's liveness.
func (h ProviderHandle) State() State { return h.lp.State() }
