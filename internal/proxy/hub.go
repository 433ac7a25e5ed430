package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"apiary/internal/provider"
	"apiary/pkg/logging"
	"apiary/pkg/mcpext"
)

// StreamType selects which notifications a subscription receives.
type StreamType int

const (
	// StreamBroadcast receives every notification except progress-class
	// ones.
	StreamBroadcast StreamType = iota
	// StreamProgress receives only progress-class notifications whose
	// progress token matches the subscription.
	StreamProgress
)

// Progress-class notification methods.
var progressMethods = map[string]bool{
	"notifications/progress":            true,
	mcpext.NotificationAgentRunProgress: true,
}

// subscriberBuffer bounds each subscriber's outbound channel. A
// subscriber that cannot keep up is dropped, not waited for.
const subscriberBuffer = 32

// hubBuffer bounds the aggregated inbound stream.
const hubBuffer = 256

// SendFunc delivers one notification to a facing session. The method is
// the MCP notification method; params carry the notification payload
// with transport-envelope fields already stripped.
type SendFunc func(method string, params map[string]any) error

// Subscription is one installed outbound path. Close removes it; no
// notification is delivered after Close returns.
type Subscription struct {
	hub  *NotificationHub
	id   int
	once sync.Once
}

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.removeSubscriber(s.id, "scope closed")
	})
}

type subscriber struct {
	id     int
	stream StreamType
	token  string
	send   SendFunc
	out    chan mcp.JSONRPCNotification
}

// NotificationHub fans in notifications from every loaded provider and
// fans them out to filtered subscriber streams.
//
// Delivery is best-effort: a subscriber whose outbound channel is full or
// whose send fails is dropped, and the rest proceed. Delivery order per
// subscriber matches arrival order; there is no ordering guarantee across
// subscribers.
type NotificationHub struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	providers   map[provider.Descriptor]context.CancelFunc

	inbound chan mcp.JSONRPCNotification
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewNotificationHub creates a stopped hub. Call Start before use.
func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[int]*subscriber),
		providers:   make(map[provider.Descriptor]context.CancelFunc),
		inbound:     make(chan mcp.JSONRPCNotification, hubBuffer),
	}
}

// Start launches the fan-out loop.
func (h *NotificationHub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.fanOutLoop()
}

// Stop cancels all provider pumps, drops all subscribers and terminates
// the fan-out loop.
func (h *NotificationHub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.wg.Wait()
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		close(sub.out)
		delete(h.subscribers, id)
	}
	h.providers = make(map[provider.Descriptor]context.CancelFunc)
}

// Register wires a provider's incoming messages into the aggregated
// stream.
func (h *NotificationHub) Register(lp upstream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	descriptor := lp.Descriptor()
	if _, exists := h.providers[descriptor]; exists {
		return
	}

	pumpCtx, cancel := context.WithCancel(h.ctx)
	h.providers[descriptor] = cancel

	h.wg.Add(1)
	go h.pump(pumpCtx, lp)

	logging.Info("Hub", "Started listening for notifications from %s", descriptor)
}

// Remove unwires a provider. After Remove returns no new message from
// that provider enters the aggregated stream.
func (h *NotificationHub) Remove(lp upstream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	descriptor := lp.Descriptor()
	if cancel, exists := h.providers[descriptor]; exists {
		cancel()
		delete(h.providers, descriptor)
		logging.Info("Hub", "Stopped listening for notifications from %s", descriptor)
	}
}

// ForwardNotifications installs a filtered outbound path. For
// StreamProgress the progress token of the originating request is
// required; notifications carrying a different token are not delivered.
// Close the returned subscription on scope exit.
func (h *NotificationHub) ForwardNotifications(stream StreamType, progressToken any, send SendFunc) (*Subscription, error) {
	token := normalizeToken(progressToken)
	if stream == StreamProgress && token == "" {
		return nil, fmt.Errorf("missing progress token for progress notifications")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscriber{
		id:     id,
		stream: stream,
		token:  token,
		send:   send,
		out:    make(chan mcp.JSONRPCNotification, subscriberBuffer),
	}
	h.subscribers[id] = sub

	go h.deliverLoop(sub)

	return &Subscription{hub: h, id: id}, nil
}

// pump reads one provider's incoming stream into the aggregated inbound
// channel until cancelled.
func (h *NotificationHub) pump(ctx context.Context, lp upstream) {
	defer h.wg.Done()
	incoming := lp.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-incoming:
			if !ok {
				return
			}
			select {
			case h.inbound <- n:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fanOutLoop distributes inbound notifications to all matching
// subscribers. The subscriber set is snapshotted per notification;
// removal during iteration is safe.
func (h *NotificationHub) fanOutLoop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case n := <-h.inbound:
			h.dispatch(n)
		}
	}
}

// dispatch delivers one notification to every matching subscriber's
// outbound channel. It holds the hub lock for the whole fan-out, which
// makes registration and removal atomic with respect to it; the sends
// are non-blocking so the lock is never held across I/O.
func (h *NotificationHub) dispatch(n mcp.JSONRPCNotification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var full []int
	for _, sub := range h.subscribers {
		if !matches(sub, n) {
			continue
		}
		select {
		case sub.out <- n:
		default:
			// A slow subscriber must not block the fan-in.
			full = append(full, sub.id)
		}
	}
	for _, id := range full {
		h.removeLocked(id, "outbound channel full")
	}
}

// matches applies the exhaustive filtering rules for a subscriber.
func matches(sub *subscriber, n mcp.JSONRPCNotification) bool {
	progress := progressMethods[n.Method]
	switch sub.stream {
	case StreamBroadcast:
		return !progress
	case StreamProgress:
		if !progress {
			return false
		}
		return normalizeToken(n.Params.AdditionalFields["progressToken"]) == sub.token
	default:
		return false
	}
}

// deliverLoop sends a subscriber's queued notifications in arrival order.
// A broken send drops the subscriber; the rest of the hub proceeds.
func (h *NotificationHub) deliverLoop(sub *subscriber) {
	for n := range sub.out {
		h.mu.Lock()
		_, active := h.subscribers[sub.id]
		h.mu.Unlock()
		if !active {
			// Removed: notifications still queued are discarded.
			continue
		}
		if err := sub.send(n.Method, notificationParams(n)); err != nil {
			logging.Warn("Hub", "Failed to forward notification %s, dropping subscriber: %v", n.Method, err)
			h.removeSubscriber(sub.id, "send failed")
			// removeSubscriber closed the channel; discard whatever is
			// still queued, as delivery is best-effort.
			for range sub.out {
			}
			return
		}
	}
}

// notificationParams flattens the notification payload for re-emission,
// stripping the transport envelope.
func notificationParams(n mcp.JSONRPCNotification) map[string]any {
	params := make(map[string]any, len(n.Params.AdditionalFields)+1)
	for k, v := range n.Params.AdditionalFields {
		params[k] = v
	}
	if len(n.Params.Meta) > 0 {
		params["_meta"] = n.Params.Meta
	}
	return params
}

// removeSubscriber drops a subscriber under the hub's lock. Idempotent.
func (h *NotificationHub) removeSubscriber(id int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id, reason)
}

// removeLocked requires h.mu. Closing out is safe here because every
// send to it also happens under h.mu.
func (h *NotificationHub) removeLocked(id int, reason string) {
	sub, exists := h.subscribers[id]
	if !exists {
		return
	}
	delete(h.subscribers, id)
	close(sub.out)
	logging.Debug("Hub", "Removed subscriber %d (%s)", id, reason)
}

// normalizeToken renders a progress token for comparison. JSON decoding
// may turn numeric tokens into float64; normalize through fmt so a
// minted int and its decoded form compare equal.
func normalizeToken(token any) string {
	switch v := token.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
