package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiary/internal/provider"
)

func startHub(t *testing.T) *NotificationHub {
	t.Helper()
	hub := NewNotificationHub()
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)
	return hub
}

func TestBroadcastExcludesProgress(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	sender := &recordingSender{}
	sub, err := hub.ForwardNotifications(StreamBroadcast, nil, sender.send)
	require.NoError(t, err)
	defer sub.Close()

	up.incoming <- notification("notifications/tools/list_changed", nil)
	up.incoming <- notification("notifications/progress", map[string]any{"progressToken": "t1", "progress": 0.5})
	up.incoming <- notification("notifications/resources/list_changed", nil)

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)

	for _, got := range sender.all() {
		assert.NotEqual(t, "notifications/progress", got.method)
	}
}

func TestProgressRequiresToken(t *testing.T) {
	hub := startHub(t)

	_, err := hub.ForwardNotifications(StreamProgress, nil, (&recordingSender{}).send)
	assert.Error(t, err)

	_, err = hub.ForwardNotifications(StreamProgress, "", (&recordingSender{}).send)
	assert.Error(t, err)
}

func TestProgressDeliveredOnlyForMatchingToken(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	mine := &recordingSender{}
	other := &recordingSender{}

	subMine, err := hub.ForwardNotifications(StreamProgress, "tok-mine", mine.send)
	require.NoError(t, err)
	defer subMine.Close()
	subOther, err := hub.ForwardNotifications(StreamProgress, "tok-other", other.send)
	require.NoError(t, err)
	defer subOther.Close()

	for _, p := range []float64{0.33, 0.66, 1.0} {
		up.incoming <- notification("notifications/progress", map[string]any{"progressToken": "tok-mine", "progress": p})
	}

	require.Eventually(t, func() bool { return mine.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, other.count(), "progress must not leak to other requests")

	// In-order delivery per subscriber
	got := mine.all()
	assert.Equal(t, 0.33, got[0].params["progress"])
	assert.Equal(t, 0.66, got[1].params["progress"])
	assert.Equal(t, 1.0, got[2].params["progress"])
}

func TestProgressSubscriberIgnoresNonProgress(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	sender := &recordingSender{}
	sub, err := hub.ForwardNotifications(StreamProgress, "tok", sender.send)
	require.NoError(t, err)
	defer sub.Close()

	broadcast := &recordingSender{}
	bsub, err := hub.ForwardNotifications(StreamBroadcast, nil, broadcast.send)
	require.NoError(t, err)
	defer bsub.Close()

	up.incoming <- notification("notifications/tools/list_changed", nil)
	up.incoming <- notification("notifications/progress", map[string]any{"progressToken": "tok"})

	require.Eventually(t, func() bool { return sender.count() == 1 && broadcast.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "notifications/progress", sender.all()[0].method)
	assert.Equal(t, "notifications/tools/list_changed", broadcast.all()[0].method)
}

func TestAgentRunProgressIsProgressClass(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	progress := &recordingSender{}
	sub, err := hub.ForwardNotifications(StreamProgress, "tok", progress.send)
	require.NoError(t, err)
	defer sub.Close()

	broadcast := &recordingSender{}
	bsub, err := hub.ForwardNotifications(StreamBroadcast, nil, broadcast.send)
	require.NoError(t, err)
	defer bsub.Close()

	up.incoming <- notification("notifications/agents/run/progress", map[string]any{"progressToken": "tok", "delta": "thinking"})

	require.Eventually(t, func() bool { return progress.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, broadcast.count())
}

func TestEnvelopeStrippedFromForwardedParams(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	sender := &recordingSender{}
	sub, err := hub.ForwardNotifications(StreamBroadcast, nil, sender.send)
	require.NoError(t, err)
	defer sub.Close()

	up.incoming <- notification("notifications/resources/updated", map[string]any{"uri": "file:///x"})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	params := sender.all()[0].params
	assert.Equal(t, "file:///x", params["uri"])
	assert.NotContains(t, params, "jsonrpc")
	assert.NotContains(t, params, "method")
}

func TestBrokenSubscriberIsDroppedOthersProceed(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	broken := &recordingSender{err: assert.AnError}
	healthy := &recordingSender{}

	bsub, err := hub.ForwardNotifications(StreamBroadcast, nil, broken.send)
	require.NoError(t, err)
	defer bsub.Close()
	hsub, err := hub.ForwardNotifications(StreamBroadcast, nil, healthy.send)
	require.NoError(t, err)
	defer hsub.Close()

	up.incoming <- notification("notifications/tools/list_changed", nil)
	up.incoming <- notification("notifications/prompts/list_changed", nil)

	require.Eventually(t, func() bool { return healthy.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, broken.count())
}

func TestRemoveStopsDeliveryFromProvider(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	sender := &recordingSender{}
	sub, err := hub.ForwardNotifications(StreamBroadcast, nil, sender.send)
	require.NoError(t, err)
	defer sub.Close()

	up.incoming <- notification("notifications/tools/list_changed", nil)
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	hub.Remove(up)
	// The pump is cancelled; nothing queued afterwards may arrive.
	time.Sleep(20 * time.Millisecond)
	select {
	case up.incoming <- notification("notifications/tools/list_changed", nil):
	default:
		t.Fatal("incoming channel unexpectedly full")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestCloseSubscriptionStopsDelivery(t *testing.T) {
	hub := startHub(t)
	up := newFakeUpstream(provider.Descriptor{Type: provider.TypeUvx, Location: "file:///p"})
	hub.Register(up)

	sender := &recordingSender{}
	sub, err := hub.ForwardNotifications(StreamBroadcast, nil, sender.send)
	require.NoError(t, err)

	up.incoming <- notification("notifications/tools/list_changed", nil)
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	sub.Close()
	sub.Close() // idempotent

	up.incoming <- notification("notifications/tools/list_changed", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestStopClearsSubscribers(t *testing.T) {
	hub := NewNotificationHub()
	hub.Start(context.Background())

	_, err := hub.ForwardNotifications(StreamBroadcast, nil, (&recordingSender{}).send)
	require.NoError(t, err)

	hub.Stop()

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Empty(t, hub.subscribers)
	assert.Empty(t, hub.providers)
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "", normalizeToken(nil))
	assert.Equal(t, "abc", normalizeToken("abc"))
	assert.Equal(t, "5", normalizeToken(float64(5)))
	assert.Equal(t, "5", normalizeToken(5))
	assert.Equal(t, "1.5", normalizeToken(1.5))
}
