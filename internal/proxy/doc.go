// Package proxy implements the MCP proxy core of apiary.
//
// The package aggregates a dynamic set of upstream MCP providers behind a
// single facing MCP server. Its main components:
//
// # LoadedProvider
//
// One live upstream session. A single periodic task owns the whole
// session lifecycle: connect, handshake, ping-based liveness, reconnect
// and teardown. The feature inventory (tools, prompts, resources, agents,
// agent templates) is loaded per advertised capability; list-changed
// notifications trigger a targeted re-inventory. Every upstream
// notification is forwarded into a bounded pump that survives session
// breaks.
//
// A ping that times out does not kill the session: the upstream is
// assumed to be busy processing a request. Only a failed ping or a broken
// stream discards the session; a reconnect is attempted right away, and a
// failed reconnect is retried on the next periodic tick.
//
// # NotificationHub
//
// Fans in the pumps of all loaded providers and fans them out to
// filtered subscriber streams. Broadcast subscriptions receive everything
// except progress-class notifications; Progress subscriptions receive
// exactly the progress notifications carrying their request's progress
// token. Delivery is best-effort with bounded buffers; a slow or broken
// subscriber is dropped, never waited for.
//
// # Container
//
// Reconciles the provider repository against the loaded set, on a
// periodic runner that repository change events poke. It owns the hub,
// exposes the aggregated catalogs and derives the routing table mapping
// "{kind}/{name}" to the owning provider.
//
// # Server
//
// The facing MCP server. It mirrors the aggregated tool, prompt and
// resource catalogs onto an mcp-go server whose handlers dispatch through
// the routing table, and exposes the agent surface as built-in tools.
// Before forwarding a unary request it guarantees a progress token
// (reusing the client's or minting one) and installs a Progress
// subscription scoped to the request, so upstream progress arrives on the
// session that asked.
package proxy
