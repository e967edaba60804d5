// Package signaling contains the mesh signaling wire protocol and the relay
// server that routes it.
//
// A participant opens one WebSocket to GET /signal, sends `join`, and from
// then on every negotiation message it sends (`offer`, `answer`,
// `candidate`) is forwarded to the named member of its room, while call
// messages (`call-*`, `roster`) are fanned out to the whole room. The relay
// never inspects SDP; it only stamps `from`, routes, and reports membership
// changes as `member-joined` / `member-left`.
//
// Delivery is FIFO per directed endpoint pair: each endpoint's messages are
// routed by a single reader goroutine into per-recipient queues that are
// drained by a single writer goroutine.
package signaling
