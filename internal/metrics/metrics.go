package metrics

import "sync"

// Event names recorded by the signaling relay.
const (
	WSConnected        = "ws_connected"
	WSDisconnected     = "ws_disconnected"
	MemberJoined       = "member_joined"
	MemberLeft         = "member_left"
	MemberReplaced     = "member_replaced"
	InvalidJoin        = "invalid_join"
	RoomCreated        = "room_created"
	RoomDestroyed      = "room_destroyed"
	MessageRouted      = "message_routed"
	RouteUnknownTarget = "route_unknown_target"
	RateLimited        = "rate_limited"
	QueueOverflow      = "queue_overflow"
	ProtocolError      = "protocol_error"
	OriginRejected     = "origin_rejected"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
