package client

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
)

// fakeTransport reports connected as soon as a description exchange
// completes.
type fakeTransport struct {
	ev      negotiation.TransportEvents
	once    sync.Once
	mu      sync.Mutex
	tracks  map[string]bool
	closed  bool
	answers int
}

func (f *fakeTransport) connect() {
	f.once.Do(func() { f.ev.OnConnectivity(negotiation.Connected) })
}

func (f *fakeTransport) SetRemoteDescription(d negotiation.Description) error {
	if d.Type == negotiation.SDPTypeAnswer {
		f.connect()
	}
	return nil
}

func (f *fakeTransport) CreateOffer() (negotiation.Description, error) {
	return negotiation.Description{Type: negotiation.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (negotiation.Description, error) {
	f.mu.Lock()
	f.answers++
	f.mu.Unlock()
	f.connect()
	return negotiation.Description{Type: negotiation.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (f *fakeTransport) Rollback() error                             { return nil }
func (f *fakeTransport) AddICECandidate(negotiation.Candidate) error { return nil }

func (f *fakeTransport) SetTracks(tracks []negotiation.Track) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, negotiation.ErrLinkClosed
	}
	next := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		next[t.ID()] = true
	}
	changed := len(next) != len(f.tracks)
	for id := range next {
		if !f.tracks[id] {
			changed = true
		}
	}
	f.tracks = next
	return changed, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func fakeFactory([]webrtc.ICEServer) negotiation.TransportFactory {
	return func(_ negotiation.TransportParams, ev negotiation.TransportEvents) (negotiation.Transport, error) {
		return &fakeTransport{ev: ev}, nil
	}
}

func newRelay(t *testing.T, mutate func(*signaling.Config)) *httptest.Server {
	t.Helper()
	cfg := signaling.Config{Metrics: metrics.New()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := signaling.NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts
}

// conns records client-side TCP connections so tests can cut them.
type conns struct {
	mu   sync.Mutex
	all  []net.Conn
	gate chan struct{}
}

func (cs *conns) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			cs.mu.Lock()
			gate := cs.gate
			cs.mu.Unlock()
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			c, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err == nil {
				cs.mu.Lock()
				cs.all = append(cs.all, c)
				cs.mu.Unlock()
			}
			return c, err
		},
	}
}

func (cs *conns) cutLatest() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if n := len(cs.all); n > 0 {
		_ = cs.all[n-1].Close()
	}
}

// hold blocks new dials until the returned release is called.
func (cs *conns) hold() (release func()) {
	gate := make(chan struct{})
	cs.mu.Lock()
	cs.gate = gate
	cs.mu.Unlock()
	return func() {
		cs.mu.Lock()
		cs.gate = nil
		cs.mu.Unlock()
		close(gate)
	}
}

type participant struct {
	*Client
	conns *conns

	mu     sync.Mutex
	events []Event
	runErr chan error
}

func (p *participant) collect() {
	for ev := range p.Events() {
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
	}
}

func (p *participant) sawEvent(match func(Event) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if match(ev) {
			return true
		}
	}
	return false
}

func start(t *testing.T, ts *httptest.Server, identity string, mutate func(*Config)) *participant {
	t.Helper()
	cs := &conns{}
	cfg := Config{
		ServerURL:    ts.URL,
		Room:         "standup",
		Identity:     identity,
		Dialer:       cs.dialer(),
		NewTransport: fakeFactory,
		LinkTimeout:  -1,
		Media:        &media.SyntheticProvider{StreamID: identity},
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s): %v", identity, err)
	}
	p := &participant{Client: c, conns: cs, runErr: make(chan error, 1)}
	go p.collect()
	go func() { p.runErr <- c.Run(context.Background()) }()
	t.Cleanup(func() { _ = c.Close() })
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func linked(a, b *participant) func() bool {
	return func() bool {
		ai, ok := a.Link(b.cfg.Identity)
		if !ok || ai.State != negotiation.StateStable || !ai.Connected {
			return false
		}
		bi, ok := b.Link(a.cfg.Identity)
		return ok && bi.State == negotiation.StateStable && bi.Connected && ai.Epoch == bi.Epoch
	}
}

func TestParticipantsConverge(t *testing.T) {
	ts := newRelay(t, nil)
	alice := start(t, ts, "alice", nil)
	bob := start(t, ts, "bob", nil)
	carol := start(t, ts, "carol", nil)

	eventually(t, "alice-bob link", linked(alice, bob))
	eventually(t, "alice-carol link", linked(alice, carol))
	eventually(t, "bob-carol link", linked(bob, carol))

	eventually(t, "member lists", func() bool {
		return len(alice.Members()) == 2 && len(bob.Members()) == 2 && len(carol.Members()) == 2
	})
}

func TestMemberLeftClosesLink(t *testing.T) {
	ts := newRelay(t, nil)
	alice := start(t, ts, "alice", nil)
	bob := start(t, ts, "bob", nil)
	eventually(t, "alice-bob link", linked(alice, bob))

	if err := bob.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	eventually(t, "alice closes bob's link", func() bool {
		info, ok := alice.Link("bob")
		return ok && info.State == negotiation.StateClosed
	})
	eventually(t, "member-left event", func() bool {
		return alice.sawEvent(func(ev Event) bool { return ev.Kind == EventMemberLeft && ev.Remote == "bob" })
	})
	if got := alice.Members(); len(got) != 0 {
		t.Fatalf("alice members=%v, want none", got)
	}
}

func TestReconnectRenegotiatesLinks(t *testing.T) {
	ts := newRelay(t, nil)
	alice := start(t, ts, "alice", nil)
	bob := start(t, ts, "bob", nil)
	eventually(t, "alice-bob link", linked(alice, bob))
	before, _ := alice.Link("bob")

	alice.conns.cutLatest()

	eventually(t, "resync join", func() bool {
		return alice.sawEvent(func(ev Event) bool { return ev.Kind == EventJoined && ev.Resync })
	})
	eventually(t, "renegotiated link", func() bool {
		info, ok := alice.Link("bob")
		return ok && info.Epoch > before.Epoch && linked(alice, bob)()
	})
	if !alice.sawEvent(func(ev Event) bool { return ev.Kind == EventRelayUnavailable }) {
		t.Fatalf("no relay-unavailable event")
	}
}

func TestReconnectForgetsDepartedMembers(t *testing.T) {
	ts := newRelay(t, nil)
	alice := start(t, ts, "alice", nil)
	bob := start(t, ts, "bob", nil)
	carol := start(t, ts, "carol", nil)
	eventually(t, "alice-bob link", linked(alice, bob))
	eventually(t, "alice-carol link", linked(alice, carol))

	release := alice.conns.hold()
	alice.conns.cutLatest()
	_ = carol.Close()
	eventually(t, "bob sees carol leave", func() bool {
		return bob.sawEvent(func(ev Event) bool { return ev.Kind == EventMemberLeft && ev.Remote == "carol" })
	})
	release()

	eventually(t, "resync join", func() bool {
		return alice.sawEvent(func(ev Event) bool { return ev.Kind == EventJoined && ev.Resync })
	})
	eventually(t, "carol forgotten", func() bool {
		_, ok := alice.Link("carol")
		return !ok
	})
	if !alice.sawEvent(func(ev Event) bool { return ev.Kind == EventMemberLeft && ev.Remote == "carol" }) {
		t.Fatalf("alice never reported carol leaving")
	}
	eventually(t, "alice-bob link kept", linked(alice, bob))
}

func TestDroppedEventsAreCounted(t *testing.T) {
	c, err := New(Config{ServerURL: "http://relay.test", Room: "r", Identity: "alice", EventBuffer: 1, NewTransport: fakeFactory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	for i := 0; i < 3; i++ {
		c.emit(Event{Kind: EventMemberJoined, Remote: "bob"})
	}
	if got := c.DroppedEvents(); got != 2 {
		t.Fatalf("DroppedEvents=%d, want 2", got)
	}
}

func TestRemotePacketsCountsUntilReadFails(t *testing.T) {
	c, err := New(Config{ServerURL: "http://relay.test", Room: "r", Identity: "alice", NewTransport: fakeFactory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	n := 0
	c.drainRemote(func() error {
		n++
		if n > 5 {
			return errors.New("track ended")
		}
		return nil
	})
	if got := c.RemotePackets(); got != 5 {
		t.Fatalf("RemotePackets=%d, want 5", got)
	}
}

func TestInvalidJoinIsFatal(t *testing.T) {
	ts := newRelay(t, func(c *signaling.Config) { c.MaxIdentityBytes = 4 })
	p := start(t, ts, "much-too-long", nil)
	select {
	case err := <-p.runErr:
		if !errors.Is(err, ErrJoinRejected) {
			t.Fatalf("Run err=%v, want ErrJoinRejected", err)
		}
		var rerr *RelayError
		if !errors.As(err, &rerr) || rerr.Code != signaling.CodeInvalidJoin {
			t.Fatalf("Run err=%v, want invalid_join", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestRoomFullIsFatal(t *testing.T) {
	ts := newRelay(t, func(c *signaling.Config) { c.MaxRoomMembers = 1 })
	start(t, ts, "alice", nil)
	time.Sleep(50 * time.Millisecond)
	bob := start(t, ts, "bob", nil)
	select {
	case err := <-bob.runErr:
		var rerr *RelayError
		if !errors.As(err, &rerr) || rerr.Code != signaling.CodeRoomFull {
			t.Fatalf("Run err=%v, want room_full", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestCallOverRelay(t *testing.T) {
	for _, sub := range []string{signaling.SubprotocolJSON, signaling.SubprotocolMsgpack} {
		t.Run(sub, func(t *testing.T) {
			ts := newRelay(t, nil)
			alice := start(t, ts, "alice", func(c *Config) { c.Subprotocol = sub })
			bob := start(t, ts, "bob", func(c *Config) { c.Subprotocol = sub })
			eventually(t, "alice-bob link", linked(alice, bob))

			sess, err := alice.Call().StartCall(context.Background())
			if err != nil {
				t.Fatalf("StartCall: %v", err)
			}
			eventually(t, "bob ringing", func() bool {
				s := bob.Call().Session()
				return s.State == call.StateRinging && s.CallID == sess.CallID
			})
			if _, err := bob.Call().Accept(context.Background()); err != nil {
				t.Fatalf("Accept: %v", err)
			}
			eventually(t, "both connected", func() bool {
				return alice.Call().Session().State == call.StateConnected &&
					bob.Call().Session().State == call.StateConnected
			})

			if err := bob.Call().Leave(); err != nil {
				t.Fatalf("Leave: %v", err)
			}
			eventually(t, "alice idle", func() bool { return alice.Call().Session().State == call.StateIdle })
			if info, ok := alice.Link("bob"); !ok || info.State == negotiation.StateClosed {
				t.Fatalf("auto-mode link closed after the call: %+v", info)
			}
		})
	}
}

func TestCallModeOpensLinksOnAccept(t *testing.T) {
	ts := newRelay(t, nil)
	mode := func(c *Config) { c.LinkMode = call.LinkModeCall }
	alice := start(t, ts, "alice", mode)
	bob := start(t, ts, "bob", mode)
	eventually(t, "member lists", func() bool { return len(alice.Members()) == 1 && len(bob.Members()) == 1 })
	if _, ok := alice.Link("bob"); ok {
		t.Fatalf("call mode opened a link before any call")
	}

	if _, err := alice.Call().StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	eventually(t, "bob ringing", func() bool { return bob.Call().Session().State == call.StateRinging })
	if _, err := bob.Call().Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	eventually(t, "alice-bob link", linked(alice, bob))

	if err := alice.Call().Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	eventually(t, "links closed", func() bool {
		info, ok := alice.Link("bob")
		return ok && info.State == negotiation.StateClosed
	})
}

func TestNewValidates(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no identity", Config{ServerURL: "http://x", Room: "r"}},
		{"no room", Config{ServerURL: "http://x", Identity: "a"}},
		{"bad scheme", Config{ServerURL: "ftp://x", Room: "r", Identity: "a"}},
		{"bad codec", Config{ServerURL: "http://x", Room: "r", Identity: "a", Subprotocol: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.NewTransport = fakeFactory
			if _, err := New(tc.cfg); err == nil {
				t.Fatalf("New succeeded")
			}
		})
	}
}

func TestSignalURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/signal"},
		{"https://mesh.example.com/", "wss://mesh.example.com/signal"},
		{"wss://mesh.example.com/base", "wss://mesh.example.com/base/signal"},
		{"ws://localhost/signal", "ws://localhost/signal"},
	}
	for _, tc := range cases {
		got, err := SignalURL(tc.in)
		if err != nil {
			t.Fatalf("SignalURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("SignalURL(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoopRunsInOrderAndStops(t *testing.T) {
	l := newLoop()
	var got []int
	for i := 0; i < 100; i++ {
		l.post(func() { got = append(got, i) })
	}
	if !l.do(func() {}) {
		t.Fatalf("do on a running loop returned false")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	l.stop()
	l.stop()
	if l.post(func() {}) {
		t.Fatalf("post after stop succeeded")
	}
	if l.do(func() {}) {
		t.Fatalf("do after stop succeeded")
	}
}
