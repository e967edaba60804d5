package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/turnrest"
)

type testClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec Codec
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, subprotocol string) *testClient {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	conn, _, err := d.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	codec, err := CodecFor(conn.Subprotocol())
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	c := &testClient{t: t, conn: conn, codec: codec}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) send(msg Message) {
	c.t.Helper()
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) sendRaw(frame string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read() Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func (c *testClient) expect(typ MessageType) Message {
	c.t.Helper()
	msg := c.read()
	if msg.Type != typ {
		c.t.Fatalf("got %s message %+v, want %s", msg.Type, msg, typ)
	}
	return msg
}

func (c *testClient) join(room, identity string) Message {
	c.t.Helper()
	c.send(Message{Type: TypeJoin, Room: room, Identity: identity})
	return c.expect(TypeJoined)
}

func (c *testClient) expectClosed(code int) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			c.t.Fatalf("err=%v, want close %d", err, code)
		}
		return
	}
}

func TestJoinSequenceAliceBob(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")

	joined := alice.join("room1", "alice")
	if joined.SelfID == "" || len(joined.Members) != 0 {
		t.Fatalf("alice joined=%+v, want empty members", joined)
	}

	joined = bob.join("room1", "bob")
	if len(joined.Members) != 1 || joined.Members[0].Identity != "alice" {
		t.Fatalf("bob joined=%+v, want [alice]", joined)
	}
	mj := alice.expect(TypeMemberJoined)
	if mj.Identity != "bob" || mj.EndpointID != joined.SelfID {
		t.Fatalf("member-joined=%+v", mj)
	}

	bob.send(Message{Type: TypeOffer, To: "alice", Epoch: 1, SDP: &SDP{Type: "offer", SDP: "v=0"}})
	offer := alice.expect(TypeOffer)
	if offer.From != "bob" || offer.Room != "room1" || offer.Epoch != 1 {
		t.Fatalf("offer=%+v", offer)
	}

	alice.send(Message{Type: TypeAnswer, To: "bob", From: "mallory", Epoch: 1, SDP: &SDP{Type: "answer", SDP: "v=0"}})
	answer := bob.expect(TypeAnswer)
	if answer.From != "alice" {
		t.Fatalf("answer from=%q, want server-stamped alice", answer.From)
	}
}

func TestCandidatesDeliveredInOrder(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessagesPerSecond: 1000})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	alice.join("r", "alice")
	bob.join("r", "bob")
	alice.expect(TypeMemberJoined)

	const n = 100
	for i := 0; i < n; i++ {
		alice.send(Message{Type: TypeCandidate, To: "bob", Epoch: 1, Candidate: &Candidate{Candidate: fmt.Sprintf("candidate:%d", i)}})
	}
	for i := 0; i < n; i++ {
		got := bob.expect(TypeCandidate)
		if want := fmt.Sprintf("candidate:%d", i); got.Candidate.Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, got.Candidate.Candidate, want)
		}
	}
}

func TestAbruptCloseIsLeave(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	alice.join("r", "alice")
	bob.join("r", "bob")
	alice.expect(TypeMemberJoined)

	_ = bob.conn.UnderlyingConn().Close()

	left := alice.expect(TypeMemberLeft)
	if left.Identity != "bob" {
		t.Fatalf("member-left=%+v", left)
	}
	if got := len(srv.Registry().Members("r")); got != 1 {
		t.Fatalf("members=%d, want 1", got)
	}
}

func TestExplicitLeaveAndRejoin(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	alice.join("r", "alice")
	bob.join("r", "bob")
	alice.expect(TypeMemberJoined)

	bob.send(Message{Type: TypeLeave})
	alice.expect(TypeMemberLeft)
	bob.send(Message{Type: TypeLeave})

	joined := bob.join("r", "bob")
	if len(joined.Members) != 1 {
		t.Fatalf("rejoin members=%+v", joined.Members)
	}
	alice.expect(TypeMemberJoined)
}

func TestRejoinFromNewConnectionReplaces(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := dial(t, ts, "")
	bob1 := dial(t, ts, "")
	alice.join("r", "alice")
	bob1.join("r", "bob")
	alice.expect(TypeMemberJoined)

	bob2 := dial(t, ts, "")
	bob2.join("r", "bob")

	if left := alice.expect(TypeMemberLeft); left.Identity != "bob" {
		t.Fatalf("member-left=%+v", left)
	}
	if mj := alice.expect(TypeMemberJoined); mj.Identity != "bob" {
		t.Fatalf("member-joined=%+v", mj)
	}
	if e := bob1.expect(TypeError); e.Code != CodeReplaced {
		t.Fatalf("old endpoint error=%+v", e)
	}
	bob1.expectClosed(websocket.ClosePolicyViolation)

	// The stale endpoint's disconnect must not evict the new registration.
	alice.send(Message{Type: TypeOffer, To: "bob", SDP: &SDP{Type: "offer", SDP: "v=0"}})
	if offer := bob2.expect(TypeOffer); offer.From != "alice" {
		t.Fatalf("offer=%+v", offer)
	}
}

func TestInvalidJoinIsRecoverable(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "bad room", raw: `{"type":"join","room":"bad room","identity":"alice"}`},
		{name: "empty identity", raw: `{"type":"join","room":"ABC123","identity":""}`},
		{name: "missing identity", raw: `{"type":"join","room":"ABC123"}`},
		{name: "missing room", raw: `{"type":"join","identity":"alice"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, ts := newTestServer(t, Config{})
			c := dial(t, ts, "")
			c.sendRaw(tc.raw)
			e := c.expect(TypeError)
			if e.Code != CodeInvalidJoin {
				t.Fatalf("error=%+v, want code %q", e, CodeInvalidJoin)
			}
			if srv.Registry().RoomCount() != 0 {
				t.Fatalf("invalid join created a room")
			}
			c.join("good", "alice")
		})
	}
}

func TestMessagesBeforeJoin(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := dial(t, ts, "")
	c.send(Message{Type: TypeCallEnd, CallID: "c1"})
	if e := c.expect(TypeError); e.Code != CodeNotJoined {
		t.Fatalf("error=%+v", e)
	}
}

func TestUnknownTargetDropped(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})
	c := dial(t, ts, "")
	c.join("r", "alice")
	c.send(Message{Type: TypeOffer, To: "ghost", SDP: &SDP{Type: "offer", SDP: "v=0"}})
	c.send(Message{Type: TypeCreateRoom})
	c.expect(TypeRoomCreated)
	if got := m.Get(metrics.RouteUnknownTarget); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RouteUnknownTarget, got)
	}
}

func TestCallMessagesBroadcast(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	carol := dial(t, ts, "")
	alice.join("r", "alice")
	bob.join("r", "bob")
	alice.expect(TypeMemberJoined)
	carol.join("r", "carol")
	alice.expect(TypeMemberJoined)
	bob.expect(TypeMemberJoined)

	alice.send(Message{Type: TypeCallInvite, CallID: "c1", InviteList: []string{"alice", "bob", "carol"}})
	for _, c := range []*testClient{bob, carol} {
		inv := c.expect(TypeCallInvite)
		if inv.From != "alice" || inv.Room != "r" || len(inv.InviteList) != 3 {
			t.Fatalf("invite=%+v", inv)
		}
	}
}

func TestMsgpackAndJSONInterop(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := dial(t, ts, SubprotocolMsgpack)
	if alice.conn.Subprotocol() != SubprotocolMsgpack {
		t.Fatalf("subprotocol=%q", alice.conn.Subprotocol())
	}
	bob := dial(t, ts, SubprotocolJSON)
	alice.join("r", "alice")
	bob.join("r", "bob")
	alice.expect(TypeMemberJoined)

	alice.send(Message{Type: TypeCandidate, To: "bob", Epoch: 7, Candidate: &Candidate{Candidate: "candidate:x", SDPMLineIndex: ptr(uint16(1))}})
	got := bob.expect(TypeCandidate)
	if got.Epoch != 7 || got.Candidate.SDPMLineIndex == nil || *got.Candidate.SDPMLineIndex != 1 {
		t.Fatalf("candidate=%+v", got)
	}
}

func TestBadMessageClosesConnection(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})
	c := dial(t, ts, "")
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","room":"r","identity":"a","x":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := c.expect(TypeError); e.Code != CodeBadMessage {
		t.Fatalf("error=%+v", e)
	}
	c.expectClosed(websocket.ClosePolicyViolation)
	if m.Get(metrics.ProtocolError) == 0 {
		t.Fatalf("protocol error not counted")
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessagesPerSecond: 2})
	c := dial(t, ts, "")
	for i := 0; i < 5; i++ {
		c.send(Message{Type: TypeLeave})
	}
	if e := c.expect(TypeError); e.Code != CodeRateLimited {
		t.Fatalf("error=%+v", e)
	}
	c.expectClosed(websocket.ClosePolicyViolation)
}

func TestIdleTimeoutClosesWithoutPong(t *testing.T) {
	_, ts := newTestServer(t, Config{IdleTimeout: 500 * time.Millisecond, PingInterval: 50 * time.Millisecond})
	c := dial(t, ts, "")
	c.conn.SetPingHandler(func(string) error { return nil })
	c.expectClosed(websocket.CloseNormalClosure)
}

func TestPongKeepsConnectionOpen(t *testing.T) {
	idle := 300 * time.Millisecond
	_, ts := newTestServer(t, Config{IdleTimeout: idle, PingInterval: 50 * time.Millisecond})
	c := dial(t, ts, "")

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.conn.ReadMessage()
		errCh <- err
	}()
	time.Sleep(idle * 3)
	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	default:
	}
}

func TestJoinedCarriesTURNRESTCredentials(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.Config{SharedSecret: "s3cret", TTL: time.Hour, UsernamePrefix: "mesh"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	_, ts := newTestServer(t, Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example:3478"}},
			{URLs: []string{"turn:turn.example:3478"}},
		},
		TURNREST: gen,
	})
	c := dial(t, ts, "")
	joined := c.join("r", "alice")
	if len(joined.ICEServers) != 2 {
		t.Fatalf("iceServers=%+v", joined.ICEServers)
	}
	if joined.ICEServers[0].Username != "" {
		t.Fatalf("STUN entry got credentials: %+v", joined.ICEServers[0])
	}
	turn := joined.ICEServers[1]
	if !strings.HasSuffix(turn.Username, ":mesh:"+joined.SelfID) || turn.Credential == "" {
		t.Fatalf("TURN entry=%+v", turn)
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, SendQueueMessages: 1, MaxMessagesPerSecond: 10000})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	alice.join("r", "alice")
	bob.join("r", "bob")
	alice.expect(TypeMemberJoined)

	big := strings.Repeat("a", 32*1024)
	deadline := time.Now().Add(3 * time.Second)
	for m.Get(metrics.QueueOverflow) == 0 && time.Now().Before(deadline) {
		if err := alice.conn.WriteJSON(Message{Type: TypeCandidate, To: "bob", Candidate: &Candidate{Candidate: big}}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if m.Get(metrics.QueueOverflow) == 0 {
		t.Fatalf("expected queue overflow for a reader that never reads")
	}
	left := alice.expect(TypeMemberLeft)
	if left.Identity != "bob" {
		t.Fatalf("member-left=%+v", left)
	}
}

func TestOriginPolicy(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, Origin: origin.Policy{AllowedOrigins: []string{"https://app.example"}}})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, h); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed origin: err=%v resp=%v", err, resp)
	}
	if m.Get(metrics.OriginRejected) != 1 {
		t.Fatalf("origin rejection not counted")
	}

	h.Set("Origin", "https://app.example")
	c, _, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestReadyFailsAfterClose(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	if err := srv.Ready(); err != nil {
		t.Fatalf("Ready=%v, want nil", err)
	}
	srv.Close()
	if err := srv.Ready(); err == nil {
		t.Fatalf("Ready after Close=nil, want error")
	}
}

func TestRoomsAPI(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := dial(t, ts, "")
	c.join("lobby", "alice")

	resp, err := http.Post(ts.URL+"/api/rooms", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created roomCreatedResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || len(created.Room) != 6 {
		t.Fatalf("status=%d room=%q", resp.StatusCode, created.Room)
	}

	resp, err = http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var rooms roomsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms.Rooms) != 1 || rooms.Rooms[0].ID != "lobby" || rooms.Rooms[0].Members != 1 {
		t.Fatalf("rooms=%+v", rooms.Rooms)
	}
}
