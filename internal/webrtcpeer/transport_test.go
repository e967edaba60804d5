package webrtcpeer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
)

// loop serialises Engine calls the way a participant event loop does.
type loop struct {
	tasks chan func()
	done  chan struct{}
}

func newLoop(t *testing.T) *loop {
	t.Helper()
	l := &loop{tasks: make(chan func(), 1024), done: make(chan struct{})}
	go func() {
		for {
			select {
			case f := <-l.tasks:
				f()
			case <-l.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.done) })
	return l
}

func (l *loop) post(f func()) {
	select {
	case l.tasks <- f:
	case <-l.done:
	}
}

// do runs f on the loop and waits for it.
func (l *loop) do(f func()) {
	ran := make(chan struct{})
	l.post(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
	case <-l.done:
	}
}

type meshPeer struct {
	id        string
	loop      *loop
	eng       *negotiation.Engine
	connected chan string
	tracks    chan negotiation.Track
	errs      chan error
}

func newVNetPair(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := NewAPI(APIOptions{Configure: func(se *webrtc.SettingEngine) { se.SetNet(netA) }})
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := NewAPI(APIOptions{Configure: func(se *webrtc.SettingEngine) { se.SetNet(netB) }})
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}
	return apiA, apiB
}

// newMeshPair wires two engines together through their loops, with signals
// delivered in order as a relay would.
func newMeshPair(t *testing.T) (*meshPeer, *meshPeer) {
	t.Helper()
	apiA, apiB := newVNetPair(t)
	alice := &meshPeer{id: "alice", loop: newLoop(t), connected: make(chan string, 8), tracks: make(chan negotiation.Track, 8), errs: make(chan error, 8)}
	bob := &meshPeer{id: "bob", loop: newLoop(t), connected: make(chan string, 8), tracks: make(chan negotiation.Track, 8), errs: make(chan error, 8)}

	build := func(p, other *meshPeer, api *webrtc.API) {
		p.eng = negotiation.NewEngine(negotiation.Config{
			Self:         p.id,
			NewTransport: NewTransportFactory(api, nil, nil),
			Dispatch:     p.loop.post,
			LinkTimeout:  -1,
			Signaler: negotiation.SignalerFunc(func(s negotiation.Signal) error {
				from := p.id
				other.loop.post(func() {
					switch s.Kind {
					case negotiation.SignalOffer:
						other.eng.HandleOffer(from, s.Epoch, *s.Description)
					case negotiation.SignalAnswer:
						other.eng.HandleAnswer(from, s.Epoch, *s.Description)
					case negotiation.SignalCandidate:
						other.eng.HandleCandidate(from, s.Epoch, *s.Candidate)
					}
				})
				return nil
			}),
			Hooks: negotiation.Hooks{
				OnConnectivity: func(remote string, c negotiation.Connectivity) {
					if c == negotiation.Connected {
						p.connected <- remote
					}
				},
				OnRemoteTrack: func(_ string, tr negotiation.Track) { p.tracks <- tr },
				OnError:       func(_ string, err error) { p.errs <- err },
			},
		})
	}
	build(alice, bob, apiA)
	build(bob, alice, apiB)
	t.Cleanup(func() {
		alice.loop.do(alice.eng.CloseAll)
		bob.loop.do(bob.eng.CloseAll)
	})
	return alice, bob
}

func waitConnected(t *testing.T, p *meshPeer, remote string) {
	t.Helper()
	select {
	case got := <-p.connected:
		if got != remote {
			t.Fatalf("%s connected to %q, want %q", p.id, got, remote)
		}
	case err := <-p.errs:
		t.Fatalf("%s link error: %v", p.id, err)
	case <-time.After(15 * time.Second):
		t.Fatalf("%s: timed out waiting for connection to %s", p.id, remote)
	}
}

func waitStable(t *testing.T, p *meshPeer, remote string) negotiation.LinkInfo {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var info negotiation.LinkInfo
		var ok bool
		p.loop.do(func() { info, ok = p.eng.Link(remote) })
		if ok && info.State == negotiation.StateStable {
			return info
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s: link to %s never became stable", p.id, remote)
	return negotiation.LinkInfo{}
}

func TestEnginesConnectOverVNet(t *testing.T) {
	alice, bob := newMeshPair(t)

	// Both sides open as they would on seeing each other in the room.
	alice.loop.do(func() { alice.eng.Open("bob", nil) })
	bob.loop.do(func() { bob.eng.Open("alice", nil) })

	waitConnected(t, alice, "bob")
	waitConnected(t, bob, "alice")

	a := waitStable(t, alice, "bob")
	b := waitStable(t, bob, "alice")
	if a.Initiator == b.Initiator {
		t.Fatalf("initiator alice=%v bob=%v, want exactly one", a.Initiator, b.Initiator)
	}
	if a.Epoch != b.Epoch {
		t.Fatalf("epoch alice=%d bob=%d, want equal", a.Epoch, b.Epoch)
	}
}

func TestTrackAddedAfterConnectRenegotiates(t *testing.T) {
	alice, bob := newMeshPair(t)

	alice.loop.do(func() { alice.eng.Open("bob", nil) })
	waitConnected(t, alice, "bob")
	waitConnected(t, bob, "alice")
	waitStable(t, bob, "alice")

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "bob-audio", "bob")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	var setErr error
	bob.loop.do(func() { setErr = bob.eng.SetTracks("alice", []negotiation.Track{track}) })
	if setErr != nil {
		t.Fatalf("SetTracks: %v", setErr)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var seq uint16
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				_ = track.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: 1},
					Payload: []byte{0xf8, 0xff, 0xfe},
				})
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	select {
	case tr := <-alice.tracks:
		if tr.StreamID() != "bob" {
			t.Fatalf("remote stream=%q, want bob", tr.StreamID())
		}
	case err := <-alice.errs:
		t.Fatalf("alice link error: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for remote track")
	}
}

func TestSetTracksRejectsForeignTrack(t *testing.T) {
	api, err := NewAPI(APIOptions{})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	tr, err := NewTransport(api, nil, negotiation.TransportParams{Remote: "bob"}, negotiation.TransportEvents{}, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	if _, err := tr.SetTracks([]negotiation.Track{fakeTrack{}}); err == nil {
		t.Fatalf("expected error for non-pion track")
	}
}

func TestSetTracksDiff(t *testing.T) {
	api, err := NewAPI(APIOptions{})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	tr, err := NewTransport(api, nil, negotiation.TransportParams{Remote: "bob", Initiator: true}, negotiation.TransportEvents{}, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "a", "s")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	changed, err := tr.SetTracks([]negotiation.Track{audio})
	if err != nil || !changed {
		t.Fatalf("first SetTracks changed=%v err=%v, want true/nil", changed, err)
	}
	changed, err = tr.SetTracks([]negotiation.Track{audio})
	if err != nil || changed {
		t.Fatalf("same SetTracks changed=%v err=%v, want false/nil", changed, err)
	}
	changed, err = tr.SetTracks(nil)
	if err != nil || !changed {
		t.Fatalf("clearing SetTracks changed=%v err=%v, want true/nil", changed, err)
	}

	// The initiator's recvonly transceivers are reused rather than appended.
	if n := len(tr.PeerConnection().GetTransceivers()); n != 2 {
		t.Fatalf("transceivers=%d, want 2", n)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tr.SetTracks([]negotiation.Track{audio}); err == nil {
		t.Fatalf("expected error after Close")
	}
}

type fakeTrack struct{}

func (fakeTrack) ID() string       { return "x" }
func (fakeTrack) StreamID() string { return "y" }
