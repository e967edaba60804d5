package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
)

var ErrNotLocalTrack = errors.New("track is not a pion TrackLocal")

// Transport is a negotiation.Transport backed by a pion PeerConnection.
type Transport struct {
	pc     *webrtc.PeerConnection
	log    *slog.Logger
	remote string

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
	closed  bool
}

// NewTransportFactory returns a factory that creates one PeerConnection per
// link, all sharing api and iceServers.
func NewTransportFactory(api *webrtc.API, iceServers []webrtc.ICEServer, log *slog.Logger) negotiation.TransportFactory {
	return func(p negotiation.TransportParams, ev negotiation.TransportEvents) (negotiation.Transport, error) {
		return NewTransport(api, iceServers, p, ev, log)
	}
}

func NewTransport(api *webrtc.API, iceServers []webrtc.ICEServer, p negotiation.TransportParams, ev negotiation.TransportEvents, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{
		pc:      pc,
		log:     log.With("remote", p.Remote),
		remote:  p.Remote,
		senders: make(map[string]*webrtc.RTPSender),
	}

	// The initiator's first offer needs m-lines for ICE to start even when no
	// local track exists yet. AddTrack later reuses these transceivers.
	if p.Initiator {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		ev.OnCandidate(negotiation.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", "state", s.String())
		c, ok := connectivityFromPion(s)
		if !ok || ev.OnConnectivity == nil {
			return
		}
		ev.OnConnectivity(c)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.Debug("remote track", "track_id", track.ID(), "stream_id", track.StreamID(), "kind", track.Kind().String())
		if ev.OnTrack != nil {
			ev.OnTrack(track)
		}
	})
	return t, nil
}

func connectivityFromPion(s webrtc.PeerConnectionState) (negotiation.Connectivity, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.Connecting, true
	case webrtc.PeerConnectionStateConnected:
		return negotiation.Connected, true
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.Disconnected, true
	case webrtc.PeerConnectionStateFailed:
		return negotiation.Failed, true
	default:
		return 0, false
	}
}

// PeerConnection exposes the underlying connection for stats and tests.
func (t *Transport) PeerConnection() *webrtc.PeerConnection { return t.pc }

func (t *Transport) SetRemoteDescription(d negotiation.Description) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(d.Type)),
		SDP:  d.SDP,
	})
}

func (t *Transport) CreateOffer() (negotiation.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return negotiation.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return negotiation.Description{}, fmt.Errorf("set local offer: %w", err)
	}
	return negotiation.Description{Type: negotiation.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer() (negotiation.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return negotiation.Description{}, fmt.Errorf("set local answer: %w", err)
	}
	return negotiation.Description{Type: negotiation.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (t *Transport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *Transport) AddICECandidate(c negotiation.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// SetTracks diffs tracks against the current senders by track ID. Tracks must
// be pion TrackLocal values.
func (t *Transport) SetTracks(tracks []negotiation.Track) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, negotiation.ErrLinkClosed
	}

	want := make(map[string]webrtc.TrackLocal, len(tracks))
	order := make([]string, 0, len(tracks))
	for _, tr := range tracks {
		local, ok := tr.(webrtc.TrackLocal)
		if !ok {
			return false, fmt.Errorf("%w: %T", ErrNotLocalTrack, tr)
		}
		if _, dup := want[local.ID()]; dup {
			continue
		}
		want[local.ID()] = local
		order = append(order, local.ID())
	}

	changed := false
	for id, sender := range t.senders {
		if _, keep := want[id]; keep {
			continue
		}
		if err := t.pc.RemoveTrack(sender); err != nil {
			return changed, fmt.Errorf("remove track %s: %w", id, err)
		}
		delete(t.senders, id)
		changed = true
	}
	for _, id := range order {
		if _, have := t.senders[id]; have {
			continue
		}
		sender, err := t.pc.AddTrack(want[id])
		if err != nil {
			return changed, fmt.Errorf("add track %s: %w", id, err)
		}
		t.senders[id] = sender
		changed = true
		go drainRTCP(sender)
	}
	return changed, nil
}

// drainRTCP reads RTCP so interceptors keep running; it returns when the
// sender is stopped.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}
