package negotiation

import "time"

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type Description struct {
	Type SDPType
	SDP  string
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// Track is a local or remote media track. pion's TrackLocal and TrackRemote
// both satisfy it.
type Track interface {
	ID() string
	StreamID() string
}

type Connectivity int

const (
	Connecting Connectivity = iota
	Connected
	Disconnected
	Failed
)

func (c Connectivity) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the media connection underneath one link.
type Transport interface {
	SetRemoteDescription(Description) error
	// CreateOffer creates an offer and installs it as the local description.
	CreateOffer() (Description, error)
	// CreateAnswer creates an answer and installs it as the local description.
	CreateAnswer() (Description, error)
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(Candidate) error
	// SetTracks replaces the outgoing tracks and reports whether the set
	// changed in a way that needs renegotiation.
	SetTracks([]Track) (bool, error)
	Close() error
}

// TransportParams describes the link a transport is created for.
type TransportParams struct {
	Remote    string
	Initiator bool
	Polite    bool
}

// TransportEvents are invoked from arbitrary goroutines; the Engine
// re-dispatches them onto its own goroutine.
type TransportEvents struct {
	OnCandidate    func(Candidate)
	OnConnectivity func(Connectivity)
	OnTrack        func(Track)
}

type TransportFactory func(TransportParams, TransportEvents) (Transport, error)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is an outbound negotiation message for one remote.
type Signal struct {
	Kind        SignalKind
	To          string
	Epoch       uint64
	Description *Description
	Candidate   *Candidate
}

type Signaler interface {
	Signal(Signal) error
}

type SignalerFunc func(Signal) error

func (f SignalerFunc) Signal(s Signal) error { return f(s) }

// Timer is the subset of *time.Timer the Engine uses.
type Timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
