package call

import (
	"errors"
	"sort"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
)

type State int

const (
	StateIdle State = iota
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MediaState reports what local media backs the session.
type MediaState string

const (
	MediaNone        MediaState = ""
	MediaActive      MediaState = "active"
	MediaUnavailable MediaState = "unavailable"
	MediaDegraded    MediaState = "degraded"
)

// LinkMode decides when PeerLinks exist for a call.
type LinkMode string

const (
	// LinkModeAuto keeps links for every room member; the call only gates
	// which links carry local media.
	LinkModeAuto LinkMode = "auto"
	// LinkModeCall opens links only among accepted participants.
	LinkModeCall LinkMode = "call"
)

func ParseLinkMode(s string) (LinkMode, error) {
	switch LinkMode(s) {
	case LinkModeAuto, LinkModeCall:
		return LinkMode(s), nil
	default:
		return "", errors.New(`link mode must be "auto" or "call"`)
	}
}

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNoSession      = errors.New("no call session")
	ErrNotRinging     = errors.New("no incoming call to answer")
	ErrCancelled      = errors.New("call operation cancelled")
	ErrNoMedia        = errors.New("no local media")
	ErrNoParticipants = errors.New("no other room members to call")
)

// Session is a snapshot of the local view of a call.
type Session struct {
	CallID    string
	Initiator string
	// InviteList is the initiator's invite list without invitees that declined.
	InviteList []string
	// Accepted always includes the initiator while they remain in the call.
	Accepted []string
	// Pending are invitees that have not answered yet.
	Pending  []string
	Incoming bool
	State    State
	Media    MediaState
	// EndReason is set once State is StateEnded.
	EndReason string
}

func (s Session) IsAccepted(identity string) bool {
	for _, id := range s.Accepted {
		if id == identity {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventRosterChanged       EventKind = "roster-changed"
	EventSessionStateChanged EventKind = "session-state-changed"
	// EventConnectivityChanged carries the peer's transport connectivity and
	// whether its remote media has arrived. A peer is live only when both
	// Connectivity is Connected and Receiving is set; a connected peer that
	// is not receiving yet is still connecting.
	EventConnectivityChanged EventKind = "connectivity-changed"
	EventRemoteMedia         EventKind = "remote-media-available"
	EventMediaStateChanged   EventKind = "media-state-changed"
)

type Event struct {
	Kind    EventKind
	Session Session

	// Remote, Connectivity, Receiving and Track are set for per-peer events.
	Remote       string
	Connectivity negotiation.Connectivity
	Receiving    bool
	Track        negotiation.Track
	// Err carries the acquisition failure for EventMediaStateChanged.
	Err error
}

// Timer is the subset of *time.Timer the Manager uses.
type Timer interface {
	Stop() bool
}

type session struct {
	id        string
	initiator string
	invite    []string
	invited   map[string]bool
	pending   map[string]bool
	accepted  map[string]bool
	declined  map[string]bool
	incoming  bool
	state     State
	timer     Timer
	// joined is set once self has been part of the call.
	joined    bool
}

func newSession(id, initiator string, invite []string, incoming bool) *session {
	s := &session{
		id:        id,
		initiator: initiator,
		invite:    append([]string(nil), invite...),
		invited:   make(map[string]bool, len(invite)),
		pending:   make(map[string]bool, len(invite)),
		accepted:  map[string]bool{initiator: true},
		declined:  make(map[string]bool),
		incoming:  incoming,
		joined:    !incoming,
	}
	for _, id := range invite {
		if id == initiator {
			continue
		}
		s.invited[id] = true
		s.pending[id] = true
	}
	return s
}

func (s *session) inviteList() []string {
	out := make([]string, 0, len(s.invite))
	for _, id := range s.invite {
		if !s.declined[id] {
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
