package client

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
)

type EventKind string

const (
	EventJoined           EventKind = "joined"
	EventMemberJoined     EventKind = "member-joined"
	EventMemberLeft       EventKind = "member-left"
	EventRelayUnavailable EventKind = "relay-unavailable"
	EventLinkState        EventKind = "link-state"
	EventConnectivity     EventKind = "connectivity"
	EventRemoteTrack      EventKind = "remote-track"
	EventLinkError        EventKind = "link-error"
	EventCall             EventKind = "call"
	EventRelayError       EventKind = "relay-error"
)

// Event is what the presentation layer observes.
type Event struct {
	Kind EventKind
	Room string

	// Members is set for EventJoined.
	Members []string
	// Resync marks an EventJoined that followed a relay reconnect.
	Resync bool

	Remote       string
	LinkState    negotiation.State
	Connectivity negotiation.Connectivity
	Track        negotiation.Track

	Call *call.Event

	// Code is the relay error code for EventRelayError.
	Code string
	Err  error
}
