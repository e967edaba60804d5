package signaling

import (
	"errors"
	"fmt"
	"strings"
)

type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeJoined       MessageType = "joined"
	TypeLeave        MessageType = "leave"
	TypeMemberJoined MessageType = "member-joined"
	TypeMemberLeft   MessageType = "member-left"

	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"

	TypeCallInvite  MessageType = "call-invite"
	TypeCallAccept  MessageType = "call-accept"
	TypeCallDecline MessageType = "call-decline"
	TypeCallEnd     MessageType = "call-end"
	TypeRoster      MessageType = "roster"

	TypeCreateRoom  MessageType = "create-room"
	TypeRoomCreated MessageType = "room-created"

	TypeError MessageType = "error"
)

// Error codes carried by `error` messages.
const (
	CodeBadMessage        = "bad_message"
	CodeUnexpectedMessage = "unexpected_message"
	CodeInvalidJoin       = "invalid_join"
	CodeRoomFull          = "room_full"
	CodeNotJoined         = "not_joined"
	CodeRateLimited       = "rate_limited"
	CodeReplaced          = "replaced"
	CodeInternal          = "internal_error"
)

var ErrInvalidMessage = errors.New("signaling: invalid message")

// SDP is a session description as carried on the wire. The protocol package
// deliberately does not depend on a WebRTC library type.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors RTCIceCandidateInit. An empty Candidate string signals
// end-of-candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Member struct {
	Identity   string `json:"identity"`
	EndpointID string `json:"endpointId"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Message is the single envelope for every signaling message. Which fields
// are meaningful depends on Type; Validate enforces that.
type Message struct {
	Type MessageType `json:"type"`

	Room       string `json:"room,omitempty"`
	Identity   string `json:"identity,omitempty"`
	EndpointID string `json:"endpointId,omitempty"`

	SelfID     string      `json:"selfId,omitempty"`
	Members    []Member    `json:"members,omitempty"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`

	To        string     `json:"to,omitempty"`
	From      string     `json:"from,omitempty"`
	Epoch     uint64     `json:"epoch,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	CallID     string   `json:"callId,omitempty"`
	InviteList []string `json:"inviteList,omitempty"`
	Accepted   []string `json:"accepted,omitempty"`
	Reason     string   `json:"reason,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type field uint32

const (
	fRoom field = 1 << iota
	fIdentity
	fEndpointID
	fSelfID
	fMembers
	fICEServers
	fTo
	fFrom
	fEpoch
	fSDP
	fCandidate
	fCallID
	fInviteList
	fAccepted
	fReason
	fCode
	fMessage
)

var fieldNames = []string{
	"room", "identity", "endpointId", "selfId", "members", "iceServers", "to", "from", "epoch",
	"sdp", "candidate", "callId", "inviteList", "accepted", "reason", "code", "message",
}

type schema struct {
	required field
	optional field
}

var schemas = map[MessageType]schema{
	// Room and identity are checked by the registry so a bad join stays recoverable.
	TypeJoin:         {optional: fRoom | fIdentity},
	TypeJoined:       {required: fRoom | fIdentity | fSelfID, optional: fMembers | fICEServers},
	TypeLeave:        {optional: fRoom},
	TypeMemberJoined: {required: fRoom | fIdentity | fEndpointID},
	TypeMemberLeft:   {required: fRoom | fIdentity},

	TypeOffer:     {required: fTo | fSDP, optional: fRoom | fFrom | fEpoch},
	TypeAnswer:    {required: fTo | fSDP, optional: fRoom | fFrom | fEpoch},
	TypeCandidate: {required: fTo | fCandidate, optional: fRoom | fFrom | fEpoch},

	TypeCallInvite:  {required: fCallID | fInviteList, optional: fRoom | fFrom},
	TypeCallAccept:  {required: fCallID, optional: fRoom | fFrom},
	TypeCallDecline: {required: fCallID, optional: fRoom | fFrom | fReason},
	TypeCallEnd:     {required: fCallID, optional: fRoom | fFrom | fReason},
	TypeRoster:      {required: fCallID, optional: fRoom | fFrom | fAccepted},

	TypeCreateRoom:  {},
	TypeRoomCreated: {required: fRoom},

	TypeError: {required: fCode | fMessage},
}

func (m Message) present() field {
	var f field
	set := func(ok bool, bit field) {
		if ok {
			f |= bit
		}
	}
	set(m.Room != "", fRoom)
	set(m.Identity != "", fIdentity)
	set(m.EndpointID != "", fEndpointID)
	set(m.SelfID != "", fSelfID)
	set(len(m.Members) > 0, fMembers)
	set(len(m.ICEServers) > 0, fICEServers)
	set(m.To != "", fTo)
	set(m.From != "", fFrom)
	set(m.Epoch != 0, fEpoch)
	set(m.SDP != nil, fSDP)
	set(m.Candidate != nil, fCandidate)
	set(m.CallID != "", fCallID)
	set(len(m.InviteList) > 0, fInviteList)
	set(len(m.Accepted) > 0, fAccepted)
	set(m.Reason != "", fReason)
	set(m.Code != "", fCode)
	set(m.Message != "", fMessage)
	return f
}

func (f field) names() string {
	var out []string
	for i, name := range fieldNames {
		if f&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return strings.Join(out, ", ")
}

// Validate checks that m carries exactly the fields its type allows.
func (m Message) Validate() error {
	sc, ok := schemas[m.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, m.Type)
	}
	have := m.present()
	if missing := sc.required &^ have; missing != 0 {
		return fmt.Errorf("%w: %s message missing %s", ErrInvalidMessage, m.Type, missing.names())
	}
	if extra := have &^ (sc.required | sc.optional); extra != 0 {
		return fmt.Errorf("%w: %s message has unexpected %s", ErrInvalidMessage, m.Type, extra.names())
	}

	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%w: %s message has sdp.type=%q", ErrInvalidMessage, m.Type, m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s message missing sdp.sdp", ErrInvalidMessage, m.Type)
		}
	case TypeJoined:
		for _, mem := range m.Members {
			if mem.Identity == "" || mem.EndpointID == "" {
				return fmt.Errorf("%w: joined member missing identity/endpointId", ErrInvalidMessage)
			}
		}
	case TypeCallInvite:
		for _, id := range m.InviteList {
			if id == "" {
				return fmt.Errorf("%w: call-invite has empty invitee", ErrInvalidMessage)
			}
		}
	}
	return nil
}

// PeerAddressed reports whether messages of type t are routed to a single
// member by `to`.
func (t MessageType) PeerAddressed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// RoomScoped reports whether messages of type t are fanned out to the room.
func (t MessageType) RoomScoped() bool {
	switch t {
	case TypeCallInvite, TypeCallAccept, TypeCallDecline, TypeCallEnd, TypeRoster:
		return true
	}
	return false
}

// ErrorMessage builds an `error` message.
func ErrorMessage(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}
