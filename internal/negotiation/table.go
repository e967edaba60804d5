package negotiation

import "fmt"

type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Event int

const (
	// EventInitiate is raised once on the initiator when the link opens.
	EventInitiate Event = iota
	EventRemoteOffer
	EventRemoteAnswer
	// EventAnswerSent completes the have-remote-offer state.
	EventAnswerSent
	// EventTrackChange is a change of the local outgoing track set.
	EventTrackChange
	EventClose
	EventApplyFailed
)

func (e Event) String() string {
	switch e {
	case EventInitiate:
		return "initiate"
	case EventRemoteOffer:
		return "remote-offer"
	case EventRemoteAnswer:
		return "remote-answer"
	case EventAnswerSent:
		return "answer-sent"
	case EventTrackChange:
		return "track-change"
	case EventClose:
		return "close"
	case EventApplyFailed:
		return "apply-failed"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

type Action int

const (
	ActionNone Action = iota
	// ActionSendOffer creates a local offer and sends it.
	ActionSendOffer
	// ActionAnswer applies the remote offer, flushes buffered candidates and
	// sends an answer.
	ActionAnswer
	// ActionRollbackAndAnswer discards the local offer first (polite glare).
	ActionRollbackAndAnswer
	// ActionApplyAnswer applies the remote answer and flushes candidates.
	ActionApplyAnswer
	// ActionIgnore drops the triggering message (impolite glare, stale answer).
	ActionIgnore
	// ActionDeferRenegotiation remembers a track change to be offered once
	// the link is stable.
	ActionDeferRenegotiation
	// ActionRelease tears down the transport.
	ActionRelease
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSendOffer:
		return "send-offer"
	case ActionAnswer:
		return "answer"
	case ActionRollbackAndAnswer:
		return "rollback-and-answer"
	case ActionApplyAnswer:
		return "apply-answer"
	case ActionIgnore:
		return "ignore"
	case ActionDeferRenegotiation:
		return "defer-renegotiation"
	case ActionRelease:
		return "release"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Polite reports whether local defers to remote during glare. Both ends
// compute complementary answers from the same pair of identities.
func Polite(local, remote string) bool {
	return local < remote
}

// Next is the link transition function. It is pure: the Engine performs the
// returned action.
func Next(s State, e Event, polite bool) (State, Action) {
	if s == StateClosed {
		return StateClosed, ActionIgnore
	}
	switch e {
	case EventClose, EventApplyFailed:
		return StateClosed, ActionRelease
	}

	switch s {
	case StateNew:
		switch e {
		case EventInitiate:
			return StateHaveLocalOffer, ActionSendOffer
		case EventRemoteOffer:
			return StateHaveRemoteOffer, ActionAnswer
		case EventTrackChange:
			return StateNew, ActionDeferRenegotiation
		}
	case StateHaveLocalOffer:
		switch e {
		case EventRemoteAnswer:
			return StateStable, ActionApplyAnswer
		case EventRemoteOffer:
			if polite {
				return StateHaveRemoteOffer, ActionRollbackAndAnswer
			}
			return StateHaveLocalOffer, ActionIgnore
		case EventTrackChange:
			return StateHaveLocalOffer, ActionDeferRenegotiation
		case EventInitiate:
			return StateHaveLocalOffer, ActionNone
		}
	case StateHaveRemoteOffer:
		switch e {
		case EventAnswerSent:
			return StateStable, ActionNone
		case EventTrackChange:
			return StateHaveRemoteOffer, ActionDeferRenegotiation
		}
	case StateStable:
		switch e {
		case EventTrackChange:
			return StateHaveLocalOffer, ActionSendOffer
		case EventRemoteOffer:
			return StateHaveRemoteOffer, ActionAnswer
		case EventInitiate:
			return StateStable, ActionNone
		}
	}
	return s, ActionIgnore
}
