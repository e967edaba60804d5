package client

import (
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
)

func messageFromSignal(s negotiation.Signal) (signaling.Message, error) {
	msg := signaling.Message{To: s.To, Epoch: s.Epoch}
	switch s.Kind {
	case negotiation.SignalOffer, negotiation.SignalAnswer:
		if s.Description == nil {
			return signaling.Message{}, fmt.Errorf("%s signal without description", s.Kind)
		}
		msg.Type = signaling.MessageType(s.Kind)
		msg.SDP = &signaling.SDP{Type: string(s.Description.Type), SDP: s.Description.SDP}
	case negotiation.SignalCandidate:
		if s.Candidate == nil {
			return signaling.Message{}, fmt.Errorf("candidate signal without candidate")
		}
		msg.Type = signaling.TypeCandidate
		msg.Candidate = &signaling.Candidate{
			Candidate:        s.Candidate.Candidate,
			SDPMid:           s.Candidate.SDPMid,
			SDPMLineIndex:    s.Candidate.SDPMLineIndex,
			UsernameFragment: s.Candidate.UsernameFragment,
		}
	default:
		return signaling.Message{}, fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return msg, nil
}

func descriptionFromMessage(msg signaling.Message) negotiation.Description {
	return negotiation.Description{Type: negotiation.SDPType(msg.SDP.Type), SDP: msg.SDP.SDP}
}

func candidateFromMessage(msg signaling.Message) negotiation.Candidate {
	c := msg.Candidate
	return negotiation.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func identities(members []signaling.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Identity)
	}
	return out
}
