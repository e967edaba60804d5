package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrLinkTimeout = errors.New("negotiation: link did not become stable in time")
	ErrUnknownLink = errors.New("negotiation: unknown link")
	ErrLinkClosed  = errors.New("negotiation: link closed")
)

// NegotiationError reports a failure on one link. It never affects other
// links.
type NegotiationError struct {
	Remote string
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %q: %s: %v", e.Remote, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
