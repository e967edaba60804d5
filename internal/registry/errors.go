package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJoin is matched by every JoinError.
	ErrInvalidJoin = errors.New("invalid join")
	ErrRoomFull    = errors.New("room full")
)

// JoinError describes which join field was rejected.
type JoinError struct {
	Field  string
	Reason string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("invalid join: %s %s", e.Field, e.Reason)
}

func (e *JoinError) Unwrap() error { return ErrInvalidJoin }
