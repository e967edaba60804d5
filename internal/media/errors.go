package media

import (
	"errors"
	"fmt"
)

// ErrAcquisition matches every AcquisitionError via errors.Is.
var ErrAcquisition = errors.New("media acquisition failed")

type AcquisitionKind string

const (
	KindDenied       AcquisitionKind = "denied"
	KindNotFound     AcquisitionKind = "not-found"
	KindNotSupported AcquisitionKind = "not-supported"
	KindAborted      AcquisitionKind = "aborted"
	KindUnknown      AcquisitionKind = "unknown"
)

type AcquisitionError struct {
	Kind AcquisitionKind
	Err  error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media acquisition failed: %s", e.Kind)
	}
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func (e *AcquisitionError) Is(target error) bool { return target == ErrAcquisition }

// ClassifyError maps a browser-style DOMException name to an acquisition kind.
func ClassifyError(name string) AcquisitionKind {
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		return KindDenied
	case "NotFoundError", "DevicesNotFoundError", "OverconstrainedError", "NotReadableError", "TrackStartError":
		return KindNotFound
	case "NotSupportedError", "TypeError":
		return KindNotSupported
	case "AbortError":
		return KindAborted
	default:
		return KindUnknown
	}
}

// NamedError builds an AcquisitionError from a DOMException-style name.
func NamedError(name, message string) *AcquisitionError {
	return &AcquisitionError{Kind: ClassifyError(name), Err: fmt.Errorf("%s: %s", name, message)}
}

// KindOf returns the acquisition kind of err, or "" when err is not an
// acquisition failure.
func KindOf(err error) AcquisitionKind {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
