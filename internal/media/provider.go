package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Constraints struct {
	Audio bool
	Video bool

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// DeviceID selects a specific capture device; empty means default.
	DeviceID string
}

// VoiceConstraints are the constraints used for audio-only calls.
func VoiceConstraints() Constraints {
	return Constraints{Audio: true, EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Simplified drops everything but the requested kinds.
func (c Constraints) Simplified() Constraints {
	return Constraints{Audio: c.Audio, Video: c.Video}
}

// Provider acquires local capture media. AcquireLocalMedia may block for an
// unbounded time and must honour ctx.
type Provider interface {
	AcquireLocalMedia(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// AcquireWithFallback retries with simplified constraints when the first
// attempt fails for a reason other than denial or cancellation.
func AcquireWithFallback(ctx context.Context, p Provider, c Constraints) (*LocalMedia, error) {
	m, err := p.AcquireLocalMedia(ctx, c)
	if err == nil {
		return m, nil
	}
	switch KindOf(err) {
	case KindDenied, KindAborted:
		return nil, err
	}
	simple := c.Simplified()
	if simple == c {
		return nil, err
	}
	return p.AcquireLocalMedia(ctx, simple)
}

const (
	DefaultAudioInterval = 20 * time.Millisecond
	DefaultVideoInterval = 33 * time.Millisecond
)

// SyntheticProvider produces generated tracks. It stands in for capture
// hardware in headless participants and tests.
type SyntheticProvider struct {
	// StreamID defaults to a random id per acquisition.
	StreamID string

	AudioInterval time.Duration
	VideoInterval time.Duration
	// AudioFrame and VideoFrame default to Opus silence and a fixed VP8
	// keyframe stub.
	AudioFrame FrameSource
	VideoFrame FrameSource

	// Delay simulates a permission prompt.
	Delay time.Duration
	// Fail, when set, is consulted before tracks are created; a non-nil
	// result is returned as the acquisition error.
	Fail func(Constraints) error
	// Devices lists valid device ids. Empty accepts any id.
	Devices []string
}

var vp8Stub = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

func (p *SyntheticProvider) AcquireLocalMedia(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, &AcquisitionError{Kind: KindNotSupported, Err: errors.New("no media kind requested")}
	}
	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &AcquisitionError{Kind: KindAborted, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Kind: KindAborted, Err: err}
	}
	if p.Fail != nil {
		if err := p.Fail(c); err != nil {
			var ae *AcquisitionError
			if errors.As(err, &ae) {
				return nil, err
			}
			return nil, &AcquisitionError{Kind: KindUnknown, Err: err}
		}
	}
	if c.DeviceID != "" && len(p.Devices) > 0 && !contains(p.Devices, c.DeviceID) {
		return nil, NamedError("NotFoundError", fmt.Sprintf("device %q not found", c.DeviceID))
	}

	streamID := p.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	var tracks []*Track
	release := func() {
		for _, t := range tracks {
			t.Stop()
		}
	}
	if c.Audio {
		t, err := p.newTrack(Audio, streamID)
		if err != nil {
			return nil, &AcquisitionError{Kind: KindNotSupported, Err: err}
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := p.newTrack(Video, streamID)
		if err != nil {
			release()
			return nil, &AcquisitionError{Kind: KindNotSupported, Err: err}
		}
		tracks = append(tracks, t)
	}
	return NewLocalMedia(tracks...), nil
}

// NewTrack creates a single replacement track, as used for device switches.
func (p *SyntheticProvider) NewTrack(kind Kind, streamID string) (*Track, error) {
	return p.newTrack(kind, streamID)
}

func (p *SyntheticProvider) newTrack(kind Kind, streamID string) (*Track, error) {
	params := trackParams{kind: kind, id: string(kind) + "-" + uuid.NewString(), streamID: streamID}
	switch kind {
	case Audio:
		params.interval = orDefault(p.AudioInterval, DefaultAudioInterval)
		params.source = p.AudioFrame
		if params.source == nil {
			params.source = func() []byte { return opusSilence }
		}
	case Video:
		params.interval = orDefault(p.VideoInterval, DefaultVideoInterval)
		params.source = p.VideoFrame
		if params.source == nil {
			params.source = func() []byte { return vp8Stub }
		}
	}
	return newTrack(params)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
