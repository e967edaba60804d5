package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const rtpMTU = 1200

// Track is an outgoing local track. It embeds the pion track so it can be
// attached to any number of PeerConnections.
type Track struct {
	*webrtc.TrackLocalStaticRTP

	kind  Kind
	muted atomic.Bool
	lost  atomic.Bool
	sent  atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	loopDone chan struct{}
}

// FrameSource yields the next encoded frame for a track.
type FrameSource func() []byte

type trackParams struct {
	kind      Kind
	id        string
	streamID  string
	interval  time.Duration
	clockRate uint32
	source    FrameSource
}

func newTrack(p trackParams) (*Track, error) {
	var (
		capability webrtc.RTPCodecCapability
		payloader  rtp.Payloader
	)
	switch p.kind {
	case Audio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		payloader = &codecs.OpusPayloader{}
	case Video:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		payloader = &codecs.VP8Payloader{}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", p.kind)
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, p.id, p.streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", p.kind, err)
	}
	t := &Track{
		TrackLocalStaticRTP: local,
		kind:                p.kind,
		done:                make(chan struct{}),
		loopDone:            make(chan struct{}),
	}
	// Payload type and SSRC are rewritten per binding by pion.
	packetizer := rtp.NewPacketizer(rtpMTU, 0, 0, payloader, rtp.NewRandomSequencer(), capability.ClockRate)
	samples := uint32(p.interval.Seconds() * float64(capability.ClockRate))
	go t.run(packetizer, samples, p.interval, p.source)
	return t, nil
}

func (t *Track) run(packetizer rtp.Packetizer, samples uint32, interval time.Duration, source FrameSource) {
	defer close(t.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		var frame []byte
		switch {
		case !t.muted.Load():
			frame = source()
		case t.kind == Audio:
			frame = opusSilence
		}
		if len(frame) == 0 {
			continue
		}
		for _, pkt := range packetizer.Packetize(frame, samples) {
			if err := t.WriteRTP(pkt); err != nil {
				continue
			}
		}
		t.sent.Add(1)
	}
}

func (t *Track) MediaKind() Kind { return t.kind }

// SetMuted toggles the local enabled flag. Muted audio keeps sending silence;
// muted video sends nothing.
func (t *Track) SetMuted(muted bool) { t.muted.Store(muted) }

func (t *Track) Muted() bool { return t.muted.Load() }

// FramesSent counts frames handed to the packetizer.
func (t *Track) FramesSent() uint64 { return t.sent.Load() }

// Stop ends the track without signalling device loss.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	<-t.loopDone
}

// End simulates the capture device going away.
func (t *Track) End() {
	t.lost.Store(true)
	t.Stop()
}

// Done is closed once the track stops producing media.
func (t *Track) Done() <-chan struct{} { return t.done }

// Lost reports whether the track ended because its device went away.
func (t *Track) Lost() bool { return t.lost.Load() }
