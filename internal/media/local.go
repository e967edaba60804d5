package media

import (
	"errors"
	"sync"
)

var (
	ErrStopped     = errors.New("local media stopped")
	ErrNoSuchTrack = errors.New("no local track of that kind")
)

// LocalMedia is the set of local tracks acquired for one session. Links
// borrow its tracks; only the owner stops them.
type LocalMedia struct {
	mu      sync.Mutex
	tracks  []*Track
	onEnded func(*Track)
	stopped bool
}

func NewLocalMedia(tracks ...*Track) *LocalMedia {
	m := &LocalMedia{}
	for _, t := range tracks {
		if t == nil {
			continue
		}
		m.tracks = append(m.tracks, t)
		go m.watch(t)
	}
	return m
}

func (m *LocalMedia) watch(t *Track) {
	<-t.Done()
	if !t.Lost() {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	idx := m.indexLocked(t)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.tracks = append(m.tracks[:idx], m.tracks[idx+1:]...)
	cb := m.onEnded
	m.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

func (m *LocalMedia) indexLocked(t *Track) int {
	for i, cur := range m.tracks {
		if cur == t {
			return i
		}
	}
	return -1
}

// OnEnded registers f to run, on its own goroutine, when a live track's device
// goes away. The track has already been removed from Tracks.
func (m *LocalMedia) OnEnded(f func(*Track)) {
	m.mu.Lock()
	m.onEnded = f
	m.mu.Unlock()
}

// Tracks returns the live tracks, audio first.
func (m *LocalMedia) Tracks() []*Track {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	out := make([]*Track, 0, len(m.tracks))
	for _, k := range []Kind{Audio, Video} {
		for _, t := range m.tracks {
			if t.MediaKind() == k {
				out = append(out, t)
			}
		}
	}
	return out
}

func (m *LocalMedia) Track(kind Kind) *Track {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.MediaKind() == kind {
			return t
		}
	}
	return nil
}

// SetMuted mutes or unmutes every track of kind. It reports whether such a
// track exists.
func (m *LocalMedia) SetMuted(kind Kind, muted bool) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, t := range m.tracks {
		if t.MediaKind() == kind {
			t.SetMuted(muted)
			found = true
		}
	}
	return found
}

func (m *LocalMedia) Muted(kind Kind) bool {
	t := m.Track(kind)
	return t != nil && t.Muted()
}

// ReplaceTrack swaps the track of next's kind for next, carrying over the mute
// flag, and stops the previous track. With no previous track of that kind next
// is added.
func (m *LocalMedia) ReplaceTrack(next *Track) error {
	if next == nil {
		return ErrNoSuchTrack
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	var prev *Track
	for i, t := range m.tracks {
		if t.MediaKind() == next.MediaKind() {
			prev = t
			m.tracks[i] = next
			break
		}
	}
	if prev == nil {
		m.tracks = append(m.tracks, next)
	} else {
		next.SetMuted(prev.Muted())
	}
	m.mu.Unlock()

	go m.watch(next)
	if prev != nil {
		prev.Stop()
	}
	return nil
}

// Stop releases every track. It is idempotent and does not fire OnEnded.
func (m *LocalMedia) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	tracks := m.tracks
	m.tracks = nil
	m.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

func (m *LocalMedia) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
