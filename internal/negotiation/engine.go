package negotiation

import (
	"io"
	"log/slog"
	"sort"
	"time"
)

const (
	DefaultLinkTimeout = 20 * time.Second
	DefaultLinkRetries = 1
)

// Hooks observe link lifecycle. Every hook runs on the Engine's goroutine.
type Hooks struct {
	OnStateChange  func(remote string, s State)
	OnConnectivity func(remote string, c Connectivity)
	OnRemoteTrack  func(remote string, t Track)
	OnError        func(remote string, err error)
}

type Config struct {
	// Self is the local identity.
	Self         string
	NewTransport TransportFactory
	Signaler     Signaler
	// Dispatch runs f on the Engine's goroutine. Transport callbacks and
	// timers are funnelled through it.
	Dispatch func(f func())

	// LinkTimeout bounds how long a link may take to become stable with a
	// connected transport. Zero means DefaultLinkTimeout; negative disables it.
	LinkTimeout time.Duration
	// LinkRetries is how many times a timed-out link is rebuilt before it is
	// reported as failed. Negative means none.
	LinkRetries int

	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
	Logger    *slog.Logger
	Hooks     Hooks
}

type pendingCandidate struct {
	epoch uint64
	cand  Candidate
}

type link struct {
	remote    string
	polite    bool
	initiator bool

	state State
	// epoch identifies the link incarnation; it rises on every rebuild.
	epoch     uint64
	transport Transport
	// gen filters callbacks from transports and timers of earlier incarnations.
	gen uint64

	remoteApplied bool
	pending       []pendingCandidate
	tracks        []Track
	renegotiate   bool
	connected     bool

	timer   Timer
	retries int
}

// LinkInfo is a snapshot of one link.
type LinkInfo struct {
	Remote    string
	State     State
	Polite    bool
	Initiator bool
	Epoch     uint64
	Connected bool
	Retries   int
}

type Engine struct {
	cfg   Config
	log   *slog.Logger
	links map[string]*link
	gen   uint64
}

func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.LinkTimeout == 0 {
		cfg.LinkTimeout = DefaultLinkTimeout
	}
	if cfg.LinkRetries == 0 {
		cfg.LinkRetries = DefaultLinkRetries
	}
	if cfg.LinkRetries < 0 {
		cfg.LinkRetries = 0
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	return &Engine{
		cfg:   cfg,
		log:   cfg.Logger.With("self", cfg.Self),
		links: make(map[string]*link),
	}
}

// Open creates the link to remote if it does not exist or was closed. The
// initiator side immediately sends its first offer, with an epoch above any
// earlier incarnation so the remote treats it as a restart.
func (e *Engine) Open(remote string, tracks []Track) {
	if remote == "" || remote == e.cfg.Self {
		return
	}
	var prevEpoch uint64
	if l, ok := e.links[remote]; ok {
		if l.state != StateClosed {
			return
		}
		prevEpoch = l.epoch
	}
	polite := Polite(e.cfg.Self, remote)
	l := &link{remote: remote, polite: polite, initiator: !polite, tracks: tracks}
	e.links[remote] = l
	if !e.rebuild(l, 0) {
		return
	}
	if l.initiator {
		l.epoch = prevEpoch + 1
		e.initiate(l)
	}
}

// Restart rebuilds a live link's transport after the remote lost its side of
// it, e.g. when the relay reported it leaving and re-joining. The initiator
// re-offers at a new epoch; the responder waits for that offer.
func (e *Engine) Restart(remote string) {
	l, ok := e.links[remote]
	if !ok || l.state == StateClosed {
		return
	}
	l.retries = 0
	if !l.initiator {
		e.rebuild(l, l.epoch)
		return
	}
	if !e.rebuild(l, l.epoch+1) {
		return
	}
	e.initiate(l)
}

// Close tears down the link to remote. The closed link is kept so that late
// candidates for it are dropped; a later Open replaces it.
func (e *Engine) Close(remote string) {
	l, ok := e.links[remote]
	if !ok || l.state == StateClosed {
		return
	}
	e.closeLink(l, Disconnected)
}

// Forget removes every trace of remote, including a closed link.
func (e *Engine) Forget(remote string) {
	e.Close(remote)
	delete(e.links, remote)
}

// CloseAll tears down every link.
func (e *Engine) CloseAll() {
	for _, remote := range e.Remotes() {
		e.Close(remote)
	}
}

// Remotes lists identities with a live (not closed) link, sorted.
func (e *Engine) Remotes() []string {
	out := make([]string, 0, len(e.links))
	for remote, l := range e.links {
		if l.state != StateClosed {
			out = append(out, remote)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Link(remote string) (LinkInfo, bool) {
	l, ok := e.links[remote]
	if !ok {
		return LinkInfo{}, false
	}
	return LinkInfo{
		Remote:    l.remote,
		State:     l.state,
		Polite:    l.polite,
		Initiator: l.initiator,
		Epoch:     l.epoch,
		Connected: l.connected,
		Retries:   l.retries,
	}, true
}

// SetTracks replaces the outgoing tracks on the link to remote and
// renegotiates when the set changed.
func (e *Engine) SetTracks(remote string, tracks []Track) error {
	l, ok := e.links[remote]
	if !ok {
		return ErrUnknownLink
	}
	if l.state == StateClosed {
		return ErrLinkClosed
	}
	l.tracks = tracks
	changed, err := l.transport.SetTracks(tracks)
	if err != nil {
		return &NegotiationError{Remote: remote, Op: "set-tracks", Err: err}
	}
	if !changed {
		return nil
	}
	st, act := Next(l.state, EventTrackChange, l.polite)
	switch act {
	case ActionSendOffer:
		e.setState(l, st)
		e.sendOffer(l)
	case ActionDeferRenegotiation:
		l.renegotiate = true
	}
	return nil
}

// HandleOffer processes an offer from remote.
func (e *Engine) HandleOffer(remote string, epoch uint64, desc Description) {
	l := e.lazyLink(remote, epoch)
	if l == nil {
		return
	}
	switch {
	case l.state == StateClosed:
		e.log.Debug("dropping offer for closed link", "remote", remote)
		return
	case epoch < l.epoch:
		e.log.Debug("dropping stale offer", "remote", remote, "epoch", epoch, "link_epoch", l.epoch)
		return
	case epoch > l.epoch:
		if l.state != StateNew || l.remoteApplied {
			e.log.Info("remote restarted link", "remote", remote, "epoch", epoch, "link_epoch", l.epoch)
			if !e.rebuild(l, epoch) {
				return
			}
		}
		l.epoch = epoch
	}

	st, act := Next(l.state, EventRemoteOffer, l.polite)
	switch act {
	case ActionIgnore:
		e.log.Debug("ignoring competing offer", "remote", remote, "state", l.state)
		return
	case ActionRollbackAndAnswer:
		if err := l.transport.Rollback(); err != nil {
			e.fail(l, "rollback", err)
			return
		}
		// Our own offer was discarded; it is offered again once stable.
		l.renegotiate = true
	case ActionAnswer:
	default:
		return
	}
	e.setState(l, st)

	if err := l.transport.SetRemoteDescription(desc); err != nil {
		e.fail(l, "set-remote-offer", err)
		return
	}
	l.remoteApplied = true
	e.flushCandidates(l)

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		e.fail(l, "create-answer", err)
		return
	}
	e.signal(l, Signal{Kind: SignalAnswer, To: remote, Epoch: l.epoch, Description: &answer})

	st, _ = Next(l.state, EventAnswerSent, l.polite)
	e.setState(l, st)
	e.afterStable(l)
}

// HandleAnswer processes an answer from remote.
func (e *Engine) HandleAnswer(remote string, epoch uint64, desc Description) {
	l := e.lazyLink(remote, epoch)
	if l == nil || l.state == StateClosed {
		return
	}
	if epoch != l.epoch {
		e.log.Debug("dropping answer for another epoch", "remote", remote, "epoch", epoch, "link_epoch", l.epoch)
		return
	}
	st, act := Next(l.state, EventRemoteAnswer, l.polite)
	if act != ActionApplyAnswer {
		e.log.Debug("ignoring answer", "remote", remote, "state", l.state)
		return
	}
	if err := l.transport.SetRemoteDescription(desc); err != nil {
		e.fail(l, "set-remote-answer", err)
		return
	}
	l.remoteApplied = true
	e.flushCandidates(l)
	e.setState(l, st)
	e.afterStable(l)
}

// HandleCandidate buffers or applies a connectivity candidate from remote.
func (e *Engine) HandleCandidate(remote string, epoch uint64, cand Candidate) {
	l := e.lazyLink(remote, epoch)
	if l == nil || l.state == StateClosed {
		return
	}
	if epoch < l.epoch {
		return
	}
	if epoch > l.epoch || !l.remoteApplied {
		l.pending = append(l.pending, pendingCandidate{epoch: epoch, cand: cand})
		return
	}
	e.addCandidate(l, cand)
}

func (e *Engine) lazyLink(remote string, epoch uint64) *link {
	if remote == "" || remote == e.cfg.Self {
		return nil
	}
	if l, ok := e.links[remote]; ok {
		return l
	}
	e.log.Debug("creating responder link for unknown peer", "remote", remote)
	l := &link{remote: remote, polite: Polite(e.cfg.Self, remote)}
	e.links[remote] = l
	if !e.rebuild(l, epoch) {
		return nil
	}
	return l
}

func (e *Engine) initiate(l *link) {
	st, act := Next(l.state, EventInitiate, l.polite)
	if act != ActionSendOffer {
		return
	}
	e.setState(l, st)
	e.sendOffer(l)
}

func (e *Engine) sendOffer(l *link) {
	offer, err := l.transport.CreateOffer()
	if err != nil {
		e.fail(l, "create-offer", err)
		return
	}
	e.signal(l, Signal{Kind: SignalOffer, To: l.remote, Epoch: l.epoch, Description: &offer})
}

func (e *Engine) afterStable(l *link) {
	if l.state != StateStable {
		return
	}
	if l.connected {
		e.stopTimer(l)
	}
	if l.renegotiate {
		l.renegotiate = false
		st, act := Next(l.state, EventTrackChange, l.polite)
		if act == ActionSendOffer {
			e.setState(l, st)
			e.sendOffer(l)
		}
	}
}

func (e *Engine) flushCandidates(l *link) {
	pending := l.pending
	l.pending = nil
	for _, p := range pending {
		switch {
		case p.epoch == l.epoch:
			e.addCandidate(l, p.cand)
		case p.epoch > l.epoch:
			l.pending = append(l.pending, p)
		}
	}
}

func (e *Engine) addCandidate(l *link, cand Candidate) {
	if err := l.transport.AddICECandidate(cand); err != nil {
		e.log.Warn("failed to add remote candidate", "remote", l.remote, "err", err)
	}
}

func (e *Engine) signal(l *link, s Signal) {
	if err := e.cfg.Signaler.Signal(s); err != nil {
		e.log.Warn("failed to send negotiation message", "remote", l.remote, "kind", s.Kind, "err", err)
	}
}

// rebuild replaces the link's transport with a fresh one at epoch.
func (e *Engine) rebuild(l *link, epoch uint64) bool {
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}
	e.stopTimer(l)
	e.gen++
	gen := e.gen
	l.gen = gen
	l.epoch = epoch
	l.remoteApplied = false
	l.connected = false
	l.renegotiate = false
	kept := l.pending[:0]
	for _, p := range l.pending {
		if p.epoch >= epoch && epoch != 0 {
			kept = append(kept, p)
		}
	}
	l.pending = kept
	e.setState(l, StateNew)

	t, err := e.cfg.NewTransport(TransportParams{Remote: l.remote, Initiator: l.initiator, Polite: l.polite}, e.transportEvents(l.remote, gen))
	if err != nil {
		e.fail(l, "new-transport", err)
		return false
	}
	l.transport = t
	if len(l.tracks) > 0 {
		if _, err := t.SetTracks(l.tracks); err != nil {
			e.fail(l, "set-tracks", err)
			return false
		}
		// The remote offer may not carry sections for our tracks.
		l.renegotiate = !l.initiator
	}
	e.armTimer(l)
	e.connectivity(l, Connecting)
	return true
}

func (e *Engine) transportEvents(remote string, gen uint64) TransportEvents {
	current := func() *link {
		l, ok := e.links[remote]
		if !ok || l.gen != gen || l.state == StateClosed {
			return nil
		}
		return l
	}
	return TransportEvents{
		OnCandidate: func(c Candidate) {
			e.cfg.Dispatch(func() {
				if l := current(); l != nil {
					e.signal(l, Signal{Kind: SignalCandidate, To: remote, Epoch: l.epoch, Candidate: &c})
				}
			})
		},
		OnConnectivity: func(c Connectivity) {
			e.cfg.Dispatch(func() {
				if l := current(); l != nil {
					e.onConnectivity(l, c)
				}
			})
		},
		OnTrack: func(t Track) {
			e.cfg.Dispatch(func() {
				if current() != nil && e.cfg.Hooks.OnRemoteTrack != nil {
					e.cfg.Hooks.OnRemoteTrack(remote, t)
				}
			})
		},
	}
}

func (e *Engine) onConnectivity(l *link, c Connectivity) {
	switch c {
	case Connected:
		l.connected = true
		if l.state == StateStable {
			e.stopTimer(l)
		}
	case Disconnected:
		l.connected = false
		if l.timer == nil {
			e.armTimer(l)
		}
	case Failed:
		l.connected = false
		e.connectivity(l, Failed)
		e.retryOrFail(l, "ice-failed", ErrLinkTimeout)
		return
	}
	e.connectivity(l, c)
}

func (e *Engine) armTimer(l *link) {
	if e.cfg.LinkTimeout < 0 {
		return
	}
	e.stopTimer(l)
	gen := l.gen
	remote := l.remote
	l.timer = e.cfg.AfterFunc(e.cfg.LinkTimeout, func() {
		e.cfg.Dispatch(func() {
			cur, ok := e.links[remote]
			if !ok || cur.gen != gen || cur.state == StateClosed {
				return
			}
			cur.timer = nil
			if cur.state == StateStable && cur.connected {
				return
			}
			e.log.Info("link timed out", "remote", remote, "state", cur.state, "connected", cur.connected)
			e.retryOrFail(cur, "timeout", ErrLinkTimeout)
		})
	})
}

func (e *Engine) stopTimer(l *link) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// retryOrFail rebuilds the link while retries remain. The initiator moves to
// a new epoch and offers again; the responder waits for that offer.
func (e *Engine) retryOrFail(l *link, op string, cause error) {
	if l.retries >= e.cfg.LinkRetries {
		e.fail(l, op, cause)
		return
	}
	l.retries++
	epoch := l.epoch
	if l.initiator {
		epoch++
	}
	if !e.rebuild(l, epoch) {
		return
	}
	if l.initiator {
		e.initiate(l)
	}
}

func (e *Engine) fail(l *link, op string, err error) {
	nerr := &NegotiationError{Remote: l.remote, Op: op, Err: err}
	e.log.Warn("negotiation failed; closing link", "remote", l.remote, "op", op, "err", err)
	if e.cfg.Hooks.OnError != nil {
		e.cfg.Hooks.OnError(l.remote, nerr)
	}
	e.closeLink(l, Failed)
}

func (e *Engine) closeLink(l *link, c Connectivity) {
	st, act := Next(l.state, EventClose, l.polite)
	if act == ActionRelease && l.transport != nil {
		_ = l.transport.Close()
	}
	e.stopTimer(l)
	l.pending = nil
	l.connected = false
	e.setState(l, st)
	e.connectivity(l, c)
}

func (e *Engine) setState(l *link, s State) {
	if l.state == s {
		return
	}
	l.state = s
	e.log.Debug("link state", "remote", l.remote, "state", s)
	if e.cfg.Hooks.OnStateChange != nil {
		e.cfg.Hooks.OnStateChange(l.remote, s)
	}
}

func (e *Engine) connectivity(l *link, c Connectivity) {
	if e.cfg.Hooks.OnConnectivity != nil {
		e.cfg.Hooks.OnConnectivity(l.remote, c)
	}
}
