package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
)

const DefaultInviteTimeout = 30 * time.Second

// Links is the part of the Negotiation Engine the Manager drives. Calls must
// not block; the participant runtime queues them onto its event loop.
type Links interface {
	Open(remote string, tracks []negotiation.Track)
	Close(remote string)
	SetTracks(remote string, tracks []negotiation.Track)
}

// Signaler broadcasts a call message to the room.
type Signaler interface {
	Broadcast(signaling.Message) error
}

type Config struct {
	Self     string
	Links    Links
	Signaler Signaler

	Media        media.Provider
	Constraints  media.Constraints
	RequireMedia bool

	InviteTimeout time.Duration
	LinkMode      LinkMode

	AfterFunc func(time.Duration, func()) Timer
	NewCallID func() string
	Logger    *slog.Logger
	// OnEvent runs with the Manager's lock held and must not call back into
	// the Manager.
	OnEvent func(Event)
}

type pendingOp struct {
	cancel context.CancelFunc
}

// Manager owns the local side of a room's call session and the local media
// backing it. It is safe for concurrent use.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	members map[string]bool
	sess    *session
	op      *pendingOp

	local      *media.LocalMedia
	mediaState MediaState
	endReason  string
	// lastCallID is the last session self took part in.
	lastCallID string

	stable map[string]bool
	failed map[string]bool

	// receiving marks peers whose remote media has arrived.
	receiving map[string]bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = DefaultInviteTimeout
	}
	if cfg.LinkMode == "" {
		cfg.LinkMode = LinkModeAuto
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.NewCallID == nil {
		cfg.NewCallID = uuid.NewString
	}
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.VoiceConstraints()
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With("self", cfg.Self),
		members: make(map[string]bool),
		stable:  make(map[string]bool),
		failed:  make(map[string]bool),

		receiving: make(map[string]bool),
	}
}

// Session returns a snapshot; State is StateIdle when there is no call.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	s := m.sess
	if s == nil {
		return Session{State: StateIdle, Media: m.mediaState, EndReason: m.endReason}
	}
	return Session{
		CallID:     s.id,
		Initiator:  s.initiator,
		InviteList: s.inviteList(),
		Accepted:   sortedKeys(s.accepted),
		Pending:    sortedKeys(s.pending),
		Incoming:   s.incoming,
		State:      s.state,
		Media:      m.mediaState,
		EndReason:  m.endReason,
	}
}

// LocalMedia returns the media currently owned by the session, if any.
func (m *Manager) LocalMedia() *media.LocalMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *Manager) emitLocked(ev Event) {
	if m.cfg.OnEvent == nil {
		return
	}
	ev.Session = m.snapshotLocked()
	m.cfg.OnEvent(ev)
}

func (m *Manager) setStateLocked(st State) {
	if m.sess == nil || m.sess.state == st {
		return
	}
	m.log.Info("call state", "call_id", m.sess.id, "from", m.sess.state.String(), "to", st.String())
	m.sess.state = st
	m.emitLocked(Event{Kind: EventSessionStateChanged})
}

func (m *Manager) setMediaStateLocked(ms MediaState, err error) {
	if m.mediaState == ms && err == nil {
		return
	}
	m.mediaState = ms
	m.emitLocked(Event{Kind: EventMediaStateChanged, Err: err})
}

func (m *Manager) broadcastLocked(msg signaling.Message) {
	if err := m.cfg.Signaler.Broadcast(msg); err != nil {
		m.log.Warn("failed to broadcast call message", "type", msg.Type, "err", err)
	}
}

// SetMembers replaces the known room members (excluding self), e.g. after a
// join or resync. Members no longer present are treated as having left.
func (m *Manager) SetMembers(identities []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]bool, len(identities))
	for _, id := range identities {
		if id != m.cfg.Self {
			next[id] = true
		}
	}
	for id := range m.members {
		if !next[id] {
			m.memberGoneLocked(id)
		}
	}
	m.members = next
}

func (m *Manager) MemberJoined(identity string) {
	if identity == m.cfg.Self {
		return
	}
	m.mu.Lock()
	m.members[identity] = true
	m.mu.Unlock()
}

func (m *Manager) MemberLeft(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, identity)
	m.memberGoneLocked(identity)
}

func (m *Manager) memberGoneLocked(identity string) {
	delete(m.stable, identity)
	delete(m.failed, identity)
	delete(m.receiving, identity)
	s := m.sess
	if s == nil {
		return
	}
	changed := s.pending[identity] || s.accepted[identity]
	delete(s.pending, identity)
	delete(s.accepted, identity)
	if !changed {
		return
	}
	m.emitLocked(Event{Kind: EventRosterChanged})
	m.checkEndLocked("participants left")
}

// beginOpLocked registers a cancellable pending operation.
func (m *Manager) beginOpLocked(ctx context.Context) (context.Context, *pendingOp) {
	ctx, cancel := context.WithCancel(ctx)
	op := &pendingOp{cancel: cancel}
	m.op = op
	return ctx, op
}

func (m *Manager) cancelOpLocked() bool {
	if m.op == nil {
		return false
	}
	m.op.cancel()
	m.op = nil
	return true
}

// acquire runs the media provider without holding the lock. A nil media with
// a nil error means the session proceeds without media.
func (m *Manager) acquire(ctx context.Context) (*media.LocalMedia, error) {
	if m.cfg.Media == nil {
		if m.cfg.RequireMedia {
			return nil, &media.AcquisitionError{Kind: media.KindNotSupported, Err: ErrNoMedia}
		}
		return nil, nil
	}
	return media.AcquireWithFallback(ctx, m.cfg.Media, m.cfg.Constraints)
}

// finishAcquireLocked installs acquired media, or records its absence. It
// returns the error to surface to the caller, if any.
func (m *Manager) finishAcquireLocked(op *pendingOp, lm *media.LocalMedia, err error) error {
	if m.op != op {
		lm.Stop()
		return ErrCancelled
	}
	m.op = nil
	op.cancel()
	if err != nil {
		if media.KindOf(err) == media.KindAborted {
			return ErrCancelled
		}
		if m.cfg.RequireMedia {
			return err
		}
		m.log.Warn("continuing without local media", "err", err)
		m.setMediaStateLocked(MediaUnavailable, err)
		return nil
	}
	if lm == nil {
		m.setMediaStateLocked(MediaUnavailable, nil)
		return nil
	}
	m.local = lm
	lm.OnEnded(m.onTrackEnded)
	m.setMediaStateLocked(MediaActive, nil)
	return nil
}

// StartCall invites every current room member. It blocks while local media is
// acquired; Leave or Decline cancel it.
func (m *Manager) StartCall(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.sess != nil || m.op != nil {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	if len(m.members) == 0 {
		m.mu.Unlock()
		return Session{}, ErrNoParticipants
	}
	ctx, op := m.beginOpLocked(ctx)
	m.endReason = ""
	m.mu.Unlock()

	lm, err := m.acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.finishAcquireLocked(op, lm, err); err != nil {
		return Session{}, err
	}
	invite := sortedKeys(m.members)
	if len(invite) == 0 {
		m.releaseMediaLocked()
		return Session{}, ErrNoParticipants
	}
	s := newSession(m.cfg.NewCallID(), m.cfg.Self, invite, false)
	m.sess = s
	s.state = StateRinging
	m.armInviteTimerLocked(s)
	m.log.Info("starting call", "call_id", s.id, "invite_list", invite)
	m.broadcastLocked(signaling.Message{Type: signaling.TypeCallInvite, CallID: s.id, InviteList: invite})
	m.emitLocked(Event{Kind: EventSessionStateChanged})
	return m.snapshotLocked(), nil
}

// Accept answers the ringing incoming call. It blocks while local media is
// acquired; Decline or Leave cancel it.
func (m *Manager) Accept(ctx context.Context) (Session, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || !s.incoming || s.state != StateRinging || s.accepted[m.cfg.Self] {
		m.mu.Unlock()
		return Session{}, ErrNotRinging
	}
	if m.op != nil {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	ctx, op := m.beginOpLocked(ctx)
	m.mu.Unlock()

	lm, err := m.acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.finishAcquireLocked(op, lm, err); err != nil {
		return Session{}, err
	}
	if m.sess != s || s.state != StateRinging {
		m.releaseMediaLocked()
		return Session{}, ErrCancelled
	}

	s.accepted[m.cfg.Self] = true
	s.joined = true
	delete(s.pending, m.cfg.Self)
	m.broadcastLocked(signaling.Message{Type: signaling.TypeCallAccept, CallID: s.id})
	m.broadcastRosterLocked()
	m.emitLocked(Event{Kind: EventRosterChanged})
	m.setStateLocked(StateConnecting)
	for _, remote := range m.callPeersLocked() {
		m.attachLocked(remote)
	}
	m.maybeConnectedLocked()
	return m.snapshotLocked(), nil
}

// Decline rejects the ringing incoming call, or cancels a pending StartCall
// or Accept.
func (m *Manager) Decline(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := m.cancelOpLocked()
	s := m.sess
	if s == nil {
		if cancelled {
			return nil
		}
		return ErrNoSession
	}
	if s.accepted[m.cfg.Self] {
		m.leaveLocked(reason)
		return nil
	}
	m.declineLocked(reason)
	return nil
}

func (m *Manager) declineLocked(reason string) {
	s := m.sess
	m.log.Info("declining call", "call_id", s.id, "reason", reason)
	m.broadcastLocked(signaling.Message{Type: signaling.TypeCallDecline, CallID: s.id, Reason: reason})
	m.broadcastRosterLocked()
	m.endLocked("declined")
}

// Leave removes self from the call. The call continues for the others.
func (m *Manager) Leave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := m.cancelOpLocked()
	s := m.sess
	if s == nil {
		if cancelled {
			return nil
		}
		return ErrNoSession
	}
	if !s.accepted[m.cfg.Self] {
		m.declineLocked("")
		return nil
	}
	m.leaveLocked("")
	return nil
}

// End is Leave; a session ends for everyone only once nobody else remains.
func (m *Manager) End() error { return m.Leave() }

func (m *Manager) leaveLocked(reason string) {
	s := m.sess
	peers := m.callPeersLocked()
	delete(s.accepted, m.cfg.Self)
	m.log.Info("leaving call", "call_id", s.id)
	for _, remote := range peers {
		m.detachLocked(remote)
	}
	m.broadcastLocked(signaling.Message{Type: signaling.TypeCallEnd, CallID: s.id, Reason: reason})
	m.broadcastRosterLocked()
	m.endLocked("left")
}

func (m *Manager) broadcastRosterLocked() {
	s := m.sess
	m.broadcastLocked(signaling.Message{Type: signaling.TypeRoster, CallID: s.id, Accepted: sortedKeys(s.accepted)})
}

// endLocked moves the session to ended, releases media and returns to idle.
func (m *Manager) endLocked(reason string) {
	s := m.sess
	if s == nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.accepted[m.cfg.Self] {
		for _, remote := range m.callPeersLocked() {
			m.detachLocked(remote)
		}
	}
	if s.joined {
		m.lastCallID = s.id
	}
	m.endReason = reason
	m.setStateLocked(StateEnded)
	m.releaseMediaLocked()
	m.sess = nil
	m.emitLocked(Event{Kind: EventSessionStateChanged})
}

func (m *Manager) releaseMediaLocked() {
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.mediaState = MediaNone
}

// checkEndLocked ends the session once no other accepted participant remains
// and, for a participant already in the call, no invitee is still pending.
func (m *Manager) checkEndLocked(reason string) {
	s := m.sess
	if s == nil {
		return
	}
	others := 0
	for id := range s.accepted {
		if id != m.cfg.Self {
			others++
		}
	}
	if others > 0 {
		return
	}
	if s.accepted[m.cfg.Self] && len(s.pending) > 0 {
		return
	}
	if s.accepted[m.cfg.Self] {
		m.broadcastLocked(signaling.Message{Type: signaling.TypeCallEnd, CallID: s.id, Reason: reason})
	}
	m.endLocked(reason)
}

func (m *Manager) armInviteTimerLocked(s *session) {
	id := s.id
	s.timer = m.cfg.AfterFunc(m.cfg.InviteTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sess == nil || m.sess.id != id {
			return
		}
		m.inviteExpiredLocked()
	})
}

func (m *Manager) inviteExpiredLocked() {
	s := m.sess
	s.timer = nil
	if s.pending[m.cfg.Self] {
		m.cancelOpLocked()
		m.declineLocked("timeout")
		return
	}
	if len(s.pending) == 0 {
		return
	}
	m.log.Info("invite timed out", "call_id", s.id, "unanswered", sortedKeys(s.pending))
	s.pending = make(map[string]bool)
	m.emitLocked(Event{Kind: EventRosterChanged})
	m.checkEndLocked("no answer")
}

// HandleMessage applies a relayed call message.
func (m *Manager) HandleMessage(msg signaling.Message) {
	if msg.From == m.cfg.Self || msg.From == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg.Type {
	case signaling.TypeCallInvite:
		m.onInviteLocked(msg)
	case signaling.TypeCallAccept:
		m.onAcceptLocked(msg.CallID, msg.From)
	case signaling.TypeCallDecline:
		m.onGoneLocked(msg.CallID, msg.From, "declined")
	case signaling.TypeCallEnd:
		m.onGoneLocked(msg.CallID, msg.From, "ended")
	case signaling.TypeRoster:
		m.onRosterLocked(msg)
	}
}

func (m *Manager) onInviteLocked(msg signaling.Message) {
	if m.sess != nil || m.op != nil {
		if m.sess != nil && m.sess.id == msg.CallID {
			return
		}
		m.log.Info("declining invite while busy", "call_id", msg.CallID, "from", msg.From)
		m.broadcastLocked(signaling.Message{Type: signaling.TypeCallDecline, CallID: msg.CallID, Reason: "busy"})
		return
	}
	invited := false
	for _, id := range msg.InviteList {
		if id == m.cfg.Self {
			invited = true
		}
	}
	if !invited {
		return
	}
	s := newSession(msg.CallID, msg.From, msg.InviteList, true)
	s.state = StateRinging
	m.sess = s
	m.endReason = ""
	m.armInviteTimerLocked(s)
	m.log.Info("incoming call", "call_id", s.id, "from", msg.From, "invite_list", msg.InviteList)
	m.emitLocked(Event{Kind: EventSessionStateChanged})
}

func (m *Manager) current(callID string) *session {
	if m.sess == nil || m.sess.id != callID {
		return nil
	}
	return m.sess
}

func (m *Manager) onAcceptLocked(callID, from string) {
	s := m.current(callID)
	if s == nil {
		if m.sess == nil && callID != "" && callID == m.lastCallID {
			// The sender missed our departure.
			m.broadcastLocked(signaling.Message{Type: signaling.TypeCallEnd, CallID: callID, Reason: "ended"})
		}
		return
	}
	if (!s.invited[from] && from != s.initiator) || s.accepted[from] {
		return
	}
	s.accepted[from] = true
	delete(s.pending, from)
	m.emitLocked(Event{Kind: EventRosterChanged})
	if !s.accepted[m.cfg.Self] {
		return
	}
	if s.state == StateRinging {
		m.setStateLocked(StateConnecting)
	}
	m.attachLocked(from)
	m.maybeConnectedLocked()
}

func (m *Manager) onGoneLocked(callID, from, reason string) {
	s := m.current(callID)
	if s == nil {
		return
	}
	wasAccepted := s.accepted[from]
	if !s.pending[from] && !wasAccepted {
		return
	}
	if reason == "declined" && s.pending[from] {
		s.declined[from] = true
	}
	delete(s.pending, from)
	delete(s.accepted, from)
	if wasAccepted && s.accepted[m.cfg.Self] {
		m.detachLocked(from)
	}
	m.emitLocked(Event{Kind: EventRosterChanged})
	m.checkEndLocked(reason)
}

// onRosterLocked fills in accepts missed while the relay was unavailable. It
// never adds an identity outside the invite list.
func (m *Manager) onRosterLocked(msg signaling.Message) {
	s := m.current(msg.CallID)
	if s == nil {
		return
	}
	for _, id := range msg.Accepted {
		if id == m.cfg.Self || s.accepted[id] || !s.invited[id] || !m.members[id] {
			continue
		}
		m.onAcceptLocked(msg.CallID, id)
	}
}

// callPeersLocked lists the accepted participants other than self, sorted.
func (m *Manager) callPeersLocked() []string {
	s := m.sess
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.accepted))
	for id := range s.accepted {
		if id != m.cfg.Self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) localTracksLocked() []negotiation.Track {
	tracks := m.local.Tracks()
	out := make([]negotiation.Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// attachLocked makes sure a link to remote exists and carries local media.
func (m *Manager) attachLocked(remote string) {
	tracks := m.localTracksLocked()
	m.cfg.Links.Open(remote, tracks)
	m.cfg.Links.SetTracks(remote, tracks)
}

func (m *Manager) detachLocked(remote string) {
	delete(m.stable, remote)
	delete(m.failed, remote)
	delete(m.receiving, remote)
	if m.cfg.LinkMode == LinkModeCall {
		m.cfg.Links.Close(remote)
		return
	}
	m.cfg.Links.SetTracks(remote, nil)
}

func (m *Manager) maybeConnectedLocked() {
	s := m.sess
	if s == nil || s.state != StateConnecting {
		return
	}
	for _, remote := range m.callPeersLocked() {
		if m.stable[remote] {
			m.setStateLocked(StateConnected)
			return
		}
	}
}

// LinkStateChanged feeds link negotiation state from the engine.
func (m *Manager) LinkStateChanged(remote string, st negotiation.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch st {
	case negotiation.StateStable:
		m.stable[remote] = true
		delete(m.failed, remote)
		m.maybeConnectedLocked()
	case negotiation.StateClosed:
		delete(m.stable, remote)
	default:
		delete(m.stable, remote)
	}
}

// ConnectivityChanged feeds per-peer transport connectivity. A session whose
// every call link failed ends rather than staying in connecting.
func (m *Manager) ConnectivityChanged(remote string, c negotiation.Connectivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == negotiation.Disconnected || c == negotiation.Failed {
		delete(m.receiving, remote)
	}
	m.emitLocked(Event{Kind: EventConnectivityChanged, Remote: remote, Connectivity: c, Receiving: m.receiving[remote]})
	if c != negotiation.Failed {
		if c == negotiation.Connected {
			delete(m.failed, remote)
		}
		return
	}
	m.failed[remote] = true
	delete(m.stable, remote)
	s := m.sess
	if s == nil || !s.accepted[m.cfg.Self] || s.state != StateConnecting {
		return
	}
	peers := m.callPeersLocked()
	if len(peers) == 0 || len(s.pending) > 0 {
		return
	}
	for _, p := range peers {
		if !m.failed[p] {
			return
		}
	}
	m.log.Warn("every call link failed", "call_id", s.id)
	m.leaveLocked("link-failed")
}

// RemoteTrack records remote media from remote. The first track from a peer
// also reports it as receiving through EventConnectivityChanged.
func (m *Manager) RemoteTrack(remote string, t negotiation.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.receiving[remote] {
		m.receiving[remote] = true
		m.emitLocked(Event{Kind: EventConnectivityChanged, Remote: remote, Connectivity: negotiation.Connected, Receiving: true})
	}
	m.emitLocked(Event{Kind: EventRemoteMedia, Remote: remote, Track: t})
}

// SetMuted toggles local track enablement. No signaling is involved.
func (m *Manager) SetMuted(kind media.Kind, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil || !m.local.SetMuted(kind, muted) {
		return ErrNoMedia
	}
	return nil
}

// ReplaceTrack swaps a local track and updates every call link in place.
func (m *Manager) ReplaceTrack(t *media.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return ErrNoMedia
	}
	if err := m.local.ReplaceTrack(t); err != nil {
		return err
	}
	m.refreshTracksLocked()
	if m.mediaState == MediaDegraded && len(m.local.Tracks()) > 0 {
		m.setMediaStateLocked(MediaActive, nil)
	}
	return nil
}

// SwitchDevice acquires a new track of kind and replaces the current one.
func (m *Manager) SwitchDevice(ctx context.Context, kind media.Kind, c media.Constraints) error {
	if m.cfg.Media == nil {
		return ErrNoMedia
	}
	c.Audio = kind == media.Audio
	c.Video = kind == media.Video
	lm, err := m.cfg.Media.AcquireLocalMedia(ctx, c)
	if err != nil {
		return err
	}
	t := lm.Track(kind)
	if t == nil {
		lm.Stop()
		return ErrNoMedia
	}
	if err := m.ReplaceTrack(t); err != nil {
		lm.Stop()
		return err
	}
	return nil
}

func (m *Manager) refreshTracksLocked() {
	if m.sess == nil || !m.sess.accepted[m.cfg.Self] {
		return
	}
	tracks := m.localTracksLocked()
	for _, remote := range m.callPeersLocked() {
		m.cfg.Links.SetTracks(remote, tracks)
	}
}

func (m *Manager) onTrackEnded(t *media.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return
	}
	m.log.Warn("local track ended", "kind", t.MediaKind())
	m.refreshTracksLocked()
	if len(m.local.Tracks()) == 0 && m.cfg.RequireMedia && m.sess != nil {
		m.setMediaStateLocked(MediaDegraded, errors.New("local media lost"))
		if m.sess.accepted[m.cfg.Self] {
			m.leaveLocked("media-lost")
		} else {
			m.declineLocked("media-lost")
		}
		return
	}
	m.setMediaStateLocked(MediaDegraded, nil)
}

// Resync re-announces the local side of the session after the relay
// connection was re-established. The other members saw this participant
// leave and re-join, so they dropped it from their rosters.
func (m *Manager) Resync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return
	}
	if !s.incoming && len(s.pending) > 0 {
		invite := make(map[string]bool, len(s.pending)+len(s.accepted))
		for id := range s.pending {
			invite[id] = true
		}
		for id := range s.accepted {
			if id != m.cfg.Self {
				invite[id] = true
			}
		}
		m.broadcastLocked(signaling.Message{Type: signaling.TypeCallInvite, CallID: s.id, InviteList: sortedKeys(invite)})
	}
	if !s.accepted[m.cfg.Self] {
		return
	}
	m.log.Info("re-announcing call participation", "call_id", s.id)
	m.broadcastLocked(signaling.Message{Type: signaling.TypeCallAccept, CallID: s.id})
	m.broadcastRosterLocked()
}

// Close ends any session and releases media without waiting for the relay.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelOpLocked()
	if m.sess != nil && m.sess.accepted[m.cfg.Self] {
		m.leaveLocked("")
		return
	}
	if m.sess != nil {
		m.endLocked("closed")
	}
	m.releaseMediaLocked()
}
