package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/webrtcpeer"
)

const (
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 10 * time.Second
	DefaultEventBuffer  = 256
)

var (
	// ErrJoinRejected matches relay errors that retrying cannot fix.
	ErrJoinRejected = errors.New("join rejected by relay")
	ErrClosed       = errors.New("client closed")
)

// RelayError is an error frame received from the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay error %s: %s", e.Code, e.Message) }

func (e *RelayError) Is(target error) bool {
	if target != ErrJoinRejected {
		return false
	}
	switch e.Code {
	case signaling.CodeInvalidJoin, signaling.CodeRoomFull, signaling.CodeReplaced:
		return true
	}
	return false
}

type Config struct {
	// ServerURL is the relay base URL (http, https, ws or wss).
	ServerURL string
	Room      string
	Identity  string
	// Subprotocol selects the wire codec; empty means JSON.
	Subprotocol string
	Header      http.Header
	Dialer      *websocket.Dialer

	// API builds the PeerConnections. Ignored when NewTransport is set.
	API *webrtc.API
	// NewTransport overrides the transport factory; it receives the ICE
	// servers from each joined reply.
	NewTransport func(iceServers []webrtc.ICEServer) negotiation.TransportFactory

	LinkMode      call.LinkMode
	LinkTimeout   time.Duration
	LinkRetries   int
	InviteTimeout time.Duration

	Media        media.Provider
	Constraints  media.Constraints
	RequireMedia bool

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	EventBuffer  int

	Logger *slog.Logger
}

// Client is one participant: a relay connection, the Negotiation Engine for
// its links and the Call Session Manager.
type Client struct {
	cfg       Config
	log       *slog.Logger
	signalURL string

	loop   *loop
	engine *negotiation.Engine
	calls  *call.Manager
	events chan Event

	mu       sync.Mutex
	conn     *relayConn
	members  []string
	closed   bool
	runCtx   context.CancelFunc
	dropped  atomic.Uint64
	received atomic.Uint64

	// Owned by the loop.
	factory    negotiation.TransportFactory
	memberSet  map[string]bool
	joinedOnce bool
}

func New(cfg Config) (*Client, error) {
	if cfg.Identity == "" {
		return nil, errors.New("client: identity is required")
	}
	if cfg.Room == "" {
		return nil, errors.New("client: room is required")
	}
	signalURL, err := SignalURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = signaling.SubprotocolJSON
	}
	if _, err := signaling.CodecFor(cfg.Subprotocol); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = DefaultReconnectMax
		if cfg.ReconnectMax < cfg.ReconnectMin {
			cfg.ReconnectMax = cfg.ReconnectMin
		}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.LinkMode == "" {
		cfg.LinkMode = call.LinkModeAuto
	}
	if cfg.NewTransport == nil {
		api := cfg.API
		if api == nil {
			api, err = webrtcpeer.NewAPI(webrtcpeer.APIOptions{Logger: cfg.Logger})
			if err != nil {
				return nil, err
			}
		}
		log := cfg.Logger
		cfg.NewTransport = func(ice []webrtc.ICEServer) negotiation.TransportFactory {
			return webrtcpeer.NewTransportFactory(api, ice, log)
		}
	}

	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger.With("identity", cfg.Identity, "room", cfg.Room),
		signalURL: signalURL,
		loop:      newLoop(),
		events:    make(chan Event, cfg.EventBuffer),
		memberSet: make(map[string]bool),
	}
	c.factory = cfg.NewTransport(nil)
	c.engine = negotiation.NewEngine(negotiation.Config{
		Self: cfg.Identity,
		NewTransport: func(p negotiation.TransportParams, ev negotiation.TransportEvents) (negotiation.Transport, error) {
			return c.factory(p, ev)
		},
		Signaler:    negotiation.SignalerFunc(c.sendSignal),
		Dispatch:    func(f func()) { c.loop.post(f) },
		LinkTimeout: cfg.LinkTimeout,
		LinkRetries: cfg.LinkRetries,
		Logger:      c.log,
		Hooks: negotiation.Hooks{
			OnStateChange:  c.onLinkState,
			OnConnectivity: c.onConnectivity,
			OnRemoteTrack:  c.onRemoteTrack,
			OnError:        c.onLinkError,
		},
	})
	c.calls = call.NewManager(call.Config{
		Self:          cfg.Identity,
		Links:         loopLinks{c: c},
		Signaler:      c,
		Media:         cfg.Media,
		Constraints:   cfg.Constraints,
		RequireMedia:  cfg.RequireMedia,
		InviteTimeout: cfg.InviteTimeout,
		LinkMode:      cfg.LinkMode,
		Logger:        c.log,
		OnEvent: func(ev call.Event) {
			c.emit(Event{Kind: EventCall, Room: cfg.Room, Call: &ev})
		},
	})
	return c, nil
}

// Events delivers presentation events. Events are dropped, and counted, when
// the consumer falls behind.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Call() *call.Manager { return c.calls }

// Members returns the other room members as of the last relay update.
func (c *Client) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.members...)
}

// Link reports the state of the link to remote.
func (c *Client) Link(remote string) (negotiation.LinkInfo, bool) {
	var (
		info negotiation.LinkInfo
		ok   bool
	)
	c.loop.do(func() { info, ok = c.engine.Link(remote) })
	return info, ok
}

// Connected reports whether a relay connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// DroppedEvents counts events discarded because Events was not drained.
func (c *Client) DroppedEvents() uint64 { return c.dropped.Load() }

// RemotePackets counts RTP packets read from remote tracks.
func (c *Client) RemotePackets() uint64 { return c.received.Load() }

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Run connects, joins and keeps the participant in the room until ctx is
// done, Close is called or the relay rejects the join.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.runCtx = cancel
	c.mu.Unlock()

	backoff := c.cfg.ReconnectMin
	for {
		joined, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrJoinRejected) {
			return err
		}
		if joined {
			backoff = c.cfg.ReconnectMin
		}
		c.log.Warn("relay unavailable; reconnecting", "err", err, "retry_in", backoff)
		c.emit(Event{Kind: EventRelayUnavailable, Room: c.cfg.Room, Err: err})

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// session runs one relay connection. It reports whether the join succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	rc, err := dialRelay(ctx, c.cfg.Dialer, c.signalURL, c.cfg.Subprotocol, c.cfg.Header, c.log)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	rc.installPingHandler()
	stop := context.AfterFunc(ctx, rc.close)
	defer stop()
	defer c.detach(rc)

	if err := rc.send(signaling.Message{Type: signaling.TypeJoin, Room: c.cfg.Room, Identity: c.cfg.Identity}); err != nil {
		return false, err
	}

	joined := false
	for {
		msg, err := rc.read()
		if err != nil {
			return joined, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		switch msg.Type {
		case signaling.TypeJoined:
			joined = true
			c.mu.Lock()
			c.conn = rc
			c.members = identities(msg.Members)
			c.mu.Unlock()
		case signaling.TypeError:
			rerr := &RelayError{Code: msg.Code, Message: msg.Message}
			if errors.Is(rerr, ErrJoinRejected) {
				c.emit(Event{Kind: EventRelayError, Room: c.cfg.Room, Code: msg.Code, Err: rerr})
				return joined, rerr
			}
		case signaling.TypeMemberJoined:
			c.mu.Lock()
			c.members = addMember(c.members, msg.Identity)
			c.mu.Unlock()
		case signaling.TypeMemberLeft:
			c.mu.Lock()
			c.members = removeMember(c.members, msg.Identity)
			c.mu.Unlock()
		}
		c.loop.post(func() { c.handle(msg) })
	}
}

func (c *Client) detach(rc *relayConn) {
	rc.close()
	c.mu.Lock()
	if c.conn == rc {
		c.conn = nil
	}
	c.mu.Unlock()
}

func addMember(list []string, id string) []string {
	for _, m := range list {
		if m == id {
			return list
		}
	}
	list = append(list, id)
	sort.Strings(list)
	return list
}

func removeMember(list []string, id string) []string {
	out := list[:0]
	for _, m := range list {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) send(msg signaling.Message) error {
	c.mu.Lock()
	rc := c.conn
	c.mu.Unlock()
	if rc == nil {
		return ErrRelayUnavailable
	}
	return rc.send(msg)
}

// Broadcast sends a room-scoped call message.
func (c *Client) Broadcast(msg signaling.Message) error { return c.send(msg) }

func (c *Client) sendSignal(s negotiation.Signal) error {
	msg, err := messageFromSignal(s)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// handle runs on the loop.
func (c *Client) handle(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeJoined:
		c.handleJoined(msg)
	case signaling.TypeMemberJoined:
		c.handleMemberJoined(msg.Identity)
	case signaling.TypeMemberLeft:
		c.handleMemberLeft(msg.Identity)
	case signaling.TypeOffer:
		c.engine.HandleOffer(msg.From, msg.Epoch, descriptionFromMessage(msg))
	case signaling.TypeAnswer:
		c.engine.HandleAnswer(msg.From, msg.Epoch, descriptionFromMessage(msg))
	case signaling.TypeCandidate:
		c.engine.HandleCandidate(msg.From, msg.Epoch, candidateFromMessage(msg))
	case signaling.TypeCallInvite, signaling.TypeCallAccept, signaling.TypeCallDecline, signaling.TypeCallEnd, signaling.TypeRoster:
		c.calls.HandleMessage(msg)
	case signaling.TypeError:
		c.log.Warn("relay reported an error", "code", msg.Code, "message", msg.Message)
		c.emit(Event{Kind: EventRelayError, Room: c.cfg.Room, Code: msg.Code, Err: &RelayError{Code: msg.Code, Message: msg.Message}})
	}
}

// handleJoined applies a join snapshot. After a reconnect it re-diffs: only
// members that are really gone lose (and forget) their links, links to members still
// present are renegotiated because the relay told them we left and came back.
func (c *Client) handleJoined(msg signaling.Message) {
	c.factory = c.cfg.NewTransport(signaling.ICEServersToPion(msg.ICEServers))
	next := make(map[string]bool, len(msg.Members))
	for _, m := range msg.Members {
		next[m.Identity] = true
	}
	resync := c.joinedOnce
	c.joinedOnce = true

	if resync {
		for id := range c.memberSet {
			if !next[id] {
				// Nothing from the old relay connection can still arrive.
				c.engine.Forget(id)
				c.emit(Event{Kind: EventMemberLeft, Room: c.cfg.Room, Remote: id})
			}
		}
		for _, id := range c.engine.Remotes() {
			if next[id] {
				c.engine.Restart(id)
			}
		}
	}
	c.memberSet = next
	ids := identities(msg.Members)
	sort.Strings(ids)
	if c.cfg.LinkMode == call.LinkModeAuto {
		for _, id := range ids {
			c.engine.Open(id, nil)
		}
	}
	c.calls.SetMembers(ids)
	if resync {
		c.calls.Resync()
	}
	c.log.Info("joined room", "self_id", msg.SelfID, "members", ids, "resync", resync)
	c.emit(Event{Kind: EventJoined, Room: c.cfg.Room, Members: ids, Resync: resync})
}

func (c *Client) handleMemberJoined(id string) {
	if id == "" || id == c.cfg.Identity {
		return
	}
	c.memberSet[id] = true
	c.calls.MemberJoined(id)
	if c.cfg.LinkMode == call.LinkModeAuto {
		c.engine.Open(id, nil)
	}
	c.emit(Event{Kind: EventMemberJoined, Room: c.cfg.Room, Remote: id})
}

func (c *Client) handleMemberLeft(id string) {
	if !c.memberSet[id] {
		return
	}
	delete(c.memberSet, id)
	c.engine.Close(id)
	c.calls.MemberLeft(id)
	c.emit(Event{Kind: EventMemberLeft, Room: c.cfg.Room, Remote: id})
}

func (c *Client) onLinkState(remote string, s negotiation.State) {
	c.calls.LinkStateChanged(remote, s)
	c.emit(Event{Kind: EventLinkState, Room: c.cfg.Room, Remote: remote, LinkState: s})
}

func (c *Client) onConnectivity(remote string, conn negotiation.Connectivity) {
	c.calls.ConnectivityChanged(remote, conn)
	c.emit(Event{Kind: EventConnectivity, Room: c.cfg.Room, Remote: remote, Connectivity: conn})
}

func (c *Client) onRemoteTrack(remote string, t negotiation.Track) {
	if rt, ok := t.(*webrtc.TrackRemote); ok {
		go c.drainRemote(func() error {
			_, _, err := rt.ReadRTP()
			return err
		})
	}
	c.calls.RemoteTrack(remote, t)
	c.emit(Event{Kind: EventRemoteTrack, Room: c.cfg.Room, Remote: remote, Track: t})
}

// drainRemote counts packets until read fails.
func (c *Client) drainRemote(read func() error) {
	for read() == nil {
		c.received.Add(1)
	}
}

func (c *Client) onLinkError(remote string, err error) {
	c.log.Warn("link error", "remote", remote, "err", err)
	c.emit(Event{Kind: EventLinkError, Room: c.cfg.Room, Remote: remote, Err: err})
}

// Close leaves any call, leaves the room and tears every link down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.runCtx
	rc := c.conn
	c.mu.Unlock()

	c.calls.Close()
	if rc != nil {
		_ = rc.send(signaling.Message{Type: signaling.TypeLeave, Room: c.cfg.Room})
		rc.flush(time.Second)
	}
	if cancel != nil {
		cancel()
	}
	c.loop.do(c.engine.CloseAll)
	c.loop.stop()
	return nil
}

// loopLinks queues the Call Session Manager's link operations onto the loop.
type loopLinks struct{ c *Client }

func (l loopLinks) Open(remote string, tracks []negotiation.Track) {
	l.c.loop.post(func() { l.c.engine.Open(remote, tracks) })
}

func (l loopLinks) Close(remote string) {
	l.c.loop.post(func() { l.c.engine.Close(remote) })
}

func (l loopLinks) SetTracks(remote string, tracks []negotiation.Track) {
	l.c.loop.post(func() {
		if err := l.c.engine.SetTracks(remote, tracks); err != nil && !errors.Is(err, negotiation.ErrUnknownLink) {
			l.c.log.Warn("failed to update link tracks", "remote", remote, "err", err)
		}
	})
}
