package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/turnrest"
)

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultMaxMessageBytes   = int64(64 * 1024)
	defaultMessagesPerSecond = 50
	defaultSendQueueMessages = 256

	writeWait = 5 * time.Second
)

// Config wires together the runtime dependencies for the relay.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Origin is applied to the WebSocket upgrade. The zero value allows
	// same-host browsers and every non-browser client.
	Origin origin.Policy

	// ICEServers are handed to each participant in its `joined` reply.
	ICEServers []webrtc.ICEServer
	// TURNREST, when set, replaces TURN credentials with per-endpoint
	// ephemeral ones.
	TURNREST *turnrest.Generator

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueMessages    int

	MaxRoomMembers   int
	MaxIdentityBytes int

	Clock ratelimit.Clock
}

// Server is the Signaling Relay.
//
// Endpoints:
//   - GET  /signal     : WebSocket signaling
//   - GET  /api/rooms  : list live rooms
//   - POST /api/rooms  : reserve a fresh room code
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	upgrader websocket.Upgrader

	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(defaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.SendQueueMessages <= 0 {
		cfg.SendQueueMessages = defaultSendQueueMessages
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		endpoints: make(map[string]*endpoint),
	}
	s.registry = registry.New(registry.Config{
		MaxMembers: cfg.MaxRoomMembers,
		MaxIDBytes: cfg.MaxIdentityBytes,
		Notifier:   notifier{s},
	})
	s.upgrader = websocket.Upgrader{
		Subprotocols: Subprotocols,
		CheckOrigin: func(r *http.Request) bool {
			if _, ok := cfg.Origin.Check(r); !ok {
				s.metrics.Inc(metrics.OriginRejected)
				return false
			}
			return true
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Registry exposes the room registry for read-only consumers such as
// metrics gauges.
func (s *Server) Registry() *registry.Registry { return s.registry }

// EndpointCount reports connected WebSocket endpoints.
func (s *Server) EndpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}

// Ready fails once Close has started draining endpoints.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("signaling: draining")
	}
	return nil
}

// Close disconnects every endpoint with a going-away close frame.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	eps := make([]*endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.Unlock()

	for _, ep := range eps {
		ep.shutdown(websocket.CloseGoingAway, "server shutting down", true)
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	codec, err := CodecFor(conn.Subprotocol())
	if err != nil {
		_ = conn.Close()
		return
	}

	ep := newEndpoint(s, uuid.NewString(), conn, codec)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.endpoints[ep.id] = ep
	s.mu.Unlock()

	s.metrics.Inc(metrics.WSConnected)
	ep.log.Debug("signaling endpoint connected", "remote_addr", r.RemoteAddr, "subprotocol", codec.Subprotocol())
	ep.run()
}

func (s *Server) disconnect(ep *endpoint) {
	if room, m, ok := s.registry.LeaveEndpoint(ep.id); ok {
		ep.log.Info("member left on disconnect", "room", room, "identity", m.Identity)
	}
	s.mu.Lock()
	delete(s.endpoints, ep.id)
	s.mu.Unlock()
	s.metrics.Inc(metrics.WSDisconnected)
}

func (s *Server) endpoint(id string) *endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[id]
}

// deliver enqueues msg for the endpoint. A full queue disconnects the
// recipient; skipping the frame would break per-pair ordering.
func (s *Server) deliver(endpointID string, msg Message) {
	ep := s.endpoint(endpointID)
	if ep == nil {
		return
	}
	if err := ep.queue.Enqueue(msg); !errors.Is(err, errQueueFull) {
		return
	}
	if ep.markOverflow() {
		s.metrics.Inc(metrics.QueueOverflow)
		ep.log.Warn("signaling send queue overflow; disconnecting", "queued", ep.queue.Len())
		go ep.shutdown(websocket.CloseTryAgainLater, "send queue overflow", false)
	}
}

// protocolError is reported to the sender as an `error` message. Fatal
// errors also close the connection.
type protocolError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

func (s *Server) handle(ep *endpoint, msg Message) error {
	switch {
	case msg.Type == TypeJoin:
		return s.handleJoin(ep, msg)
	case msg.Type == TypeLeave:
		if room, m, ok := s.registry.LeaveEndpoint(ep.id); ok {
			ep.log.Info("member left", "room", room, "identity", m.Identity)
		}
		return nil
	case msg.Type == TypeCreateRoom:
		id, err := s.registry.GenerateRoomID()
		if err != nil {
			return &protocolError{Code: CodeInternal, Message: "failed to generate room id"}
		}
		s.metrics.Inc(metrics.RoomCreated)
		ep.send(Message{Type: TypeRoomCreated, Room: id})
		return nil
	case msg.Type.PeerAddressed():
		return s.routeToPeer(ep, msg)
	case msg.Type.RoomScoped():
		return s.broadcast(ep, msg)
	default:
		return &protocolError{Code: CodeUnexpectedMessage, Message: fmt.Sprintf("message type %q is not accepted from clients", msg.Type), Fatal: true}
	}
}

func (s *Server) handleJoin(ep *endpoint, msg Message) error {
	ep.iceServers = s.iceServersFor(ep)
	res, err := s.registry.Join(msg.Room, msg.Identity, ep.id)
	switch {
	case errors.Is(err, registry.ErrInvalidJoin):
		s.metrics.Inc(metrics.InvalidJoin)
		return &protocolError{Code: CodeInvalidJoin, Message: err.Error()}
	case errors.Is(err, registry.ErrRoomFull):
		return &protocolError{Code: CodeRoomFull, Message: fmt.Sprintf("room %q is full", msg.Room)}
	case err != nil:
		return &protocolError{Code: CodeInternal, Message: err.Error()}
	}

	if res.Rejoin {
		ep.log.Debug("member re-sent join", "room", res.Room, "identity", res.Self.Identity)
		return nil
	}
	ep.log.Info("member joined", "room", res.Room, "identity", res.Self.Identity, "members", len(res.Members))
	if res.Replaced != nil {
		s.metrics.Inc(metrics.MemberReplaced)
		if old := s.endpoint(res.Replaced.EndpointID); old != nil {
			old.send(ErrorMessage(CodeReplaced, "identity joined from another connection"))
			go old.shutdown(websocket.ClosePolicyViolation, "replaced", true)
		}
	}
	return nil
}

func (s *Server) routeToPeer(ep *endpoint, msg Message) error {
	room, identity, ok := s.registry.Locate(ep.id)
	if !ok {
		return &protocolError{Code: CodeNotJoined, Message: "join a room first"}
	}
	msg.Room = room
	msg.From = identity

	target, ok := s.registry.Lookup(room, msg.To)
	if !ok || target.EndpointID == ep.id {
		s.metrics.Inc(metrics.RouteUnknownTarget)
		ep.log.Debug("dropping message for unknown target", "type", msg.Type, "room", room, "to", msg.To)
		return nil
	}
	s.deliver(target.EndpointID, msg)
	s.metrics.Inc(metrics.MessageRouted)
	return nil
}

func (s *Server) broadcast(ep *endpoint, msg Message) error {
	room, identity, ok := s.registry.Locate(ep.id)
	if !ok {
		return &protocolError{Code: CodeNotJoined, Message: "join a room first"}
	}
	msg.Room = room
	msg.From = identity

	for _, m := range s.registry.Members(room) {
		if m.EndpointID == ep.id {
			continue
		}
		s.deliver(m.EndpointID, msg)
		s.metrics.Inc(metrics.MessageRouted)
	}
	return nil
}

func (s *Server) iceServersFor(ep *endpoint) []ICEServer {
	servers := s.cfg.ICEServers
	if s.cfg.TURNREST != nil {
		creds, err := s.cfg.TURNREST.Generate(ep.id)
		if err != nil {
			ep.log.Warn("failed to mint TURN credentials", "err", err)
		} else {
			servers = s.cfg.TURNREST.Apply(servers, creds)
		}
	}
	return ICEServersFromPion(servers)
}

// ICEServersFromPion converts pion ICE servers to their wire form.
func ICEServersFromPion(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		wire := ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			wire.Credential = cred
		}
		out = append(out, wire)
	}
	return out
}

// ToPion converts wire ICE servers back to pion's type.
func ICEServersToPion(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func toWireMembers(ms []registry.Member) []Member {
	out := make([]Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, Member{Identity: m.Identity, EndpointID: m.EndpointID})
	}
	return out
}

// notifier turns registry callbacks into queued messages. It runs under the
// room lock, so it only enqueues.
type notifier struct{ s *Server }

func (n notifier) Admitted(room string, self registry.Member, others []registry.Member) {
	ep := n.s.endpoint(self.EndpointID)
	if ep == nil {
		return
	}
	n.s.deliver(self.EndpointID, Message{
		Type:       TypeJoined,
		Room:       room,
		SelfID:     self.EndpointID,
		Identity:   self.Identity,
		Members:    toWireMembers(others),
		ICEServers: ep.iceServers,
	})
}

func (n notifier) MemberJoined(room string, joined registry.Member, others []registry.Member) {
	n.s.metrics.Inc(metrics.MemberJoined)
	msg := Message{Type: TypeMemberJoined, Room: room, Identity: joined.Identity, EndpointID: joined.EndpointID}
	for _, m := range others {
		n.s.deliver(m.EndpointID, msg)
	}
}

func (n notifier) MemberLeft(room string, left registry.Member, others []registry.Member) {
	n.s.metrics.Inc(metrics.MemberLeft)
	if len(others) == 0 {
		n.s.metrics.Inc(metrics.RoomDestroyed)
	}
	msg := Message{Type: TypeMemberLeft, Room: room, Identity: left.Identity}
	for _, m := range others {
		n.s.deliver(m.EndpointID, msg)
	}
}

type roomsResponse struct {
	Rooms []registry.RoomInfo `json:"rooms"`
}

type roomCreatedResponse struct {
	Room string `json:"room"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, roomsResponse{Rooms: s.registry.Rooms()})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.GenerateRoomID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, httpErrorResponse{Code: CodeInternal, Message: "failed to generate room id"})
		return
	}
	s.metrics.Inc(metrics.RoomCreated)
	writeJSON(w, http.StatusCreated, roomCreatedResponse{Room: id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
