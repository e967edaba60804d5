package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/ratelimit"
)

// endpoint is one signaling WebSocket. The reader goroutine (run) decodes and
// routes; the writer goroutine drains queue; a pinger keeps the connection
// alive.
type endpoint struct {
	srv   *Server
	id    string
	conn  *websocket.Conn
	codec Codec
	log   *slog.Logger
	queue *sendQueue

	limiter *ratelimit.TokenBucket

	// iceServers is set by the reader before each join.
	iceServers []ICEServer

	mu         sync.Mutex
	closeCode  int
	closeText  string
	overflowed bool

	shutdownOnce sync.Once
	done         chan struct{}
	writerDone   chan struct{}
}

func newEndpoint(s *Server, id string, conn *websocket.Conn, codec Codec) *endpoint {
	rate := int64(s.cfg.MaxMessagesPerSecond)
	return &endpoint{
		srv:        s,
		id:         id,
		conn:       conn,
		codec:      codec,
		log:        s.log.With("endpoint_id", id),
		queue:      newSendQueue(s.cfg.SendQueueMessages),
		limiter:    ratelimit.NewTokenBucket(s.cfg.Clock, rate, rate),
		closeCode:  websocket.CloseNormalClosure,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (ep *endpoint) send(msg Message) {
	ep.srv.deliver(ep.id, msg)
}

func (ep *endpoint) run() {
	go ep.writeLoop()
	go ep.pingLoop()
	defer func() {
		ep.srv.disconnect(ep)
		ep.shutdown(websocket.CloseNormalClosure, "", true)
		<-ep.writerDone
	}()

	idle := ep.srv.cfg.IdleTimeout
	ep.conn.SetReadLimit(ep.srv.cfg.MaxMessageBytes)
	_ = ep.conn.SetReadDeadline(time.Now().Add(idle))
	ep.conn.SetPongHandler(func(string) error {
		return ep.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		frameType, data, err := ep.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				ep.log.Debug("signaling endpoint idle timeout")
				ep.shutdown(websocket.CloseNormalClosure, "idle timeout", false)
			case errors.Is(err, websocket.ErrReadLimit):
				ep.srv.metrics.Inc(metrics.ProtocolError)
				ep.shutdown(websocket.CloseMessageTooBig, "message too large", false)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				ep.log.Debug("signaling endpoint closed abruptly", "err", err)
			}
			return
		}
		_ = ep.conn.SetReadDeadline(time.Now().Add(idle))

		if !ep.limiter.Allow(1) {
			ep.srv.metrics.Inc(metrics.RateLimited)
			ep.fail(&protocolError{Code: CodeRateLimited, Message: "rate limit exceeded", Fatal: true})
			return
		}
		if frameType != ep.codec.FrameType() {
			ep.fail(&protocolError{Code: CodeBadMessage, Message: "unexpected frame type for subprotocol", Fatal: true})
			return
		}
		msg, err := ep.codec.Decode(data)
		if err != nil {
			ep.fail(&protocolError{Code: CodeBadMessage, Message: err.Error(), Fatal: true})
			return
		}

		if err := ep.srv.handle(ep, msg); err != nil {
			var perr *protocolError
			if !errors.As(err, &perr) {
				perr = &protocolError{Code: CodeInternal, Message: err.Error(), Fatal: true}
			}
			if perr.Fatal {
				ep.fail(perr)
				return
			}
			ep.send(ErrorMessage(perr.Code, perr.Message))
		}
	}
}

func (ep *endpoint) fail(perr *protocolError) {
	ep.srv.metrics.Inc(metrics.ProtocolError)
	ep.log.Debug("signaling protocol error", "code", perr.Code, "err", perr.Message)
	ep.send(ErrorMessage(perr.Code, perr.Message))
	ep.shutdown(websocket.ClosePolicyViolation, perr.Code, true)
}

func (ep *endpoint) writeLoop() {
	defer close(ep.writerDone)
	defer ep.conn.Close()

	for {
		msg, ok := ep.queue.Dequeue()
		if !ok {
			break
		}
		data, err := ep.codec.Encode(msg)
		if err != nil {
			ep.log.Error("failed to encode signaling message", "type", msg.Type, "err", err)
			continue
		}
		_ = ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ep.conn.WriteMessage(ep.codec.FrameType(), data); err != nil {
			ep.shutdown(websocket.CloseAbnormalClosure, "", false)
			return
		}
	}

	ep.mu.Lock()
	code, text := ep.closeCode, ep.closeText
	ep.mu.Unlock()
	_ = ep.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (ep *endpoint) pingLoop() {
	ticker := time.NewTicker(ep.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ep.done:
			return
		case <-ticker.C:
			if err := ep.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// shutdown closes the endpoint once. With drain set the writer flushes what
// is already queued before sending the close frame. The reader observes the
// closed connection and runs the leave path.
func (ep *endpoint) shutdown(code int, text string, drain bool) {
	ep.shutdownOnce.Do(func() {
		ep.mu.Lock()
		ep.closeCode, ep.closeText = code, text
		ep.mu.Unlock()
		close(ep.done)
		ep.queue.Close(drain)
		if !drain {
			// Unblock a reader parked in ReadMessage.
			_ = ep.conn.SetReadDeadline(time.Now())
		}
	})
}

func (ep *endpoint) markOverflow() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.overflowed {
		return false
	}
	ep.overflowed = true
	return true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
