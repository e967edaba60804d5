package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
)

const (
	relayWriteWait    = 5 * time.Second
	relaySendQueue    = 256
	relayReadDeadline = 90 * time.Second
)

// ErrRelayUnavailable is returned for sends while the relay connection is
// down and wraps every connection failure Run retries.
var ErrRelayUnavailable = errors.New("signaling relay unavailable")

// SignalURL turns an http(s) or ws(s) base URL into the relay's WebSocket
// endpoint.
func SignalURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/signal"
	} else if !strings.HasSuffix(u.Path, "/signal") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	}
	return u.String(), nil
}

// relayConn is one WebSocket connection to the relay with its writer.
type relayConn struct {
	ws    *websocket.Conn
	codec signaling.Codec
	log   *slog.Logger

	out       chan signaling.Message
	done      chan struct{}
	closeOnce sync.Once
}

func dialRelay(ctx context.Context, d *websocket.Dialer, rawURL string, subprotocol string, header http.Header, log *slog.Logger) (*relayConn, error) {
	dialer := *d
	dialer.Subprotocols = []string{subprotocol}
	ws, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	codec, err := signaling.CodecFor(ws.Subprotocol())
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	rc := &relayConn{
		ws:    ws,
		codec: codec,
		log:   log,
		out:   make(chan signaling.Message, relaySendQueue),
		done:  make(chan struct{}),
	}
	go rc.writeLoop()
	return rc, nil
}

func (rc *relayConn) send(msg signaling.Message) error {
	select {
	case <-rc.done:
		return ErrRelayUnavailable
	default:
	}
	select {
	case rc.out <- msg:
		return nil
	case <-rc.done:
		return ErrRelayUnavailable
	default:
		return fmt.Errorf("%w: send queue full", ErrRelayUnavailable)
	}
}

func (rc *relayConn) writeLoop() {
	for {
		select {
		case <-rc.done:
			return
		case msg := <-rc.out:
			data, err := rc.codec.Encode(msg)
			if err != nil {
				rc.log.Warn("dropping unencodable signaling message", "type", msg.Type, "err", err)
				continue
			}
			_ = rc.ws.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := rc.ws.WriteMessage(rc.codec.FrameType(), data); err != nil {
				rc.close()
				return
			}
		}
	}
}

// flush waits briefly for queued messages to be written.
func (rc *relayConn) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(rc.out) > 0 && time.Now().Before(deadline) {
		select {
		case <-rc.done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// read blocks for the next message. The deadline is extended by every frame
// and every ping from the relay.
func (rc *relayConn) read() (signaling.Message, error) {
	_ = rc.ws.SetReadDeadline(time.Now().Add(relayReadDeadline))
	for {
		frameType, data, err := rc.ws.ReadMessage()
		if err != nil {
			return signaling.Message{}, err
		}
		if frameType != rc.codec.FrameType() {
			continue
		}
		msg, err := rc.codec.Decode(data)
		if err != nil {
			rc.log.Warn("dropping malformed relay message", "err", err)
			continue
		}
		return msg, nil
	}
}

func (rc *relayConn) installPingHandler() {
	rc.ws.SetPingHandler(func(appData string) error {
		_ = rc.ws.SetReadDeadline(time.Now().Add(relayReadDeadline))
		err := rc.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(relayWriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (rc *relayConn) close() {
	rc.closeOnce.Do(func() {
		close(rc.done)
		_ = rc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = rc.ws.Close()
	})
}
