package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
)

func newTestStack(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	srv := httpserver.New(cfg, log, httpserver.BuildInfo{}, httpserver.Options{Metrics: m})
	sig := signaling.NewServer(signaling.Config{Logger: log, Metrics: m})
	mountSignaling(srv, sig, m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		sig.Close()
		ts.Close()
	})
	return ts
}

func TestMountedRelayServesSignalingAndMetrics(t *testing.T) {
	ts := newTestStack(t, config.Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/signal", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(signaling.Message{Type: signaling.TypeJoin, Room: "standup", Identity: "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined signaling.Message
	if err := conn.ReadJSON(&joined); err != nil {
		t.Fatalf("read: %v", err)
	}
	if joined.Type != signaling.TypeJoined || joined.Identity != "alice" {
		t.Fatalf("reply=%+v, want joined for alice", joined)
	}

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("get rooms: %v", err)
	}
	var rooms struct {
		Rooms []map[string]any `json:"rooms"`
	}
	err = json.NewDecoder(resp.Body).Decode(&rooms)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms.Rooms) != 1 {
		t.Fatalf("rooms=%v, want 1", rooms.Rooms)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`aero_mesh_signaling_events_total{event="member_joined"} 1`,
		"aero_mesh_signaling_endpoints 1",
		"aero_mesh_signaling_rooms 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRoomsAPIRejectsForeignOrigin(t *testing.T) {
	ts := newTestStack(t, config.Config{AllowedOrigins: []string{"https://app.example.com"}})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/rooms", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}
}

func TestNewTURNGeneratorDisabled(t *testing.T) {
	gen, err := newTURNGenerator(config.Config{})
	if err != nil || gen != nil {
		t.Fatalf("gen=%v err=%v, want nil, nil", gen, err)
	}
	gen, err = newTURNGenerator(config.Config{TURNREST: config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "p"}})
	if err != nil || gen == nil {
		t.Fatalf("gen=%v err=%v, want a generator", gen, err)
	}
}
