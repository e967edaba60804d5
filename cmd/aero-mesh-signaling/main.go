package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-mesh-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"max_room_members", cfg.MaxRoomMembers,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration is incomplete; /readyz will fail", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	turnGen, err := newTURNGenerator(cfg)
	if err != nil {
		logger.Error("failed to configure turn rest credentials", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	m := metrics.New()

	sig := signaling.NewServer(signaling.Config{
		Logger:               logger,
		Metrics:              m,
		Origin:               origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		ICEServers:           cfg.ICEServers,
		TURNREST:             turnGen,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueMessages:    cfg.SignalingSendQueueMessages,
		MaxRoomMembers:       cfg.MaxRoomMembers,
		MaxIdentityBytes:     cfg.MaxIdentityBytes,
	})
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Options{
		TURNREST: turnGen,
		Metrics:  m,
		Checks:   []httpserver.ReadinessCheck{{Name: "signaling", Check: sig.Ready}},
	})
	mountSignaling(srv, sig, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Upgraded connections are not tracked by http.Server; close them first so
	// members get a going-away close instead of a reset.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// mountSignaling registers the relay's routes on srv: the WebSocket endpoint
// directly (the upgrader applies the Origin policy itself), the room API behind
// the CORS middleware, and the Prometheus scrape endpoint.
func mountSignaling(srv *httpserver.Server, sig *signaling.Server, m *metrics.Metrics) {
	routes := http.NewServeMux()
	sig.RegisterRoutes(routes)
	srv.Mux().Handle("GET /signal", routes)
	srv.HandleWithOrigin("/api/rooms", routes)

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{
			Name:  "aero_mesh_signaling_endpoints",
			Help:  "Connected signaling WebSockets.",
			Value: sig.EndpointCount,
		},
		metrics.Gauge{
			Name:  "aero_mesh_signaling_rooms",
			Help:  "Rooms with at least one member.",
			Value: func() int { return len(sig.Registry().Rooms()) },
		},
	))
}

func newTURNGenerator(cfg config.Config) (*turnrest.Generator, error) {
	if !cfg.TURNREST.Enabled() {
		return nil, nil
	}
	return turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
