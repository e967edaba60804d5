package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

var errNotServing = errors.New("not serving")

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// ReadinessCheck is reported by GET /readyz under Name when Check fails.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

type Options struct {
	// TURNREST mints ephemeral TURN credentials for GET /webrtc/ice.
	TURNREST *turnrest.Generator
	Metrics  *metrics.Metrics
	Checks   []ReadinessCheck
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	opts   Options
	origin origin.Policy
	checks []ReadinessCheck

	serving atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, opts Options) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		opts:   opts,
		origin: origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		mux:    http.NewServeMux(),
	}
	s.checks = append([]ReadinessCheck{
		{Name: "listener", Check: func() error {
			if !s.serving.Load() {
				return errNotServing
			}
			return nil
		}},
		{Name: "ice", Check: cfg.ICEConfigError},
	}, opts.Checks...)

	s.registerRoutes()

	s.srv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: chain(s.mux,
			recoverMiddleware(s.log),
			requestIDMiddleware(),
			requestLoggerMiddleware(s.log),
		),
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /signal upgrades to a long-lived WebSocket.
	}
	return s
}

// Mux is for registering routes before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// HandleWithOrigin registers h behind the Origin allow list and CORS headers.
func (s *Server) HandleWithOrigin(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.originMiddleware()(h))
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.srv.Close()
}

// failing runs every readiness check and returns the failures by name.
func (s *Server) failing() map[string]string {
	var out map[string]string
	for _, c := range s.checks {
		if c.Check == nil {
			continue
		}
		if err := c.Check(); err != nil {
			if out == nil {
				out = make(map[string]string)
			}
			out[c.Name] = err.Error()
		}
	}
	return out
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	s.mux.HandleFunc("/webrtc/ice", s.withOriginPolicy(s.handleICE))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if failing := s.failing(); failing != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failing": failing})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	resp, err := s.iceServers()
	if err != nil {
		s.log.Error("failed to mint turn credentials", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint turn credentials"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) iceServers() (iceResponse, error) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.opts.TURNREST == nil {
		return iceResponse{ICEServers: servers}, nil
	}
	creds, err := s.opts.TURNREST.GenerateAnonymous()
	if err != nil {
		return iceResponse{}, err
	}
	return iceResponse{ICEServers: s.opts.TURNREST.Apply(servers, creds), ExpiresAt: &creds.Expires}, nil
}

type Middleware func(http.Handler) http.Handler

// chain applies middlewares outermost first.
func chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic in http handler", "path", r.URL.Path, "recover", rec, "stack", string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
				r.Header.Set("X-Request-ID", id)
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// requestLoggerMiddleware logs upgraded requests when the WebSocket closes,
// so their duration is the connection lifetime.
func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			level := slog.LevelInfo
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", r.Header.Get("X-Request-ID")),
			)
		})
	}
}

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
