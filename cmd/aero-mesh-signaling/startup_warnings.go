package main

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRoomMembers <= 0 {
		logger.Warn("startup security warning: MAX_ROOM_MEMBERS is unset/0 (unlimited) while --mode=prod; mesh cost grows quadratically with room size",
			"warning_code", "max_room_members_unlimited_in_prod",
			"max_room_members", cfg.MaxRoomMembers,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() && hasStaticTURNCredentials(cfg) {
		logger.Warn("startup security warning: static TURN credentials are handed to every client; prefer TURN_REST_SHARED_SECRET",
			"warning_code", "static_turn_credentials",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SignalingWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNALING_WS_IDLE_TIMEOUT is very large (half-open connections keep room slots)",
			"warning_code", "signaling_ws_idle_timeout_large",
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.EqualFold(urlScheme(cfg.PublicBaseURL), "http") {
		logger.Warn("startup security warning: PUBLIC_BASE_URL is plain http while --mode=prod (browsers require a secure context for media capture)",
			"warning_code", "public_base_url_insecure",
			"public_base_url_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func hasStaticTURNCredentials(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if config.HasTURNURL(s) && s.Username != "" {
			return true
		}
	}
	return false
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
