package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/webrtcpeer"
)

const (
	envServerURL = "AERO_MESH_SERVER_URL"
	envIdentity  = "AERO_MESH_IDENTITY"
	envRoom      = "AERO_MESH_ROOM"

	defaultServerURL = "http://127.0.0.1:8080"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	serverURL string
	logLevel  string
	logFormat string
}

// peerOptions configure a participant for join and call.
type peerOptions struct {
	identity string
	room     string
	codec    string
	linkMode string

	inviteTimeout time.Duration
	linkTimeout   time.Duration
	linkRetries   int
	reconnectMin  time.Duration
	reconnectMax  time.Duration

	audio        bool
	video        bool
	requireMedia bool

	udpPortMin uint16
	udpPortMax uint16
	listenIP   string
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func (g *globalOptions) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&g.serverURL, "server", "s", envOr(envServerURL, defaultServerURL), "signaling relay base URL (env "+envServerURL+")")
	f.StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	f.StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
}

func (p *peerOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&p.identity, "identity", "i", envOr(envIdentity, ""), "participant identity (env "+envIdentity+")")
	f.StringVarP(&p.room, "room", "r", envOr(envRoom, ""), "room id (env "+envRoom+")")
	f.StringVar(&p.codec, "codec", "json", "signaling wire codec: json or msgpack")
	f.StringVar(&p.linkMode, "link-mode", string(call.LinkModeAuto), "when to build peer links: auto (every member) or call (call participants only)")
	f.DurationVar(&p.inviteTimeout, "invite-timeout", call.DefaultInviteTimeout, "how long an invite rings")
	f.DurationVar(&p.linkTimeout, "link-timeout", negotiation.DefaultLinkTimeout, "how long a peer link may take to connect")
	f.IntVar(&p.linkRetries, "link-retries", negotiation.DefaultLinkRetries, "rebuilds of a timed-out link before it is reported failed")
	f.DurationVar(&p.reconnectMin, "reconnect-min", client.DefaultReconnectMin, "initial relay reconnect backoff")
	f.DurationVar(&p.reconnectMax, "reconnect-max", client.DefaultReconnectMax, "maximum relay reconnect backoff")
	f.BoolVar(&p.audio, "audio", true, "send a synthetic audio track in calls")
	f.BoolVar(&p.video, "video", false, "send a synthetic video track in calls")
	f.BoolVar(&p.requireMedia, "require-media", false, "fail calls when local media cannot be acquired")
	f.Uint16Var(&p.udpPortMin, "udp-port-min", 0, "lowest local UDP port for ICE (0 = any)")
	f.Uint16Var(&p.udpPortMax, "udp-port-max", 0, "highest local UDP port for ICE (0 = any)")
	f.StringVar(&p.listenIP, "listen-ip", "", "only gather ICE candidates on this local IP")
}

func (g *globalOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch g.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", g.logFormat)
	}
}

func subprotocolFor(codec string) (string, error) {
	switch strings.ToLower(codec) {
	case "", "json":
		return signaling.SubprotocolJSON, nil
	case "msgpack":
		return signaling.SubprotocolMsgpack, nil
	default:
		return "", fmt.Errorf("--codec must be json or msgpack, got %q", codec)
	}
}

// clientConfig validates the flags and builds the participant runtime config.
func (p *peerOptions) clientConfig(g *globalOptions, log *slog.Logger) (client.Config, error) {
	if strings.TrimSpace(p.identity) == "" {
		return client.Config{}, fmt.Errorf("--identity (or %s) is required", envIdentity)
	}
	if strings.TrimSpace(p.room) == "" {
		return client.Config{}, fmt.Errorf("--room (or %s) is required", envRoom)
	}
	sub, err := subprotocolFor(p.codec)
	if err != nil {
		return client.Config{}, err
	}
	mode, err := call.ParseLinkMode(p.linkMode)
	if err != nil {
		return client.Config{}, fmt.Errorf("--link-mode: %w", err)
	}
	if p.inviteTimeout <= 0 || p.linkTimeout <= 0 {
		return client.Config{}, fmt.Errorf("--invite-timeout and --link-timeout must be > 0")
	}
	if (p.udpPortMin == 0) != (p.udpPortMax == 0) || p.udpPortMin > p.udpPortMax {
		return client.Config{}, fmt.Errorf("--udp-port-min/--udp-port-max must both be set with min <= max")
	}
	if !p.audio && !p.video && p.requireMedia {
		return client.Config{}, fmt.Errorf("--require-media needs --audio or --video")
	}
	var listenIP net.IP
	if p.listenIP != "" {
		if listenIP = net.ParseIP(p.listenIP); listenIP == nil {
			return client.Config{}, fmt.Errorf("--listen-ip: invalid address %q", p.listenIP)
		}
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.APIOptions{
		Logger:     log,
		UDPPortMin: p.udpPortMin,
		UDPPortMax: p.udpPortMax,
		ListenIP:   listenIP,
	})
	if err != nil {
		return client.Config{}, fmt.Errorf("configure webrtc: %w", err)
	}

	constraints := media.VoiceConstraints()
	constraints.Audio = p.audio
	constraints.Video = p.video

	return client.Config{
		ServerURL:     g.serverURL,
		Room:          p.room,
		Identity:      p.identity,
		Subprotocol:   sub,
		API:           api,
		LinkMode:      mode,
		LinkTimeout:   p.linkTimeout,
		LinkRetries:   p.linkRetries,
		InviteTimeout: p.inviteTimeout,
		Media:         &media.SyntheticProvider{StreamID: p.identity},
		Constraints:   constraints,
		RequireMedia:  p.requireMedia,
		ReconnectMin:  p.reconnectMin,
		ReconnectMax:  p.reconnectMax,
		Logger:        log,
	}, nil
}
