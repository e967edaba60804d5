package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"
)

// APIOptions configures the pion API shared by every link of one participant.
type APIOptions struct {
	Logger *slog.Logger

	// UDPPortMin/UDPPortMax restrict ICE host candidates to a port range when
	// both are non-zero.
	UDPPortMin uint16
	UDPPortMax uint16

	// ListenIP restricts candidate gathering to one local address.
	ListenIP net.IP

	// Configure is applied last and may override anything above. Tests use it
	// to install a virtual network.
	Configure func(*webrtc.SettingEngine)
}

// NewAPI builds a pion API with the default codecs (Opus, VP8, ...) registered.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewSlogLoggerFactory(opts.Logger)
	}
	if opts.Configure != nil {
		opts.Configure(&se)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts APIOptions) error {
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// SettingEngine doesn't expose a bind address; restrict gathering via
	// IPFilter instead.
	if opts.ListenIP != nil && !opts.ListenIP.IsUnspecified() {
		listenIP := opts.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}
