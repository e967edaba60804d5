package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/client"
)

func newJoinCmd(g *globalOptions) *cobra.Command {
	p := &peerOptions{}
	var autoAccept bool
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and stay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, g, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return runPeer(cmd.Context(), out, c, p.identity, func(ev client.Event) bool {
				if autoAccept && isIncomingRing(ev) {
					go func() {
						if _, err := c.Call().Accept(cmd.Context()); err != nil {
							fmt.Fprintln(out, errorStyle.Render("accept failed: ")+err.Error())
						}
					}()
				}
				return false
			})
		},
	}
	p.register(cmd)
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "answer incoming calls automatically")
	return cmd
}

func newCallCmd(g *globalOptions) *cobra.Command {
	p := &peerOptions{}
	var (
		minMembers int
		wait       time.Duration
		duration   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Join a room, call every other member and stay until the call ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if minMembers < 1 {
				return errors.New("--min-members must be >= 1")
			}
			c, err := newClient(cmd, g, p)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go func() {
				if err := waitForMembers(ctx, c, minMembers, wait); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("call not started: ")+err.Error())
					cancel()
					return
				}
				if _, err := c.Call().StartCall(ctx); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("call failed: ")+err.Error())
					cancel()
					return
				}
				if duration > 0 {
					select {
					case <-time.After(duration):
						_ = c.Call().Leave()
					case <-ctx.Done():
					}
				}
			}()

			started := false
			return runPeer(ctx, cmd.OutOrStdout(), c, p.identity, func(ev client.Event) bool {
				if ev.Kind != client.EventCall || ev.Call.Kind != call.EventSessionStateChanged {
					return false
				}
				switch ev.Call.Session.State {
				case call.StateRinging, call.StateConnecting, call.StateConnected:
					started = true
					return false
				default:
					return started
				}
			})
		},
	}
	p.register(cmd)
	cmd.Flags().IntVar(&minMembers, "min-members", 1, "other members that must be present before calling")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for --min-members")
	cmd.Flags().DurationVar(&duration, "duration", 0, "leave the call after this long (0 = stay until it ends)")
	return cmd
}

func newClient(cmd *cobra.Command, g *globalOptions, p *peerOptions) (*client.Client, error) {
	log, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	cfg, err := p.clientConfig(g, log)
	if err != nil {
		return nil, err
	}
	return client.New(cfg)
}

func isIncomingRing(ev client.Event) bool {
	return ev.Kind == client.EventCall &&
		ev.Call.Kind == call.EventSessionStateChanged &&
		ev.Call.Session.State == call.StateRinging &&
		ev.Call.Session.Incoming
}

func waitForMembers(ctx context.Context, c *client.Client, n int, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if len(c.Members()) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("fewer than %d other members after %s", n, wait)
		case <-t.C:
		}
	}
}

// runPeer runs c until ctx is done, the relay rejects the join or done
// reports true for an event. Every event is printed to out.
func runPeer(ctx context.Context, out io.Writer, c *client.Client, self string, done func(client.Event) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()
	defer func() { fmt.Fprintln(out, summaryLine(c.RemotePackets(), c.DroppedEvents())) }()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	for {
		select {
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case ev := <-c.Events():
			if line := eventLine(ev, self); line != "" {
				fmt.Fprintln(out, line)
			}
			if done(ev) {
				return nil
			}
		}
	}
}
