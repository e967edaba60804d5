package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "aero-mesh-peer",
		Short: "Headless participant for the aero mesh signaling relay",
		Long: `aero-mesh-peer joins a room on an aero mesh signaling relay, builds WebRTC
links to every other member and places or answers calls with synthetic media.

Examples:
  aero-mesh-peer rooms --server http://127.0.0.1:8080
  aero-mesh-peer rooms create
  aero-mesh-peer join --room ABC123 --identity alice --auto-accept
  aero-mesh-peer call --room ABC123 --identity bob --min-members 2`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	g.register(root)
	root.AddCommand(newJoinCmd(g), newCallCmd(g), newRoomsCmd(g))
	return root
}
