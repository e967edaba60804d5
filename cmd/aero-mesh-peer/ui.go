package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/registry"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1)
	tableRowStyle    = lipgloss.NewStyle().Padding(0, 1)
	tableRowAltStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(muted)

	roomBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(success).
			Padding(1, 2)
)

// roomsTable renders the relay's live rooms.
func roomsTable(rooms []registry.RoomInfo, now time.Time) string {
	if len(rooms) == 0 {
		return mutedStyle.Render("No live rooms")
	}
	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		age := now.Sub(r.CreatedAt).Truncate(time.Second)
		rows = append(rows, []string{r.ID, fmt.Sprintf("%d", r.Members), age.String()})
	}
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers("Room", "Members", "Age").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case row%2 == 0:
				return tableRowStyle
			default:
				return tableRowAltStyle
			}
		})
	return tbl.Render()
}

func roomCreatedView(room string) string {
	return roomBoxStyle.Render(fmt.Sprintf("Room created\n\nRoom ID: %s", titleStyle.Render(room)))
}

// eventLine formats one runtime event for the terminal. Events not worth a
// line return "".
func eventLine(ev client.Event, self string) string {
	switch ev.Kind {
	case client.EventJoined:
		verb := "joined"
		if ev.Resync {
			verb = "rejoined"
		}
		members := "nobody else here"
		if len(ev.Members) > 0 {
			members = "with " + strings.Join(ev.Members, ", ")
		}
		return successStyle.Render(verb+" "+ev.Room) + " " + mutedStyle.Render(members)
	case client.EventMemberJoined:
		return successStyle.Render("+ ") + ev.Remote + mutedStyle.Render(" joined")
	case client.EventMemberLeft:
		return warningStyle.Render("- ") + ev.Remote + mutedStyle.Render(" left")
	case client.EventRelayUnavailable:
		return warningStyle.Render("relay unavailable, reconnecting") + errSuffix(ev.Err)
	case client.EventRelayError:
		return errorStyle.Render("relay error "+ev.Code) + errSuffix(ev.Err)
	case client.EventConnectivity:
		return mutedStyle.Render("link ") + ev.Remote + " " + connectivityStyle(ev.Connectivity.String())
	case client.EventRemoteTrack:
		return mutedStyle.Render("receiving ") + ev.Remote + mutedStyle.Render(" track "+ev.Track.ID())
	case client.EventLinkError:
		return errorStyle.Render("link "+ev.Remote+" failed") + errSuffix(ev.Err)
	case client.EventCall:
		return callLine(ev.Call, self)
	}
	return ""
}

func callLine(ev *call.Event, self string) string {
	if ev == nil {
		return ""
	}
	s := ev.Session
	switch ev.Kind {
	case call.EventSessionStateChanged:
		switch s.State {
		case call.StateRinging:
			if s.Incoming {
				return titleStyle.Render("incoming call") + " from " + s.Initiator + mutedStyle.Render(" ("+s.CallID+")")
			}
			return titleStyle.Render("calling") + " " + strings.Join(s.InviteList, ", ")
		case call.StateConnected:
			return successStyle.Render("call connected") + mutedStyle.Render(" with "+strings.Join(others(s, self), ", "))
		case call.StateEnded, call.StateIdle:
			return warningStyle.Render("call ended") + mutedStyle.Render(" ("+s.EndReason+")")
		default:
			return mutedStyle.Render("call " + s.State.String())
		}
	case call.EventRosterChanged:
		return mutedStyle.Render("in call: " + strings.Join(s.Accepted, ", "))
	case call.EventConnectivityChanged:
		if ev.Receiving {
			return successStyle.Render("receiving media") + " from " + ev.Remote
		}
	case call.EventMediaStateChanged:
		return warningStyle.Render("local media "+string(s.Media)) + errSuffix(ev.Err)
	}
	return ""
}

func summaryLine(packets, dropped uint64) string {
	line := mutedStyle.Render(fmt.Sprintf("received %d media packets", packets))
	if dropped > 0 {
		line += " " + warningStyle.Render(fmt.Sprintf("(%d events dropped)", dropped))
	}
	return line
}

func others(s call.Session, self string) []string {
	out := make([]string, 0, len(s.Accepted))
	for _, id := range s.Accepted {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func connectivityStyle(state string) string {
	switch state {
	case "connected":
		return successStyle.Render(state)
	case "failed":
		return errorStyle.Render(state)
	default:
		return warningStyle.Render(state)
	}
}

func errSuffix(err error) string {
	if err == nil {
		return ""
	}
	return mutedStyle.Render(": " + err.Error())
}
