package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signaling/internal/registry"
)

func newRoomsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List live rooms on the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rooms, err := listRooms(cmd.Context(), http.DefaultClient, g.serverURL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), roomsTable(rooms, time.Now()))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Reserve a fresh room code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := createRoom(cmd.Context(), http.DefaultClient, g.serverURL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), roomCreatedView(room))
			return nil
		},
	})
	return cmd
}

func roomsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/rooms"
	return u.String(), nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func doRoomsRequest(ctx context.Context, hc *http.Client, method, base string, want int, v any) error {
	endpoint, err := roomsURL(base)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, endpoint, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func listRooms(ctx context.Context, hc *http.Client, base string) ([]registry.RoomInfo, error) {
	var body struct {
		Rooms []registry.RoomInfo `json:"rooms"`
	}
	if err := doRoomsRequest(ctx, hc, http.MethodGet, base, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body.Rooms, nil
}

func createRoom(ctx context.Context, hc *http.Client, base string) (string, error) {
	var body struct {
		Room string `json:"room"`
	}
	if err := doRoomsRequest(ctx, hc, http.MethodPost, base, http.StatusCreated, &body); err != nil {
		return "", err
	}
	return body.Room, nil
}
