package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/discovery"
	"github.com/1ureka/huddle/internal/session"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/transport"
	"github.com/1ureka/huddle/internal/util"
)

func newJoinCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and open the session console",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.Room = args[0]
			}
			ctx := cmd.Context()

			if cfg.Discover {
				if err := discoverServer(ctx, cfg); err != nil {
					return err
				}
			}
			if cfg.SignalingURL == "" {
				cfg.SignalingURL = askText("Signaling server URL", config.DefaultSignalingURL)
			}
			if cfg.Room == "" {
				cfg.Room = askText("Room name", "")
			}
			if cfg.Name == "" {
				cfg.Name = askText("Display name", "")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runJoin(ctx, cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runJoin(ctx context.Context, cfg *config.Config) error {
	policy, err := cfg.ReconcilePolicy()
	if err != nil {
		return err
	}
	url, err := signaling.RoomURL(cfg.SignalingURL, cfg.Room, cfg.PIN)
	if err != nil {
		return err
	}

	mesh := transport.NewMesh(ctx, cfg.ICE())
	defer mesh.Close()

	client, err := signaling.Join(ctx, url, mesh)
	if err != nil {
		return fmt.Errorf("failed to join room %q: %w", cfg.Room, err)
	}
	defer client.Close()

	sess, err := session.New(mesh, session.Options{
		Name:           cfg.Name,
		DocSyncDelay:   cfg.DocSyncDelay,
		BoardSyncDelay: cfg.BoardSyncDelay,
		Policy:         policy,
	})
	if err != nil {
		return err
	}
	sess.Start(ctx)
	defer sess.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("in room %q as %s", cfg.Room, client.Identity())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			if err := client.Err(); err != nil {
				util.LogWarning("signaling connection lost: %v (established peers stay connected)", err)
			}
		case <-ctx.Done():
		}
	}()

	return newConsole(sess, os.Stdout).Run(ctx, os.Stdin)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// discoverServer browses the LAN and lets the user pick a server when more
// than one answers.
func discoverServer(ctx context.Context, cfg *config.Config) error {
	spinner, _ := pterm.DefaultSpinner.Start("Looking for huddle servers on the local network")
	servers, err := discovery.NewBrowser(nil, 0).Browse(ctx)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if len(servers) == 0 {
		spinner.Fail("no servers found")
		return errors.New("no huddle server found on the local network")
	}
	spinner.Success(fmt.Sprintf("found %d server(s)", len(servers)))

	chosen := servers[0]
	if len(servers) > 1 {
		options := make([]string, len(servers))
		for i, s := range servers {
			options[i] = fmt.Sprintf("%s (%s)", s.Instance, s.URL())
		}
		picked, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Select a server").
			Show()
		for i, o := range options {
			if o == picked {
				chosen = servers[i]
			}
		}
	}

	cfg.SignalingURL = chosen.URL()
	if chosen.PINRequired && cfg.PIN == "" {
		cfg.PIN = askText("Room PIN", "")
	}
	return nil
}

// askText prompts until a non-empty value is entered; def is offered as
// the default.
func askText(prompt, def string) string {
	for {
		input := pterm.DefaultInteractiveTextInput.WithDefaultText(prompt)
		if def != "" {
			input = input.WithDefaultValue(def)
		}
		raw, _ := input.Show()
		pterm.Println()

		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		util.LogWarning("a value is required")
	}
}
