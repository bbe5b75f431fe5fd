// Huddle: CLI entry point.
//
// Huddle is a peer-to-peer collaboration session: a shared text document,
// a whiteboard and live cursors, mirrored between participants over WebRTC
// DataChannels. A small WebSocket server pairs the participants of a room;
// after that all session traffic flows directly between peers.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(".env")
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "huddle",
		Short:         "Peer-to-peer shared document, whiteboard and cursors",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Debug {
				util.EnableDebug()
			}
			pterm.Info.Printfln("Huddle v%s", version)
			pterm.Println()
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")

	root.AddCommand(newServeCmd(cfg), newJoinCmd(cfg), newDemoCmd(cfg))
	return root
}
