package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/discovery"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var genPIN bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server that pairs participants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if genPIN && cfg.PIN == "" {
				cfg.PIN = signaling.GeneratePIN(6)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()

			srv := signaling.NewServer(signaling.ServerOptions{PIN: cfg.PIN, MaxPeers: cfg.MaxPeers})
			port, err := srv.Start(ctx, cfg.Listen)
			if err != nil {
				return err
			}
			defer srv.Close()

			util.LogSuccess("signaling server listening on port %d", port)
			if cfg.PIN != "" {
				util.LogInfo("room PIN: %s", cfg.PIN)
			}

			if cfg.Advertise {
				adv := discovery.NewAdvertiser(nil)
				host, _ := os.Hostname()
				err := adv.Start(discovery.Announcement{
					Instance:    "huddle on " + host,
					Port:        port,
					PINRequired: cfg.PIN != "",
				})
				if err != nil {
					util.LogWarning("mDNS advertising disabled: %v", err)
				} else {
					defer adv.Stop()
				}
			}

			<-ctx.Done()
			util.LogInfo("shutting down signaling server")
			return nil
		},
	}
	cfg.BindServerFlags(cmd.Flags())
	cmd.Flags().BoolVar(&genPIN, "gen-pin", false, "generate a random PIN when none is set")
	return cmd
}
