package main

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/session"
	"github.com/1ureka/huddle/internal/util"
	"github.com/1ureka/huddle/internal/whiteboard"
)

func newDemoCmd(cfg *config.Config) *cobra.Command {
	var (
		latency  time.Duration
		dropRate float64
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Try a session offline with a simulated participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Name == "" {
				cfg.Name = "you"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg, room.HubOptions{Latency: latency, LossyDropRate: dropRate})
		},
	}
	cfg.BindFlags(cmd.Flags())
	cmd.Flags().DurationVar(&latency, "latency", 20*time.Millisecond, "simulated one-way latency")
	cmd.Flags().Float64Var(&dropRate, "drop", 0.05, "simulated loss rate of lossy traffic")
	return cmd
}

// runDemo joins the user and a scripted peer to an in-process hub.
func runDemo(ctx context.Context, cfg *config.Config, hubOpts room.HubOptions) error {
	policy, err := cfg.ReconcilePolicy()
	if err != nil {
		return err
	}
	hub := room.NewHub(hubOpts)
	opts := session.Options{
		DocSyncDelay:   cfg.DocSyncDelay,
		BoardSyncDelay: cfg.BoardSyncDelay,
		Policy:         policy,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	botEp := hub.Join(uuid.NewString())
	defer botEp.Leave()
	botOpts := opts
	botOpts.Name = "Ada (bot)"
	bot, err := session.New(botEp, botOpts)
	if err != nil {
		return err
	}
	bot.Start(ctx)
	defer bot.Close()
	seedBot(bot)

	userEp := hub.Join(uuid.NewString())
	defer userEp.Leave()
	userOpts := opts
	userOpts.Name = cfg.Name
	user, err := session.New(userEp, userOpts)
	if err != nil {
		return err
	}
	user.Start(ctx)
	defer user.Close()

	go driveBot(ctx, bot)

	util.LogSuccess("demo room ready, %s is already here", botOpts.Name)
	return newConsole(user, os.Stdout).Run(ctx, os.Stdin)
}

// seedBot gives the late-joining user something to sync.
func seedBot(bot *session.Session) {
	bot.Document().Append("Agenda\n1. Demo huddle\n")
	bot.Whiteboard().AddElement(whiteboard.NewSticky(whiteboard.Point{X: 40, Y: 40},
		whiteboard.Size{W: 200, H: 120}, "#fff59d", "Welcome! Type help."))
	bot.Whiteboard().AddElement(whiteboard.NewShape(whiteboard.ToolRectangle,
		whiteboard.Point{X: 300, Y: 40}, whiteboard.Point{X: 500, Y: 160}, "#1e88e5", 3))
}

// driveBot moves the bot's cursor in a circle until ctx is done.
func driveBot(ctx context.Context, bot *session.Session) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a := now.Sub(start).Seconds()
			bot.Cursor().Update(0.5+0.3*math.Cos(a), 0.5+0.3*math.Sin(a))
		}
	}
}
