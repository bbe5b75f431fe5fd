package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/peer counter.
var Stats = &stats{}

type stats struct {
	PeersJoined atomic.Int64 // cumulative count of peer links opened since process start
	PeersLeft   atomic.Int64 // cumulative count of peer links closed since process start
	FramesSent  atomic.Int64 // frames written to any DataChannel
	FramesRecv  atomic.Int64 // frames read from any DataChannel
	FramesDrop  atomic.Int64 // lossy frames dropped before reaching the wire
	BytesSent   atomic.Int64 // cumulative bytes written to DataChannels
	BytesRecv   atomic.Int64 // cumulative bytes read  from DataChannels
}

func (s *stats) AddPeer()      { s.PeersJoined.Add(1) }
func (s *stats) RemovePeer()   { s.PeersLeft.Add(1) }
func (s *stats) AddDrop()      { s.FramesDrop.Add(1) }
func (s *stats) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session traffic
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevJoined, prevLeft, prevDrop int64
		for {
			select {
			case <-ticker.C:
				joined := Stats.PeersJoined.Load()
				left := Stats.PeersLeft.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				drop := Stats.FramesDrop.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				inP := joined - prevJoined
				outP := left - prevLeft

				if inP > 0 || outP > 0 || inS > 10 || outS > 10 || drop > prevDrop {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inP, outP, drop-prevDrop))
				}

				prevSent = sent
				prevRecv = recv
				prevJoined = joined
				prevLeft = left
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inP, outP, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓ | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		inP,
		outP,
		dropped,
	)
}
