package interview

import (
	"context"
	"log/slog"
	"time"

	"github.com/pavelanni/opi/internal/metrics"
)

// Sweep forgets sessions with no activity for longer than maxIdle and
// returns how many were removed. A session locked by a running turn is
// skipped.
func (o *Orchestrator) Sweep(maxIdle time.Duration) int {
	cutoff := o.now().Add(-maxIdle)
	removed := 0
	for _, s := range o.sessions.All() {
		if !s.mu.TryLock() {
			continue
		}
		if s.lastActive.Before(cutoff) {
			s.evicted = true
			s.questionAudio = nil
			o.Delete(s.id)
			removed++
			slog.Debug("session evicted", "session", s.id, "state", s.state, "last_active", s.lastActive)
		}
		s.mu.Unlock()
	}

	live := o.sessions.Len()
	metrics.LiveSessions.Set(float64(live))
	if removed > 0 {
		metrics.SessionsEvicted.Add(float64(removed))
		slog.Info("idle sessions evicted", "count", removed, "live", live)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(maxIdle)
		}
	}
}
