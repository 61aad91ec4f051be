package core

// scheduler.go runs the stale-upload sweeper.
//
// A chain whose worker died with the process is resumed on the next start.
// Anything still active and untouched for StaleAfter, with no chain in
// flight in this process, is marked failed so its closure is released
// for a reprocess.

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrStaleUpload is the failure recorded on swept uploads.
var ErrStaleUpload = errors.New("stale upload: no progress")

// SweepConfig holds the sweeper settings.
type SweepConfig struct {
	StaleAfter    time.Duration // default 30m
	CheckInterval time.Duration // default 5m
}

// Sweeper marks abandoned uploads as failed.
type Sweeper struct {
	pipeline   *Pipeline
	dispatcher *Dispatcher
	cfg        SweepConfig
	now        func() time.Time
}

// NewSweeper creates a sweeper over the dispatcher's chains.
func NewSweeper(p *Pipeline, d *Dispatcher, cfg SweepConfig) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	return &Sweeper{pipeline: p, dispatcher: d, cfg: cfg, now: time.Now}
}

// Run sweeps every CheckInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("stale upload sweeper started",
		"stale_after", s.cfg.StaleAfter.String(),
		"interval", s.cfg.CheckInterval.String(),
	)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale upload sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns the number of uploads marked failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	active, err := s.pipeline.st.ListActiveUploads(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.cfg.StaleAfter)
	swept := 0
	for _, rec := range active {
		if s.dispatcher != nil && s.dispatcher.InFlight(rec.ID) {
			continue
		}
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		s.pipeline.MarkFailed(ctx, rec.ID, ErrStaleUpload)
		slog.Warn("stale upload marked failed",
			"upload_id", rec.ID.String(),
			"closure_id", rec.ClosureID,
			"state", rec.State,
			"updated_at", rec.UpdatedAt,
		)
		swept++
	}

	slog.Debug("sweep completed", "active", len(active), "swept", swept, "duration_ms", time.Since(start).Milliseconds())
	return swept, nil
}
