package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

func TestSweeper_FailsOnlyStaleIdleUploads(t *testing.T) {
	h := newHarness(t)
	stale := h.upload(t, testFileName, balancedLedger(t))
	time.Sleep(80 * time.Millisecond)
	fresh := h.uploadFor(t, model.Period{Year: 2024, Month: time.April}, "7_LibroMayor_202404.xlsx", balancedLedger(t))

	sw := NewSweeper(h.pipeline, nil, SweepConfig{StaleAfter: 40 * time.Millisecond})
	n, err := sw.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.record(t, stale.ID)
	assert.Equal(t, model.StateError, got.State)
	assert.Equal(t, "PIPE006", MapFailure(got.Failure).Code)
	assert.Equal(t, model.StatePending, h.record(t, fresh.ID).State)
}

func TestSweeper_SkipsChainsInFlight(t *testing.T) {
	h := newHarness(t)
	h.withFiles(blockingFiles{h.files})
	d, _ := startDispatcher(t, h, 1, time.Minute)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = d.Shutdown(ctx)
	}()

	rec := h.upload(t, testFileName, balancedLedger(t))
	require.NoError(t, d.Submit(h.ctx, rec.ID))

	sw := NewSweeper(h.pipeline, d, SweepConfig{StaleAfter: time.Millisecond})
	sw.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := sw.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NotEqual(t, model.StateError, h.record(t, rec.ID).State)
}
