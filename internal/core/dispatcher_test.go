package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

func startDispatcher(t *testing.T, h *harness, maxActive int, stageTimeout time.Duration) (*Dispatcher, *UploadLimiter) {
	t.Helper()
	limiter := NewUploadLimiter(maxActive, 200*time.Millisecond)
	d := NewDispatcher(h.pipeline, limiter, DispatcherOptions{Workers: 2, StageTimeout: stageTimeout})
	d.Start(context.Background())
	return d, limiter
}

func shutdown(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func (h *harness) eventuallyState(t *testing.T, rec model.UploadRecord, want model.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.st.GetUpload(h.ctx, rec.ID)
		return err == nil && got.State == want
	}, 5*time.Second, 10*time.Millisecond, "upload never reached %s", want)
}

func TestDispatcher_RunsChainsToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	d, limiter := startDispatcher(t, h, 3, time.Second)

	march := h.upload(t, testFileName, balancedLedger(t))
	april := h.uploadFor(t, model.Period{Year: 2024, Month: time.April}, "7_LibroMayor_202404.xlsx", unbalancedLedger(t))

	require.NoError(t, d.Submit(h.ctx, march.ID))
	require.NoError(t, d.Submit(h.ctx, april.ID))

	h.eventuallyState(t, march, model.StateFinalized)
	h.eventuallyState(t, april, model.StateFinalized)
	require.Eventually(t, func() bool { return limiter.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, d.InFlight(march.ID))

	assert.Equal(t, 3, h.record(t, april.ID).Summary.Processing.OutOfPeriod, "march rows in an april file are counted, not dropped")
	shutdown(t, d)
}

func TestDispatcher_StageTimeoutFailsChain(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.withFiles(blockingFiles{h.files})
	d, limiter := startDispatcher(t, h, 1, 30*time.Millisecond)

	rec := h.upload(t, testFileName, balancedLedger(t))
	require.NoError(t, d.Submit(h.ctx, rec.ID))

	h.eventuallyState(t, rec, model.StateError)
	require.Eventually(t, func() bool { return limiter.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "PIPE006", MapFailure(h.record(t, rec.ID).Failure).Code)
	shutdown(t, d)
}

func TestDispatcher_ReserveRespectsLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	d, _ := startDispatcher(t, h, 1, time.Second)

	slot, err := d.Reserve(h.ctx)
	require.NoError(t, err)
	_, err = d.Reserve(h.ctx)
	require.ErrorIs(t, err, ErrTooManyUploads)

	slot.Release()
	slot.Release() // second release is a no-op
	again, err := d.Reserve(h.ctx)
	require.NoError(t, err)
	again.Release()
	shutdown(t, d)
}

func TestDispatcher_ShutdownThenResume(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.withFiles(blockingFiles{h.files})
	d, _ := startDispatcher(t, h, 2, time.Minute)

	rec := h.upload(t, testFileName, balancedLedger(t))
	require.NoError(t, d.Submit(h.ctx, rec.ID))
	h.eventuallyState(t, rec, model.StateNameValidated)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err := d.Shutdown(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded, "the blocked chain cannot drain")

	_, err = d.Reserve(h.ctx)
	require.ErrorIs(t, err, ErrShuttingDown)

	got := h.record(t, rec.ID)
	assert.Equal(t, model.StateNameValidated, got.State, "an interrupted chain keeps its state")
	assert.Empty(t, got.Failure)

	h.withFiles(h.files)
	d2, _ := startDispatcher(t, h, 2, time.Second)
	n, err := d2.Resume(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.eventuallyState(t, rec, model.StateFinalized)
	shutdown(t, d2)
}
