package core

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

func newTestService(t *testing.T, h *harness, maxActive int) *Service {
	t.Helper()
	limiter := NewUploadLimiter(maxActive, 100*time.Millisecond)
	d := NewDispatcher(h.pipeline, limiter, DispatcherOptions{Workers: 2, StageTimeout: time.Second})
	d.Start(context.Background())
	svc := NewService(h.st, h.files, h.snapshots, h.pipeline, d, limiter)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func (h *harness) eventuallyStatus(t *testing.T, svc *Service, id uuid.UUID, want model.State) UploadStatus {
	t.Helper()
	var last UploadStatus
	require.Eventually(t, func() bool {
		st, err := svc.Status(h.ctx, id)
		if err != nil {
			return false
		}
		last = st
		return st.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestService_UploadToIncidences(t *testing.T) {
	h := newHarness(t)
	svc := newTestService(t, h, 2)

	ticket, err := svc.StartUpload(h.ctx, UploadRequest{
		FileName: testFileName,
		ClientID: testClient,
		Period:   "202403",
		UserID:   "ana",
		Body:     bytes.NewReader(unbalancedLedger(t)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.Iteration)
	assert.Equal(t, testFileName, ticket.File.Name)
	assert.Len(t, ticket.File.SHA256, 64)

	status := h.eventuallyStatus(t, svc, ticket.UploadID, model.StateFinalized)
	assert.Nil(t, status.Error)
	assert.NotNil(t, status.Errors)
	require.NotNil(t, status.Summary.IncidencesCreated)
	assert.Equal(t, 1, *status.Summary.IncidencesCreated)

	view, err := svc.Incidences(h.ctx, ticket.ClosureID, false)
	require.NoError(t, err)
	assert.Equal(t, snapshot.SourceCache, view.Source)
	assert.Equal(t, 1, view.Snapshot.Total)

	live, err := svc.Incidences(h.ctx, ticket.ClosureID, true)
	require.NoError(t, err)
	assert.Equal(t, snapshot.SourceLive, live.Source)
	assert.Equal(t, view.Snapshot.Digest, live.Snapshot.Digest)
}

func TestService_FailedUploadReportsCode(t *testing.T) {
	h := newHarness(t)
	svc := newTestService(t, h, 2)

	ticket, err := svc.StartUpload(h.ctx, UploadRequest{
		FileName: "mayor.xlsx",
		ClientID: testClient,
		Period:   "202403",
		Body:     bytes.NewReader(balancedLedger(t)),
	})
	require.NoError(t, err)

	status := h.eventuallyStatus(t, svc, ticket.UploadID, model.StateError)
	require.NotNil(t, status.Error)
	assert.Equal(t, "NAME001", status.Error.Code)
	assert.Contains(t, status.Failure, "name_validated")
}

func TestService_RejectsBadPeriod(t *testing.T) {
	h := newHarness(t)
	svc := newTestService(t, h, 1)

	_, err := svc.StartUpload(h.ctx, UploadRequest{
		FileName: testFileName,
		ClientID: testClient,
		Period:   "2024-03",
		Body:     bytes.NewReader(balancedLedger(t)),
	})
	require.ErrorIs(t, err, ErrInvalidPeriod)
	assert.Equal(t, 0, svc.LimiterStatus().Active)
}

func TestService_BusyClosureReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.withFiles(blockingFiles{h.files})
	svc := newTestService(t, h, 3)

	req := func() UploadRequest {
		return UploadRequest{
			FileName: testFileName,
			ClientID: testClient,
			Period:   "202403",
			Body:     bytes.NewReader(balancedLedger(t)),
		}
	}
	_, err := svc.StartUpload(h.ctx, req())
	require.NoError(t, err)

	_, err = svc.StartUpload(h.ctx, req())
	require.ErrorIs(t, err, store.ErrClosureBusy)
	assert.Equal(t, 1, svc.LimiterStatus().Active, "rejected upload must give its slot back")
}

func TestService_Reprocess(t *testing.T) {
	h := newHarness(t)
	svc := newTestService(t, h, 2)

	ticket, err := svc.StartUpload(h.ctx, UploadRequest{
		FileName: testFileName,
		ClientID: testClient,
		Period:   "202403",
		Body:     bytes.NewReader(balancedLedger(t)),
	})
	require.NoError(t, err)
	first := h.eventuallyStatus(t, svc, ticket.UploadID, model.StateFinalized)

	again, err := svc.Reprocess(h.ctx, ticket.UploadID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Iteration+1, again.Iteration)

	second := h.eventuallyStatus(t, svc, ticket.UploadID, model.StateFinalized)
	assert.Equal(t, again.Iteration, second.Iteration)
	assert.Equal(t, first.Summary.Snapshot.Digest, second.Summary.Snapshot.Digest)
	assert.Equal(t, again.Iteration, second.Summary.Snapshot.Iteration)
}

func TestService_StatusUnknownUpload(t *testing.T) {
	h := newHarness(t)
	svc := newTestService(t, h, 1)

	_, err := svc.Status(h.ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}
