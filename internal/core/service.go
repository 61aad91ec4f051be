package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

// ErrInvalidPeriod is returned when an upload names a malformed period.
var ErrInvalidPeriod = errors.New("invalid period")

// Service is the entry point for uploads, status and incidence queries.
type Service struct {
	st         store.Store
	files      FileStore
	snapshots  *snapshot.Service
	pipeline   *Pipeline
	dispatcher *Dispatcher
	limiter    *UploadLimiter
}

// NewService wires the facade. The dispatcher must be started separately.
func NewService(st store.Store, files FileStore, snapshots *snapshot.Service, pipeline *Pipeline, dispatcher *Dispatcher, limiter *UploadLimiter) *Service {
	return &Service{
		st:         st,
		files:      files,
		snapshots:  snapshots,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		limiter:    limiter,
	}
}

// UploadRequest carries a ledger file and its metadata.
type UploadRequest struct {
	FileName string
	ClientID int64
	Period   string // YYYYMM
	UserID   string
	Body     io.Reader
}

// UploadTicket identifies an accepted upload. The chain runs in the
// background; poll Status for progress.
type UploadTicket struct {
	UploadID  uuid.UUID         `json:"upload_id"`
	ClosureID int64             `json:"closure_id"`
	Iteration int               `json:"iteration"`
	State     model.State       `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	File      StoredFileSummary `json:"file"`
}

// StoredFileSummary is the file part of an UploadTicket.
type StoredFileSummary struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// StartUpload stores the file, creates the UploadRecord and queues its
// chain. It returns as soon as the chain is queued. The file name is not
// checked here; a bad name fails the first stage so it is recorded on the
// upload like any other structural error.
func (s *Service) StartUpload(ctx context.Context, req UploadRequest) (UploadTicket, error) {
	period, err := model.ParsePeriod(req.Period)
	if err != nil {
		return UploadTicket{}, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
	}

	slot, err := s.dispatcher.Reserve(ctx)
	if err != nil {
		return UploadTicket{}, err
	}
	dispatched := false
	defer func() {
		if !dispatched {
			slot.Release()
		}
	}()

	id := uuid.New()
	name := filepath.Base(req.FileName)
	key := id.String() + "/" + name

	stored, err := s.files.Put(ctx, key, req.Body)
	if err != nil {
		return UploadTicket{}, fmt.Errorf("store file: %w", err)
	}

	closure, rec, err := s.st.StartUpload(ctx, store.NewUpload{
		ID:       id,
		ClientID: req.ClientID,
		Period:   period,
		FileName: name,
		FileKey:  stored.Key,
		FileHash: stored.SHA256,
		FileSize: stored.Size,
		UserID:   req.UserID,
	})
	if err != nil {
		if delErr := s.files.Delete(context.WithoutCancel(ctx), stored.Key); delErr != nil {
			logging.FromContext(ctx).Warn("failed to remove orphaned upload file", "key", stored.Key, "error", delErr)
		}
		return UploadTicket{}, fmt.Errorf("start upload: %w", err)
	}

	s.invalidate(ctx, closure.ID)
	slot.Dispatch(rec.ID)
	dispatched = true

	logging.FromContext(ctx).Info("upload accepted",
		"upload_id", rec.ID.String(),
		"closure_id", closure.ID,
		"iteration", rec.Iteration,
		"file", name,
		"size", stored.Size,
		"user_id", req.UserID,
		"ip", GetIPAddressFromContext(ctx),
	)

	return UploadTicket{
		UploadID:  rec.ID,
		ClosureID: closure.ID,
		Iteration: rec.Iteration,
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		File:      StoredFileSummary{Name: name, Size: stored.Size, SHA256: stored.SHA256},
	}, nil
}

// Reprocess starts a new iteration of a terminal upload against the file
// it already stored.
func (s *Service) Reprocess(ctx context.Context, uploadID uuid.UUID) (UploadTicket, error) {
	slot, err := s.dispatcher.Reserve(ctx)
	if err != nil {
		return UploadTicket{}, err
	}

	rec, err := s.st.RestartUpload(ctx, uploadID)
	if err != nil {
		slot.Release()
		return UploadTicket{}, fmt.Errorf("restart upload: %w", err)
	}

	s.invalidate(ctx, rec.ClosureID)
	slot.Dispatch(rec.ID)

	logging.FromContext(ctx).Info("upload reprocess queued",
		"upload_id", rec.ID.String(),
		"closure_id", rec.ClosureID,
		"iteration", rec.Iteration,
		"user_id", GetUserIDFromContext(ctx),
	)

	return UploadTicket{
		UploadID:  rec.ID,
		ClosureID: rec.ClosureID,
		Iteration: rec.Iteration,
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		File:      StoredFileSummary{Name: rec.FileName, Size: rec.FileSize, SHA256: rec.FileHash},
	}, nil
}

func (s *Service) invalidate(ctx context.Context, closureID int64) {
	if err := s.snapshots.Invalidate(ctx, closureID); err != nil {
		logging.FromContext(ctx).Warn("snapshot cache invalidation failed", "closure_id", closureID, "error", err)
	}
}

// UploadStatus is the status query result.
type UploadStatus struct {
	UploadID  uuid.UUID        `json:"upload_id"`
	ClosureID int64            `json:"closure_id"`
	Iteration int              `json:"iteration"`
	FileName  string           `json:"file_name"`
	State     model.State      `json:"state"`
	Summary   model.Summary    `json:"summary"`
	Errors    []model.RowError `json:"errors"`
	Failure   string           `json:"failure,omitempty"`
	Error     *UserMessage     `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Status returns the latest persisted state of an upload.
func (s *Service) Status(ctx context.Context, uploadID uuid.UUID) (UploadStatus, error) {
	rec, err := s.st.GetUpload(ctx, uploadID)
	if err != nil {
		return UploadStatus{}, err
	}
	status := UploadStatus{
		UploadID:  rec.ID,
		ClosureID: rec.ClosureID,
		Iteration: rec.Iteration,
		FileName:  rec.FileName,
		State:     rec.State,
		Summary:   rec.Summary,
		Errors:    rec.Errors,
		Failure:   rec.Failure,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if status.Errors == nil {
		status.Errors = []model.RowError{}
	}
	if rec.State == model.StateError {
		msg := MapFailure(rec.Failure)
		status.Error = &msg
	}
	return status, nil
}

// Incidences returns the consolidated incidences of a closure.
func (s *Service) Incidences(ctx context.Context, closureID int64, forceRefresh bool) (snapshot.View, error) {
	return s.snapshots.Incidences(ctx, closureID, forceRefresh)
}

// Resume re-dispatches chains left active by a previous process.
func (s *Service) Resume(ctx context.Context) (int, error) {
	return s.dispatcher.Resume(ctx)
}

// LimiterStatus reports chain slot usage.
func (s *Service) LimiterStatus() UploadLimiterStatus {
	return s.limiter.Status()
}

// Shutdown drains in-flight chains until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.dispatcher.Shutdown(ctx)
}
