// Package snapshot consolidates a closure's incidences into a queryable
// snapshot and serves it through an explicit cache handle.
//
// A snapshot is built from persisted state only (the upload record and the
// incidences stored for its iteration), so building it twice for the same
// completed upload yields the same content and the same digest. Reads go
// cache, then stored snapshot, then a live recompute that re-persists.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerclose/internal/incidence"
	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

var (
	// ErrNotReady is returned when an upload has not generated incidences yet.
	ErrNotReady = errors.New("incidences not generated yet")

	// ErrInProgress is returned when a live recompute would race a running chain.
	ErrInProgress = errors.New("closure is being processed")

	ErrClosureNotFound = errors.New("closure not found")
)

// Source tells the caller where a snapshot came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceSnapshot Source = "snapshot"
	SourceLive     Source = "live"
)

// View is a snapshot plus its provenance.
type View struct {
	Snapshot model.IncidenceSnapshot `json:"snapshot"`
	Source   Source                  `json:"source"`
}

// Store is the persistence the snapshot service needs.
type Store interface {
	GetClosure(ctx context.Context, closureID int64) (model.ClosurePeriod, error)
	GetUpload(ctx context.Context, uploadID uuid.UUID) (model.UploadRecord, error)
	ListUploads(ctx context.Context, closureID int64) ([]model.UploadRecord, error)
	UpdateUpload(ctx context.Context, uploadID uuid.UUID, fn func(*model.UploadRecord) error) (model.UploadRecord, error)
	ReplaceIncidences(ctx context.Context, closureID int64, iteration int, items []model.Incidence) error
	ListIncidences(ctx context.Context, closureID int64, iteration int) ([]model.Incidence, error)
	SaveSnapshot(ctx context.Context, snap model.IncidenceSnapshot) error
	LatestSnapshot(ctx context.Context, closureID int64) (model.IncidenceSnapshot, error)
}

// Detector recomputes incidences for a closure.
type Detector interface {
	Detect(ctx context.Context, closureID int64) (incidence.Result, error)
}

// Service builds and serves snapshots.
type Service struct {
	st       Store
	cache    Cache
	detector Detector
	now      func() time.Time
}

// NewService creates a Service. The cache is owned by the caller, who
// closes it after the service is no longer used.
func NewService(st Store, cache Cache, detector Detector) *Service {
	return &Service{
		st:       st,
		cache:    cache,
		detector: detector,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Build consolidates the incidences of a completed upload's iteration,
// stores the snapshot (replacing one for the same iteration) and refreshes
// the cache.
func (s *Service) Build(ctx context.Context, uploadID uuid.UUID) (model.IncidenceSnapshot, error) {
	rec, err := s.st.GetUpload(ctx, uploadID)
	if err != nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("load upload: %w", err)
	}
	if !rec.State.AtLeast(model.StateIncidencesGenerated) || rec.Summary.Incidences == nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("upload %s in state %s: %w", uploadID, rec.State, ErrNotReady)
	}

	items, err := s.st.ListIncidences(ctx, rec.ClosureID, rec.Iteration)
	if err != nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("list incidences: %w", err)
	}
	var balance model.BalanceCheck
	if b := rec.Summary.Incidences.Balance; b != nil {
		balance = *b
	}

	snap := Assemble(rec.ClosureID, rec.Iteration, rec.ID, items, balance, s.now())
	if err := s.persist(ctx, snap); err != nil {
		return model.IncidenceSnapshot{}, err
	}
	return snap, nil
}

// Incidences returns the consolidated snapshot of a closure. With
// forceRefresh the cache and stored snapshot are bypassed and the
// incidences are recomputed live.
func (s *Service) Incidences(ctx context.Context, closureID int64, forceRefresh bool) (View, error) {
	logger := logging.FromContext(ctx)

	if !forceRefresh {
		snap, ok, err := s.cache.Get(ctx, closureID)
		if err != nil {
			logger.Warn("snapshot cache read failed", "closure_id", closureID, "error", err)
		} else if ok {
			return View{Snapshot: snap, Source: SourceCache}, nil
		}

		snap, err = s.st.LatestSnapshot(ctx, closureID)
		if err == nil {
			if err := s.cache.Put(ctx, snap); err != nil {
				logger.Warn("snapshot cache write failed", "closure_id", closureID, "error", err)
			}
			return View{Snapshot: snap, Source: SourceSnapshot}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return View{}, fmt.Errorf("load snapshot: %w", err)
		}
	}

	snap, err := s.recompute(ctx, closureID)
	if err != nil {
		return View{}, err
	}
	return View{Snapshot: snap, Source: SourceLive}, nil
}

// recompute runs detection against the closure's stored ledger, replaces
// the stored incidences and re-persists the snapshot under the upload that
// parsed that ledger.
func (s *Service) recompute(ctx context.Context, closureID int64) (model.IncidenceSnapshot, error) {
	if _, err := s.st.GetClosure(ctx, closureID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.IncidenceSnapshot{}, fmt.Errorf("closure %d: %w", closureID, ErrClosureNotFound)
		}
		return model.IncidenceSnapshot{}, fmt.Errorf("load closure: %w", err)
	}
	uploads, err := s.st.ListUploads(ctx, closureID)
	if err != nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("list uploads: %w", err)
	}
	if len(uploads) == 0 {
		return model.IncidenceSnapshot{}, fmt.Errorf("closure %d has no uploads: %w", closureID, ErrNotReady)
	}
	if latest := uploads[0]; latest.Active() {
		return model.IncidenceSnapshot{}, fmt.Errorf("upload %s in state %s: %w", latest.ID, latest.State, ErrInProgress)
	}

	res, err := s.detector.Detect(ctx, closureID)
	if err != nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("detect incidences: %w", err)
	}
	rec, ok := ledgerOwner(uploads, res.Iteration)
	if !ok {
		return model.IncidenceSnapshot{}, fmt.Errorf("closure %d: no parsed upload for iteration %d: %w", closureID, res.Iteration, ErrNotReady)
	}
	if err := s.st.ReplaceIncidences(ctx, closureID, res.Iteration, res.Incidences); err != nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("store incidences: %w", err)
	}

	snap := Assemble(closureID, res.Iteration, rec.ID, res.Incidences, res.Balance, s.now())
	if err := s.persist(ctx, snap); err != nil {
		return model.IncidenceSnapshot{}, err
	}

	// Keep the cheap counts on the record in step with the snapshot.
	if _, err := s.st.UpdateUpload(ctx, rec.ID, func(r *model.UploadRecord) error {
		r.Summary.Merge(model.DetectionOutcome{Counts: res.Counts()})
		r.Summary.Merge(Summarize(snap))
		return nil
	}); err != nil {
		logging.FromContext(ctx).Warn("failed to refresh upload summary", "upload_id", rec.ID, "error", err)
	}
	return snap, nil
}

// ledgerOwner finds the upload that parsed the stored ledger. Uploads that
// failed before parsing keep a newer iteration and never match.
func ledgerOwner(uploads []model.UploadRecord, iteration int) (model.UploadRecord, bool) {
	for _, u := range uploads {
		if u.Iteration != iteration {
			continue
		}
		if u.State.AtLeast(model.StateParsed) || u.Summary.MovementsCreated != nil {
			return u, true
		}
		return model.UploadRecord{}, false
	}
	return model.UploadRecord{}, false
}

func (s *Service) persist(ctx context.Context, snap model.IncidenceSnapshot) error {
	if err := s.st.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		logging.FromContext(ctx).Warn("snapshot cache write failed", "closure_id", snap.ClosureID, "error", err)
	}
	return nil
}

// Invalidate drops the cached snapshot of a closure. Called when a new
// iteration starts.
func (s *Service) Invalidate(ctx context.Context, closureID int64) error {
	return s.cache.Invalidate(ctx, closureID)
}

// Summarize returns the summary section describing snap.
func Summarize(snap model.IncidenceSnapshot) model.SnapshotSummary {
	return model.SnapshotSummary{
		Iteration:  snap.Iteration,
		Groups:     len(snap.Groups),
		Total:      snap.Total,
		Digest:     snap.Digest,
		ComputedAt: snap.ComputedAt,
	}
}

// typeOrder puts blocking problems first.
var typeOrder = map[model.IncidenceType]int{
	model.IncidenceBalanceMismatch:       0,
	model.IncidenceMissingClassification: 1,
	model.IncidenceMissingDocumentType:   2,
	model.IncidenceMissingEnglishName:    3,
}

func rank(t model.IncidenceType) int {
	if r, ok := typeOrder[t]; ok {
		return r
	}
	return len(typeOrder)
}

// Assemble groups incidences by type in a deterministic order and stamps
// the content digest.
func Assemble(closureID int64, iteration int, uploadID uuid.UUID, items []model.Incidence, balance model.BalanceCheck, computedAt time.Time) model.IncidenceSnapshot {
	byType := make(map[model.IncidenceType][]model.Incidence)
	for _, inc := range items {
		byType[inc.Type] = append(byType[inc.Type], inc)
	}

	groups := make([]model.IncidenceGroup, 0, len(byType))
	for typ, list := range byType {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if a.AccountCode != b.AccountCode {
				return a.AccountCode < b.AccountCode
			}
			if a.SetName != b.SetName {
				return a.SetName < b.SetName
			}
			return a.Detail < b.Detail
		})
		g := model.IncidenceGroup{Type: typ, Severity: model.SeverityError, Count: len(list), Items: list}
		for _, inc := range list {
			if inc.Severity == model.SeverityFatal {
				g.Severity = model.SeverityFatal
			}
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		ri, rj := rank(groups[i].Type), rank(groups[j].Type)
		if ri != rj {
			return ri < rj
		}
		return groups[i].Type < groups[j].Type
	})

	snap := model.IncidenceSnapshot{
		ClosureID:  closureID,
		Iteration:  iteration,
		UploadID:   uploadID,
		Groups:     groups,
		Total:      len(items),
		Balance:    balance,
		ComputedAt: computedAt.UTC(),
	}
	snap.Digest = Digest(snap)
	return snap
}

// Digest hashes the snapshot content. It is independent of the iteration
// and of when and from which upload the snapshot was computed, so two
// iterations over identical data share a digest.
func Digest(snap model.IncidenceSnapshot) string {
	groups := make([]model.IncidenceGroup, len(snap.Groups))
	for i, g := range snap.Groups {
		items := make([]model.Incidence, len(g.Items))
		for j, inc := range g.Items {
			inc.Iteration = 0
			items[j] = inc
		}
		g.Items = items
		groups[i] = g
	}

	canonical := struct {
		ClosureID int64                  `json:"closure_id"`
		Groups    []model.IncidenceGroup `json:"groups"`
		Total     int                    `json:"total"`
		Balance   model.BalanceCheck     `json:"balance"`
	}{snap.ClosureID, groups, snap.Total, snap.Balance}

	b, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
