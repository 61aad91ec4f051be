// Package memory provides an in-process implementation of store.Store.
// It keeps the same uniqueness and serialization rules as the database
// store so pipeline behavior is identical in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

type refKey struct {
	ClientID int64
	Code     string
}

type lookupKey struct {
	Kind     model.LookupKind
	ClientID int64
	Code     string
}

type closureKey struct {
	ClientID int64
	Period   string
}

type iterKey struct {
	ClosureID int64
	Iteration int
}

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu  sync.RWMutex
	seq int64
	now func() time.Time

	clients    map[int64]model.Client
	closures   map[int64]model.ClosurePeriod
	closureIdx map[closureKey]int64
	uploads    map[uuid.UUID]model.UploadRecord

	accounts     map[refKey]model.Account
	lookups      map[lookupKey]model.Lookup
	openings     map[int64]map[int64]model.OpeningBalance // closure -> account -> opening
	movements    map[int64][]model.Movement
	sets         map[int64]model.ClassificationSet
	options      map[int64][]model.ClassificationOption
	assignments  map[int64]map[string]model.AccountClassification // set -> account code
	classExcept  []model.ClassificationException
	accountExcpt []model.AccountException
	incidences   map[iterKey][]model.Incidence
	snapshots    map[iterKey]model.IncidenceSnapshot

	// BeforeInsert, when set, runs before a reference insert is applied.
	// Tests use it to interleave a concurrent writer.
	BeforeInsert func(kind string, clientID int64, code string)
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		clients:     make(map[int64]model.Client),
		closures:    make(map[int64]model.ClosurePeriod),
		closureIdx:  make(map[closureKey]int64),
		uploads:     make(map[uuid.UUID]model.UploadRecord),
		accounts:    make(map[refKey]model.Account),
		lookups:     make(map[lookupKey]model.Lookup),
		openings:    make(map[int64]map[int64]model.OpeningBalance),
		movements:   make(map[int64][]model.Movement),
		sets:        make(map[int64]model.ClassificationSet),
		options:     make(map[int64][]model.ClassificationOption),
		assignments: make(map[int64]map[string]model.AccountClassification),
		incidences:  make(map[iterKey][]model.Incidence),
		snapshots:   make(map[iterKey]model.IncidenceSnapshot),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// =============================================================================
// Catalog
// =============================================================================

func (s *Store) GetClient(_ context.Context, clientID int64) (model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return model.Client{}, fmt.Errorf("client %d: %w", clientID, store.ErrNotFound)
	}
	return c, nil
}

// =============================================================================
// Closures and uploads
// =============================================================================

func (s *Store) GetClosure(_ context.Context, closureID int64) (model.ClosurePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.closures[closureID]
	if !ok {
		return model.ClosurePeriod{}, fmt.Errorf("closure %d: %w", closureID, store.ErrNotFound)
	}
	return c, nil
}

func (s *Store) FindClosure(_ context.Context, clientID int64, period model.Period) (model.ClosurePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.closureIdx[closureKey{clientID, period.String()}]
	if !ok {
		return model.ClosurePeriod{}, fmt.Errorf("closure %d/%s: %w", clientID, period, store.ErrNotFound)
	}
	return s.closures[id], nil
}

func (s *Store) SetClosureState(_ context.Context, closureID int64, state model.ClosureState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.closures[closureID]
	if !ok {
		return fmt.Errorf("closure %d: %w", closureID, store.ErrNotFound)
	}
	c.State = state
	c.UpdatedAt = s.now()
	s.closures[closureID] = c
	return nil
}

func (s *Store) StartUpload(_ context.Context, u store.NewUpload) (model.ClosurePeriod, model.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[u.ClientID]; !ok {
		return model.ClosurePeriod{}, model.UploadRecord{}, fmt.Errorf("client %d: %w", u.ClientID, store.ErrNotFound)
	}

	now := s.now()
	key := closureKey{u.ClientID, u.Period.String()}
	id, exists := s.closureIdx[key]
	var closure model.ClosurePeriod
	if exists {
		closure = s.closures[id]
		if s.hasActiveUploadLocked(id) {
			return model.ClosurePeriod{}, model.UploadRecord{}, store.ErrClosureBusy
		}
		closure.Iteration++
	} else {
		closure = model.ClosurePeriod{
			ID:        s.nextID(),
			ClientID:  u.ClientID,
			Period:    u.Period,
			Iteration: 1,
			CreatedAt: now,
		}
		s.closureIdx[key] = closure.ID
	}
	closure.State = model.ClosureProcessing
	closure.UpdatedAt = now
	s.closures[closure.ID] = closure

	rec := model.UploadRecord{
		ID:        u.ID,
		ClosureID: closure.ID,
		ClientID:  u.ClientID,
		Period:    u.Period,
		Iteration: closure.Iteration,
		FileName:  u.FileName,
		FileKey:   u.FileKey,
		FileHash:  u.FileHash,
		FileSize:  u.FileSize,
		UserID:    u.UserID,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if _, dup := s.uploads[rec.ID]; dup {
		return model.ClosurePeriod{}, model.UploadRecord{}, fmt.Errorf("upload %s: %w", rec.ID, store.ErrDuplicate)
	}
	s.uploads[rec.ID] = rec
	return closure, cloneUpload(rec), nil
}

func (s *Store) hasActiveUploadLocked(closureID int64) bool {
	for _, u := range s.uploads {
		if u.ClosureID == closureID && u.Active() {
			return true
		}
	}
	return false
}

func (s *Store) RestartUpload(_ context.Context, uploadID uuid.UUID) (model.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.uploads[uploadID]
	if !ok {
		return model.UploadRecord{}, fmt.Errorf("upload %s: %w", uploadID, store.ErrNotFound)
	}
	if s.hasActiveUploadLocked(rec.ClosureID) {
		return model.UploadRecord{}, store.ErrClosureBusy
	}
	closure := s.closures[rec.ClosureID]
	closure.Iteration++
	closure.State = model.ClosureProcessing
	closure.UpdatedAt = s.now()
	s.closures[closure.ID] = closure

	rec.Iteration = closure.Iteration
	rec.State = model.StatePending
	rec.Failure = ""
	rec.Errors = nil
	rec.UpdatedAt = s.now()
	s.uploads[uploadID] = rec
	return cloneUpload(rec), nil
}

func (s *Store) GetUpload(_ context.Context, uploadID uuid.UUID) (model.UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.uploads[uploadID]
	if !ok {
		return model.UploadRecord{}, fmt.Errorf("upload %s: %w", uploadID, store.ErrNotFound)
	}
	return cloneUpload(rec), nil
}

func (s *Store) ListUploads(_ context.Context, closureID int64) ([]model.UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.UploadRecord
	for _, u := range s.uploads {
		if u.ClosureID == closureID {
			out = append(out, cloneUpload(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration > out[j].Iteration })
	return out, nil
}

func (s *Store) ListActiveUploads(_ context.Context) ([]model.UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.UploadRecord
	for _, u := range s.uploads {
		if u.Active() {
			out = append(out, cloneUpload(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateUpload(_ context.Context, uploadID uuid.UUID, fn func(*model.UploadRecord) error) (model.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.uploads[uploadID]
	if !ok {
		return model.UploadRecord{}, fmt.Errorf("upload %s: %w", uploadID, store.ErrNotFound)
	}
	working := cloneUpload(rec)
	if err := fn(&working); err != nil {
		return model.UploadRecord{}, err
	}
	working.ID = rec.ID
	working.UpdatedAt = s.now()
	s.uploads[uploadID] = working
	return cloneUpload(working), nil
}

func cloneUpload(r model.UploadRecord) model.UploadRecord {
	r.Summary = r.Summary.Clone()
	if r.Errors != nil {
		r.Errors = append([]model.RowError(nil), r.Errors...)
	}
	return r
}

// =============================================================================
// Reference entities
// =============================================================================

func (s *Store) GetAccount(_ context.Context, clientID int64, code string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[refKey{clientID, code}]
	if !ok {
		return model.Account{}, fmt.Errorf("account %d/%s: %w", clientID, code, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) InsertAccount(_ context.Context, a model.Account) (model.Account, error) {
	if s.BeforeInsert != nil {
		s.BeforeInsert("account", a.ClientID, a.Code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := refKey{a.ClientID, a.Code}
	if _, ok := s.accounts[k]; ok {
		return model.Account{}, fmt.Errorf("account %d/%s: %w", a.ClientID, a.Code, store.ErrDuplicate)
	}
	a.ID = s.nextID()
	s.accounts[k] = a
	return a, nil
}

func (s *Store) ListAccounts(_ context.Context, clientID int64) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Account
	for _, a := range s.accounts {
		if a.ClientID == clientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) GetLookup(_ context.Context, kind model.LookupKind, clientID int64, code string) (model.Lookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lookups[lookupKey{kind, clientID, code}]
	if !ok {
		return model.Lookup{}, fmt.Errorf("%s %d/%s: %w", kind, clientID, code, store.ErrNotFound)
	}
	return l, nil
}

func (s *Store) InsertLookup(_ context.Context, l model.Lookup) (model.Lookup, error) {
	if s.BeforeInsert != nil {
		s.BeforeInsert(string(l.Kind), l.ClientID, l.Code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lookupKey{l.Kind, l.ClientID, l.Code}
	if _, ok := s.lookups[k]; ok {
		return model.Lookup{}, fmt.Errorf("%s %d/%s: %w", l.Kind, l.ClientID, l.Code, store.ErrDuplicate)
	}
	l.ID = s.nextID()
	s.lookups[k] = l
	return l, nil
}

// =============================================================================
// Ledger
// =============================================================================

func (s *Store) ReplaceLedger(_ context.Context, closureID int64, iteration int, openings []model.OpeningBalance, movements []model.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.closures[closureID]; !ok {
		return fmt.Errorf("closure %d: %w", closureID, store.ErrNotFound)
	}

	ob := make(map[int64]model.OpeningBalance, len(openings))
	for _, o := range openings {
		o.ClosureID = closureID
		ob[o.AccountID] = o
	}
	s.openings[closureID] = ob

	mv := make([]model.Movement, len(movements))
	for i, m := range movements {
		m.ID = s.nextID()
		m.ClosureID = closureID
		m.Iteration = iteration
		mv[i] = m
	}
	s.movements[closureID] = mv
	return nil
}

func (s *Store) ListOpeningBalances(_ context.Context, closureID int64) ([]model.OpeningBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OpeningBalance, 0, len(s.openings[closureID]))
	for _, o := range s.openings[closureID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceRow < out[j].SourceRow })
	return out, nil
}

func (s *Store) ScanMovements(ctx context.Context, closureID int64, fn func(model.Movement) error) error {
	s.mu.RLock()
	mv := append([]model.Movement(nil), s.movements[closureID]...)
	s.mu.RUnlock()

	sort.SliceStable(mv, func(i, j int) bool { return mv[i].SourceRow < mv[j].SourceRow })
	for _, m := range mv {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CountMovements(_ context.Context, closureID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.movements[closureID]), nil
}

// =============================================================================
// Rules
// =============================================================================

func (s *Store) ListClassificationSets(_ context.Context, clientID int64) ([]model.ClassificationSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ClassificationSet
	for _, set := range s.sets {
		if set.ClientID == clientID {
			out = append(out, set)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAccountClassifications(_ context.Context, clientID int64) ([]model.AccountClassification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AccountClassification
	for _, byCode := range s.assignments {
		for _, ac := range byCode {
			if ac.ClientID == clientID {
				out = append(out, ac)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SetID != out[j].SetID {
			return out[i].SetID < out[j].SetID
		}
		return out[i].AccountCode < out[j].AccountCode
	})
	return out, nil
}

func (s *Store) ListClassificationExceptions(_ context.Context, clientID int64) ([]model.ClassificationException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ClassificationException
	for _, ex := range s.classExcept {
		if ex.ClientID == clientID {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (s *Store) ListAccountExceptions(_ context.Context, clientID int64) ([]model.AccountException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AccountException
	for _, ex := range s.accountExcpt {
		if ex.ClientID == clientID {
			out = append(out, ex)
		}
	}
	return out, nil
}

// =============================================================================
// Incidences and snapshots
// =============================================================================

func (s *Store) ReplaceIncidences(_ context.Context, closureID int64, iteration int, items []model.Incidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.incidences {
		if k.ClosureID == closureID {
			delete(s.incidences, k)
		}
	}
	s.incidences[iterKey{closureID, iteration}] = append([]model.Incidence(nil), items...)
	return nil
}

func (s *Store) ListIncidences(_ context.Context, closureID int64, iteration int) ([]model.Incidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Incidence(nil), s.incidences[iterKey{closureID, iteration}]...), nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap model.IncidenceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[iterKey{snap.ClosureID, snap.Iteration}] = snap
	return nil
}

func (s *Store) LatestSnapshot(_ context.Context, closureID int64) (model.IncidenceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest model.IncidenceSnapshot
		found  bool
	)
	for k, snap := range s.snapshots {
		if k.ClosureID != closureID {
			continue
		}
		if !found || k.Iteration > latest.Iteration {
			latest, found = snap, true
		}
	}
	if !found {
		return model.IncidenceSnapshot{}, fmt.Errorf("snapshot for closure %d: %w", closureID, store.ErrNotFound)
	}
	return latest, nil
}

// =============================================================================
// Seeding
// =============================================================================

func (s *Store) PutClient(_ context.Context, c model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

func (s *Store) PutClassificationSet(_ context.Context, set model.ClassificationSet, options []string) (model.ClassificationSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sets {
		if existing.ClientID == set.ClientID && strings.EqualFold(existing.Name, set.Name) {
			set.ID = existing.ID
		}
	}
	if set.ID == 0 {
		set.ID = s.nextID()
	}
	s.sets[set.ID] = set

	opts := make([]model.ClassificationOption, 0, len(options))
	for _, v := range options {
		opts = append(opts, model.ClassificationOption{ID: s.nextID(), SetID: set.ID, Value: v})
	}
	s.options[set.ID] = opts
	return set, nil
}

func (s *Store) PutAccountClassification(_ context.Context, ac model.AccountClassification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[ac.SetID]; !ok {
		return fmt.Errorf("classification set %d: %w", ac.SetID, store.ErrNotFound)
	}
	opt, ok := s.findOptionLocked(ac.SetID, ac.OptionID, ac.Value)
	if !ok {
		return fmt.Errorf("option %q of set %d: %w", ac.Value, ac.SetID, store.ErrNotFound)
	}
	ac.OptionID, ac.Value = opt.ID, opt.Value
	if s.assignments[ac.SetID] == nil {
		s.assignments[ac.SetID] = make(map[string]model.AccountClassification)
	}
	s.assignments[ac.SetID][ac.AccountCode] = ac
	return nil
}

func (s *Store) findOptionLocked(setID, optionID int64, value string) (model.ClassificationOption, bool) {
	for _, o := range s.options[setID] {
		if (optionID != 0 && o.ID == optionID) || (optionID == 0 && strings.EqualFold(o.Value, value)) {
			return o, true
		}
	}
	return model.ClassificationOption{}, false
}

func (s *Store) PutClassificationException(_ context.Context, ex model.ClassificationException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.classExcept {
		if e.ClientID == ex.ClientID && e.AccountCode == ex.AccountCode && e.SetID == ex.SetID {
			s.classExcept[i] = ex
			return nil
		}
	}
	s.classExcept = append(s.classExcept, ex)
	return nil
}

func (s *Store) PutAccountException(_ context.Context, ex model.AccountException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.accountExcpt {
		if e.ClientID == ex.ClientID && e.AccountCode == ex.AccountCode && e.Kind == ex.Kind {
			s.accountExcpt[i] = ex
			return nil
		}
	}
	s.accountExcpt = append(s.accountExcpt, ex)
	return nil
}

func (s *Store) PutAccount(_ context.Context, a model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := refKey{a.ClientID, a.Code}
	if existing, ok := s.accounts[k]; ok {
		a.ID = existing.ID
	} else {
		a.ID = s.nextID()
	}
	s.accounts[k] = a
	return a, nil
}
