// Package store defines the persistence contract of the closing pipeline.
//
// Implementations:
//   - store/memory: in-process, used by tests and the CLI
//   - store/postgres: pgx/v5 backed production store
//
// Reference-entity tables (accounts, cost centers, auxiliaries, document
// types) are the only state shared across closures. They are protected by a
// unique (client, code) constraint: InsertAccount and InsertLookup return
// ErrDuplicate when another writer won the race, and callers re-fetch.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate key")

	// ErrClosureBusy is returned when a closure already has an active upload.
	ErrClosureBusy = errors.New("closure has an active upload")

	// ErrStaleState is returned by UpdateUpload callbacks when the record
	// moved on since the caller last read it.
	ErrStaleState = errors.New("upload state changed concurrently")
)

// NewUpload describes an upload to register against a (client, period)
// closure.
type NewUpload struct {
	ID       uuid.UUID
	ClientID int64
	Period   model.Period
	FileName string
	FileKey  string
	FileHash string
	FileSize int64
	UserID   string
}

// Catalog reads the pre-existing client catalog.
type Catalog interface {
	GetClient(ctx context.Context, clientID int64) (model.Client, error)
}

// Closures manages closure periods and their upload records.
type Closures interface {
	GetClosure(ctx context.Context, closureID int64) (model.ClosurePeriod, error)
	FindClosure(ctx context.Context, clientID int64, period model.Period) (model.ClosurePeriod, error)
	SetClosureState(ctx context.Context, closureID int64, state model.ClosureState) error

	// StartUpload opens (or reuses) the closure for the upload's client and
	// period, bumps its iteration when it already had one, and creates the
	// UploadRecord in state pending. It is the serialization point: it fails
	// with ErrClosureBusy when the closure has a non-terminal upload.
	StartUpload(ctx context.Context, u NewUpload) (model.ClosurePeriod, model.UploadRecord, error)

	// RestartUpload starts a new iteration for an existing, terminal upload
	// and resets it to pending. Summary keys are kept.
	RestartUpload(ctx context.Context, uploadID uuid.UUID) (model.UploadRecord, error)

	GetUpload(ctx context.Context, uploadID uuid.UUID) (model.UploadRecord, error)

	// ListUploads returns the uploads of a closure, newest iteration first.
	ListUploads(ctx context.Context, closureID int64) ([]model.UploadRecord, error)

	// ListActiveUploads returns every upload whose chain has not reached a
	// terminal state, oldest first.
	ListActiveUploads(ctx context.Context) ([]model.UploadRecord, error)

	// UpdateUpload runs fn against the current record under a row lock and
	// persists the result atomically. Returning an error from fn aborts the
	// update and is passed through.
	UpdateUpload(ctx context.Context, uploadID uuid.UUID, fn func(*model.UploadRecord) error) (model.UploadRecord, error)
}

// References stores the lazily created reference entities.
type References interface {
	GetAccount(ctx context.Context, clientID int64, code string) (model.Account, error)
	InsertAccount(ctx context.Context, a model.Account) (model.Account, error)
	ListAccounts(ctx context.Context, clientID int64) ([]model.Account, error)

	GetLookup(ctx context.Context, kind model.LookupKind, clientID int64, code string) (model.Lookup, error)
	InsertLookup(ctx context.Context, l model.Lookup) (model.Lookup, error)
}

// Ledger stores the parsed opening balances and movements of a closure.
type Ledger interface {
	// ReplaceLedger purges every movement and opening balance of the closure
	// and writes the given ones, in one transaction.
	ReplaceLedger(ctx context.Context, closureID int64, iteration int, openings []model.OpeningBalance, movements []model.Movement) error

	ListOpeningBalances(ctx context.Context, closureID int64) ([]model.OpeningBalance, error)

	// ScanMovements calls fn once per movement of the closure, in source
	// row order. Returning an error from fn stops the scan.
	ScanMovements(ctx context.Context, closureID int64, fn func(model.Movement) error) error

	CountMovements(ctx context.Context, closureID int64) (int, error)
}

// Rules stores classification schemes, assignments and exceptions.
type Rules interface {
	ListClassificationSets(ctx context.Context, clientID int64) ([]model.ClassificationSet, error)
	ListAccountClassifications(ctx context.Context, clientID int64) ([]model.AccountClassification, error)
	ListClassificationExceptions(ctx context.Context, clientID int64) ([]model.ClassificationException, error)
	ListAccountExceptions(ctx context.Context, clientID int64) ([]model.AccountException, error)
}

// Incidences stores detection results and consolidated snapshots.
type Incidences interface {
	ReplaceIncidences(ctx context.Context, closureID int64, iteration int, items []model.Incidence) error
	ListIncidences(ctx context.Context, closureID int64, iteration int) ([]model.Incidence, error)

	// SaveSnapshot stores the snapshot for (closure, iteration), replacing a
	// previous one for the same key.
	SaveSnapshot(ctx context.Context, snap model.IncidenceSnapshot) error
	LatestSnapshot(ctx context.Context, closureID int64) (model.IncidenceSnapshot, error)
}

// Seeder writes catalog and rule rows. Used by the YAML catalog loader.
type Seeder interface {
	PutClient(ctx context.Context, c model.Client) error
	PutClassificationSet(ctx context.Context, set model.ClassificationSet, options []string) (model.ClassificationSet, error)
	PutAccountClassification(ctx context.Context, ac model.AccountClassification) error
	PutClassificationException(ctx context.Context, ex model.ClassificationException) error
	PutAccountException(ctx context.Context, ex model.AccountException) error
	PutAccount(ctx context.Context, a model.Account) (model.Account, error)
}

// Store is everything the pipeline persists.
type Store interface {
	Catalog
	Closures
	References
	Ledger
	Rules
	Incidences
	Seeder
}
