package model

import (
	"time"

	"github.com/google/uuid"
)

// State is a pipeline state of an UploadRecord.
type State string

const (
	StatePending             State = "pending"
	StateNameValidated       State = "name_validated"
	StateFileVerified        State = "file_verified"
	StateContentValidated    State = "content_validated"
	StateParsed              State = "parsed"
	StateIncidencesGenerated State = "incidences_generated"
	StateFinalized           State = "finalized"
	StateError               State = "error"
)

// stateOrder lists the happy path. StateError is outside the order.
var stateOrder = []State{
	StatePending,
	StateNameValidated,
	StateFileVerified,
	StateContentValidated,
	StateParsed,
	StateIncidencesGenerated,
	StateFinalized,
}

// Rank returns the position of s on the happy path, or -1 for StateError
// and unknown values.
func (s State) Rank() int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the state that follows s, and false when s is terminal.
func (s State) Next() (State, bool) {
	r := s.Rank()
	if r < 0 || r == len(stateOrder)-1 {
		return "", false
	}
	return stateOrder[r+1], true
}

// Previous returns the state that must precede s.
func (s State) Previous() (State, bool) {
	r := s.Rank()
	if r <= 0 {
		return "", false
	}
	return stateOrder[r-1], true
}

// Terminal reports whether no further stage runs from s.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateError
}

// AtLeast reports whether s has reached or passed target on the happy path.
func (s State) AtLeast(target State) bool {
	r := s.Rank()
	return r >= 0 && r >= target.Rank()
}

// UploadRecord is the single mutable coordination object for one processing
// attempt of a closure.
type UploadRecord struct {
	ID        uuid.UUID
	ClosureID int64
	ClientID  int64
	Period    Period
	Iteration int
	FileName  string
	FileKey   string
	FileHash  string
	FileSize  int64
	UserID    string
	State     State
	Summary   Summary
	Errors    []RowError
	Failure   string // captured message when State is StateError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether a chain may still be running for the record.
func (u UploadRecord) Active() bool {
	return !u.State.Terminal()
}
