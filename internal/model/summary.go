package model

import (
	"encoding/json"
	"sort"
	"time"
)

// SummaryVersion is bumped whenever a section changes shape.
const SummaryVersion = 1

// Summary is the additive, per-stage result document stored on an
// UploadRecord. Stages never write it directly: they produce a StageResult
// and the record's summary is folded with Merge, which only ever sets the
// keys owned by that stage. Keys written by other producers and unknown to
// this version are carried through marshaling untouched.
type Summary struct {
	Version           int                `json:"version"`
	Validation        *NameCheck         `json:"validation,omitempty"`
	File              *FileCheck         `json:"file,omitempty"`
	Content           *ContentCheck      `json:"content,omitempty"`
	MovementsCreated  *int               `json:"movements_created,omitempty"`
	Processing        *ProcessingSummary `json:"processing,omitempty"`
	IncidencesCreated *int               `json:"incidences_created,omitempty"`
	Incidences        *IncidenceCounts   `json:"incidences,omitempty"`
	Snapshot          *SnapshotSummary   `json:"incidences_snapshot,omitempty"`

	extra map[string]json.RawMessage
}

// StageResult is the typed output of one pipeline stage.
type StageResult interface {
	Stage() State
	mergeInto(s *Summary)
}

// Merge folds r into the summary. It is the only way summaries change.
func (s *Summary) Merge(r StageResult) {
	if r == nil {
		return
	}
	r.mergeInto(s)
	s.Version = SummaryVersion
}

// Keys returns the top-level keys currently present, in marshaled form,
// sorted.
func (s Summary) Keys() []string {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (s Summary) Clone() Summary {
	b, err := json.Marshal(s)
	if err != nil {
		return Summary{}
	}
	var out Summary
	if err := json.Unmarshal(b, &out); err != nil {
		return Summary{}
	}
	return out
}

type summaryAlias Summary

// MarshalJSON writes the known sections plus any preserved unknown keys.
func (s Summary) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(summaryAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return known, nil
	}
	m := make(map[string]json.RawMessage, len(s.extra)+8)
	for k, v := range s.extra {
		m[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads known sections and keeps every other key.
func (s *Summary) UnmarshalJSON(b []byte) error {
	var a summaryAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range knownSummaryKeys {
		delete(all, k)
	}
	*s = Summary(a)
	if len(all) > 0 {
		s.extra = all
	}
	return nil
}

var knownSummaryKeys = []string{
	"version", "validation", "file", "content", "movements_created",
	"processing", "incidences_created", "incidences", "incidences_snapshot",
}

// NameCheck is the result of the name_validated stage.
type NameCheck struct {
	FileName string `json:"file_name"`
	ClientID int64  `json:"client_id"`
	Period   string `json:"period"`
}

func (NameCheck) Stage() State { return StateNameValidated }

func (r NameCheck) mergeInto(s *Summary) { s.Validation = &r }

// FileCheck is the result of the file_verified stage.
type FileCheck struct {
	SizeBytes int64    `json:"size_bytes"`
	SHA256    string   `json:"sha256"`
	Sheets    []string `json:"sheets"`
}

func (FileCheck) Stage() State { return StateFileVerified }

func (r FileCheck) mergeInto(s *Summary) { s.File = &r }

// ContentCheck is the result of the content_validated stage.
type ContentCheck struct {
	Sheet     string         `json:"sheet"`
	HeaderRow int            `json:"header_row"`
	Columns   map[string]int `json:"columns"`
	DataRows  int            `json:"data_rows"`
	Openings  int            `json:"opening_markers"`
}

func (ContentCheck) Stage() State { return StateContentValidated }

func (r ContentCheck) mergeInto(s *Summary) { s.Content = &r }

// ProcessingSummary is the nested "processing" section written by parsing.
type ProcessingSummary struct {
	RowsProcessed   int        `json:"rows_processed"`
	OpeningsCreated int        `json:"openings_created"`
	AccountsCreated int        `json:"accounts_created"`
	AccountsTouched int        `json:"accounts_touched"`
	ErrorCount      int        `json:"error_count"`
	OutOfPeriod     int        `json:"out_of_period"`
	DateFrom        *time.Time `json:"date_from,omitempty"`
	DateTo          *time.Time `json:"date_to,omitempty"`
}

// ParseOutcome is the result of the parsed stage.
type ParseOutcome struct {
	MovementsCreated int
	Processing       ProcessingSummary
}

func (ParseOutcome) Stage() State { return StateParsed }

func (r ParseOutcome) mergeInto(s *Summary) {
	n := r.MovementsCreated
	p := r.Processing
	s.MovementsCreated = &n
	s.Processing = &p
}

// IncidenceCounts is the cheap "incidences" section, available before the
// snapshot exists.
type IncidenceCounts struct {
	Total    int                   `json:"total"`
	Fatal    int                   `json:"fatal"`
	ByType   map[IncidenceType]int `json:"by_type"`
	Balanced bool                  `json:"balanced"`
	Balance  *BalanceCheck         `json:"balance,omitempty"`
}

// DetectionOutcome is the result of the incidences_generated stage.
type DetectionOutcome struct {
	Counts IncidenceCounts
}

func (DetectionOutcome) Stage() State { return StateIncidencesGenerated }

func (r DetectionOutcome) mergeInto(s *Summary) {
	n := r.Counts.Total
	c := r.Counts
	s.IncidencesCreated = &n
	s.Incidences = &c
}

// SnapshotSummary is the result of the finalized stage.
type SnapshotSummary struct {
	Iteration  int       `json:"iteration"`
	Groups     int       `json:"groups"`
	Total      int       `json:"total"`
	Digest     string    `json:"digest"`
	ComputedAt time.Time `json:"computed_at"`
}

func (SnapshotSummary) Stage() State { return StateFinalized }

func (r SnapshotSummary) mergeInto(s *Summary) { s.Snapshot = &r }
