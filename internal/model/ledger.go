package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OpeningBalance is an account's carried-forward balance at period start.
// One per (closure, account).
type OpeningBalance struct {
	ClosureID    int64
	AccountID    int64
	AccountCode  string
	PriorBalance decimal.Decimal
	SourceRow    int
}

// Movement is a single debit/credit ledger entry within the period.
type Movement struct {
	ID             int64
	ClosureID      int64
	Iteration      int
	AccountID      int64
	AccountCode    string
	Date           time.Time
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	DocumentTypeID *int64
	DocumentNumber string
	CostCenterID   *int64
	AuxiliaryID    *int64
	Description    string
	SourceRow      int
}

// HasDocumentType reports whether the movement references a document type.
func (m Movement) HasDocumentType() bool {
	return m.DocumentTypeID != nil
}

// RowError is a non-fatal, row-level parse failure.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}
