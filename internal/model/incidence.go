package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IncidenceType names a detection rule.
type IncidenceType string

const (
	IncidenceMissingClassification IncidenceType = "missing_classification"
	IncidenceMissingDocumentType   IncidenceType = "missing_document_type"
	IncidenceMissingEnglishName    IncidenceType = "missing_english_name"
	IncidenceBalanceMismatch       IncidenceType = "balance_mismatch"
)

// Severity of an incidence. Fatal incidences make the closure unbalanced.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// Incidence is a detected data-quality or consistency problem.
type Incidence struct {
	ClosureID   int64           `json:"closure_id"`
	Iteration   int             `json:"iteration"`
	Type        IncidenceType   `json:"type"`
	Severity    Severity        `json:"severity"`
	AccountCode string          `json:"account_code,omitempty"`
	AccountName string          `json:"account_name,omitempty"`
	SetID       int64           `json:"set_id,omitempty"`
	SetName     string          `json:"set_name,omitempty"`
	Count       int             `json:"count"`
	Amount      decimal.Decimal `json:"amount"`
	Rows        []int           `json:"rows,omitempty"`
	Detail      string          `json:"detail"`
}

// IncidenceGroup consolidates all incidences of one type.
type IncidenceGroup struct {
	Type     IncidenceType `json:"type"`
	Severity Severity      `json:"severity"`
	Count    int           `json:"count"`
	Items    []Incidence   `json:"items"`
}

// GroupTotals are the running totals of one statement group.
type GroupTotals struct {
	Opening decimal.Decimal `json:"opening"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

// Balance returns opening + debit - credit.
func (g GroupTotals) Balance() decimal.Decimal {
	return g.Opening.Add(g.Debit).Sub(g.Credit)
}

// BalanceCheck is the outcome of the balance equation over ESF and ERI.
type BalanceCheck struct {
	ESF         GroupTotals     `json:"esf"`
	ERI         GroupTotals     `json:"eri"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
	Balanced    bool            `json:"balanced"`
}

// IncidenceSnapshot is the consolidated, queryable view of one
// (closure, iteration). Write-once per successful run; superseded, never
// mutated.
type IncidenceSnapshot struct {
	ClosureID  int64            `json:"closure_id"`
	Iteration  int              `json:"iteration"`
	UploadID   uuid.UUID        `json:"upload_id"`
	Groups     []IncidenceGroup `json:"groups"`
	Total      int              `json:"total"`
	Balance    BalanceCheck     `json:"balance"`
	Digest     string           `json:"digest"`
	ComputedAt time.Time        `json:"computed_at"`
}
