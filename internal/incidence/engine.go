// Package incidence cross-checks a parsed closure against the client's
// classification rules and the accounting balance equation.
//
// Detection reads reference data once, then makes a single pass over the
// closure's movements, accumulating per-account facts and per-statement
// running totals. Every rule is evaluated from those accumulators.
// Data-quality findings are returned as incidences, never as errors; the
// engine only fails when the closure or its client cannot be loaded.
package incidence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

var (
	ErrClosureNotFound = errors.New("closure not found")
	ErrClientNotFound  = errors.New("client not found")
)

// DefaultTolerance is the largest discrepancy still considered balanced.
var DefaultTolerance = decimal.New(1, -2)

// DefaultSampleRows caps the source rows listed on a consolidated incidence.
const DefaultSampleRows = 20

// Reader is the read-only slice of the store the engine needs.
type Reader interface {
	store.Catalog
	store.Rules
	GetClosure(ctx context.Context, closureID int64) (model.ClosurePeriod, error)
	ListAccounts(ctx context.Context, clientID int64) ([]model.Account, error)
	ListOpeningBalances(ctx context.Context, closureID int64) ([]model.OpeningBalance, error)
	ScanMovements(ctx context.Context, closureID int64, fn func(model.Movement) error) error
}

// Options tunes detection.
type Options struct {
	Tolerance  decimal.Decimal
	SampleRows int
}

// Engine runs the detection rules.
type Engine struct {
	src        Reader
	tolerance  decimal.Decimal
	sampleRows int
}

// NewEngine creates an Engine. Zero options take the defaults.
func NewEngine(src Reader, opts Options) *Engine {
	e := &Engine{src: src, tolerance: opts.Tolerance, sampleRows: opts.SampleRows}
	if e.tolerance.IsZero() {
		e.tolerance = DefaultTolerance
	}
	if e.sampleRows <= 0 {
		e.sampleRows = DefaultSampleRows
	}
	return e
}

// Result is the outcome of one detection run. Iteration is the one the
// stored ledger was parsed in, which trails the closure's iteration while a
// newer upload has not reached parsing.
type Result struct {
	ClosureID  int64
	Iteration  int
	Incidences []model.Incidence
	Balance    model.BalanceCheck
}

// Counts summarizes the result for the upload summary.
func (r Result) Counts() model.IncidenceCounts {
	balance := r.Balance
	c := model.IncidenceCounts{
		Total:    len(r.Incidences),
		ByType:   make(map[model.IncidenceType]int),
		Balanced: balance.Balanced,
		Balance:  &balance,
	}
	for _, inc := range r.Incidences {
		c.ByType[inc.Type]++
		if inc.Severity == model.SeverityFatal {
			c.Fatal++
		}
	}
	return c
}

// Detect runs every rule over the closure's stored ledger.
func (e *Engine) Detect(ctx context.Context, closureID int64) (Result, error) {
	closure, err := e.src.GetClosure(ctx, closureID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("closure %d: %w", closureID, ErrClosureNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load closure %d: %w", closureID, err)
	}
	client, err := e.src.GetClient(ctx, closure.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("client %d: %w", closure.ClientID, ErrClientNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load client %d: %w", closure.ClientID, err)
	}

	rules, err := loadRules(ctx, e.src, client.ID)
	if err != nil {
		return Result{}, err
	}

	acc := newAccumulator(rules, e.sampleRows)

	openings, err := e.src.ListOpeningBalances(ctx, closureID)
	if err != nil {
		return Result{}, fmt.Errorf("list opening balances: %w", err)
	}
	for _, ob := range openings {
		acc.addOpening(ob)
	}
	if err := e.src.ScanMovements(ctx, closureID, func(m model.Movement) error {
		acc.addMovement(m)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("scan movements: %w", err)
	}

	iteration := closure.Iteration
	if acc.iteration > 0 {
		iteration = acc.iteration
	}

	res := Result{ClosureID: closureID, Iteration: iteration}
	res.Incidences = append(res.Incidences, acc.missingClassifications()...)
	res.Incidences = append(res.Incidences, acc.missingDocumentTypes()...)
	if client.Bilingual {
		res.Incidences = append(res.Incidences, acc.missingEnglishNames()...)
	}
	res.Balance = acc.balance(e.tolerance)
	if !res.Balance.Balanced {
		res.Incidences = append(res.Incidences, mismatchIncidence(res.Balance))
	}
	for i := range res.Incidences {
		res.Incidences[i].ClosureID = closureID
		res.Incidences[i].Iteration = iteration
	}

	logging.FromContext(ctx).Info("incidences detected",
		"closure_id", closureID,
		"iteration", iteration,
		"movements", acc.movements,
		"accounts_touched", len(acc.touched),
		"incidences", len(res.Incidences),
		"discrepancy", res.Balance.Discrepancy.StringFixed(2),
	)
	return res, nil
}

func mismatchIncidence(b model.BalanceCheck) model.Incidence {
	return model.Incidence{
		Type:     model.IncidenceBalanceMismatch,
		Severity: model.SeverityFatal,
		Count:    1,
		Amount:   b.Discrepancy,
		Detail: fmt.Sprintf("descuadre: ESF balance %s + ERI balance %s = %s",
			b.ESF.Balance().StringFixed(2), b.ERI.Balance().StringFixed(2), b.Discrepancy.StringFixed(2)),
	}
}

// statementGroup buckets accounts for the balance equation.
type statementGroup string

const (
	groupESF statementGroup = "ESF"
	groupERI statementGroup = "ERI"
)

// fallbackGroup derives the statement group from the chart-of-accounts
// prefix: assets (1) and liabilities/equity (2) belong to ESF.
func fallbackGroup(code string) statementGroup {
	if strings.HasPrefix(code, "1") || strings.HasPrefix(code, "2") {
		return groupESF
	}
	return groupERI
}

func parseGroup(value string) (statementGroup, bool) {
	v := strings.ToUpper(strings.TrimSpace(value))
	switch {
	case strings.HasPrefix(v, string(groupESF)):
		return groupESF, true
	case strings.HasPrefix(v, string(groupERI)):
		return groupERI, true
	}
	return "", false
}
