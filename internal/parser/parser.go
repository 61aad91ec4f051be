// Package parser turns a general-ledger workbook into opening balances and
// movements.
//
// A ledger sheet is a sequence of account blocks. Each block starts with an
// opening-balance marker row ("SALDO ANTERIOR 1101 Caja") and is followed by
// the account's movement rows until the next marker. The header row is
// located once per file and resolved to a typed schema; rows are read by
// field, not position.
//
// Row-level problems are collected as model.RowError values and never stop
// the parse. Only structural problems (unreadable workbook, no header, store
// failures) are returned as errors.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/resolver"
	"github.com/JonMunkholm/ledgerclose/internal/schema"
)

var (
	ErrNoSheets       = errors.New("workbook has no sheets")
	ErrHeaderNotFound = errors.New("ledger header row not found")
)

// DefaultMaxHeaderSearchRows bounds how far down a sheet the header may be.
const DefaultMaxHeaderSearchRows = 20

// openingMarker matches "SALDO ANTERIOR <code> <name>" and the
// "SALDO INICIAL" variant, with optional "CUENTA" and separators.
var openingMarker = regexp.MustCompile(`(?i)^\s*saldo\s+(?:anterior|inicial)(?:\s+cuenta)?\s*[:\-]?\s*(\S+)?\s*(.*)$`)

// codePrefix splits "1101-Caja" into code and name.
var codePrefix = regexp.MustCompile(`^([0-9][0-9.]*(?:-[0-9]+)*)[-:]?(.*)$`)

var readOpts = excelize.Options{RawCellValue: true}

// Options configures a parse.
type Options struct {
	ClosureID           int64
	Iteration           int
	Period              model.Period // zero disables the period check
	MaxHeaderSearchRows int
}

func (o Options) headerRows() int {
	if o.MaxHeaderSearchRows <= 0 {
		return DefaultMaxHeaderSearchRows
	}
	return o.MaxHeaderSearchRows
}

// Layout describes where the ledger lives inside a workbook.
type Layout struct {
	Sheet     string
	HeaderRow int
	Schema    schema.Schema
	DataRows  int
	Openings  int
}

// Result is everything a parse produces.
type Result struct {
	Layout    Layout
	Openings  []model.OpeningBalance
	Movements []model.Movement
	Errors    []model.RowError
	Summary   model.ProcessingSummary
}

// Inspect locates the header and counts data rows and opening markers
// without touching reference data.
func Inspect(r io.Reader, opts Options) (Layout, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Layout{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	layout, err := locate(f, opts.headerRows())
	if err != nil {
		return Layout{}, err
	}
	err = eachRow(f, layout, func(_ int, row []string) error {
		if blank(row) {
			return nil
		}
		if _, ok := isOpening(layout.Schema, row); ok {
			layout.Openings++
		} else {
			layout.DataRows++
		}
		return nil
	})
	if err != nil {
		return Layout{}, err
	}
	return layout, nil
}

// Parse reads the workbook and resolves every referenced entity through res.
// The caller persists the returned openings and movements.
func Parse(ctx context.Context, r io.Reader, res *resolver.Resolver, opts Options) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	layout, err := locate(f, opts.headerRows())
	if err != nil {
		return nil, err
	}

	p := &run{
		ctx:      ctx,
		file:     f,
		sheet:    layout.Sheet,
		res:      res,
		opts:     opts,
		schema:   layout.Schema,
		openings: make(map[int64]model.OpeningBalance),
		touched:  make(map[int64]struct{}),
		result:   &Result{Layout: layout},
	}
	if err := eachRow(f, layout, p.row); err != nil {
		return nil, err
	}
	return p.finish(), nil
}

// locate finds the first sheet whose leading rows contain a resolvable
// header. When none does, the closest miss is reported.
func locate(f *excelize.File, maxRows int) (Layout, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Layout{}, ErrNoSheets
	}

	var best *schema.MissingFieldError
	for _, sheet := range sheets {
		rows, err := f.Rows(sheet)
		if err != nil {
			return Layout{}, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		n := 0
		for n < maxRows && rows.Next() {
			n++
			cols, err := rows.Columns(readOpts)
			if err != nil {
				rows.Close()
				return Layout{}, fmt.Errorf("read sheet %q row %d: %w", sheet, n, err)
			}
			s, err := schema.Resolve(cols)
			if err == nil {
				rows.Close()
				return Layout{Sheet: sheet, HeaderRow: n, Schema: s}, nil
			}
			var mfe *schema.MissingFieldError
			if errors.As(err, &mfe) && len(mfe.Fields) < len(schema.RequiredFields()) {
				if best == nil || len(mfe.Fields) < len(best.Fields) {
					best = mfe
				}
			}
		}
		rows.Close()
	}
	if best != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrHeaderNotFound, best)
	}
	return Layout{}, ErrHeaderNotFound
}

// eachRow calls fn for every row below the header with its 1-based number.
func eachRow(f *excelize.File, layout Layout, fn func(n int, row []string) error) error {
	rows, err := f.Rows(layout.Sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", layout.Sheet, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		if n <= layout.HeaderRow {
			continue
		}
		cols, err := rows.Columns(readOpts)
		if err != nil {
			return fmt.Errorf("read sheet %q row %d: %w", layout.Sheet, n, err)
		}
		if err := fn(n, cols); err != nil {
			return err
		}
	}
	return rows.Error()
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// opening is a matched marker row.
type opening struct {
	code string
	name string
}

// isOpening reports whether row is an opening-balance marker. A row whose
// date cell parses is always a movement, whatever its description says.
func isOpening(s schema.Schema, row []string) (opening, bool) {
	if d := s.Cell(row, schema.FieldDate); d != "" {
		if _, err := ParseDate(d); err == nil {
			return opening{}, false
		}
	}
	for _, cell := range row {
		m := openingMarker.FindStringSubmatch(schema.CleanCell(cell))
		if m == nil {
			continue
		}
		code, name := m[1], strings.TrimSpace(m[2])
		if cm := codePrefix.FindStringSubmatch(code); cm != nil && cm[2] != "" {
			code = cm[1]
			name = strings.TrimSpace(cm[2] + " " + name)
		}
		name = strings.TrimSpace(strings.TrimLeft(name, "-: "))
		return opening{code: code, name: name}, true
	}
	return opening{}, false
}

// run carries the state of one Parse call.
type run struct {
	ctx    context.Context
	file   *excelize.File
	sheet  string
	res    *resolver.Resolver
	opts   Options
	schema schema.Schema

	current  *model.Account
	openings map[int64]model.OpeningBalance
	order    []int64
	touched  map[int64]struct{}

	result *Result
}

func (p *run) rowError(n int, field schema.Field, msg string) {
	p.result.Errors = append(p.result.Errors, model.RowError{Row: n, Field: string(field), Message: msg})
}

func (p *run) row(n int, row []string) error {
	if blank(row) {
		return nil
	}
	p.result.Summary.RowsProcessed++

	if op, ok := isOpening(p.schema, row); ok {
		return p.opening(n, row, op)
	}

	rawDate := p.schema.Cell(row, schema.FieldDate)
	if rawDate == "" {
		if p.current != nil && p.hasAmounts(row) && !totalLine(row) {
			p.rowError(n, schema.FieldDate, "missing date")
		}
		return nil
	}
	if isTotalRow(rawDate) {
		return nil
	}
	date, err := ParseDate(rawDate)
	if err != nil {
		p.rowError(n, schema.FieldDate, err.Error())
		return nil
	}
	if p.current == nil {
		p.rowError(n, "", "movement before any opening balance marker")
		return nil
	}

	debit, credit, ok := p.amounts(n, row)
	if !ok {
		return nil
	}

	mv := model.Movement{
		ClosureID:      p.opts.ClosureID,
		Iteration:      p.opts.Iteration,
		AccountID:      p.current.ID,
		AccountCode:    p.current.Code,
		Date:           date,
		Debit:          debit,
		Credit:         credit,
		DocumentNumber: p.schema.Cell(row, schema.FieldDocumentNumber),
		Description:    p.schema.Cell(row, schema.FieldDescription),
		SourceRow:      n,
	}

	refs := []struct {
		field schema.Field
		kind  model.LookupKind
		dst   **int64
	}{
		{schema.FieldDocumentType, model.KindDocumentType, &mv.DocumentTypeID},
		{schema.FieldCostCenter, model.KindCostCenter, &mv.CostCenterID},
		{schema.FieldAuxiliary, model.KindAuxiliary, &mv.AuxiliaryID},
	}
	for _, ref := range refs {
		code := p.schema.Cell(row, ref.field)
		if code == "" {
			continue
		}
		l, _, err := p.res.Lookup(p.ctx, ref.kind, code, resolver.Defaults{})
		if errors.Is(err, resolver.ErrMalformedKey) {
			p.rowError(n, ref.field, err.Error())
			return nil
		}
		if err != nil {
			return err
		}
		id := l.ID
		*ref.dst = &id
	}

	p.track(mv)
	p.result.Movements = append(p.result.Movements, mv)
	return nil
}

// amounts reads debit and credit. A row must carry at least one of them.
func (p *run) amounts(n int, row []string) (debit, credit decimal.Decimal, ok bool) {
	rawDebit := p.schema.Cell(row, schema.FieldDebit)
	rawCredit := p.schema.Cell(row, schema.FieldCredit)
	if rawDebit == "" && rawCredit == "" {
		p.rowError(n, schema.FieldDebit, "missing debit and credit amounts")
		return decimal.Zero, decimal.Zero, false
	}

	debit, credit = decimal.Zero, decimal.Zero
	var err error
	if rawDebit != "" {
		if debit, err = p.amount(n, schema.FieldDebit, rawDebit); err != nil {
			p.rowError(n, schema.FieldDebit, err.Error())
			return decimal.Zero, decimal.Zero, false
		}
	}
	if rawCredit != "" {
		if credit, err = p.amount(n, schema.FieldCredit, rawCredit); err != nil {
			p.rowError(n, schema.FieldCredit, err.Error())
			return decimal.Zero, decimal.Zero, false
		}
	}
	return debit, credit, true
}

func (p *run) hasAmounts(row []string) bool {
	return p.schema.Cell(row, schema.FieldDebit) != "" || p.schema.Cell(row, schema.FieldCredit) != ""
}

// amount parses the value of field on row n. Values such as "1.234" mean
// 1234 in a text cell but 1.234 in a numeric one, so only those pay for a
// cell type lookup.
func (p *run) amount(n int, field schema.Field, raw string) (decimal.Decimal, error) {
	if ambiguousDot(raw) && p.numeric(n, field) {
		return ParseNumber(raw)
	}
	return ParseAmount(raw)
}

// numeric reports whether the cell of field on row n holds a native number.
// Number cells are stored untyped or with type "n".
func (p *run) numeric(n int, field schema.Field) bool {
	col := p.schema.Index(field)
	if p.file == nil || col < 0 {
		return false
	}
	cell, err := excelize.CoordinatesToCellName(col+1, n)
	if err != nil {
		return false
	}
	ct, err := p.file.GetCellType(p.sheet, cell)
	if err != nil {
		return false
	}
	return ct == excelize.CellTypeUnset || ct == excelize.CellTypeNumber
}

func (p *run) opening(n int, row []string, op opening) error {
	p.current = nil

	acct, _, err := p.res.Account(p.ctx, op.code, resolver.Defaults{Name: op.name})
	if errors.Is(err, resolver.ErrMalformedKey) {
		p.rowError(n, "account", err.Error())
		return nil
	}
	if err != nil {
		return err
	}
	p.current = &acct
	p.touched[acct.ID] = struct{}{}

	balance, err := p.openingBalance(n, row)
	if err != nil {
		p.rowError(n, schema.FieldBalance, err.Error())
		return nil
	}

	if _, seen := p.openings[acct.ID]; !seen {
		p.order = append(p.order, acct.ID)
	}
	p.openings[acct.ID] = model.OpeningBalance{
		ClosureID:    p.opts.ClosureID,
		AccountID:    acct.ID,
		AccountCode:  acct.Code,
		PriorBalance: balance,
		SourceRow:    n,
	}
	return nil
}

// openingBalance prefers the balance column and falls back to
// debit - credit on the marker row.
func (p *run) openingBalance(n int, row []string) (decimal.Decimal, error) {
	if raw := p.schema.Cell(row, schema.FieldBalance); raw != "" {
		return p.amount(n, schema.FieldBalance, raw)
	}
	balance := decimal.Zero
	if raw := p.schema.Cell(row, schema.FieldDebit); raw != "" {
		d, err := p.amount(n, schema.FieldDebit, raw)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Add(d)
	}
	if raw := p.schema.Cell(row, schema.FieldCredit); raw != "" {
		c, err := p.amount(n, schema.FieldCredit, raw)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Sub(c)
	}
	return balance, nil
}

func (p *run) track(mv model.Movement) {
	p.touched[mv.AccountID] = struct{}{}

	sum := &p.result.Summary
	if !p.opts.Period.IsZero() && !p.opts.Period.Contains(mv.Date) {
		sum.OutOfPeriod++
	}
	if sum.DateFrom == nil || mv.Date.Before(*sum.DateFrom) {
		d := mv.Date
		sum.DateFrom = &d
	}
	if sum.DateTo == nil || mv.Date.After(*sum.DateTo) {
		d := mv.Date
		sum.DateTo = &d
	}
}

func (p *run) finish() *Result {
	out := p.result
	out.Openings = make([]model.OpeningBalance, 0, len(p.order))
	for _, id := range p.order {
		out.Openings = append(out.Openings, p.openings[id])
	}

	sum := &out.Summary
	sum.OpeningsCreated = len(out.Openings)
	sum.AccountsTouched = len(p.touched)
	sum.AccountsCreated = p.res.Created("account")
	sum.ErrorCount = len(out.Errors)

	out.Layout.Openings = len(out.Openings)
	out.Layout.DataRows = len(out.Movements)
	return out
}

// isTotalRow matches subtotal lines such as "TOTAL CUENTA 1101".
func isTotalRow(s string) bool {
	return strings.HasPrefix(schema.Normalize(s), "TOTAL")
}

// totalLine reports whether any cell of row starts a subtotal label.
func totalLine(row []string) bool {
	for _, c := range row {
		if isTotalRow(c) {
			return true
		}
	}
	return false
}
