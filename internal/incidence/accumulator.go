package incidence

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

// accountFacts is what the scan learns about one account.
type accountFacts struct {
	movements  int
	noDocType  int
	sampleRows []int
}

// accumulator collects everything the rules need in one pass.
type accumulator struct {
	rules      *ruleset
	sampleRows int

	movements int
	iteration int // highest iteration seen on a movement
	touched   map[string]*accountFacts
	totals    map[statementGroup]*model.GroupTotals
}

func newAccumulator(r *ruleset, sampleRows int) *accumulator {
	return &accumulator{
		rules:      r,
		sampleRows: sampleRows,
		touched:    make(map[string]*accountFacts),
		totals: map[statementGroup]*model.GroupTotals{
			groupESF: {Opening: decimal.Zero, Debit: decimal.Zero, Credit: decimal.Zero},
			groupERI: {Opening: decimal.Zero, Debit: decimal.Zero, Credit: decimal.Zero},
		},
	}
}

func (a *accumulator) addOpening(ob model.OpeningBalance) {
	t := a.totals[a.rules.group(ob.AccountCode)]
	t.Opening = t.Opening.Add(ob.PriorBalance)
}

func (a *accumulator) addMovement(m model.Movement) {
	a.movements++
	if m.Iteration > a.iteration {
		a.iteration = m.Iteration
	}

	t := a.totals[a.rules.group(m.AccountCode)]
	t.Debit = t.Debit.Add(m.Debit)
	t.Credit = t.Credit.Add(m.Credit)

	f := a.touched[m.AccountCode]
	if f == nil {
		f = &accountFacts{}
		a.touched[m.AccountCode] = f
	}
	f.movements++
	if !m.HasDocumentType() && !a.rules.acctExcepted[kindKey{m.AccountCode, model.ExceptDocumentType}] {
		f.noDocType++
		if len(f.sampleRows) < a.sampleRows {
			f.sampleRows = append(f.sampleRows, m.SourceRow)
		}
	}
}

func (a *accumulator) touchedCodes() []string {
	codes := make([]string, 0, len(a.touched))
	for c := range a.touched {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func (a *accumulator) name(code string) string {
	return a.rules.accounts[code].Name
}

// missingClassifications checks every touched account against every
// mandatory set, skipping active (account, set) exceptions.
func (a *accumulator) missingClassifications() []model.Incidence {
	var out []model.Incidence
	for _, code := range a.touchedCodes() {
		for _, set := range a.rules.mandatory {
			k := setKey{code, set.ID}
			if _, ok := a.rules.assigned[k]; ok || a.rules.classExcepted[k] {
				continue
			}
			out = append(out, model.Incidence{
				Type:        model.IncidenceMissingClassification,
				Severity:    model.SeverityError,
				AccountCode: code,
				AccountName: a.name(code),
				SetID:       set.ID,
				SetName:     set.Name,
				Count:       1,
				Amount:      decimal.Zero,
				Detail:      fmt.Sprintf("account %s has no value in %q", code, set.Name),
			})
		}
	}
	return out
}

// missingDocumentTypes emits one consolidated incidence per account.
func (a *accumulator) missingDocumentTypes() []model.Incidence {
	var out []model.Incidence
	for _, code := range a.touchedCodes() {
		f := a.touched[code]
		if f.noDocType == 0 {
			continue
		}
		out = append(out, model.Incidence{
			Type:        model.IncidenceMissingDocumentType,
			Severity:    model.SeverityError,
			AccountCode: code,
			AccountName: a.name(code),
			Count:       f.noDocType,
			Amount:      decimal.Zero,
			Rows:        f.sampleRows,
			Detail:      fmt.Sprintf("%d of %d movements of account %s have no document type", f.noDocType, f.movements, code),
		})
	}
	return out
}

func (a *accumulator) missingEnglishNames() []model.Incidence {
	var out []model.Incidence
	for _, code := range a.touchedCodes() {
		if a.rules.accounts[code].EnglishName != "" || a.rules.acctExcepted[kindKey{code, model.ExceptEnglishName}] {
			continue
		}
		out = append(out, model.Incidence{
			Type:        model.IncidenceMissingEnglishName,
			Severity:    model.SeverityError,
			AccountCode: code,
			AccountName: a.name(code),
			Count:       1,
			Amount:      decimal.Zero,
			Detail:      fmt.Sprintf("account %s has no English name", code),
		})
	}
	return out
}

// balance evaluates opening + debit - credit over ESF and ERI combined.
func (a *accumulator) balance(tolerance decimal.Decimal) model.BalanceCheck {
	esf, eri := *a.totals[groupESF], *a.totals[groupERI]
	d := esf.Balance().Add(eri.Balance())
	return model.BalanceCheck{
		ESF:         esf,
		ERI:         eri,
		Discrepancy: d,
		Balanced:    d.Abs().LessThanOrEqual(tolerance),
	}
}
