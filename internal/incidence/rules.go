package incidence

import (
	"context"
	"fmt"
	"sort"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

type setKey struct {
	code  string
	setID int64
}

type kindKey struct {
	code string
	kind model.ExceptionKind
}

// ruleset is the client's reference data indexed for lookups during the scan.
type ruleset struct {
	accounts      map[string]model.Account
	mandatory     []model.ClassificationSet
	statementSet  int64
	assigned      map[setKey]string
	classExcepted map[setKey]bool
	acctExcepted  map[kindKey]bool
}

func loadRules(ctx context.Context, src Reader, clientID int64) (*ruleset, error) {
	sets, err := src.ListClassificationSets(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list classification sets: %w", err)
	}
	assignments, err := src.ListAccountClassifications(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list account classifications: %w", err)
	}
	classEx, err := src.ListClassificationExceptions(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list classification exceptions: %w", err)
	}
	acctEx, err := src.ListAccountExceptions(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list account exceptions: %w", err)
	}
	accounts, err := src.ListAccounts(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	r := &ruleset{
		accounts:      make(map[string]model.Account, len(accounts)),
		assigned:      make(map[setKey]string, len(assignments)),
		classExcepted: make(map[setKey]bool),
		acctExcepted:  make(map[kindKey]bool),
	}
	for _, a := range accounts {
		r.accounts[a.Code] = a
	}
	for _, s := range sets {
		if s.Mandatory {
			r.mandatory = append(r.mandatory, s)
		}
		if s.Statement && r.statementSet == 0 {
			r.statementSet = s.ID
		}
	}
	sort.Slice(r.mandatory, func(i, j int) bool { return r.mandatory[i].Name < r.mandatory[j].Name })

	for _, ac := range assignments {
		r.assigned[setKey{ac.AccountCode, ac.SetID}] = ac.Value
	}
	for _, ex := range classEx {
		if ex.Active {
			r.classExcepted[setKey{ex.AccountCode, ex.SetID}] = true
		}
	}
	for _, ex := range acctEx {
		if ex.Active {
			r.acctExcepted[kindKey{ex.AccountCode, ex.Kind}] = true
		}
	}
	return r, nil
}

// group returns the statement group of an account.
func (r *ruleset) group(code string) statementGroup {
	if r.statementSet != 0 {
		if v, ok := r.assigned[setKey{code, r.statementSet}]; ok {
			if g, ok := parseGroup(v); ok {
				return g
			}
		}
	}
	return fallbackGroup(code)
}
