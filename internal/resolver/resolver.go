// Package resolver resolves raw textual identifiers from a ledger into
// reference entities, creating them on first sight.
//
// Resolution is get-or-create against the (client, code) unique constraint.
// When an insert loses a race with another writer the store reports
// store.ErrDuplicate and the existing row is re-fetched, so concurrent
// pipelines never create duplicates and never fail on the race.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

// ErrMalformedKey is returned when a natural key fails validation. Callers
// turn it into a row-level error.
var ErrMalformedKey = errors.New("malformed key")

// accountCodePattern accepts dotted or dashed numeric codes: 1101, 1.1.01, 11-01.
var accountCodePattern = regexp.MustCompile(`^[0-9][0-9.\-]*$`)

// lookupCodeMaxLen bounds free-form lookup codes.
const lookupCodeMaxLen = 64

// Defaults are the attributes used when an entity has to be created.
// They never overwrite an existing entity.
type Defaults struct {
	Name        string
	EnglishName string
}

// Resolver caches resolved entities for one client during one run.
// It is not safe for concurrent use; concurrency across runs is handled by
// the store's unique constraints.
type Resolver struct {
	refs     store.References
	clientID int64

	accounts map[string]model.Account
	lookups  map[model.LookupKind]map[string]model.Lookup

	created map[string]int // entity kind -> created count
}

// New creates a Resolver for one client.
func New(refs store.References, clientID int64) *Resolver {
	return &Resolver{
		refs:     refs,
		clientID: clientID,
		accounts: make(map[string]model.Account),
		lookups:  make(map[model.LookupKind]map[string]model.Lookup),
		created:  make(map[string]int),
	}
}

// NormalizeAccountCode trims whitespace and validates an account code.
func NormalizeAccountCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return "", fmt.Errorf("%w: empty account code", ErrMalformedKey)
	}
	if !accountCodePattern.MatchString(code) {
		return "", fmt.Errorf("%w: account code %q is not numeric", ErrMalformedKey, raw)
	}
	return code, nil
}

func normalizeLookupCode(kind model.LookupKind, raw string) (string, error) {
	code := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
	if code == "" {
		return "", fmt.Errorf("%w: empty %s", ErrMalformedKey, kind)
	}
	if len(code) > lookupCodeMaxLen {
		return "", fmt.Errorf("%w: %s %q exceeds %d characters", ErrMalformedKey, kind, raw, lookupCodeMaxLen)
	}
	return code, nil
}

// Account resolves an account by code, creating it with defaults when it
// does not exist. created reports whether this call inserted the row.
func (r *Resolver) Account(ctx context.Context, rawCode string, d Defaults) (model.Account, bool, error) {
	code, err := NormalizeAccountCode(rawCode)
	if err != nil {
		return model.Account{}, false, err
	}
	if a, ok := r.accounts[code]; ok {
		return a, false, nil
	}

	a, created, err := getOrCreate(ctx,
		func(ctx context.Context) (model.Account, error) {
			return r.refs.GetAccount(ctx, r.clientID, code)
		},
		func(ctx context.Context) (model.Account, error) {
			return r.refs.InsertAccount(ctx, model.Account{
				ClientID:    r.clientID,
				Code:        code,
				Name:        strings.TrimSpace(d.Name),
				EnglishName: strings.TrimSpace(d.EnglishName),
			})
		},
	)
	if err != nil {
		return model.Account{}, false, fmt.Errorf("resolve account %s: %w", code, err)
	}
	if created {
		r.created["account"]++
	}
	r.accounts[code] = a
	return a, created, nil
}

// Lookup resolves a cost center, auxiliary or document type by code.
func (r *Resolver) Lookup(ctx context.Context, kind model.LookupKind, rawCode string, d Defaults) (model.Lookup, bool, error) {
	code, err := normalizeLookupCode(kind, rawCode)
	if err != nil {
		return model.Lookup{}, false, err
	}
	byCode := r.lookups[kind]
	if byCode == nil {
		byCode = make(map[string]model.Lookup)
		r.lookups[kind] = byCode
	}
	if l, ok := byCode[code]; ok {
		return l, false, nil
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = code
	}
	l, created, err := getOrCreate(ctx,
		func(ctx context.Context) (model.Lookup, error) {
			return r.refs.GetLookup(ctx, kind, r.clientID, code)
		},
		func(ctx context.Context) (model.Lookup, error) {
			return r.refs.InsertLookup(ctx, model.Lookup{Kind: kind, ClientID: r.clientID, Code: code, Name: name})
		},
	)
	if err != nil {
		return model.Lookup{}, false, fmt.Errorf("resolve %s %s: %w", kind, code, err)
	}
	if created {
		r.created[string(kind)]++
	}
	byCode[code] = l
	return l, created, nil
}

// CostCenter resolves a cost center by code.
func (r *Resolver) CostCenter(ctx context.Context, code string) (model.CostCenter, bool, error) {
	return r.Lookup(ctx, model.KindCostCenter, code, Defaults{})
}

// Auxiliary resolves an auxiliary (counterparty) by code.
func (r *Resolver) Auxiliary(ctx context.Context, code string) (model.Auxiliary, bool, error) {
	return r.Lookup(ctx, model.KindAuxiliary, code, Defaults{})
}

// DocumentType resolves a document type by code.
func (r *Resolver) DocumentType(ctx context.Context, code string) (model.DocumentType, bool, error) {
	return r.Lookup(ctx, model.KindDocumentType, code, Defaults{})
}

// Created returns how many entities of a kind this resolver inserted.
// Kind is "account" or a LookupKind value.
func (r *Resolver) Created(kind string) int {
	return r.created[kind]
}

// getOrCreate fetches, inserts on miss and re-fetches when the insert
// loses a uniqueness race.
func getOrCreate[T any](ctx context.Context, get, insert func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	v, err := get(ctx)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return zero, false, err
	}

	v, err = insert(ctx)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return zero, false, err
	}

	v, err = get(ctx)
	if err != nil {
		return zero, false, fmt.Errorf("re-fetch after duplicate: %w", err)
	}
	return v, false, nil
}
