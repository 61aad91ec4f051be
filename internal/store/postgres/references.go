package postgres

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

// lookupTables maps lookup kinds to their tables. Table names never come
// from user input.
var lookupTables = map[model.LookupKind]string{
	model.KindCostCenter:   "cost_centers",
	model.KindAuxiliary:    "auxiliaries",
	model.KindDocumentType: "document_types",
}

func lookupTable(kind model.LookupKind) (string, error) {
	t, ok := lookupTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown lookup kind %q", kind)
	}
	return t, nil
}

func (s *Store) GetAccount(ctx context.Context, clientID int64, code string) (model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, client_id, code, name, english_name FROM accounts WHERE client_id = $1 AND code = $2`,
		clientID, code,
	).Scan(&a.ID, &a.ClientID, &a.Code, &a.Name, &a.EnglishName)
	if err != nil {
		return model.Account{}, mapErr(err, fmt.Sprintf("account %d/%s", clientID, code))
	}
	return a, nil
}

// InsertAccount inserts a new account. A concurrent insert of the same
// (client, code) surfaces as store.ErrDuplicate.
func (s *Store) InsertAccount(ctx context.Context, a model.Account) (model.Account, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (client_id, code, name, english_name) VALUES ($1, $2, $3, $4) RETURNING id`,
		a.ClientID, a.Code, a.Name, a.EnglishName,
	).Scan(&a.ID)
	if err != nil {
		return model.Account{}, mapErr(err, fmt.Sprintf("insert account %d/%s", a.ClientID, a.Code))
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, clientID int64) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, code, name, english_name FROM accounts WHERE client_id = $1 ORDER BY code`, clientID)
	if err != nil {
		return nil, mapErr(err, "list accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.ClientID, &a.Code, &a.Name, &a.EnglishName); err != nil {
			return nil, mapErr(err, "scan account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetLookup(ctx context.Context, kind model.LookupKind, clientID int64, code string) (model.Lookup, error) {
	table, err := lookupTable(kind)
	if err != nil {
		return model.Lookup{}, err
	}
	l := model.Lookup{Kind: kind}
	err = s.pool.QueryRow(ctx,
		`SELECT id, client_id, code, name FROM `+table+` WHERE client_id = $1 AND code = $2`,
		clientID, code,
	).Scan(&l.ID, &l.ClientID, &l.Code, &l.Name)
	if err != nil {
		return model.Lookup{}, mapErr(err, fmt.Sprintf("%s %d/%s", kind, clientID, code))
	}
	return l, nil
}

func (s *Store) InsertLookup(ctx context.Context, l model.Lookup) (model.Lookup, error) {
	table, err := lookupTable(l.Kind)
	if err != nil {
		return model.Lookup{}, err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (client_id, code, name) VALUES ($1, $2, $3) RETURNING id`,
		l.ClientID, l.Code, l.Name,
	).Scan(&l.ID)
	if err != nil {
		return model.Lookup{}, mapErr(err, fmt.Sprintf("insert %s %d/%s", l.Kind, l.ClientID, l.Code))
	}
	return l, nil
}
