package postgres

import (
	"context"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

func (s *Store) ListClassificationSets(ctx context.Context, clientID int64) ([]model.ClassificationSet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, name, mandatory, statement
		FROM classification_sets WHERE client_id = $1 ORDER BY id`, clientID)
	if err != nil {
		return nil, mapErr(err, "list classification sets")
	}
	defer rows.Close()

	var out []model.ClassificationSet
	for rows.Next() {
		var cs model.ClassificationSet
		if err := rows.Scan(&cs.ID, &cs.ClientID, &cs.Name, &cs.Mandatory, &cs.Statement); err != nil {
			return nil, mapErr(err, "scan classification set")
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) ListAccountClassifications(ctx context.Context, clientID int64) ([]model.AccountClassification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ac.client_id, ac.account_code, ac.set_id, ac.option_id, o.value
		FROM account_classifications ac
		JOIN classification_options o ON o.id = ac.option_id
		WHERE ac.client_id = $1
		ORDER BY ac.set_id, ac.account_code`, clientID)
	if err != nil {
		return nil, mapErr(err, "list account classifications")
	}
	defer rows.Close()

	var out []model.AccountClassification
	for rows.Next() {
		var ac model.AccountClassification
		if err := rows.Scan(&ac.ClientID, &ac.AccountCode, &ac.SetID, &ac.OptionID, &ac.Value); err != nil {
			return nil, mapErr(err, "scan account classification")
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

func (s *Store) ListClassificationExceptions(ctx context.Context, clientID int64) ([]model.ClassificationException, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, account_code, set_id, active, reason
		FROM classification_exceptions WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, mapErr(err, "list classification exceptions")
	}
	defer rows.Close()

	var out []model.ClassificationException
	for rows.Next() {
		var ex model.ClassificationException
		if err := rows.Scan(&ex.ClientID, &ex.AccountCode, &ex.SetID, &ex.Active, &ex.Reason); err != nil {
			return nil, mapErr(err, "scan classification exception")
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *Store) ListAccountExceptions(ctx context.Context, clientID int64) ([]model.AccountException, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, account_code, kind, active, reason
		FROM account_exceptions WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, mapErr(err, "list account exceptions")
	}
	defer rows.Close()

	var out []model.AccountException
	for rows.Next() {
		var (
			ex   model.AccountException
			kind string
		)
		if err := rows.Scan(&ex.ClientID, &ex.AccountCode, &kind, &ex.Active, &ex.Reason); err != nil {
			return nil, mapErr(err, "scan account exception")
		}
		ex.Kind = model.ExceptionKind(kind)
		out = append(out, ex)
	}
	return out, rows.Err()
}
