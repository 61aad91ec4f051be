package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

func (s *Store) PutClient(ctx context.Context, c model.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, name, bilingual) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, bilingual = EXCLUDED.bilingual`,
		c.ID, c.Name, c.Bilingual)
	return mapErr(err, "put client")
}

func (s *Store) PutClassificationSet(ctx context.Context, set model.ClassificationSet, options []string) (model.ClassificationSet, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO classification_sets (client_id, name, mandatory, statement) VALUES ($1, $2, $3, $4)
			ON CONFLICT (client_id, name) DO UPDATE SET mandatory = EXCLUDED.mandatory, statement = EXCLUDED.statement
			RETURNING id`, set.ClientID, set.Name, set.Mandatory, set.Statement).Scan(&set.ID)
		if err != nil {
			return mapErr(err, "put classification set")
		}
		for _, v := range options {
			_, err := tx.Exec(ctx, `
				INSERT INTO classification_options (set_id, value) VALUES ($1, $2)
				ON CONFLICT (set_id, value) DO NOTHING`, set.ID, v)
			if err != nil {
				return mapErr(err, "put classification option")
			}
		}
		return nil
	})
	if err != nil {
		return model.ClassificationSet{}, err
	}
	return set, nil
}

func (s *Store) PutAccountClassification(ctx context.Context, ac model.AccountClassification) error {
	if ac.OptionID == 0 {
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM classification_options WHERE set_id = $1 AND lower(value) = lower($2)`,
			ac.SetID, ac.Value).Scan(&ac.OptionID)
		if err != nil {
			return mapErr(err, fmt.Sprintf("option %q of set %d", ac.Value, ac.SetID))
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_classifications (client_id, account_code, set_id, option_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, account_code, set_id) DO UPDATE SET option_id = EXCLUDED.option_id`,
		ac.ClientID, ac.AccountCode, ac.SetID, ac.OptionID)
	return mapErr(err, "put account classification")
}

func (s *Store) PutClassificationException(ctx context.Context, ex model.ClassificationException) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO classification_exceptions (client_id, account_code, set_id, active, reason) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, account_code, set_id) DO UPDATE SET active = EXCLUDED.active, reason = EXCLUDED.reason`,
		ex.ClientID, ex.AccountCode, ex.SetID, ex.Active, ex.Reason)
	return mapErr(err, "put classification exception")
}

func (s *Store) PutAccountException(ctx context.Context, ex model.AccountException) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_exceptions (client_id, account_code, kind, active, reason) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, account_code, kind) DO UPDATE SET active = EXCLUDED.active, reason = EXCLUDED.reason`,
		ex.ClientID, ex.AccountCode, string(ex.Kind), ex.Active, ex.Reason)
	return mapErr(err, "put account exception")
}

func (s *Store) PutAccount(ctx context.Context, a model.Account) (model.Account, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (client_id, code, name, english_name) VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, code) DO UPDATE SET name = EXCLUDED.name, english_name = EXCLUDED.english_name
		RETURNING id`, a.ClientID, a.Code, a.Name, a.EnglishName).Scan(&a.ID)
	if err != nil {
		return model.Account{}, mapErr(err, "put account")
	}
	return a, nil
}

var _ store.Seeder = (*Store)(nil)
