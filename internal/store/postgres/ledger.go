package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

var movementCopyColumns = []string{
	"closure_id", "iteration", "account_id", "account_code", "date", "debit", "credit",
	"document_type_id", "document_number", "cost_center_id", "auxiliary_id", "description", "source_row",
}

// ReplaceLedger purges the closure's movements and opening balances and
// bulk-loads the new iteration with COPY, all in one transaction. A failure
// leaves the previous iteration intact.
func (s *Store) ReplaceLedger(ctx context.Context, closureID int64, iteration int, openings []model.OpeningBalance, movements []model.Movement) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM movements WHERE closure_id = $1`, closureID); err != nil {
			return mapErr(err, "purge movements")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM opening_balances WHERE closure_id = $1`, closureID); err != nil {
			return mapErr(err, "purge opening balances")
		}

		batch := &pgx.Batch{}
		for _, o := range openings {
			batch.Queue(`
				INSERT INTO opening_balances (closure_id, account_id, account_code, prior_balance, source_row)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (closure_id, account_id)
				DO UPDATE SET prior_balance = EXCLUDED.prior_balance, source_row = EXCLUDED.source_row`,
				closureID, o.AccountID, o.AccountCode, toNumeric(o.PriorBalance), o.SourceRow)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return mapErr(err, "write opening balances")
			}
		}

		if len(movements) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"movements"}, movementCopyColumns,
			pgx.CopyFromSlice(len(movements), func(i int) ([]any, error) {
				m := movements[i]
				return []any{
					closureID, iteration, m.AccountID, m.AccountCode, m.Date,
					toNumeric(m.Debit), toNumeric(m.Credit),
					m.DocumentTypeID, m.DocumentNumber, m.CostCenterID, m.AuxiliaryID,
					m.Description, m.SourceRow,
				}, nil
			}))
		if err != nil {
			return mapErr(err, "copy movements")
		}
		return nil
	})
}

func (s *Store) ListOpeningBalances(ctx context.Context, closureID int64) ([]model.OpeningBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT closure_id, account_id, account_code, prior_balance, source_row
		FROM opening_balances WHERE closure_id = $1 ORDER BY source_row`, closureID)
	if err != nil {
		return nil, mapErr(err, "list opening balances")
	}
	defer rows.Close()

	var out []model.OpeningBalance
	for rows.Next() {
		var (
			o   model.OpeningBalance
			bal pgtype.Numeric
		)
		if err := rows.Scan(&o.ClosureID, &o.AccountID, &o.AccountCode, &bal, &o.SourceRow); err != nil {
			return nil, mapErr(err, "scan opening balance")
		}
		o.PriorBalance = fromNumeric(bal)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ScanMovements streams the closure's movements in source order without
// materializing them.
func (s *Store) ScanMovements(ctx context.Context, closureID int64, fn func(model.Movement) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, closure_id, iteration, account_id, account_code, date, debit, credit,
			document_type_id, document_number, cost_center_id, auxiliary_id, description, source_row
		FROM movements WHERE closure_id = $1 ORDER BY source_row, id`, closureID)
	if err != nil {
		return mapErr(err, "scan movements")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m             model.Movement
			debit, credit pgtype.Numeric
		)
		err := rows.Scan(&m.ID, &m.ClosureID, &m.Iteration, &m.AccountID, &m.AccountCode, &m.Date,
			&debit, &credit, &m.DocumentTypeID, &m.DocumentNumber, &m.CostCenterID, &m.AuxiliaryID,
			&m.Description, &m.SourceRow)
		if err != nil {
			return mapErr(err, "scan movement")
		}
		m.Debit = fromNumeric(debit)
		m.Credit = fromNumeric(credit)
		if err := fn(m); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate movements: %w", err)
	}
	return nil
}

func (s *Store) CountMovements(ctx context.Context, closureID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM movements WHERE closure_id = $1`, closureID).Scan(&n); err != nil {
		return 0, mapErr(err, "count movements")
	}
	return n, nil
}
