package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

const closureColumns = `id, client_id, period, state, iteration, created_at, updated_at`

func scanClosure(row pgx.Row) (model.ClosurePeriod, error) {
	var (
		c      model.ClosurePeriod
		period string
		state  string
	)
	if err := row.Scan(&c.ID, &c.ClientID, &period, &state, &c.Iteration, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.ClosurePeriod{}, err
	}
	p, err := model.ParsePeriod(period)
	if err != nil {
		return model.ClosurePeriod{}, err
	}
	c.Period = p
	c.State = model.ClosureState(state)
	return c, nil
}

func (s *Store) GetClient(ctx context.Context, clientID int64) (model.Client, error) {
	var c model.Client
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, bilingual FROM clients WHERE id = $1`, clientID,
	).Scan(&c.ID, &c.Name, &c.Bilingual)
	if err != nil {
		return model.Client{}, mapErr(err, fmt.Sprintf("client %d", clientID))
	}
	return c, nil
}

func (s *Store) GetClosure(ctx context.Context, closureID int64) (model.ClosurePeriod, error) {
	c, err := scanClosure(s.pool.QueryRow(ctx,
		`SELECT `+closureColumns+` FROM closures WHERE id = $1`, closureID))
	if err != nil {
		return model.ClosurePeriod{}, mapErr(err, fmt.Sprintf("closure %d", closureID))
	}
	return c, nil
}

func (s *Store) FindClosure(ctx context.Context, clientID int64, period model.Period) (model.ClosurePeriod, error) {
	c, err := scanClosure(s.pool.QueryRow(ctx,
		`SELECT `+closureColumns+` FROM closures WHERE client_id = $1 AND period = $2`,
		clientID, period.String()))
	if err != nil {
		return model.ClosurePeriod{}, mapErr(err, fmt.Sprintf("closure %d/%s", clientID, period))
	}
	return c, nil
}

func (s *Store) SetClosureState(ctx context.Context, closureID int64, state model.ClosureState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE closures SET state = $2, updated_at = now() WHERE id = $1`, closureID, string(state))
	if err != nil {
		return mapErr(err, "set closure state")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("closure %d: %w", closureID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) StartUpload(ctx context.Context, u store.NewUpload) (model.ClosurePeriod, model.UploadRecord, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	var (
		closure model.ClosurePeriod
		rec     model.UploadRecord
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, u.ClientID).Scan(&exists); err != nil {
			return mapErr(err, "check client")
		}
		if !exists {
			return fmt.Errorf("client %d: %w", u.ClientID, store.ErrNotFound)
		}

		// Upsert locks the closure row for the rest of the transaction.
		var inserted bool
		err := tx.QueryRow(ctx, `
			INSERT INTO closures (client_id, period, state, iteration)
			VALUES ($1, $2, 'open', 1)
			ON CONFLICT (client_id, period) DO UPDATE SET updated_at = now()
			RETURNING id, (xmax = 0)`,
			u.ClientID, u.Period.String(),
		).Scan(&closure.ID, &inserted)
		if err != nil {
			return mapErr(err, "open closure")
		}

		if !inserted {
			if err := checkIdle(ctx, tx, closure.ID); err != nil {
				return err
			}
		}

		iterationExpr := "iteration"
		if !inserted {
			iterationExpr = "iteration + 1"
		}
		closure, err = scanClosure(tx.QueryRow(ctx, `
			UPDATE closures SET iteration = `+iterationExpr+`, state = 'processing', updated_at = now()
			WHERE id = $1
			RETURNING `+closureColumns, closure.ID))
		if err != nil {
			return mapErr(err, "advance closure")
		}

		rec, err = scanUpload(tx.QueryRow(ctx, `
			INSERT INTO uploads (id, closure_id, client_id, period, iteration,
				file_name, file_key, file_hash, file_size, user_id, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending')
			RETURNING `+uploadColumns,
			u.ID, closure.ID, u.ClientID, u.Period.String(), closure.Iteration,
			u.FileName, u.FileKey, u.FileHash, u.FileSize, u.UserID))
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrClosureBusy
			}
			return mapErr(err, "insert upload")
		}
		return nil
	})
	if err != nil {
		return model.ClosurePeriod{}, model.UploadRecord{}, err
	}
	return closure, rec, nil
}

func (s *Store) RestartUpload(ctx context.Context, uploadID uuid.UUID) (model.UploadRecord, error) {
	var rec model.UploadRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := getUpload(ctx, tx, uploadID, true)
		if err != nil {
			return err
		}
		if err := checkIdle(ctx, tx, cur.ClosureID); err != nil {
			return err
		}

		var iteration int
		if err := tx.QueryRow(ctx, `
			UPDATE closures SET iteration = iteration + 1, state = 'processing', updated_at = now()
			WHERE id = $1 RETURNING iteration`, cur.ClosureID).Scan(&iteration); err != nil {
			return mapErr(err, "advance closure")
		}

		rec, err = scanUpload(tx.QueryRow(ctx, `
			UPDATE uploads
			SET iteration = $2, state = 'pending', failure = '', errors = '[]'::jsonb, updated_at = now()
			WHERE id = $1
			RETURNING `+uploadColumns, uploadID, iteration))
		if err != nil {
			return mapErr(err, "reset upload")
		}
		return nil
	})
	if err != nil {
		return model.UploadRecord{}, err
	}
	return rec, nil
}

const uploadColumns = `id, closure_id, client_id, period, iteration, file_name, file_key,
	file_hash, file_size, user_id, state, summary, errors, failure, created_at, updated_at`

func scanUpload(row pgx.Row) (model.UploadRecord, error) {
	var (
		r          model.UploadRecord
		period     string
		state      string
		summaryRaw []byte
		errorsRaw  []byte
	)
	err := row.Scan(&r.ID, &r.ClosureID, &r.ClientID, &period, &r.Iteration, &r.FileName, &r.FileKey,
		&r.FileHash, &r.FileSize, &r.UserID, &state, &summaryRaw, &errorsRaw, &r.Failure, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.UploadRecord{}, err
	}
	if r.Period, err = model.ParsePeriod(period); err != nil {
		return model.UploadRecord{}, err
	}
	r.State = model.State(state)
	if len(summaryRaw) > 0 {
		if err := json.Unmarshal(summaryRaw, &r.Summary); err != nil {
			return model.UploadRecord{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	if len(errorsRaw) > 0 {
		if err := json.Unmarshal(errorsRaw, &r.Errors); err != nil {
			return model.UploadRecord{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	return r, nil
}

func (s *Store) GetUpload(ctx context.Context, uploadID uuid.UUID) (model.UploadRecord, error) {
	return getUpload(ctx, s.pool, uploadID, false)
}

// getUpload reads one upload, locking its row when forUpdate is set.
func getUpload(ctx context.Context, db DBTX, uploadID uuid.UUID, forUpdate bool) (model.UploadRecord, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanUpload(db.QueryRow(ctx, query, uploadID))
	if err != nil {
		return model.UploadRecord{}, mapErr(err, fmt.Sprintf("upload %s", uploadID))
	}
	return r, nil
}

// checkIdle fails with store.ErrClosureBusy while the closure has an upload
// whose chain has not finished.
func checkIdle(ctx context.Context, db DBTX, closureID int64) error {
	var busy bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM uploads
			WHERE closure_id = $1 AND state NOT IN ('finalized', 'error')
		)`, closureID).Scan(&busy)
	if err != nil {
		return mapErr(err, "check active uploads")
	}
	if busy {
		return store.ErrClosureBusy
	}
	return nil
}

func (s *Store) ListUploads(ctx context.Context, closureID int64) ([]model.UploadRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE closure_id = $1 ORDER BY iteration DESC`, closureID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return collectUploads(rows)
}

func (s *Store) ListActiveUploads(ctx context.Context) ([]model.UploadRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE state NOT IN ('finalized', 'error') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active uploads: %w", err)
	}
	return collectUploads(rows)
}

func collectUploads(rows pgx.Rows) ([]model.UploadRecord, error) {
	defer rows.Close()
	var out []model.UploadRecord
	for rows.Next() {
		r, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateUpload locks the upload row, applies fn and writes every mutable
// column back. Summaries are merged in Go under the lock, so concurrent
// writers can never replace each other's keys.
func (s *Store) UpdateUpload(ctx context.Context, uploadID uuid.UUID, fn func(*model.UploadRecord) error) (model.UploadRecord, error) {
	var out model.UploadRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := getUpload(ctx, tx, uploadID, true)
		if err != nil {
			return err
		}
		if err := fn(&cur); err != nil {
			return err
		}

		summary, err := json.Marshal(cur.Summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		rowErrors := cur.Errors
		if rowErrors == nil {
			rowErrors = []model.RowError{}
		}
		errs, err := json.Marshal(rowErrors)
		if err != nil {
			return fmt.Errorf("encode errors: %w", err)
		}

		out, err = scanUpload(tx.QueryRow(ctx, `
			UPDATE uploads
			SET state = $2, summary = $3, errors = $4, failure = $5, iteration = $6, updated_at = $7
			WHERE id = $1
			RETURNING `+uploadColumns,
			uploadID, string(cur.State), summary, errs, cur.Failure, cur.Iteration, time.Now().UTC()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("upload %s: %w", uploadID, store.ErrNotFound)
			}
			return mapErr(err, "update upload")
		}
		return nil
	})
	if err != nil {
		return model.UploadRecord{}, err
	}
	return out, nil
}
