package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

// ReplaceIncidences drops every incidence of the closure (all iterations)
// and writes the given set.
func (s *Store) ReplaceIncidences(ctx context.Context, closureID int64, iteration int, items []model.Incidence) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM incidences WHERE closure_id = $1`, closureID); err != nil {
			return mapErr(err, "purge incidences")
		}
		batch := &pgx.Batch{}
		for _, inc := range items {
			batch.Queue(`
				INSERT INTO incidences (closure_id, iteration, type, severity, account_code, account_name,
					set_id, set_name, count, amount, rows, detail)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				closureID, iteration, string(inc.Type), string(inc.Severity), inc.AccountCode, inc.AccountName,
				inc.SetID, inc.SetName, inc.Count, toNumeric(inc.Amount), toInt32s(inc.Rows), inc.Detail)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapErr(err, "write incidences")
		}
		return nil
	})
}

func (s *Store) ListIncidences(ctx context.Context, closureID int64, iteration int) ([]model.Incidence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT closure_id, iteration, type, severity, account_code, account_name, set_id, set_name,
			count, amount, rows, detail
		FROM incidences WHERE closure_id = $1 AND iteration = $2 ORDER BY id`, closureID, iteration)
	if err != nil {
		return nil, mapErr(err, "list incidences")
	}
	defer rows.Close()

	var out []model.Incidence
	for rows.Next() {
		var (
			inc           model.Incidence
			typ, severity string
			amount        pgtype.Numeric
			sourceRows    []int32
		)
		err := rows.Scan(&inc.ClosureID, &inc.Iteration, &typ, &severity, &inc.AccountCode, &inc.AccountName,
			&inc.SetID, &inc.SetName, &inc.Count, &amount, &sourceRows, &inc.Detail)
		if err != nil {
			return nil, mapErr(err, "scan incidence")
		}
		inc.Type = model.IncidenceType(typ)
		inc.Severity = model.Severity(severity)
		inc.Amount = fromNumeric(amount)
		for _, r := range sourceRows {
			inc.Rows = append(inc.Rows, int(r))
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// SaveSnapshot upserts on (closure, iteration). Recomputing the same
// iteration produces the same payload, so the overwrite is deterministic.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.IncidenceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO incidence_snapshots (closure_id, iteration, upload_id, payload, digest, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (closure_id, iteration)
		DO UPDATE SET upload_id = EXCLUDED.upload_id, payload = EXCLUDED.payload,
			digest = EXCLUDED.digest, computed_at = EXCLUDED.computed_at`,
		snap.ClosureID, snap.Iteration, snap.UploadID, payload, snap.Digest, snap.ComputedAt)
	if err != nil {
		return mapErr(err, "save snapshot")
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, closureID int64) (model.IncidenceSnapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM incidence_snapshots
		WHERE closure_id = $1 ORDER BY iteration DESC LIMIT 1`, closureID).Scan(&payload)
	if err != nil {
		return model.IncidenceSnapshot{}, mapErr(err, fmt.Sprintf("snapshot for closure %d", closureID))
	}
	var snap model.IncidenceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return model.IncidenceSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
