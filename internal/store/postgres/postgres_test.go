package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

// testStore connects to TEST_DATABASE_URL, applies the schema and creates a
// client no other test uses.
func testStore(t *testing.T) (*Store, int64) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := New(pool)
	require.NoError(t, st.Migrate(ctx))

	clientID := time.Now().UnixNano()
	require.NoError(t, st.PutClient(ctx, model.Client{ID: clientID, Name: t.Name()}))
	return st, clientID
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestInsertAccount_Duplicate(t *testing.T) {
	st, clientID := testStore(t)
	ctx := context.Background()

	a, err := st.InsertAccount(ctx, model.Account{ClientID: clientID, Code: "1101", Name: "Caja"})
	require.NoError(t, err)
	assert.NotZero(t, a.ID)

	_, err = st.InsertAccount(ctx, model.Account{ClientID: clientID, Code: "1101", Name: "Caja bis"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	got, err := st.GetAccount(ctx, clientID, "1101")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "Caja", got.Name)

	_, err = st.GetAccount(ctx, clientID, "9999")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStartUpload_BusyUntilTerminal(t *testing.T) {
	st, clientID := testStore(t)
	ctx := context.Background()
	period := model.Period{Year: 2024, Month: time.March}

	closure, first, err := st.StartUpload(ctx, store.NewUpload{ClientID: clientID, Period: period, FileName: "a.xlsx"})
	require.NoError(t, err)
	assert.Equal(t, 1, closure.Iteration)
	assert.Equal(t, model.StatePending, first.State)

	_, _, err = st.StartUpload(ctx, store.NewUpload{ClientID: clientID, Period: period, FileName: "b.xlsx"})
	assert.True(t, errors.Is(err, store.ErrClosureBusy))
	_, err = st.RestartUpload(ctx, first.ID)
	assert.True(t, errors.Is(err, store.ErrClosureBusy))

	_, err = st.UpdateUpload(ctx, first.ID, func(r *model.UploadRecord) error {
		r.State = model.StateFinalized
		return nil
	})
	require.NoError(t, err)

	closure, second, err := st.StartUpload(ctx, store.NewUpload{ClientID: clientID, Period: period, FileName: "b.xlsx"})
	require.NoError(t, err)
	assert.Equal(t, 2, closure.Iteration)
	assert.Equal(t, 2, second.Iteration)

	uploads, err := st.ListUploads(ctx, closure.ID)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, second.ID, uploads[0].ID)
	assert.Equal(t, first.ID, uploads[1].ID)

	_, _, err = st.StartUpload(ctx, store.NewUpload{ClientID: clientID + 1, Period: period})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestUpdateUpload_MergesSummary(t *testing.T) {
	st, clientID := testStore(t)
	ctx := context.Background()

	_, rec, err := st.StartUpload(ctx, store.NewUpload{
		ClientID: clientID,
		Period:   model.Period{Year: 2024, Month: time.April},
		FileName: "ledger.xlsx",
	})
	require.NoError(t, err)

	_, err = st.UpdateUpload(ctx, rec.ID, func(r *model.UploadRecord) error {
		r.State = model.StateNameValidated
		r.Summary.Merge(model.NameCheck{FileName: "ledger.xlsx", ClientID: clientID, Period: "202404"})
		return nil
	})
	require.NoError(t, err)

	updated, err := st.UpdateUpload(ctx, rec.ID, func(r *model.UploadRecord) error {
		r.Summary.Merge(model.ParseOutcome{MovementsCreated: 3})
		r.Errors = []model.RowError{{Row: 4, Field: "date", Message: "missing date"}}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateNameValidated, updated.State)
	assert.Equal(t, []string{"movements_created", "processing", "validation", "version"}, updated.Summary.Keys())
	assert.False(t, updated.UpdatedAt.Before(rec.UpdatedAt))

	stored, err := st.GetUpload(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Summary.Validation)
	assert.Equal(t, "202404", stored.Summary.Validation.Period)
	require.Len(t, stored.Errors, 1)
	assert.Equal(t, "missing date", stored.Errors[0].Message)

	boom := errors.New("boom")
	_, err = st.UpdateUpload(ctx, rec.ID, func(r *model.UploadRecord) error {
		r.State = model.StateError
		return boom
	})
	assert.ErrorIs(t, err, boom)
	stored, err = st.GetUpload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNameValidated, stored.State, "aborted update leaves the row untouched")

	_, err = st.UpdateUpload(ctx, uuid.New(), func(*model.UploadRecord) error { return nil })
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestReplaceLedger(t *testing.T) {
	st, clientID := testStore(t)
	ctx := context.Background()

	closure, _, err := st.StartUpload(ctx, store.NewUpload{
		ClientID: clientID,
		Period:   model.Period{Year: 2024, Month: time.May},
		FileName: "ledger.xlsx",
	})
	require.NoError(t, err)
	cash, err := st.PutAccount(ctx, model.Account{ClientID: clientID, Code: "1101", Name: "Caja"})
	require.NoError(t, err)

	day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	movement := func(row int, debit, credit string) model.Movement {
		return model.Movement{
			AccountID: cash.ID, AccountCode: "1101", Date: day,
			Debit: dec(debit), Credit: dec(credit), SourceRow: row,
		}
	}

	require.NoError(t, st.ReplaceLedger(ctx, closure.ID, 1,
		[]model.OpeningBalance{{AccountID: cash.ID, AccountCode: "1101", PriorBalance: dec("-250.75"), SourceRow: 2}},
		[]model.Movement{movement(3, "1234.56", "0"), movement(4, "0", "0.10")},
	))

	var got []model.Movement
	require.NoError(t, st.ScanMovements(ctx, closure.ID, func(m model.Movement) error {
		got = append(got, m)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Iteration)
	assert.Equal(t, 3, got[0].SourceRow)
	assert.True(t, got[0].Debit.Equal(dec("1234.56")), "got %s", got[0].Debit)
	assert.True(t, got[1].Credit.Equal(dec("0.10")), "got %s", got[1].Credit)

	openings, err := st.ListOpeningBalances(ctx, closure.ID)
	require.NoError(t, err)
	require.Len(t, openings, 1)
	assert.True(t, openings[0].PriorBalance.Equal(dec("-250.75")))

	// A second iteration purges the first.
	require.NoError(t, st.ReplaceLedger(ctx, closure.ID, 2, nil, []model.Movement{movement(5, "1", "0")}))
	n, err := st.CountMovements(ctx, closure.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	openings, err = st.ListOpeningBalances(ctx, closure.ID)
	require.NoError(t, err)
	assert.Empty(t, openings)
}
