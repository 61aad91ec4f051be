package core

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/ledgerclose/internal/incidence"
	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store"
	"github.com/JonMunkholm/ledgerclose/internal/store/memory"
)

const testClient = int64(7)

var testPeriod = model.Period{Year: 2024, Month: time.March}

const testFileName = "7_LibroMayor_202403.xlsx"

type harness struct {
	ctx       context.Context
	st        *memory.Store
	files     *MemoryFileStore
	snapshots *snapshot.Service
	pipeline  *Pipeline
}

// newHarness seeds one client whose two accounts are fully classified.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.PutClient(ctx, model.Client{ID: testClient, Name: "Comercial Demo"}))

	accountType, err := st.PutClassificationSet(ctx,
		model.ClassificationSet{ClientID: testClient, Name: "Account Type", Mandatory: true},
		[]string{"Asset", "Income"})
	require.NoError(t, err)
	statement, err := st.PutClassificationSet(ctx,
		model.ClassificationSet{ClientID: testClient, Name: "Statement", Mandatory: true, Statement: true},
		[]string{"ESF", "ERI"})
	require.NoError(t, err)

	for _, ac := range []model.AccountClassification{
		{ClientID: testClient, AccountCode: "1101", SetID: accountType.ID, Value: "Asset"},
		{ClientID: testClient, AccountCode: "1101", SetID: statement.ID, Value: "ESF"},
		{ClientID: testClient, AccountCode: "4101", SetID: accountType.ID, Value: "Income"},
		{ClientID: testClient, AccountCode: "4101", SetID: statement.ID, Value: "ERI"},
	} {
		require.NoError(t, st.PutAccountClassification(ctx, ac))
	}

	files := NewMemoryFileStore()
	engine := incidence.NewEngine(st, incidence.Options{})
	snaps := snapshot.NewService(st, snapshot.NewMemoryCache(), engine)
	return &harness{
		ctx:       ctx,
		st:        st,
		files:     files,
		snapshots: snaps,
		pipeline:  NewPipeline(st, files, engine, snaps, PipelineOptions{}),
	}
}

// withFiles swaps the file store the pipeline reads from.
func (h *harness) withFiles(fs FileStore) {
	h.pipeline.files = fs
}

// upload stores data and creates a pending record, the way StartUpload does.
func (h *harness) upload(t *testing.T, name string, data []byte) model.UploadRecord {
	t.Helper()
	return h.uploadFor(t, testPeriod, name, data)
}

func (h *harness) uploadFor(t *testing.T, period model.Period, name string, data []byte) model.UploadRecord {
	t.Helper()
	id := uuid.New()
	stored, err := h.files.Put(h.ctx, id.String()+"/"+name, bytes.NewReader(data))
	require.NoError(t, err)
	_, rec, err := h.st.StartUpload(h.ctx, store.NewUpload{
		ID:       id,
		ClientID: testClient,
		Period:   period,
		FileName: name,
		FileKey:  stored.Key,
		FileHash: stored.SHA256,
		FileSize: stored.Size,
		UserID:   "tester",
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) record(t *testing.T, id uuid.UUID) model.UploadRecord {
	t.Helper()
	rec, err := h.st.GetUpload(h.ctx, id)
	require.NoError(t, err)
	return rec
}

var ledgerHeader = []any{"Fecha", "Tipo Doc", "N° Doc", "Glosa", "Debe", "Haber", "Saldo"}

func ledgerFile(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	all := append([][]any{ledgerHeader}, rows...)
	for i := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &all[i]))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

// balancedLedger has one sale: cash debited and income credited by 500.
func balancedLedger(t *testing.T) []byte {
	return ledgerFile(t,
		[]any{"", "", "", "Saldo anterior 1101 Caja", "", "", 0},
		[]any{"05/03/2024", "FV", "100", "Venta contado", 500, "", ""},
		[]any{"", "", "", "Saldo anterior 4101 Ventas", "", "", 0},
		[]any{"05/03/2024", "FV", "100", "Venta contado", "", 500, ""},
	)
}

// unbalancedLedger debits cash by 1000 against 500 of income and adds a
// second cash movement.
func unbalancedLedger(t *testing.T) []byte {
	return ledgerFile(t,
		[]any{"", "", "", "Saldo anterior 1101 Caja", "", "", 0},
		[]any{"05/03/2024", "FV", "100", "Venta contado", 500, "", ""},
		[]any{"06/03/2024", "FV", "101", "Venta contado", 500, "", ""},
		[]any{"", "", "", "Saldo anterior 4101 Ventas", "", "", 0},
		[]any{"05/03/2024", "FV", "100", "Venta contado", "", 500, ""},
	)
}

// blockingFiles returns readers that never produce data before ctx ends.
type blockingFiles struct {
	FileStore
}

func (b blockingFiles) Open(ctx context.Context, _ string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
