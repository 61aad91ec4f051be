package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

const seed = `
clients:
  - id: 7
    name: Comercial Demo
    sets:
      - name: Statement
        mandatory: true
        statement: true
        options: [ESF, ERI]
    accounts:
      - code: "1101"
        name: Caja
        classifications:
          Statement: ESF
      - code: "4101"
        name: Ventas
        classifications:
          Statement: ERI
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeWorkbook(t *testing.T, dir, name string, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &rows[i]))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func writeSeed(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))
	return path
}

func TestCheckName(t *testing.T) {
	out, err := execute(t, "check-name", "uploads/7_LibroMayor_202403.xlsx")
	require.NoError(t, err)
	assert.Contains(t, out, "7_LibroMayor_202403.xlsx\tOK\tclient=7 period=202403")

	out, err = execute(t, "check-name", "7_LibroMayor_202403.xlsx", "ledger.xlsx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "ledger.xlsx\tINVALID")
	assert.Contains(t, out, "NAME001")
}

func TestProcessPrintsIncidences(t *testing.T) {
	dir := t.TempDir()
	file := writeWorkbook(t, dir, "7_LibroMayor_202403.xlsx", [][]any{
		{"Fecha", "Tipo Doc", "N° Doc", "Glosa", "Debe", "Haber", "Saldo"},
		{"", "", "", "Saldo anterior 1101 Caja", "", "", 0},
		{"05/03/2024", "FV", "100", "Venta contado", 1000, "", ""},
		{"", "", "", "Saldo anterior 4101 Ventas", "", "", 0},
		{"05/03/2024", "FV", "100", "Venta contado", "", 500, ""},
	})

	out, err := execute(t, "process", "--file", file, "--seed", writeSeed(t, dir))
	require.NoError(t, err)

	var report processReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, model.StateFinalized, report.Upload.State)
	require.NotNil(t, report.Incidences)
	assert.False(t, report.Incidences.Snapshot.Balance.Balanced)
	assert.NotEmpty(t, report.Incidences.Snapshot.Digest)
}

func TestProcessReportsFailure(t *testing.T) {
	dir := t.TempDir()
	file := writeWorkbook(t, dir, "7_LibroMayor_202403.xlsx", [][]any{
		{"Fecha", "Tipo Doc", "N° Doc", "Glosa", "Debe", "Haber", "Saldo"},
		{"05/03/2024", "FV", "100", "Venta contado", 1000, "", ""},
	})

	out, err := execute(t, "process", "--file", file, "--seed", writeSeed(t, dir))
	require.ErrorIs(t, err, errUploadFailed)
	assert.Contains(t, err.Error(), "VAL003")

	var report processReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, model.StateError, report.Upload.State)
	assert.Nil(t, report.Incidences)
}

func TestProcessNeedsClientAndPeriod(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "process", "--file", filepath.Join(dir, "ledger.xlsx"), "--seed", writeSeed(t, dir))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--client and --period")
}
