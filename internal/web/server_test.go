package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/ledgerclose/internal/catalog"
	"github.com/JonMunkholm/ledgerclose/internal/config"
	"github.com/JonMunkholm/ledgerclose/internal/core"
	"github.com/JonMunkholm/ledgerclose/internal/incidence"
	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store/memory"
)

const seedYAML = `
clients:
  - id: 7
    name: Comercial Demo
    sets:
      - name: Account Type
        mandatory: true
        options: [Asset, Income]
      - name: Statement
        mandatory: true
        statement: true
        options: [ESF, ERI]
    accounts:
      - code: "1101"
        name: Caja
        classifications:
          Account Type: Asset
          Statement: ESF
      - code: "4101"
        name: Ventas
        classifications:
          Account Type: Income
          Statement: ERI
`

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{RequestTimeout: 5 * time.Second},
		Pipeline: config.PipelineConfig{MaxFileSize: 1 << 20},
		CORS:     config.CORSConfig{AllowedOrigins: []string{"*"}, MaxAge: time.Minute},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	cat, err := catalog.Load(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.NoError(t, catalog.Apply(ctx, st, cat))

	files := core.NewMemoryFileStore()
	engine := incidence.NewEngine(st, incidence.Options{})
	snaps := snapshot.NewService(st, snapshot.NewMemoryCache(), engine)
	pipeline := core.NewPipeline(st, files, engine, snaps, core.PipelineOptions{})
	limiter := core.NewUploadLimiter(2, 100*time.Millisecond)
	d := core.NewDispatcher(pipeline, limiter, core.DispatcherOptions{Workers: 2, StageTimeout: time.Second})
	d.Start(ctx)

	svc := core.NewService(st, files, snaps, pipeline, d, limiter)
	srv := NewServer(svc, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = svc.Shutdown(ctx)
	})
	return srv
}

func ledgerWorkbook(t *testing.T) []byte {
	t.Helper()
	rows := [][]any{
		{"Fecha", "Tipo Doc", "N° Doc", "Glosa", "Debe", "Haber", "Saldo"},
		{"", "", "", "Saldo anterior 1101 Caja", "", "", 0},
		{"05/03/2024", "FV", "100", "Venta contado", 500, "", ""},
		{"", "", "", "Saldo anterior 4101 Ventas", "", "", 0},
		{"05/03/2024", "FV", "100", "Venta contado", "", 500, ""},
	}
	f := excelize.NewFile()
	defer f.Close()
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &rows[i]))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func uploadRequest(t *testing.T, fileName string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		part, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestUploadToIncidences(t *testing.T) {
	srv := newTestServer(t, testConfig())

	req := uploadRequest(t, "7_LibroMayor_202403.xlsx", ledgerWorkbook(t), map[string]string{
		"client_id": "7",
		"period":    "202403",
	})
	req.Header.Set(userIDHeader, "ana")
	rec := serve(srv, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ticket := decode[core.UploadTicket](t, rec)
	assert.Equal(t, "/api/uploads/"+ticket.UploadID.String(), rec.Header().Get("Location"))
	assert.Equal(t, "7_LibroMayor_202403.xlsx", ticket.File.Name)

	var status core.UploadStatus
	require.Eventually(t, func() bool {
		rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/uploads/"+ticket.UploadID.String(), nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			return false
		}
		return status.State == model.StateFinalized
	}, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, status.Error)

	url := fmt.Sprintf("/api/closures/%d/incidences", ticket.ClosureID)
	rec = serve(srv, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(snapshot.SourceCache), rec.Header().Get("X-Snapshot-Source"))
	view := decode[snapshot.View](t, rec)
	assert.True(t, view.Snapshot.Balance.Balanced)

	rec = serve(srv, httptest.NewRequest(http.MethodGet, url+"?force_refresh=true", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	live := decode[snapshot.View](t, rec)
	assert.Equal(t, snapshot.SourceLive, live.Source)
	assert.Equal(t, view.Snapshot.Digest, live.Snapshot.Digest)
}

func TestUploadRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, testConfig())
	data := ledgerWorkbook(t)

	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing file",
			req:      uploadRequest(t, "", nil, map[string]string{"client_id": "7", "period": "202403"}),
			wantCode: http.StatusBadRequest,
			wantErr:  "HTTP400",
		},
		{
			name:     "bad client id",
			req:      uploadRequest(t, "7_LibroMayor_202403.xlsx", data, map[string]string{"client_id": "seven", "period": "202403"}),
			wantCode: http.StatusBadRequest,
			wantErr:  "HTTP400",
		},
		{
			name:     "bad period",
			req:      uploadRequest(t, "7_LibroMayor_202403.xlsx", data, map[string]string{"client_id": "7", "period": "2024-03"}),
			wantCode: http.StatusBadRequest,
			wantErr:  "NAME005",
		},
		{
			name:     "unknown client",
			req:      uploadRequest(t, "99_LibroMayor_202403.xlsx", data, map[string]string{"client_id": "99", "period": "202403"}),
			wantCode: http.StatusNotFound,
			wantErr:  "DB005",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(srv, tt.req)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			body := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantErr, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxFileSize = 64
	srv := newTestServer(t, cfg)

	req := uploadRequest(t, "7_LibroMayor_202403.xlsx", ledgerWorkbook(t), map[string]string{
		"client_id": "7",
		"period":    "202403",
	})
	rec := serve(srv, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE001", decode[ErrorResponse](t, rec).Code)
}

func TestUploadStatusErrors(t *testing.T) {
	srv := newTestServer(t, testConfig())

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/uploads/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/api/uploads/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(srv, httptest.NewRequest(http.MethodPost, "/api/uploads/"+uuid.NewString()+"/reprocess", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIncidencesErrors(t *testing.T) {
	srv := newTestServer(t, testConfig())

	tests := []struct {
		name     string
		url      string
		wantCode int
	}{
		{"non numeric closure", "/api/closures/abc/incidences", http.StatusBadRequest},
		{"bad force flag", "/api/closures/1/incidences?force_refresh=maybe", http.StatusBadRequest},
		{"unknown closure", "/api/closures/42/incidences", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestHealthReportsPipelineSlots(t *testing.T) {
	srv := newTestServer(t, testConfig())

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Pipeline.MaxConcurrent)
	assert.Equal(t, 0, body.Pipeline.Active)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	srv := newTestServer(t, cfg)
	url := "/api/uploads/" + uuid.NewString()

	rec := serve(srv, httptest.NewRequest(http.MethodGet, url, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusForbidden, serve(srv, req).Code)

	req = httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusNotFound, serve(srv, req).Code)

	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health check stays open")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 2
	srv := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	}
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestStatusForMapsServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrTooManyUploads, http.StatusTooManyRequests},
		{core.ErrShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("upload x: %w", snapshot.ErrInProgress), http.StatusConflict},
		{fmt.Errorf("upload x: %w", snapshot.ErrNotReady), http.StatusConflict},
		{fmt.Errorf("%w: bad", core.ErrInvalidPeriod), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
