package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerclose/internal/core"
	"github.com/JonMunkholm/ledgerclose/internal/logging"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before parts spill to temporary files.
const multipartMemory = 8 << 20

// multipartOverhead leaves room for form fields and part headers on top of
// the largest accepted workbook.
const multipartOverhead = 1 << 20

// handleUpload accepts a ledger workbook and queues its chain.
//
// Form fields: file (required), client_id, period (YYYYMM) and user_id.
// The operator may be given in the X-User-ID header instead.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Pipeline.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondErrorStatus(w, r, core.ErrFileTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		badRequest(w, r, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "no file provided")
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		respondErrorStatus(w, r, core.ErrFileTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	clientID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("client_id")), 10, 64)
	if err != nil || clientID <= 0 {
		badRequest(w, r, "client_id must be a positive integer")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	ticket, err := s.service.StartUpload(ctx, core.UploadRequest{
		FileName: header.Filename,
		ClientID: clientID,
		Period:   strings.TrimSpace(r.FormValue("period")),
		UserID:   core.GetUserIDFromContext(ctx),
		Body:     file,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/uploads/"+ticket.UploadID.String())
	writeJSONStatus(w, http.StatusAccepted, ticket)
}

// handleUploadStatus returns the persisted state of an upload.
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadIDParam(w, r)
	if !ok {
		return
	}

	status, err := s.service.Status(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, status)
}

// handleReprocess re-runs the chain of a finished or failed upload against
// its stored file.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadIDParam(w, r)
	if !ok {
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	ticket, err := s.service.Reprocess(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/uploads/"+ticket.UploadID.String())
	writeJSONStatus(w, http.StatusAccepted, ticket)
}

// handleIncidences returns the consolidated incidences of a closure.
// force_refresh=true bypasses the cache and recomputes them.
func (s *Server) handleIncidences(w http.ResponseWriter, r *http.Request) {
	closureID, err := strconv.ParseInt(chi.URLParam(r, "closureID"), 10, 64)
	if err != nil || closureID <= 0 {
		badRequest(w, r, "invalid closure ID")
		return
	}

	force := false
	if v := r.URL.Query().Get("force_refresh"); v != "" {
		force, err = strconv.ParseBool(v)
		if err != nil {
			badRequest(w, r, "force_refresh must be a boolean")
			return
		}
	}

	view, err := s.service.Incidences(r.Context(), closureID, force)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Debug("incidences served",
		"closure_id", closureID,
		"source", view.Source,
		"total", view.Snapshot.Total,
	)
	w.Header().Set("X-Snapshot-Source", string(view.Source))
	writeJSON(w, view)
}

// healthResponse is the body of /healthz.
type healthResponse struct {
	Status   string                   `json:"status"`
	Pipeline core.UploadLimiterStatus `json:"pipeline"`
}

// handleHealth reports liveness and chain slot usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:   "ok",
		Pipeline: s.service.LimiterStatus(),
	})
}

func uploadIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		badRequest(w, r, "invalid upload ID")
		return uuid.Nil, false
	}
	return id, true
}
