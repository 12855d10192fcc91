package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/irys/internal/export"
	"github.com/zombor/irys/internal/pipeline"
	"github.com/zombor/irys/internal/schema"
)

// statusClientClosedRequest is reported when the caller went away mid-request
const statusClientClosedRequest = 499

var statusByCode = map[pipeline.Code]int{
	pipeline.CodeInvalidInput:        http.StatusBadRequest,
	pipeline.CodeValidationFailed:    http.StatusUnprocessableEntity,
	pipeline.CodeNotFound:            http.StatusNotFound,
	pipeline.CodeAlreadyExists:       http.StatusConflict,
	pipeline.CodeEngineNotReady:      http.StatusServiceUnavailable,
	pipeline.CodeOCRTimeout:          http.StatusGatewayTimeout,
	pipeline.CodeOCRProviderError:    http.StatusBadGateway,
	pipeline.CodeUnreadableImage:     http.StatusUnprocessableEntity,
	pipeline.CodeUnrecognizedFormat:  http.StatusUnprocessableEntity,
	pipeline.CodeCancelled:           statusClientClosedRequest,
	pipeline.CodeIdempotencyConflict: http.StatusConflict,
	pipeline.CodeInvalidState:        http.StatusConflict,
	pipeline.CodePersistenceFailed:   http.StatusServiceUnavailable,
	pipeline.CodeInternal:            http.StatusInternalServerError,
}

// errorResponse is the body of every failed API call
type errorResponse struct {
	Code      pipeline.Code `json:"code"`
	Message   string        `json:"message"`
	RequestID string        `json:"requestId"`
	SessionID string        `json:"sessionId,omitempty"`
	Retryable bool          `json:"retryable"`
	Details   any           `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError classifies err and writes the error envelope. Diagnostics go
// to the log, keyed by request id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := pipeline.Classify(err, "")
	status, ok := statusByCode[e.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	reqID := RequestIDFrom(r.Context())

	attrs := []any{
		"code", e.Code,
		"request_id", reqID,
		"session_id", e.SessionID,
		"path", r.URL.Path,
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", attrs...)
	} else {
		slog.Warn("Request rejected", attrs...)
	}

	if e.Code == pipeline.CodeEngineNotReady {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorResponse{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: reqID,
		SessionID: e.SessionID,
		Retryable: e.Retryable,
		Details:   e.Details,
	})
}

func badRequest(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	writeError(w, r, &pipeline.Error{
		Code:    pipeline.CodeInvalidInput,
		Message: fmt.Sprintf(format, args...),
	})
}

// contentTypeFor resolves an upload's media type from its part header or
// file extension
func contentTypeFor(declared, filename string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	}
	return declared
}

// parseColumns accepts a JSON array or a comma-separated list
func parseColumns(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var cols []string
		if err := json.Unmarshal([]byte(raw), &cols); err != nil {
			return nil, fmt.Errorf("columns must be a JSON array of strings: %w", err)
		}
		return cols, nil
	}
	var cols []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols, nil
}

// handleExtract reads an uploaded register image into rows
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(w, r, "File is too large. Maximum size is %dMB. Please compress or resize your image.", s.maxUploadBytes>>20)
			return
		}
		badRequest(w, r, "Error parsing form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "No file was selected. Please choose an image to upload.")
		return
	}
	defer f.Close()

	if header.Size > s.maxUploadBytes {
		badRequest(w, r, "File is too large. Maximum size is %dMB. Please compress or resize your image.", s.maxUploadBytes>>20)
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		badRequest(w, r, "Error reading file. Please try again.")
		return
	}

	columns, err := parseColumns(r.FormValue("columns"))
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}

	res, err := s.service.Extract(r.Context(), pipeline.ExtractRequest{
		Image:       data,
		ContentType: contentTypeFor(header.Header.Get("Content-Type"), header.Filename),
		Columns:     columns,
		EventName:   r.FormValue("eventName"),
		SessionID:   r.FormValue("sessionId"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// exportRequest is the body of POST /api/export
type exportRequest struct {
	EventName      string           `json:"eventName"`
	SessionID      string           `json:"sessionId"`
	Rows           []map[string]any `json:"rows"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

// cellString renders a JSON cell as text. Nested values are rejected.
func cellString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// handleExport commits verified rows
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body exportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		badRequest(w, r, "Request body must be a JSON object with eventName, sessionId, rows and idempotencyKey")
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	rows := make([]map[string]string, len(body.Rows))
	for i, row := range body.Rows {
		rows[i] = make(map[string]string, len(row))
		for k, v := range row {
			if k == schema.MetaKey {
				continue
			}
			cell, ok := cellString(v)
			if !ok {
				badRequest(w, r, "row %d, column %q: value must be a string, number, boolean or null", i, k)
				return
			}
			rows[i][k] = cell
		}
	}

	res, err := s.service.Export(r.Context(), export.Request{
		SessionID:      body.SessionID,
		EventName:      body.EventName,
		Rows:           rows,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleListExports lists the export batches of a register
func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	eventName := r.PathValue("eventName")
	exports, err := s.service.ListExports(r.Context(), eventName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventName": eventName,
		"exports":   exports,
	})
}

// handleGetExportRows returns the rows of one export batch
func (s *Server) handleGetExportRows(w http.ResponseWriter, r *http.Request) {
	eventName, exportID := r.PathValue("eventName"), r.PathValue("exportId")
	rows, err := s.service.GetExportRows(r.Context(), eventName, exportID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventName": eventName,
		"exportId":  exportID,
		"rowCount":  len(rows),
		"rows":      rows,
	})
}

// registerRequest is the body of POST /api/registers
type registerRequest struct {
	EventName string          `json:"eventName"`
	Columns   []schema.Column `json:"columns"`
}

// handleCreateRegister registers typed columns for an event
func (s *Server) handleCreateRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		badRequest(w, r, "Request body must be a JSON object with eventName and columns")
		return
	}
	sch, err := s.service.CreateRegister(r.Context(), body.EventName, body.Columns)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// handleGetRegister returns the schema of a register
func (s *Server) handleGetRegister(w http.ResponseWriter, r *http.Request) {
	sch, err := s.service.GetRegister(r.Context(), r.PathValue("eventName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handleGetSession returns a session with its rows and audit trail
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"ocrProvider": s.service.ProviderName(),
		"engine":      s.service.Readiness(),
	})
}

// handleReady reports whether extraction requests can be served
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"engine": s.service.Readiness(),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"engine": s.service.Readiness(),
	})
}
