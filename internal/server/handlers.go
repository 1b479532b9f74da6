package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"docqa/internal/archive"
	"docqa/internal/helper"
	"docqa/internal/models"
	"docqa/internal/session"
)

type createSessionResponse struct {
	ID string `json:"id"`
}

type setKeyRequest struct {
	APIKey string `json:"api_key"`
}

type selectionRequest struct {
	Selected bool `json:"selected"`
}

type askRequest struct {
	Question string `json:"question"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type publishResponse struct {
	URL string `json:"url"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// session acquires the session named in the path. The caller must call
// release once the request is done.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, func(), bool) {
	sess, release, err := s.sessions.acquire(chi.URLParam(r, "sessionID"))
	if err != nil {
		handleError(w, r, err)
		return nil, nil, false
	}
	return sess, release, true
}

func documentName(r *http.Request) string {
	raw := chi.URLParam(r, "name")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

func (s *Server) maxUpload() int64 {
	return int64(s.cfg.HTTP.MaxUploadMB) << 20
}

// createSession handles POST /api/sessions.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.open(r.Header.Get(apiKeyHeader))
	if err != nil {
		handleError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("session", sess.ID()).Msg("Session opened")
	writeJSON(w, http.StatusCreated, createSessionResponse{ID: sess.ID()})
}

// deleteSession handles DELETE /api/sessions/{sessionID}.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.close(chi.URLParam(r, "sessionID")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setKey handles PUT /api/sessions/{sessionID}/key.
func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	var req setKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(models.FailureInvalidRequest), "Invalid request body: "+err.Error())
		return
	}
	sess.SetAPIKey(req.APIKey)
	w.WriteHeader(http.StatusNoContent)
}

// listDocuments handles GET /api/sessions/{sessionID}/documents.
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, sess.Documents())
}

// uploadDocuments handles POST /api/sessions/{sessionID}/documents with one
// or more multipart "files" parts.
func (s *Server) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	if err := r.ParseMultipartForm(s.maxUpload()); err != nil {
		writeError(w, http.StatusBadRequest, string(models.FailureInvalidRequest), "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, string(models.FailureInvalidRequest), `no "files" parts in upload`)
		return
	}

	uploads := make([]session.Upload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			handleError(w, r, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			handleError(w, r, err)
			return
		}
		uploads = append(uploads, session.Upload{Name: filepath.Base(h.Filename), Data: data})
	}

	reports, err := sess.AddDocuments(r.Context(), uploads)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// selectDocument handles PUT /api/sessions/{sessionID}/documents/{name}/selection.
func (s *Server) selectDocument(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(models.FailureInvalidRequest), "Invalid request body: "+err.Error())
		return
	}
	if err := sess.Select(documentName(r), req.Selected); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Documents())
}

// exportDocument handles GET /api/sessions/{sessionID}/documents/{name}/export.
// With ?publish=true the archive goes to object storage and the URL is returned.
func (s *Server) exportDocument(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	name := documentName(r)

	dir, err := os.MkdirTemp("", "docqa-export-*")
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer os.RemoveAll(dir)

	if err := sess.ExportIndex(r.Context(), name, dir); err != nil {
		handleError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := archive.Write(&buf, dir); err != nil {
		handleError(w, r, err)
		return
	}
	file := helper.SafeName(name) + ".zip"

	if publish, _ := strconv.ParseBool(r.URL.Query().Get("publish")); publish {
		if s.publisher == nil {
			writeError(w, http.StatusNotImplemented, "publish_disabled", "object storage is not configured")
			return
		}
		u, err := s.publisher.Publish(r.Context(), file, &buf)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, publishResponse{URL: u})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, file))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// importIndex handles POST /api/sessions/{sessionID}/imports with a multipart
// "archive" part. Loading is refused unless the query carries trusted=true.
func (s *Server) importIndex(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	trusted, _ := strconv.ParseBool(r.URL.Query().Get("trusted"))
	if !trusted {
		handleError(w, r, fmt.Errorf("import needs trusted=true: %w", models.ErrUntrustedLoad))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	f, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(models.FailureInvalidRequest), `missing "archive" part: `+err.Error())
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		handleError(w, r, err)
		return
	}

	dir, err := os.MkdirTemp("", "docqa-import-*")
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer os.RemoveAll(dir)

	if _, err := archive.Extract(bytes.NewReader(data), int64(len(data)), dir); err != nil {
		handleError(w, r, fmt.Errorf("%w: %w", models.ErrCorruptIndex, err))
		return
	}
	info, err := sess.ImportIndex(r.Context(), dir, trusted)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// ask handles POST /api/sessions/{sessionID}/ask.
func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(models.FailureInvalidRequest), "Invalid request body: "+err.Error())
		return
	}
	reply := sess.Ask(r.Context(), req.Question)
	writeJSON(w, replyStatus(reply), reply)
}

// history handles GET /api/sessions/{sessionID}/history.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.session(w, r)
	if !ok {
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, sess.History())
}
