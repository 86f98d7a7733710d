package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/hivegrid/hivegrid/internal/artifacts"
)

// maxUploadBytes caps artifact uploads server-side. The UI enforces the
// same limit before sending.
const maxUploadBytes = 10 << 20

// handleGetArtifact streams stored content with its recorded MIME type.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("id")
	content, meta, err := s.coord.Artifacts().Get(ref)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "artifact_not_found", "unknown artifact "+ref)
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", meta.MimeType())
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content) //nolint:errcheck
}

// handleUploadArtifact accepts a multipart upload under the "file" field.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, http.StatusRequestEntityTooLarge, "file_too_large", "uploads are limited to 10 MB")
			return
		}
		s.jsonError(w, http.StatusBadRequest, "parse_error", "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "missing file field")
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		s.jsonError(w, http.StatusRequestEntityTooLarge, "file_too_large", "uploads are limited to 10 MB")
		return
	}
	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "parse_error", "reading upload failed")
		return
	}
	if len(content) > maxUploadBytes {
		s.jsonError(w, http.StatusRequestEntityTooLarge, "file_too_large", "uploads are limited to 10 MB")
		return
	}

	artifactType := r.FormValue("type")
	if artifactType == "" {
		artifactType = header.Header.Get("Content-Type")
	}
	if artifactType == "" {
		artifactType = "file"
	}

	ref, meta, err := s.coord.Artifacts().Put(content, artifactType, artifacts.PutOptions{
		Meta: map[string]string{"filename": header.Filename},
	})
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "upload_failed", err.Error())
		return
	}
	s.jsonResponse(w, map[string]any{"ok": true, "artifactRef": ref, "metadata": meta})
}
