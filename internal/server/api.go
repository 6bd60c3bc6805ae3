// ABOUTME: HTTP API handlers: credit pre-check and attachment text extraction
// ABOUTME: Both require a bearer token; the principal comes from the auth middleware

package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-council/internal/attach"
	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/gate"
)

const maxCreditRequestBytes = 64 << 10

// handleCreditsCheck prices a conversation against the caller's balance.
func (s *Server) handleCreditsCheck(w http.ResponseWriter, r *http.Request) {
	var req gate.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCreditRequestBytes)).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MaxTurns < 1 {
		s.sendJSONError(w, http.StatusBadRequest, "max_turns must be positive")
		return
	}
	if len(req.AgentIDs) == 0 {
		s.sendJSONError(w, http.StatusBadRequest, "agent_ids is required")
		return
	}

	principal := auth.PrincipalFrom(r.Context())
	acct, err := s.store.EnsureAccount(r.Context(), principal, s.initialCredits)
	if err != nil {
		s.logger.Error("failed to load account", "principal_id", principal, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "billing unavailable")
		return
	}

	required := s.costPerTurn * int64(req.MaxTurns)
	res := gate.Result{
		Sufficient: acct.Balance >= required,
		Required:   required,
		Current:    acct.Balance,
	}
	if !res.Sufficient {
		res.Shortfall = required - acct.Balance
	}

	s.logger.Debug("credit check",
		"principal_id", principal,
		"agents", len(req.AgentIDs),
		"max_turns", req.MaxTurns,
		"required", required,
		"current", acct.Balance)
	s.writeJSON(w, http.StatusOK, res)
}

// handleExtract returns the text content of an uploaded file. Only text-like
// media types are supported.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes+(1<<20))
	if err := r.ParseMultipartForm(s.maxFileBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.sendJSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.maxFileBytes+1))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "could not read file")
		return
	}
	if int64(len(content)) > s.maxFileBytes {
		s.sendJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	mediaType := r.FormValue("file_type")
	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(content)
	}

	if !extractable(mediaType) || !utf8.Valid(content) {
		s.sendJSONError(w, http.StatusUnsupportedMediaType, "unsupported file type: "+mediaType)
		return
	}

	s.logger.Debug("extracted file", "filename", header.Filename, "file_type", mediaType, "bytes", len(content))
	s.writeJSON(w, http.StatusOK, attach.ExtractResponse{
		Filename: header.Filename,
		Content:  string(content),
		FileType: mediaType,
	})
}

func extractable(mediaType string) bool {
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		base = mediaType
	}
	switch {
	case strings.HasPrefix(base, "text/"):
		return true
	case base == "application/json", base == "application/xml", base == "application/x-yaml",
		base == "application/yaml", base == "application/toml":
		return true
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
