package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/botodachi/internal/archive"
)

// PrefsRequest updates any subset of the viewer's preferences.
type PrefsRequest struct {
	CaptureEnabled *bool   `json:"capture_enabled,omitempty"`
	AllowSpoilers  *bool   `json:"allow_spoilers,omitempty"`
	ConsentGiven   *bool   `json:"consent_given,omitempty"`
	DefaultModel   *string `json:"default_model,omitempty" validate:"omitempty,max=128"`
}

// PrefsResponse is the full preference set.
type PrefsResponse struct {
	CaptureEnabled bool   `json:"capture_enabled"`
	AllowSpoilers  bool   `json:"allow_spoilers"`
	ConsentGiven   bool   `json:"consent_given"`
	DefaultModel   string `json:"default_model"`
}

func (s *Server) readPrefs(r *http.Request) (PrefsResponse, error) {
	ctx := r.Context()
	var out PrefsResponse
	var err error
	if out.CaptureEnabled, err = s.prefs.Bool(ctx, archive.PrefCaptureEnabled, false); err != nil {
		return out, err
	}
	if out.AllowSpoilers, err = s.prefs.Bool(ctx, archive.PrefAllowSpoilers, false); err != nil {
		return out, err
	}
	if out.ConsentGiven, err = s.prefs.Bool(ctx, archive.PrefConsentGiven, false); err != nil {
		return out, err
	}
	out.DefaultModel = s.preferredModel(ctx)
	if out.DefaultModel == "" {
		out.DefaultModel = s.svc.DefaultModel()
	}
	return out, nil
}

func (s *Server) handlePrefsGet(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "preferences not configured")
		return
	}
	out, err := s.readPrefs(r)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "read preferences: "+err.Error())
		return
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handlePrefsPut(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "preferences not configured")
		return
	}
	var req PrefsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DefaultModel != nil && *req.DefaultModel != "" && !s.knownModel(*req.DefaultModel) {
		s.errorResponse(w, http.StatusBadRequest, "unknown model: "+*req.DefaultModel)
		return
	}

	ctx := r.Context()
	bools := []struct {
		key string
		val *bool
	}{
		{archive.PrefCaptureEnabled, req.CaptureEnabled},
		{archive.PrefAllowSpoilers, req.AllowSpoilers},
		{archive.PrefConsentGiven, req.ConsentGiven},
	}
	for _, b := range bools {
		if b.val == nil {
			continue
		}
		if err := s.prefs.SetBool(ctx, b.key, *b.val); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "save preferences: "+err.Error())
			return
		}
	}
	if req.DefaultModel != nil {
		if err := s.prefs.Set(ctx, archive.PrefDefaultModel, *req.DefaultModel); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "save preferences: "+err.Error())
			return
		}
	}
	if req.CaptureEnabled != nil {
		s.logger.Info("caption capture preference changed", "enabled", *req.CaptureEnabled)
	}

	out, err := s.readPrefs(r)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "read preferences: "+err.Error())
		return
	}
	writeJSON(w, out, s.logger)
}

// --- Archive endpoints ---

func (s *Server) handleArchiveSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	limit := parseIntParam(r, "limit", archive.DefaultListLimit)
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list sessions: "+err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, s.logger)
}

func (s *Server) handleArchiveSessionGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	rec, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "get session: "+err.Error())
		return
	}
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleArchiveSessionVTT(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	id := r.PathValue("id")
	var buf bytes.Buffer
	err := s.store.ExportVTT(r.Context(), id, &buf)
	if errors.Is(err, archive.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "export: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(id+".vtt"))
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("failed to write vtt export", "error", err)
	}
}

func (s *Server) handleArchiveSessionRecap(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	recap, err := s.store.GetRecap(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "no recap for session")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "get recap: "+err.Error())
		return
	}
	writeJSON(w, recap, s.logger)
}

func (s *Server) handleArchiveSessionDelete(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	err := s.store.DeleteSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "delete session: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
