package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/nugget/botodachi/internal/archive"
	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/companion"
	"github.com/nugget/botodachi/internal/prompts"
	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/sources"
)

// ObserveRequest reports the page's current video and playback state.
type ObserveRequest struct {
	URL      string  `json:"url" validate:"required_without=VideoID,max=2048"`
	VideoID  string  `json:"video_id" validate:"max=256"`
	Title    string  `json:"title" validate:"max=512"`
	Platform string  `json:"platform" validate:"omitempty,oneof=youtube netflix web"`
	Now      float64 `json:"now" validate:"gte=0"`
	Paused   bool    `json:"paused"`
}

// CaptionRequest is one caption reading pushed by the extension.
// Missing start and end default to a short window around now.
type CaptionRequest struct {
	Now   float64  `json:"now" validate:"gte=0"`
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
	Text  string   `json:"text" validate:"max=4096"`
}

// SourceRequest is a raw snapshot for one of the page's caption
// source adapters.
type SourceRequest struct {
	Now   float64  `json:"now" validate:"gte=0"`
	HTML  string   `json:"html,omitempty"`
	Texts []string `json:"texts,omitempty" validate:"max=64,dive,max=4096"`
}

// AskRequest is a question from the chat overlay. AllowSpoilers and
// Model fall back to the stored preferences when omitted.
type AskRequest struct {
	Question      string   `json:"question"`
	Now           float64  `json:"now" validate:"gte=0"`
	AllowSpoilers *bool    `json:"allow_spoilers,omitempty"`
	DisplayText   string   `json:"display_text,omitempty" validate:"max=512"`
	Model         string   `json:"model,omitempty" validate:"max=128"`
	Preset        string   `json:"preset,omitempty" validate:"omitempty,oneof=whats_happening trivia comments"`
	Comments      []string `json:"comments,omitempty" validate:"max=200"`
}

// ModelInfo describes a selectable model.
type ModelInfo struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	ContextCues int    `json:"context_cues,omitempty"`
}

// companionError maps query layer errors onto HTTP status codes.
func (s *Server) companionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrPageNotFound), errors.Is(err, companion.ErrUnknownSource):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, companion.ErrEmptyQuestion),
		errors.Is(err, companion.ErrQuestionTooLong),
		errors.Is(err, companion.ErrUnknownPreset),
		errors.Is(err, companion.ErrNoComments),
		errors.Is(err, captions.ErrInvertedRange):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, companion.ErrCaptureDisabled):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, companion.ErrNoModelAvailable):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusGatewayTimeout, "model did not answer in time")
	default:
		s.logger.Error("companion request failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "backend error: "+err.Error())
	}
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req ObserveRequest
	if !s.decode(w, r, &req) {
		return
	}

	status := s.svc.Observe(r.Context(), r.PathValue("page"), companion.Report{
		URL:      req.URL,
		VideoID:  req.VideoID,
		Title:    req.Title,
		Platform: req.Platform,
		Now:      req.Now,
		Paused:   req.Paused,
	})
	writeJSON(w, status, s.logger)
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	var req CaptionRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.Ingest(r.PathValue("page"), companion.Push{
		Now:   req.Now,
		Start: req.Start,
		End:   req.End,
		Text:  req.Text,
	})
	if err != nil {
		s.companionError(w, err)
		return
	}
	writeJSON(w, map[string]string{"result": res.String()}, s.logger)
}

func (s *Server) handleCaptionSource(w http.ResponseWriter, r *http.Request) {
	var req SourceRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.svc.UpdateSource(r.PathValue("page"), r.PathValue("source"), req.Now, sources.Snapshot{
		HTML:  req.HTML,
		Texts: req.Texts,
	})
	if err != nil {
		s.companionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now, err := strconv.ParseFloat(q.Get("now"), 64)
	if err != nil || now < 0 {
		s.errorResponse(w, http.StatusBadRequest, "now must be a non-negative number of seconds")
		return
	}
	allow := s.allowSpoilers(r.Context(), nil)
	if v := q.Get("spoilers"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "spoilers must be a boolean")
			return
		}
		allow = b
	}
	maxCount := parseIntParam(r, "max", companion.DefaultContextCues)

	cues, err := s.svc.Context(r.PathValue("page"), now, allow, maxCount)
	if err != nil {
		s.companionError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"cues":  cues,
		"count": len(cues),
	}, s.logger)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !s.decode(w, r, &req) {
		return
	}

	model := req.Model
	if model == "" {
		model = s.preferredModel(r.Context())
	}
	if model != "" && !s.knownModel(model) {
		s.errorResponse(w, http.StatusBadRequest, "unknown model: "+model)
		return
	}

	ans, err := s.svc.Ask(r.Context(), r.PathValue("page"), companion.AskRequest{
		Question:      req.Question,
		Now:           req.Now,
		AllowSpoilers: s.allowSpoilers(r.Context(), req.AllowSpoilers),
		DisplayText:   req.DisplayText,
		Model:         model,
		Preset:        prompts.Preset(req.Preset),
		Comments:      req.Comments,
	})
	if err != nil {
		s.companionError(w, err)
		return
	}
	writeJSON(w, ans, s.logger)
}

func (s *Server) handlePageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.PathValue("page"))
	if err != nil {
		s.companionError(w, err)
		return
	}
	writeJSON(w, status, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns, err := s.svc.History(r.PathValue("page"))
	if err != nil {
		s.companionError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"turns": turns,
		"count": len(turns),
	}, s.logger)
}

func (s *Server) handleClearBuffer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearBuffer(r.PathValue("page")); err != nil {
		s.companionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearHistory(r.PathValue("page")); err != nil {
		s.companionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClosePage(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClosePage(r.Context(), r.PathValue("page"), "closed"); err != nil {
		s.companionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	pages := s.svc.Pages().Pages()
	statuses := make([]session.Status, 0, len(pages))
	for _, p := range pages {
		statuses = append(statuses, p.Status())
	}
	slices.SortFunc(statuses, func(a, b session.Status) int {
		return b.LastSeen.Compare(a.LastSeen)
	})
	writeJSON(w, map[string]any{
		"pages": statuses,
		"count": len(statuses),
	}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.svc.Models()
	out := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, ModelInfo{Name: m.Name, Provider: m.Provider, ContextCues: m.ContextCues})
	}
	def := s.preferredModel(r.Context())
	if def == "" {
		def = s.svc.DefaultModel()
	}
	writeJSON(w, map[string]any{
		"default": def,
		"models":  out,
	}, s.logger)
}

// allowSpoilers resolves the spoiler setting for a request: an explicit
// value wins, then the stored preference, then off.
func (s *Server) allowSpoilers(ctx context.Context, explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	if s.prefs == nil {
		return false
	}
	allow, err := s.prefs.Bool(ctx, archive.PrefAllowSpoilers, false)
	if err != nil {
		s.logger.Warn("reading spoiler preference failed", "error", err)
		return false
	}
	return allow
}

// preferredModel returns the stored default model, or "" to use the
// configured default.
func (s *Server) preferredModel(ctx context.Context) string {
	if s.prefs == nil {
		return ""
	}
	m, err := s.prefs.Get(ctx, archive.PrefDefaultModel)
	if err != nil {
		s.logger.Warn("reading model preference failed", "error", err)
		return ""
	}
	if m != "" && !s.knownModel(m) {
		// The stored model was removed from the config.
		return ""
	}
	return m
}

func (s *Server) knownModel(name string) bool {
	for _, m := range s.svc.Models() {
		if m.Name == name {
			return true
		}
	}
	return false
}
