package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/daemon"
	"github.com/JakeFAU/outreach-daemon/internal/export"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

const (
	defaultEntityLimit = 100
	maxEntityLimit     = 5000
	defaultErrorLimit  = 50
	maxErrorLimit      = 500
)

// listEntities handles GET /v1/entities?state=&tier=&limit=&offset=&format=.
// format=csv streams the snapshot columns instead of JSON.
func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var state outreach.State
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		state = outreach.State(strings.ToUpper(raw))
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "invalid state")
			return
		}
	}
	var tier outreach.Tier
	if raw := strings.TrimSpace(q.Get("tier")); raw != "" {
		tier = outreach.Tier(strings.ToUpper(raw))
		if tier.Rank() == 0 {
			writeError(w, http.StatusBadRequest, "invalid tier")
			return
		}
	}
	format := strings.ToLower(q.Get("format"))
	if format != "" && format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "invalid format")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEntityLimit, maxEntityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	all, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list entities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}
	filtered := make([]outreach.Entity, 0, len(all))
	for _, e := range all {
		if state != "" && e.State != state {
			continue
		}
		if tier != "" && e.Tier != tier {
			continue
		}
		filtered = append(filtered, e)
	}
	total := len(filtered)
	filtered = page(filtered, limit, offset)

	if format == "csv" {
		w.Header().Set("Content-Type", export.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="entities.csv"`)
		if err := export.WriteCSV(w, filtered); err != nil {
			s.logger.Error("write csv failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": filtered,
		"total":    total,
	})
}

func page(in []outreach.Entity, limit, offset int) []outreach.Entity {
	if offset >= len(in) {
		return []outreach.Entity{}
	}
	in = in[offset:]
	if limit < len(in) {
		in = in[:limit]
	}
	return in
}

// getEntity handles GET /v1/entities/{entity_id}.
func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, "get entity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": e})
}

// markResponded handles POST /v1/entities/{entity_id}/responded. Only
// CONTACTED entities may move to RESPONDED; anything else is a 409.
func (s *Server) markResponded(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	e, err := s.store.MarkResponded(r.Context(), id, s.clock.Now())
	if err != nil {
		s.storeError(w, "mark responded", err)
		return
	}
	s.logger.Info("entity marked responded", zap.String("entity_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"entity": e})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "entity not found")
	case errors.Is(err, outreach.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

type statusResponse struct {
	Daemon         *daemon.Status    `json:"daemon,omitempty"`
	LastCheckpoint *store.Checkpoint `json:"last_checkpoint,omitempty"`
}

// status handles GET /v1/status.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.control != nil {
		st := s.control.Status()
		resp.Daemon = &st
	}
	cp, err := s.store.LatestCheckpoint(r.Context())
	switch {
	case err == nil:
		resp.LastCheckpoint = &cp
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Error("load checkpoint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// resumeKind handles POST /v1/kinds/{kind}/resume.
func (s *Server) resumeKind(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}
	kind, err := outreach.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.control.Resume(kind); err != nil {
		if errors.Is(err, daemon.ErrNotPaused) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("kind resumed by operator", zap.String("kind", string(kind)))
	writeJSON(w, http.StatusOK, map[string]string{"kind": string(kind), "status": "resumed"})
}

// dailyStats handles GET /v1/stats/daily?day=YYYY-MM-DD, defaulting to today.
func (s *Server) dailyStats(w http.ResponseWriter, r *http.Request) {
	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if day == "" {
		day = outreach.DayKey(s.clock.Now(), s.cfg.Location)
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid day")
		return
	}
	counts, err := s.store.DailyCounts(r.Context(), day)
	if err != nil {
		s.logger.Error("daily counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load daily stats")
		return
	}
	if counts == nil {
		counts = []store.DailyCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "counts": counts})
}

// recentErrors handles GET /v1/errors?limit=.
func (s *Server) recentErrors(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultErrorLimit, maxErrorLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.store.RecentErrors(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent errors failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load errors")
		return
	}
	if entries == nil {
		entries = []store.ErrorEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
