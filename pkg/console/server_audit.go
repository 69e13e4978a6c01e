package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/artifacts"
	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type eventsResponse struct {
	Events []contracts.SecurityEvent `json:"events"`
	Count  int                       `json:"count"`
}

// handleEvents lists security events newest first. Query parameters:
// user_id, since, until (RFC 3339) and limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		api.WriteUnavailable(w, "event store is not configured")
		return
	}
	q := r.URL.Query()
	f := store.Filter{UserID: q.Get("user_id"), Limit: defaultEventLimit}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		api.WriteBadRequest(w, "since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		api.WriteBadRequest(w, "until: "+err.Error())
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventLimit {
			api.WriteBadRequest(w, fmt.Sprintf("limit must be an integer in [1,%d]", maxEventLimit))
			return
		}
		f.Limit = n
	}

	events, err := s.cfg.Events.Query(r.Context(), f)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if events == nil {
		events = []contracts.SecurityEvent{}
	}
	api.WriteJSON(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}

// riskHistorian is implemented by event stores that index risk scores.
type riskHistorian interface {
	RiskHistory(ctx context.Context, userID string, limit int) ([]float64, error)
}

type riskHistoryResponse struct {
	UserID string    `json:"user_id"`
	Scores []float64 `json:"scores"`
}

// handleRiskHistory returns a user's most recent risk scores, newest first.
func (s *Server) handleRiskHistory(w http.ResponseWriter, r *http.Request) {
	h, ok := s.cfg.Events.(riskHistorian)
	if !ok {
		api.WriteUnavailable(w, "risk history requires the SQLite event store")
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventLimit {
			api.WriteBadRequest(w, fmt.Sprintf("limit must be an integer in [1,%d]", maxEventLimit))
			return
		}
		limit = n
	}
	userID := chi.URLParam(r, "id")
	scores, err := h.RiskHistory(r.Context(), userID, limit)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if scores == nil {
		scores = []float64{}
	}
	api.WriteJSON(w, http.StatusOK, riskHistoryResponse{UserID: userID, Scores: scores})
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

type exportResponse struct {
	Hash     string         `json:"hash"`
	Checksum string         `json:"checksum"`
	Manifest audit.Manifest `json:"manifest"`
}

// handleExport builds an evidence pack and keeps it in the evidence store.
// Identical packs map to the same hash.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil || s.cfg.Evidence == nil {
		api.WriteUnavailable(w, "evidence export is not configured")
		return
	}
	var req audit.ExportRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	pack, err := s.exporter.GeneratePack(r.Context(), req)
	if errors.Is(err, audit.ErrInvalidTimeRange) {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	hash, err := s.cfg.Evidence.Store(r.Context(), pack.Data)
	if err != nil {
		api.WriteInternal(w, fmt.Errorf("store evidence pack: %w", err))
		return
	}

	s.logger.InfoContext(r.Context(), "evidence pack exported",
		"hash", hash,
		"events", pack.Manifest.EventCount,
		"user_id", req.UserID,
		"request_id", api.GetRequestID(r.Context()),
	)
	w.Header().Set("X-Evidence-Hash", hash)
	api.WriteJSON(w, http.StatusCreated, exportResponse{Hash: hash, Checksum: pack.Checksum, Manifest: pack.Manifest})
}

// handleGetExport streams a stored pack as a zip.
func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Evidence == nil {
		api.WriteUnavailable(w, "evidence export is not configured")
		return
	}
	hash := chi.URLParam(r, "hash")
	data, err := s.cfg.Evidence.Get(r.Context(), hash)
	switch {
	case errors.Is(err, artifacts.ErrInvalidHash):
		api.WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, artifacts.ErrNotFound):
		api.WriteNotFound(w, "evidence pack not found")
		return
	case err != nil:
		api.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"evidence-%s.zip\"", s.cfg.Clock().UTC().Format("20060102")))
	w.Header().Set("X-Evidence-Hash", hash)
	_, _ = w.Write(data)
}
