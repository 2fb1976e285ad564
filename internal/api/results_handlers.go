package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
	currentRunAlias     = "current"
)

// ResultSource lists finalized results for a run.
type ResultSource interface {
	Results(runID string) []scraper.GroupResult
}

// ResultsHandler exposes read-only per-run result endpoints.
type ResultsHandler struct {
	source ResultSource
	ctrl   Controller
	logger *zap.Logger
}

// NewResultsHandler wires the source and logger. ctrl resolves the
// "current" run alias.
func NewResultsHandler(source ResultSource, ctrl Controller, logger *zap.Logger) *ResultsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsHandler{source: source, ctrl: ctrl, logger: logger}
}

// ListResults handles GET /v1/runs/{run_id}/results?outcome=&limit=&offset=.
// It returns {"run_id": ..., "results": [...]} on success, 400 for malformed
// ids or filters, 404 when the run has no results yet, or 503 without a
// source.
func (h *ResultsHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}
	runID, err := h.parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultsLimit, maxResultsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var outcome *scraper.Outcome
	if raw := strings.TrimSpace(r.URL.Query().Get("outcome")); raw != "" {
		o, parseErr := parseOutcome(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		outcome = &o
	}

	results := h.source.Results(runID)
	if len(results) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	filtered := make([]resultDTO, 0, len(results))
	for _, res := range results {
		if outcome != nil && res.Outcome != *outcome {
			continue
		}
		filtered = append(filtered, toResultDTO(res))
	}
	h.logger.Debug("listing results", zap.String("run_id", runID), zap.Int("matched", len(filtered)))
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"total":   len(filtered),
		"results": page(filtered, limit, offset),
	})
}

func (h *ResultsHandler) parseRunID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return "", errors.New("run_id is required")
	}
	if raw == currentRunAlias {
		if h.ctrl == nil || h.ctrl.RunID() == "" {
			return "", errors.New("no run has started")
		}
		return h.ctrl.RunID(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid run_id")
	}
	return id.String(), nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
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

func parseOutcome(input string) (scraper.Outcome, error) {
	switch o := scraper.Outcome(strings.ToLower(input)); o {
	case scraper.OutcomeSuccess, scraper.OutcomeFailed, scraper.OutcomeFallbackFailed,
		scraper.OutcomeRecoveredByFallback, scraper.OutcomeCancelled:
		return o, nil
	default:
		return "", errors.New("invalid outcome")
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

func toResultDTO(res scraper.GroupResult) resultDTO {
	return resultDTO{
		GroupName:       res.GroupName,
		Outcome:         string(res.Outcome),
		Success:         res.Success,
		MessagesScraped: res.MessagesScraped,
		Error:           res.Error,
		OriginalError:   res.OriginalError,
		FallbackUsed:    res.FallbackUsed,
		StartedAt:       res.StartTime,
		FinishedAt:      res.EndTime,
		DurationMs:      res.Duration().Milliseconds(),
		SavedTo:         res.SavedTo,
	}
}

type resultDTO struct {
	GroupName       string    `json:"group_name"`
	Outcome         string    `json:"outcome"`
	Success         bool      `json:"success"`
	MessagesScraped int       `json:"messages_scraped"`
	Error           string    `json:"error,omitempty"`
	OriginalError   string    `json:"original_error,omitempty"`
	FallbackUsed    string    `json:"fallback_used,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMs      int64     `json:"duration_ms"`
	SavedTo         string    `json:"saved_to,omitempty"`
}
