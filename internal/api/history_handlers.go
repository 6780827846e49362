package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes read-only session history endpoints.
type HistoryHandler struct {
	repo    store.SessionRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.SessionRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListSessions handles GET /v1/sessions?status=&limit=&offset=. It returns
// {"sessions": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.SessionStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": toSessionDTOs(records)})
}

// GetSession handles GET /v1/sessions/{session_id}. It returns {"session": {...}},
// 400 for malformed ids, 404 for unknown sessions, 503 without a repo, or 500.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(rec)})
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
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

func parseStatus(input string) (store.SessionStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.SessionRunning, nil
	case "completed", "done":
		return store.SessionCompleted, nil
	case "failed", "error":
		return store.SessionFailed, nil
	case "canceled", "cancelled":
		return store.SessionCanceled, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toSessionDTOs(in []store.SessionRecord) []sessionDTO {
	out := make([]sessionDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toSessionDTO(rec))
	}
	return out
}

func toSessionDTO(rec store.SessionRecord) sessionDTO {
	return sessionDTO{
		ID:          rec.ID.String(),
		TargetURL:   rec.TargetURL,
		Mode:        rec.Mode,
		Options:     rec.Options,
		CrawlID:     rec.CrawlID,
		ResultPath:  rec.ResultPath,
		Status:      string(rec.Status),
		Blocks:      rec.Blocks,
		FetchErrors: rec.FetchErrors,
		Error:       rec.ErrorMessage,
		StartedAt:   rec.StartedAt,
		UpdatedAt:   rec.UpdatedAt,
		FinishedAt:  rec.FinishedAt,
	}
}

type sessionDTO struct {
	ID          string          `json:"session_id"`
	TargetURL   string          `json:"target_url"`
	Mode        string          `json:"mode"`
	Options     map[string]bool `json:"options,omitempty"`
	CrawlID     string          `json:"crawl_id,omitempty"`
	ResultPath  string          `json:"result_path,omitempty"`
	Status      string          `json:"status"`
	Blocks      int             `json:"blocks"`
	FetchErrors int             `json:"fetch_errors"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}
