// Package api exposes the HTTP interface for crawl sessions.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/metrics"
	"github.com/JakeFAU/crawlstream/internal/report"
	"github.com/JakeFAU/crawlstream/internal/session"
	"github.com/JakeFAU/crawlstream/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	maxFormBytes   = 1 << 20
)

// Orchestrator is the session surface the API drives.
type Orchestrator interface {
	Submit(form session.Form) (*session.Session, error)
	Resume(ctx context.Context) (*session.Session, error)
	Cancel()
	Snapshot() (session.Snapshot, bool)
}

// BusyState reports the process busy indicator.
type BusyState interface {
	Busy() bool
	Count() uint64
}

// Exporter writes session blocks to blob storage.
type Exporter interface {
	Export(ctx context.Context, sessionID uuid.UUID, blocks []string) ([]string, error)
}

// Server wires HTTP handlers to the orchestrator and history store.
type Server struct {
	router   chi.Router
	orch     Orchestrator
	busy     BusyState
	exporter Exporter
	history  *HistoryHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. exporter and repo
// may be nil; their routes then answer 503.
func NewServer(
	orch Orchestrator,
	busy BusyState,
	exporter Exporter,
	repo store.SessionRepository,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:     orch,
		busy:     busy,
		exporter: exporter,
		history:  NewHistoryHandler(repo, logger),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/", s.submit)
			r.Get("/", s.current)
			r.Post("/resume", s.resume)
			r.Post("/cancel", s.cancel)
			r.Post("/export", s.export)
			r.Get("/blocks/{index}", s.downloadBlock)
		})
		r.Get("/busy", s.busyState)
		r.Get("/sessions", s.history.ListSessions)
		r.Get("/sessions/{session_id}", s.history.GetSession)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var form session.Form
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess, err := s.orch.Submit(form)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": sess.Snapshot()})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Resume(r.Context())
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": sess.Snapshot()})
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	var vErr *session.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": vErr.Message, "field": vErr.Field})
	case errors.Is(err, session.ErrNothingToResume):
		writeError(w, http.StatusNotFound, "no previous session to resume")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("start session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
	}
}

func (s *Server) current(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.orch.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": snap,
		"loading": snap.Loading,
		"busy":    s.busy.Busy(),
	})
}

func (s *Server) cancel(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.orch.Snapshot(); !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	s.orch.Cancel()
	snap, _ := s.orch.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) busyState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"busy":  s.busy.Busy(),
		"count": s.busy.Count(),
	})
}

// downloadBlock serves block {index} (zero-based) as report_<index+1>.md.
func (s *Server) downloadBlock(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid block index")
		return
	}
	snap, ok := s.orch.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	if index >= len(snap.Blocks) {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": report.FileName(index)}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(snap.Blocks[index])); err != nil {
		s.logger.Warn("block write failed", zap.Error(err))
	}
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "report export unavailable")
		return
	}
	snap, ok := s.orch.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	uris, err := s.exporter.Export(r.Context(), snap.ID, snap.Blocks)
	if err != nil {
		s.logger.Error("export failed", zap.Stringer("session_id", snap.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to export report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": snap.ID,
		"uris":       uris,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
