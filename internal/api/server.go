// Package api exposes the manual processing trigger and read-only views of
// a session's persisted results over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/route.report/internal/db"
	"github.com/banshee-data/route.report/internal/httputil"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/pipeline"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/validation"
	"github.com/banshee-data/route.report/internal/version"
)

// ANSI escape codes for the text request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Processor runs a session through the pipeline.
type Processor interface {
	ProcessSession(ctx context.Context, sessionID string) (pipeline.Summary, error)
}

// Store is the read side of the database used by the handlers.
type Store interface {
	PingContext(ctx context.Context) error
	GetSession(ctx context.Context, sessionID string) (*db.Session, error)
	ListAudits(ctx context.Context, sessionID string) ([]telemetry.ProcessingAuditRecord, error)
	ListGeofenceEvents(ctx context.Context, sessionID string) ([]telemetry.GeofenceEvent, error)
	ListSpeedViolations(ctx context.Context, sessionID string) ([]telemetry.SpeedViolation, error)
}

type Server struct {
	processor Processor
	store     Store
}

func NewServer(processor Processor, store Store) *Server {
	return &Server{
		processor: processor,
		store:     store,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /api/sessions/{id}/process", s.processSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("GET /api/sessions/{id}/audit", s.listAudits)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.listEvents)
	mux.HandleFunc("GET /api/sessions/{id}/violations", s.listViolations)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration. Text output
// gets a coloured status; JSON output gets plain fields.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		log := monitoring.Logger()
		entry := log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      lrw.statusCode,
			"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
		})
		if _, ok := log.Formatter.(*logrus.TextFormatter); ok {
			entry.Infof("[%s] %s %s%s%s", statusCodeColor(lrw.statusCode), r.Method, colorCyan, r.RequestURI, colorReset)
			return
		}
		entry.Info("request")
	})
}

// statusFor maps pipeline and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, validation.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		monitoring.Logger().WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteJSONError(w, status, err.Error())
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]string{
		"status":             "ok",
		"version":            version.Version,
		"processing_version": version.ProcessingVersion,
	}
	if err := s.store.PingContext(ctx); err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputil.WriteJSONOK(w, body)
}
