package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/healthsignal/sentinel/pkg/health"
	"github.com/healthsignal/sentinel/pkg/reconcile"
	"github.com/healthsignal/sentinel/pkg/selector"
)

// DataProvider answers category requests.
type DataProvider interface {
	GetCategoryData(ctx context.Context, category string, params map[string]string) (*reconcile.Result, error)
}

// HealthReporter exposes the per-source health snapshot.
type HealthReporter interface {
	Snapshot() map[string]health.Status
}

// Server is the HTTP front of the engine.
type Server struct {
	engine DataProvider
	health HealthReporter
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds the router.
func NewServer(engine DataProvider, healthReporter HealthReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine,
		health: healthReporter,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /v1/data/{category}", s.handleData)
	s.mux.HandleFunc("GET /v1/sources/health", s.handleSourceHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.requestID(s.mux)
}

// requestID stamps every request with an X-Request-ID, honoring one
// supplied by the caller.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// dataResponse is the success envelope for /v1/data.
type dataResponse struct {
	Data     any                `json:"data"`
	Metadata reconcile.Metadata `json:"metadata"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	if category == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "missing category")
		return
	}

	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	res, err := s.engine.GetCategoryData(r.Context(), category, params)
	if err != nil {
		s.writeEngineError(w, r, category, err)
		return
	}

	// Encode before touching the response so a marshal failure can
	// still produce an error status instead of an empty 200.
	body, err := json.Marshal(dataResponse{
		Data:     res.Data.Interface(),
		Metadata: res.Metadata,
	})
	if err != nil {
		s.logger.Error("response encode failed", "category", category, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Metadata.Offline {
		// Stale-but-served answers are flagged so clients can decide.
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	_, _ = w.Write(body)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, category string, err error) {
	switch {
	case errors.Is(err, selector.ErrNoSourceAvailable):
		writeProblem(w, r, http.StatusNotFound, "No Source Available",
			"no source serves category "+category)
	case errors.Is(err, reconcile.ErrAllSourcesExhausted):
		writeProblem(w, r, http.StatusServiceUnavailable, "All Sources Exhausted",
			"every source failed and no cached snapshot exists for "+category)
	case errors.Is(err, reconcile.ErrValidationFailed):
		writeProblem(w, r, http.StatusBadGateway, "Validation Failed",
			"fetched data for "+category+" was rejected by validation")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeProblem(w, r, http.StatusGatewayTimeout, "Timeout",
			"request timed out")
	default:
		s.logger.Error("request failed", "category", category, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
	}
}

func (s *Server) handleSourceHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
