package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/interviewkit/scribe/internal/config"
	"github.com/interviewkit/scribe/internal/ingest"
	"github.com/interviewkit/scribe/internal/observability"
)

type Server struct {
	cfg         config.Config
	coord       *ingest.Coordinator
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
	archiveMode string
}

func New(cfg config.Config, coord *ingest.Coordinator, metrics *observability.Metrics) *Server {
	archiveMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		archiveMode = "postgres"
	}
	return &Server{
		cfg:         cfg,
		coord:       coord,
		metrics:     metrics,
		archiveMode: archiveMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same
				// origin. This keeps other websites from tapping a session's event
				// feed if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	r.Post("/v1/sessions/{id}/chunks", s.handleUploadChunk)
	r.Get("/v1/sessions/{id}/gaps", s.handleSessionGaps)
	r.Post("/v1/sessions/{id}/finalize", s.handleFinalize)
	r.Post("/v1/sessions/{id}/abandon", s.handleAbandonSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleGetTranscript)
	r.Get("/v1/sessions/{id}/events", s.handleSessionEvents)

	r.Get("/v1/archive/sessions", s.handleListArchived)
	r.Get("/v1/archive/sessions/{id}", s.handleGetArchived)

	r.Get("/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"stt_provider": s.coord.ProviderName(),
		"archive_mode": s.archiveMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"stt_provider": s.coord.ProviderName(),
		"archive_mode": s.archiveMode,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for status, n := range s.coord.SessionCounts() {
		counts[string(status)] = n
	}
	payload := map[string]any{"sessions": counts}
	if s.metrics != nil {
		payload["pipeline"] = s.metrics.Snapshot()
	} else {
		payload["pipeline"] = observability.PipelineSnapshot{}
	}
	respondJSON(w, http.StatusOK, payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondRetryable marks transient failures so clients know a verbatim retry
// is worthwhile.
func respondRetryable(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code, Retryable: true})
}

func sessionIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
