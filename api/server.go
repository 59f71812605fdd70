package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"market-intel/models"
	"market-intel/services"
	"market-intel/utils"
)

// Runner executes one scrape invocation.
type Runner interface {
	Run(ctx context.Context) (*models.RunResult, error)
}

// LogLister reads persisted scrape logs.
type LogLister interface {
	ListScrapeLogs(ctx context.Context, organizationID string, limit int) ([]models.ScrapeLog, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the scheduler trigger and read-only status endpoints.
type Server struct {
	runner  Runner
	logs    LogLister
	db      Pinger
	secrets []string
	logger  *utils.Logger
}

// NewServer builds a Server. Empty secrets are ignored; with none left the
// trigger is unauthenticated.
func NewServer(runner Runner, logs LogLister, db Pinger, logger *utils.Logger, secrets ...string) *Server {
	s := &Server{runner: runner, logs: logs, db: db, logger: logger}
	for _, sec := range secrets {
		if sec != "" {
			s.secrets = append(s.secrets, sec)
		}
	}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/scrape", s.authorized(s.handleScrape)).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/orgs/{organizationId}/scrape-logs", s.authorized(s.handleScrapeLogs)).Methods(http.MethodGet)
	return r
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkToken(r.Header.Get("Authorization")) {
			s.logger.Warn("[api] rejected %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// checkToken accepts the current or the previous secret so the scheduler can
// be rotated without downtime.
func (s *Server) checkToken(header string) bool {
	if len(s.secrets) == 0 {
		return true
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	match := 0
	for _, sec := range s.secrets {
		match |= subtle.ConstantTimeCompare([]byte(token), []byte(sec))
	}
	return match == 1
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	// A dropped scheduler connection must not abort in-flight platform calls;
	// the run stops on its own budget.
	ctx := context.WithoutCancel(r.Context())

	result, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, services.ErrSchemaMissing):
		s.logger.Error("[api] scrape refused: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage schema is not provisioned"})
	case err != nil:
		s.logger.Error("[api] scrape failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScrapeLogs(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["organizationId"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := s.logs.ListScrapeLogs(r.Context(), org, limit)
	if err != nil {
		s.logger.Error("[api] list scrape logs %s: %v", org, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load scrape logs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizationId": org, "logs": logs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
