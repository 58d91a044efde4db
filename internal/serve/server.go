// Package serve exposes loop state and logs over a read-only HTTP status
// surface.
package serve

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/state"
)

// Server serves task state and log queries over HTTP.
type Server struct {
	cfg       *config.Config
	store     *state.Store
	keys      *KeyStore
	log       *logging.Logger
	version   string
	startTime time.Time
	server    *http.Server
}

// New creates a status server over a state store.
func New(cfg *config.Config, store *state.Store, log *logging.Logger, version string) (*Server, error) {
	keys, err := NewKeyStore(cfg.Serve.APIKey)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New(logging.Config{Component: "serve"})
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		keys:      keys,
		log:       log,
		version:   version,
		startTime: time.Now(),
	}, nil
}

// Router returns the HTTP router
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.keys.Middleware)

	r.Get("/status", s.handleStatus)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/logs", s.handleLogs)
	r.Get("/logs/stats", s.handleLogStats)

	return r
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Serve.Addr,
		Handler: s.Router(),
	}
	s.log.Info("status server starting", map[string]any{
		"addr":    s.cfg.Serve.Addr,
		"version": s.version,
		"auth":    s.keys.Enabled(),
	})
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.ErrorStateInvalid, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"type":           api.TypeStatusServer,
		"version":        s.version,
		"state":          "running",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"tasks":          len(ids),
	})
}

// TaskSummary is the list-view projection of a task's execution state.
type TaskSummary struct {
	TaskID       string `json:"task_id"`
	Phase        string `json:"phase"`
	Iteration    int    `json:"iteration"`
	MaxIteration int    `json:"max_iterations"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	Error        string `json:"error,omitempty"`
}

func summarize(st *state.ExecutionState) TaskSummary {
	summary := TaskSummary{
		TaskID:       st.TaskID,
		Phase:        st.CurrentPhase.String(),
		Iteration:    st.CurrentIteration,
		MaxIteration: st.MaxIterations,
		Error:        st.ErrorMessage,
	}
	if st.StartedAt != nil {
		summary.StartedAt = st.StartedAt.Format(time.RFC3339)
	}
	if st.CompletedAt != nil {
		summary.CompletedAt = st.CompletedAt.Format(time.RFC3339)
	}
	return summary
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.ErrorStateInvalid, err.Error())
		return
	}

	summaries := make([]TaskSummary, 0, len(ids))
	for _, id := range ids {
		st, err := s.store.Load(id)
		if err != nil {
			// Corrupt files are reported, not fatal to the listing.
			s.log.Warn("skipping unreadable state", map[string]any{
				"task_id": id,
				"error":   err.Error(),
			})
			continue
		}
		summaries = append(summaries, summarize(st))
	}
	api.WriteJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	st, err := s.store.Load(taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, "no state for task "+taskID)
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.ErrorStateInvalid, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

// handleLogs returns recent log entries, filtered by query parameters:
// level, task_id, and limit (default 100, max 1000).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := api.ParseIntParam(r.URL.Query().Get("limit"), 1, 1000, 100)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "limit "+err.Error())
		return
	}

	q := logging.Query{
		TaskID: r.URL.Query().Get("task_id"),
		Limit:  limit,
	}
	if level := r.URL.Query().Get("level"); level != "" {
		q.Level = logging.ParseLevel(level)
	}

	api.WriteJSON(w, http.StatusOK, s.log.Query(q))
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.log.Stats())
}
