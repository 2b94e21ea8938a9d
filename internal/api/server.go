package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/config"
	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/engine"
	"github.com/JakeFAU/email-scraper/internal/metrics"
	"github.com/JakeFAU/email-scraper/internal/progress"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxSubmitBytes        = 1 << 20
)

// TaskService is the engine surface the handlers need.
type TaskService interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	Status(ctx context.Context, taskID string) (crawler.Task, error)
	Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan progress.Event, error)
	Download(ctx context.Context, name string) (io.ReadCloser, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the task engine.
type Server struct {
	router    chi.Router
	tasks     TaskService
	checks    map[string]ReadinessCheck
	keepAlive time.Duration
	logger    *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadinessCheck adds a named check to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithKeepAlive sets the interval between SSE comment frames.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks TaskService, auth config.AuthConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:     tasks,
		checks:    make(map[string]ReadinessCheck),
		keepAlive: 15 * time.Second,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		// The progress stream is long-lived and must not sit behind the
		// request timeout.
		r.Get("/progress-stream/{task_id}", s.progressStream)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(defaultRequestTimeout))
			r.Post("/request-scrape", s.requestScrape)
			r.Get("/download/{filename}", s.download)
			r.Get("/v1/tasks/{task_id}", s.taskStatus)
		})
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URLs  json.RawMessage `json:"urls"`
	Depth *int            `json:"depth"`
}

func (s *Server) requestScrape(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	req, err := decodeSubmit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "Please provide some URLs.")
		return
	}
	taskID, err := s.tasks.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
	case errors.Is(err, engine.ErrNoURLs):
		writeError(w, http.StatusBadRequest, "No valid URLs to process.")
	case errors.Is(err, crawler.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "server busy, try again later")
	default:
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start task")
	}
}

// decodeSubmit accepts a form post (urls=<newline text>&depth=N) or JSON
// where urls is either a newline-separated string or a list.
func decodeSubmit(r *http.Request) (engine.SubmitRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body submitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return engine.SubmitRequest{}, errors.New("invalid JSON")
		}
		req := engine.SubmitRequest{Depth: body.Depth}
		if len(body.URLs) == 0 || string(body.URLs) == "null" {
			return req, nil
		}
		if err := json.Unmarshal(body.URLs, &req.Text); err != nil {
			if err := json.Unmarshal(body.URLs, &req.URLs); err != nil {
				return engine.SubmitRequest{}, errors.New("urls must be a string or a list of strings")
			}
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return engine.SubmitRequest{}, errors.New("invalid form body")
	}
	req := engine.SubmitRequest{Text: r.PostForm.Get("urls")}
	if raw := strings.TrimSpace(r.PostForm.Get("depth")); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			return engine.SubmitRequest{}, fmt.Errorf("invalid depth %q", raw)
		}
		req.Depth = &depth
	}
	return req, nil
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	rc, err := s.tasks.Download(r.Context(), name)
	switch {
	case errors.Is(err, crawler.ErrInvalidInput):
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	case errors.Is(err, crawler.ErrNotFound):
		http.Error(w, "File not found or access denied.", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("download failed", zap.String("filename", name), zap.Error(err))
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			s.logger.Warn("close export reader", zap.Error(cerr))
		}
	}()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted", zap.String("filename", name), zap.Error(err))
	}
}

type taskView struct {
	TaskID      string               `json:"task_id"`
	Status      crawler.TaskStatus   `json:"status"`
	URLs        []string             `json:"urls"`
	Depth       int                  `json:"depth"`
	Results     []crawler.SiteResult `json:"results"`
	Filename    string               `json:"filename,omitempty"`
	DownloadURL string               `json:"download_url,omitempty"`
	Checksum    string               `json:"checksum,omitempty"`
	Error       string               `json:"error,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.Status(r.Context(), taskID)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("task status failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	view := taskView{
		TaskID:      task.ID,
		Status:      task.Status,
		URLs:        task.URLs,
		Depth:       task.Depth,
		Results:     task.Results,
		Filename:    task.Filename,
		Checksum:    task.Checksum,
		Error:       task.ErrorText,
		SubmittedAt: task.Submitted,
		StartedAt:   task.Started,
		FinishedAt:  task.Finished,
	}
	if view.Results == nil {
		view.Results = []crawler.SiteResult{}
	}
	if task.Filename != "" {
		view.DownloadURL = "/download/" + task.Filename
	}
	writeJSON(w, http.StatusOK, view)
}
