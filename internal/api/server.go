// Package api exposes the HTTP interface for the thumbnail service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thumbforge/thumbforge/internal/config"
	"github.com/thumbforge/thumbforge/internal/dispatcher"
	"github.com/thumbforge/thumbforge/internal/job"
	"github.com/thumbforge/thumbforge/internal/metrics"
)

// Server wires HTTP handlers to the dispatcher and job store.
type Server struct {
	router     chi.Router
	store      job.Store
	dispatcher *dispatcher.Dispatcher
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store job.Store,
	dispatch *dispatcher.Dispatcher,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatch,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/images", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/thumbnail", s.getThumbnail)
			})
		})
		r.Get("/metrics", s.jobMetrics)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Counts(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL string `json:"url"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rawURL := job.NormalizeURL(req.URL)
	if err := validateURL(rawURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, outcome, err := s.dispatcher.Submit(r.Context(), rawURL)
	if err != nil {
		var conflict *job.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"message": "a job for this URL is already active",
				"job_id":  conflict.Existing.ID.String(),
			})
			return
		}
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	status := http.StatusAccepted
	if outcome == dispatcher.OutcomeReused {
		status = http.StatusOK
	}
	writeJSON(w, status, j)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be a valid http(s) URL")
	}
	return nil
}

type listResponse struct {
	Items      []*job.Job `json:"items"`
	Pagination pagination `json:"pagination"`
}

type pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, limit, offset, err := s.parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, total, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Items: jobs,
		Pagination: pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: int64(offset+len(jobs)) < total,
		},
	})
}

func (s *Server) parseListQuery(r *http.Request) (job.ListFilter, int, int, error) {
	q := r.URL.Query()
	filter := job.ListFilter{}

	if raw := q.Get("status"); raw != "" {
		status := job.Status(raw)
		if !status.Valid() {
			return filter, 0, 0, errors.New("unknown status filter")
		}
		filter.Status = &status
	}
	if raw := q.Get("created_after"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, errors.New("created_after must be RFC3339")
		}
		filter.CreatedAfter = &ts
	}
	if raw := q.Get("created_before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, errors.New("created_before must be RFC3339")
		}
		filter.CreatedBefore = &ts
	}

	limit := s.cfg.Server.DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			return filter, 0, 0, errors.New("limit must be a positive integer")
		}
		limit = n
	}
	if limit > s.cfg.Server.MaxPageSize {
		limit = s.cfg.Server.MaxPageSize
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := parseNonNegativeInt(raw)
		if err != nil {
			return filter, 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}

	filter.Limit = limit
	filter.Offset = offset
	return filter, limit, offset, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "job_id must be a UUID")
		return
	}
	j, err := s.store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) getThumbnail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "job_id must be a UUID")
		return
	}
	j, err := s.store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if j.Result == nil || j.Result.ThumbnailPath == "" {
		writeError(w, http.StatusNotFound, "thumbnail unavailable")
		return
	}
	if _, err := os.Stat(j.Result.ThumbnailPath); err != nil {
		writeError(w, http.StatusNotFound, "thumbnail missing")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", `inline; filename="`+id.String()+`.jpg"`)
	http.ServeFile(w, r, j.Result.ThumbnailPath)
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.logger.Error("job metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

func parseNonNegativeInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
