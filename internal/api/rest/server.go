// Package rest serves the pipeline API under /api/v4.
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/server"
	"github.com/jackvz/gitlab-foss/internal/service"
)

// maxBodyBytes bounds request bodies; CI configurations sent to lint are
// the largest payloads.
const maxBodyBytes = 4 << 20

type Server struct {
	router *chi.Mux
	svc    *service.Service
	logger *slog.Logger
}

// NewServer builds the API routes on top of svc.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{router: chi.NewRouter(), svc: svc, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Route("/api/v4", func(r chi.Router) {
		// Trigger tokens authenticate themselves.
		r.Post("/projects/{id}/trigger/pipeline", s.handleTrigger)

		r.Group(func(r chi.Router) {
			r.Use(server.RequireUser)

			r.Post("/projects/{id}/pipeline", s.handleCreatePipeline)
			r.Get("/projects/{id}/pipelines", s.handleListPipelines)
			r.Get("/projects/{id}/pipelines/{pipeline_id}", s.pipelineHandler(http.StatusOK, (*service.Service).GetPipeline))
			r.Post("/projects/{id}/pipelines/{pipeline_id}/retry", s.pipelineHandler(http.StatusCreated, (*service.Service).RetryPipeline))
			r.Post("/projects/{id}/pipelines/{pipeline_id}/cancel", s.pipelineHandler(http.StatusOK, (*service.Service).CancelPipeline))

			r.Post("/projects/{id}/ci/lint", s.handleLint)

			r.Get("/projects/{id}/pipeline_schedules", s.handleListSchedules)
			r.Post("/projects/{id}/pipeline_schedules", s.handleCreateSchedule)
			r.Post("/projects/{id}/pipeline_schedules/{schedule_id}/play", s.handlePlaySchedule)

			r.Put("/jobs/{job_id}", s.handleUpdateJob)
		})
	})
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"message": ...} with the status of its API
// error type. Unexpected errors are logged and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	apiErr := domain.AsAPIError(err)
	status := apiErr.HTTPStatusCode()
	message := apiErr.Message
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		message = "500 Internal Server Error"
	}
	server.WriteMessage(w, status, message)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return domain.ErrInvalidRequest("could not read body")
	}
	if len(body) > maxBodyBytes {
		return domain.ErrInvalidRequest("body is too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return domain.ErrInvalidRequest(typeErr.Field + " is invalid")
		}
		return domain.ErrInvalidRequest("body is not valid JSON")
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrNotFound("404 Not found")
	}
	return id, nil
}

// pagination reads page and per_page. per_page defaults to 20 and is
// capped at 100.
func pagination(r *http.Request) (limit, offset, page int) {
	limit, page = 20, 1
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 {
		limit = min(v, 100)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	return limit, (page - 1) * limit, page
}
