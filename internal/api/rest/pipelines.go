package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/server"
	"github.com/jackvz/gitlab-foss/internal/service"
)

type createPipelineRequest struct {
	Ref       string            `json:"ref"`
	Variables []domain.Variable `json:"variables"`
}

// failedCreation is returned when the chain rejects a pipeline.
type failedCreation struct {
	Message []string `json:"message"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	user := server.UserFromContext(r.Context())
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := s.svc.Project(r.Context(), projectID, user, domain.AccessGuest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createPipelineRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Ref == "" {
		req.Ref = r.URL.Query().Get("ref")
	}

	result, err := s.svc.CreatePipeline(r.Context(), project, user, domain.SourceAPI, service.CreateParams{
		Ref:       req.Ref,
		Variables: req.Variables,
	})
	s.writeCreation(w, r, result, err)
}

func (s *Server) writeCreation(w http.ResponseWriter, r *http.Request, result *service.Result, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.Pipeline != nil && result.Pipeline.ID != 0 {
		server.AddLogField(r.Context(), "pipeline_id", strconv.FormatInt(result.Pipeline.ID, 10))
	}
	if !result.Success {
		writeJSON(w, http.StatusBadRequest, failedCreation{Message: result.Errors})
		return
	}
	writeJSON(w, http.StatusCreated, result.Pipeline)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, offset, page := pagination(r)
	opts := ports.PipelineListOptions{
		ProjectID: projectID,
		Ref:       q.Get("ref"),
		SHA:       q.Get("sha"),
		Limit:     limit,
		Offset:    offset,
	}
	if status := q.Get("status"); status != "" {
		st := domain.Status(status)
		if !st.Valid() {
			s.writeError(w, r, domain.ErrInvalidRequest("status does not have a valid value"))
			return
		}
		opts.Status = []domain.Status{st}
	}
	if source := q.Get("source"); source != "" {
		src, ok := domain.ParseSource(source)
		if !ok {
			s.writeError(w, r, domain.ErrInvalidRequest("source does not have a valid value"))
			return
		}
		opts.Source = src
	}

	pipelines, err := s.svc.ListPipelines(r.Context(), server.UserFromContext(r.Context()), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Page", strconv.Itoa(page))
	w.Header().Set("X-Per-Page", strconv.Itoa(limit))
	if pipelines == nil {
		pipelines = []*domain.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// pipelineAction is the shape of the service methods acting on one
// pipeline of a project.
type pipelineAction func(svc *service.Service, ctx context.Context, projectID, pipelineID int64, user *domain.User) (*domain.Pipeline, error)

func (s *Server) pipelineHandler(status int, action pipelineAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := idParam(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pipelineID, err := idParam(r, "pipeline_id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := action(s.svc, r.Context(), projectID, pipelineID, server.UserFromContext(r.Context()))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, p)
	}
}

type triggerRequest struct {
	Token     string            `json:"token"`
	Ref       string            `json:"ref"`
	Variables map[string]string `json:"variables"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if req.Token == "" {
		req.Token = q.Get("token")
	}
	if req.Ref == "" {
		req.Ref = q.Get("ref")
	}
	if req.Token == "" {
		s.writeError(w, r, domain.ErrInvalidRequest("token is missing"))
		return
	}

	variables := make([]domain.Variable, 0, len(req.Variables))
	for _, key := range sortedKeys(req.Variables) {
		variables = append(variables, domain.Variable{Key: key, Value: req.Variables[key]})
	}
	result, err := s.svc.Trigger(r.Context(), projectID, req.Token, req.Ref, variables)
	s.writeCreation(w, r, result, err)
}

type jobStateRequest struct {
	State string `json:"state"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := idParam(r, "job_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req jobStateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status := domain.Status(req.State)
	if !status.Valid() {
		s.writeError(w, r, domain.ErrInvalidRequest("state does not have a valid value"))
		return
	}
	job, err := s.svc.UpdateJobStatus(r.Context(), jobID, status, server.UserFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
