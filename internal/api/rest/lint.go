package rest

import (
	"net/http"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/server"
	"github.com/jackvz/gitlab-foss/internal/service"
)

type lintRequest struct {
	Content string `json:"content"`
	DryRun  bool   `json:"dry_run"`
	Ref     string `json:"ref"`
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	user := server.UserFromContext(r.Context())
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req lintRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Simulating a pipeline needs the right to create one.
	level := domain.AccessReporter
	if req.DryRun {
		level = domain.AccessDeveloper
	}
	project, err := s.svc.Project(r.Context(), projectID, user, level)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.svc.Lint(r.Context(), project, user, service.LintParams{
		Content: req.Content,
		Ref:     req.Ref,
		DryRun:  req.DryRun,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
