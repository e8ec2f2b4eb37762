package rest

import (
	"net/http"
	"sort"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/server"
	"github.com/jackvz/gitlab-foss/internal/service"
)

type createScheduleRequest struct {
	Description  string            `json:"description"`
	Ref          string            `json:"ref"`
	Cron         string            `json:"cron"`
	CronTimezone string            `json:"cron_timezone"`
	Active       *bool             `json:"active"`
	Variables    []domain.Variable `json:"variables"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	schedules, err := s.svc.ListSchedules(r.Context(), projectID, server.UserFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []*domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sched, err := s.svc.CreateSchedule(r.Context(), projectID, server.UserFromContext(r.Context()), service.ScheduleParams{
		Description:  req.Description,
		Ref:          req.Ref,
		Cron:         req.Cron,
		CronTimezone: req.CronTimezone,
		Active:       req.Active,
		Variables:    req.Variables,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handlePlaySchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	scheduleID, err := idParam(r, "schedule_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.svc.PlaySchedule(r.Context(), projectID, scheduleID, server.UserFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	server.WriteMessage(w, http.StatusCreated, "201 Created")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
