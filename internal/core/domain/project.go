package domain

import (
	"path"
	"time"
)

// DefaultCIConfigPath is used when a project does not override its config path.
const DefaultCIConfigPath = ".gitlab-ci.yml"

// AccessLevel is a project membership level.
type AccessLevel int

const (
	AccessNone       AccessLevel = 0
	AccessGuest      AccessLevel = 10
	AccessReporter   AccessLevel = 20
	AccessDeveloper  AccessLevel = 30
	AccessMaintainer AccessLevel = 40
	AccessOwner      AccessLevel = 50
)

// ParseAccessLevel maps a role name to its level.
func ParseAccessLevel(s string) AccessLevel {
	switch s {
	case "guest":
		return AccessGuest
	case "reporter":
		return AccessReporter
	case "developer":
		return AccessDeveloper
	case "maintainer":
		return AccessMaintainer
	case "owner":
		return AccessOwner
	}
	return AccessNone
}

// User is an account that can create pipelines.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Blocked   bool      `json:"blocked"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Limits caps pipeline creation for a project. A zero value disables the limit.
type Limits struct {
	PipelineSize       int `json:"ci_pipeline_size"`
	ActivePipelines    int `json:"ci_active_pipelines"`
	ActiveJobs         int `json:"ci_active_jobs"`
	Deployments        int `json:"ci_pipeline_deployments"`
	PipelinesPerMinute int `json:"pipelines_created_per_minute"`
}

// Trigger is a pipeline trigger token bound to a project and owner.
type Trigger struct {
	Description string `json:"description"`
	TokenHash   string `json:"-"`
	OwnerID     int64  `json:"owner_id"`
}

// Project hosts a repository and its pipelines.
type Project struct {
	ID                 int64                 `json:"id"`
	FullPath           string                `json:"path_with_namespace"`
	DefaultBranch      string                `json:"default_branch"`
	CIConfigPath       string                `json:"ci_config_path,omitempty"`
	BuildsEnabled      bool                  `json:"builds_enabled"`
	PendingDelete      bool                  `json:"pending_delete,omitempty"`
	AutoDevOps         bool                  `json:"auto_devops_enabled"`
	AutoCancelPending  bool                  `json:"auto_cancel_pending_pipelines"`
	ExternalValidation bool                  `json:"external_validation"`
	ProtectedRefs      []string              `json:"protected_refs,omitempty"`
	Members            map[int64]AccessLevel `json:"-"`
	Limits             Limits                `json:"limits"`
	Triggers           []Trigger             `json:"-"`
	CreatedAt          time.Time             `json:"created_at"`
}

// ConfigPath returns the repository path of the CI configuration file.
func (p *Project) ConfigPath() string {
	if p.CIConfigPath == "" {
		return DefaultCIConfigPath
	}
	return p.CIConfigPath
}

// AccessLevelFor returns the membership level of a user. Admins are owners.
func (p *Project) AccessLevelFor(u *User) AccessLevel {
	if u == nil {
		return AccessNone
	}
	if u.Admin {
		return AccessOwner
	}
	return p.Members[u.ID]
}

// IsProtectedRef reports whether a short ref name matches a protected pattern.
func (p *Project) IsProtectedRef(ref string) bool {
	for _, pattern := range p.ProtectedRefs {
		if pattern == ref {
			return true
		}
		if ok, err := path.Match(pattern, ref); err == nil && ok {
			return true
		}
	}
	return false
}
