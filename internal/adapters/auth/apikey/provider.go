// Package apikey resolves users, projects and personal access tokens from
// configuration.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
)

// Provider implements ports.AuthProvider and ports.Directory.
type Provider struct {
	mu         sync.RWMutex
	users      map[int64]*domain.User
	projects   map[int64]*domain.Project
	paths      map[string]int64
	tokenUsers map[string]int64 // token hash -> user id
}

// NewProvider builds a provider from configuration.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	p := &Provider{}
	if err := p.ReloadFromConfig(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// ReloadFromConfig replaces every user and project. It is called when the
// configuration file changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	users := make(map[int64]*domain.User, len(cfg.Users))
	tokens := make(map[string]int64)
	for _, u := range cfg.Users {
		if u.ID == 0 {
			return fmt.Errorf("user %q: id required", u.Username)
		}
		users[u.ID] = &domain.User{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Blocked:  u.Blocked,
			Admin:    u.Admin,
		}
		for _, t := range u.Tokens {
			tokens[t.TokenHash] = u.ID
		}
	}

	projects := make(map[int64]*domain.Project, len(cfg.Projects))
	paths := make(map[string]int64, len(cfg.Projects))
	for _, pc := range cfg.Projects {
		project, err := projectFromConfig(pc)
		if err != nil {
			return err
		}
		projects[project.ID] = project
		paths[project.FullPath] = project.ID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = users
	p.tokenUsers = tokens
	p.projects = projects
	p.paths = paths
	return nil
}

func projectFromConfig(pc config.ProjectConfig) (*domain.Project, error) {
	if pc.ID == 0 || pc.Path == "" {
		return nil, fmt.Errorf("project %q: id and path required", pc.Path)
	}
	project := &domain.Project{
		ID:                 pc.ID,
		FullPath:           pc.Path,
		DefaultBranch:      pc.DefaultBranch,
		CIConfigPath:       pc.CIConfigPath,
		BuildsEnabled:      pc.BuildsEnabled == nil || *pc.BuildsEnabled,
		PendingDelete:      pc.PendingDelete,
		AutoDevOps:         pc.AutoDevOps,
		AutoCancelPending:  pc.AutoCancelPending,
		ExternalValidation: pc.ExternalValidation,
		ProtectedRefs:      append([]string(nil), pc.ProtectedRefs...),
		Members:            make(map[int64]domain.AccessLevel, len(pc.Members)),
		Limits: domain.Limits{
			PipelineSize:       pc.Limits.PipelineSize,
			ActivePipelines:    pc.Limits.ActivePipelines,
			ActiveJobs:         pc.Limits.ActiveJobs,
			Deployments:        pc.Limits.Deployments,
			PipelinesPerMinute: pc.Limits.PipelinesPerMinute,
		},
	}
	if project.DefaultBranch == "" {
		project.DefaultBranch = "main"
	}
	for _, m := range pc.Members {
		level := domain.ParseAccessLevel(m.Role)
		if level == domain.AccessNone {
			return nil, fmt.Errorf("project %s: unknown role %q", pc.Path, m.Role)
		}
		project.Members[m.UserID] = level
	}
	for _, t := range pc.Triggers {
		project.Triggers = append(project.Triggers, domain.Trigger{
			Description: t.Description,
			TokenHash:   t.TokenHash,
			OwnerID:     t.OwnerID,
		})
	}
	return project, nil
}

// Authenticate resolves a personal access token to its user.
func (p *Provider) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.tokenUsers[HashToken(token)]
	if !ok {
		return nil, domain.ErrAuthentication("401 Unauthorized")
	}
	user, ok := p.users[id]
	if !ok {
		return nil, domain.ErrAuthentication("401 Unauthorized")
	}
	out := *user
	return &out, nil
}

func (p *Provider) Project(ctx context.Context, id int64) (*domain.Project, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	project, ok := p.projects[id]
	if !ok {
		return nil, domain.ErrNotFound("404 Project Not Found")
	}
	return cloneProject(project), nil
}

func (p *Provider) ProjectByPath(ctx context.Context, fullPath string) (*domain.Project, error) {
	p.mu.RLock()
	id, ok := p.paths[fullPath]
	p.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound("404 Project Not Found")
	}
	return p.Project(ctx, id)
}

func (p *Provider) User(ctx context.Context, id int64) (*domain.User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	user, ok := p.users[id]
	if !ok {
		return nil, domain.ErrNotFound("404 User Not Found")
	}
	out := *user
	return &out, nil
}

func (p *Provider) Projects(ctx context.Context) ([]*domain.Project, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*domain.Project, 0, len(p.projects))
	for _, project := range p.projects {
		out = append(out, cloneProject(project))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneProject(p *domain.Project) *domain.Project {
	out := *p
	out.ProtectedRefs = append([]string(nil), p.ProtectedRefs...)
	out.Triggers = append([]domain.Trigger(nil), p.Triggers...)
	out.Members = make(map[int64]domain.AccessLevel, len(p.Members))
	for id, level := range p.Members {
		out.Members[id] = level
	}
	return &out
}

// FindTrigger returns the trigger of project matching token.
func FindTrigger(project *domain.Project, token string) (*domain.Trigger, bool) {
	hash := []byte(HashToken(token))
	for i := range project.Triggers {
		if subtle.ConstantTimeCompare(hash, []byte(project.Triggers[i].TokenHash)) == 1 {
			t := project.Triggers[i]
			return &t, true
		}
	}
	return nil, false
}

// HashToken creates the SHA-256 hash under which tokens are stored.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

var (
	_ ports.AuthProvider = (*Provider)(nil)
	_ ports.Directory    = (*Provider)(nil)
)
