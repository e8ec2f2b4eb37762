package ports

import (
	"context"
	"errors"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Directory resolves the projects and users known to the service.
type Directory interface {
	Project(ctx context.Context, id int64) (*domain.Project, error)
	ProjectByPath(ctx context.Context, fullPath string) (*domain.Project, error)
	User(ctx context.Context, id int64) (*domain.User, error)
	Projects(ctx context.Context) ([]*domain.Project, error)
}

// AuthProvider authenticates personal access tokens.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// ErrFileNotFound is returned by repositories for missing paths.
var ErrFileNotFound = errors.New("file not found")

// Commit is a repository commit.
type Commit struct {
	SHA       string `json:"id"`
	ParentSHA string `json:"parent_id,omitempty"`
	Message   string `json:"message"`
}

// Repository gives read access to the source tree of a project.
type Repository interface {
	// BranchSHA resolves a branch name to its head commit.
	BranchSHA(ctx context.Context, name string) (string, bool)

	// TagSHA resolves a tag name to its commit.
	TagSHA(ctx context.Context, name string) (string, bool)

	// Commit loads a commit by SHA.
	Commit(ctx context.Context, sha string) (*Commit, error)

	// FileAt reads a file at a commit. Missing files return ErrFileNotFound.
	FileAt(ctx context.Context, sha, path string) ([]byte, error)
}

// RepositoryProvider returns the repository of a project.
type RepositoryProvider interface {
	RepositoryFor(ctx context.Context, project *domain.Project) (Repository, error)
}

// RateLimiter throttles pipeline creation.
type RateLimiter interface {
	// Allow reports whether one more event for key fits within limit per window.
	Allow(ctx context.Context, key string, limit int) bool
}
