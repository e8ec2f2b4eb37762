// Package repository provides an in-memory source repository seeded from
// configuration. Commits only carry the files they change; reading a file
// walks back through the parents until a commit that has it.
package repository

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
)

type commit struct {
	ports.Commit
	files map[string][]byte
}

// Repository is a thread-safe set of branches, tags and commits.
type Repository struct {
	mu       sync.RWMutex
	branches map[string]string
	tags     map[string]string
	commits  map[string]*commit
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{
		branches: make(map[string]string),
		tags:     make(map[string]string),
		commits:  make(map[string]*commit),
	}
}

// FromConfig builds a repository from its configuration block.
func FromConfig(cfg config.RepositoryConfig) (*Repository, error) {
	r := New()
	for _, c := range cfg.Commits {
		files := make(map[string]string, len(c.Files))
		if c.FileDir != "" {
			dirFiles, err := readDir(c.FileDir)
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", c.SHA, err)
			}
			for path, content := range dirFiles {
				files[path] = content
			}
		}
		for _, f := range c.Files {
			files[f.Path] = f.Content
		}
		r.AddCommit(ports.Commit{SHA: c.SHA, ParentSHA: c.Parent, Message: c.Message}, files)
	}
	for _, b := range cfg.Branches {
		r.SetBranch(b.Name, b.SHA)
	}
	for _, t := range cfg.Tags {
		r.SetTag(t.Name, t.SHA)
	}
	return r, nil
}

func readDir(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	return files, nil
}

// AddCommit records a commit and the files it changes.
func (r *Repository) AddCommit(c ports.Commit, files map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := &commit{Commit: c, files: make(map[string][]byte, len(files))}
	for path, content := range files {
		stored.files[path] = []byte(content)
	}
	r.commits[c.SHA] = stored
}

// SetBranch points a branch at a commit.
func (r *Repository) SetBranch(name, sha string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches[name] = sha
}

// DeleteBranch removes a branch.
func (r *Repository) DeleteBranch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.branches, name)
}

// SetTag points a tag at a commit.
func (r *Repository) SetTag(name, sha string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[name] = sha
}

func (r *Repository) BranchSHA(ctx context.Context, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sha, ok := r.branches[name]
	return sha, ok
}

func (r *Repository) TagSHA(ctx context.Context, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sha, ok := r.tags[name]
	return sha, ok
}

func (r *Repository) Commit(ctx context.Context, sha string) (*ports.Commit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.commits[sha]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", sha, domain.ErrRecordNotFound)
	}
	out := c.Commit
	return &out, nil
}

func (r *Repository) FileAt(ctx context.Context, sha, path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for sha != "" && !seen[sha] {
		seen[sha] = true
		c, ok := r.commits[sha]
		if !ok {
			break
		}
		if content, ok := c.files[path]; ok {
			return append([]byte(nil), content...), nil
		}
		sha = c.ParentSHA
	}
	return nil, fmt.Errorf("%s: %w", path, ports.ErrFileNotFound)
}

// Provider maps projects to their repositories.
type Provider struct {
	mu    sync.RWMutex
	repos map[int64]*Repository
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{repos: make(map[int64]*Repository)}
}

// LoadProvider builds repositories for every configured project.
func LoadProvider(projects []config.ProjectConfig) (*Provider, error) {
	p := NewProvider()
	for _, project := range projects {
		repo, err := FromConfig(project.Repository)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", project.Path, err)
		}
		p.Set(project.ID, repo)
	}
	return p, nil
}

// Set registers the repository of a project.
func (p *Provider) Set(projectID int64, repo *Repository) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repos[projectID] = repo
}

// Replace swaps every repository at once, as done on configuration reload.
func (p *Provider) Replace(other *Provider) {
	other.mu.RLock()
	repos := make(map[int64]*Repository, len(other.repos))
	for id, repo := range other.repos {
		repos[id] = repo
	}
	other.mu.RUnlock()

	p.mu.Lock()
	p.repos = repos
	p.mu.Unlock()
}

// Get returns the repository of a project, creating an empty one if needed.
func (p *Provider) Get(projectID int64) *Repository {
	p.mu.Lock()
	defer p.mu.Unlock()
	repo, ok := p.repos[projectID]
	if !ok {
		repo = New()
		p.repos[projectID] = repo
	}
	return repo
}

func (p *Provider) RepositoryFor(ctx context.Context, project *domain.Project) (ports.Repository, error) {
	return p.Get(project.ID), nil
}

var (
	_ ports.Repository         = (*Repository)(nil)
	_ ports.RepositoryProvider = (*Provider)(nil)
)
