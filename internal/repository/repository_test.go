package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
)

func TestFileAtWalksParents(t *testing.T) {
	repo := New()
	repo.AddCommit(ports.Commit{SHA: "a1"}, map[string]string{".gitlab-ci.yml": "v1", "README": "hi"})
	repo.AddCommit(ports.Commit{SHA: "b2", ParentSHA: "a1"}, map[string]string{".gitlab-ci.yml": "v2"})
	ctx := context.Background()

	got, err := repo.FileAt(ctx, "b2", ".gitlab-ci.yml")
	if err != nil || string(got) != "v2" {
		t.Fatalf("FileAt(b2, ci) = %q, %v; want v2", got, err)
	}
	got, err = repo.FileAt(ctx, "b2", "README")
	if err != nil || string(got) != "hi" {
		t.Fatalf("FileAt(b2, README) = %q, %v; want inherited content", got, err)
	}
	if _, err := repo.FileAt(ctx, "b2", "missing"); !errors.Is(err, ports.ErrFileNotFound) {
		t.Errorf("FileAt(missing) error = %v, want ErrFileNotFound", err)
	}
}

func TestFileAtParentCycle(t *testing.T) {
	repo := New()
	repo.AddCommit(ports.Commit{SHA: "a", ParentSHA: "b"}, nil)
	repo.AddCommit(ports.Commit{SHA: "b", ParentSHA: "a"}, nil)

	if _, err := repo.FileAt(context.Background(), "a", "x"); !errors.Is(err, ports.ErrFileNotFound) {
		t.Errorf("FileAt() error = %v, want ErrFileNotFound", err)
	}
}

func TestCommitNotFound(t *testing.T) {
	repo := New()
	if _, err := repo.Commit(context.Background(), "nope"); !domain.IsNotFound(err) {
		t.Errorf("Commit() error = %v, want not found", err)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "ci"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ci", "build.yml"), []byte("build: {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	repo, err := FromConfig(config.RepositoryConfig{
		Branches: []config.RefConfig{{Name: "main", SHA: "c1"}},
		Tags:     []config.RefConfig{{Name: "v1.0", SHA: "c1"}},
		Commits: []config.CommitConfig{{
			SHA:     "c1",
			Message: "initial",
			FileDir: dir,
			Files:   []config.FileConfig{{Path: ".gitlab-ci.yml", Content: "job: {script: [x]}"}},
		}},
	})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	ctx := context.Background()

	if sha, ok := repo.BranchSHA(ctx, "main"); !ok || sha != "c1" {
		t.Errorf("BranchSHA(main) = %q, %v", sha, ok)
	}
	if sha, ok := repo.TagSHA(ctx, "v1.0"); !ok || sha != "c1" {
		t.Errorf("TagSHA(v1.0) = %q, %v", sha, ok)
	}
	if got, err := repo.FileAt(ctx, "c1", "ci/build.yml"); err != nil || string(got) != "build: {}" {
		t.Errorf("FileAt(ci/build.yml) = %q, %v", got, err)
	}
	c, err := repo.Commit(ctx, "c1")
	if err != nil || c.Message != "initial" {
		t.Errorf("Commit(c1) = %+v, %v", c, err)
	}
}

func TestProviderReplace(t *testing.T) {
	p := NewProvider()
	old := p.Get(1)
	old.SetBranch("main", "a")

	next := NewProvider()
	next.Get(1).SetBranch("main", "b")
	p.Replace(next)

	repo, _ := p.RepositoryFor(context.Background(), &domain.Project{ID: 1})
	if sha, _ := repo.BranchSHA(context.Background(), "main"); sha != "b" {
		t.Errorf("BranchSHA(main) = %q, want b after replace", sha)
	}
}
