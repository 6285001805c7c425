// Package gitrepotest builds throwaway git repositories for tests.
package gitrepotest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Fixture is a repository in a temporary directory with master checked out.
type Fixture struct {
	t    testing.TB
	Dir  string
	Repo *git.Repository
}

// New initializes a repository in a fresh temporary directory and commits
// files (relative slash path -> content) as the first commit on master.
func New(t testing.TB, files map[string]string) *Fixture {
	t.Helper()
	return NewAt(t, t.TempDir(), files)
}

// NewAt is like New but uses dir, which must exist and be empty.
func NewAt(t testing.TB, dir string, files map[string]string) *Fixture {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("master"))); err != nil {
		t.Fatalf("SetReference HEAD: %v", err)
	}
	f := &Fixture{t: t, Dir: dir, Repo: repo}
	f.Commit("initial", files)
	return f
}

// Open wraps the existing repository at dir, such as a clone made by the
// code under test.
func Open(t testing.TB, dir string) *Fixture {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	return &Fixture{t: t, Dir: dir, Repo: repo}
}

// Write writes files into the working tree without staging them.
func (f *Fixture) Write(files map[string]string) {
	f.t.Helper()
	for name, content := range files {
		full := filepath.Join(f.Dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			f.t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			f.t.Fatalf("WriteFile: %v", err)
		}
	}
}

// Commit writes files, stages everything and commits on the current branch.
func (f *Fixture) Commit(msg string, files map[string]string) plumbing.Hash {
	f.t.Helper()
	f.Write(files)

	wt, err := f.Repo.Worktree()
	if err != nil {
		f.t.Fatalf("Worktree: %v", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		f.t.Fatalf("Add: %v", err)
	}
	h, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		f.t.Fatalf("Commit: %v", err)
	}
	return h
}

// Head returns the current HEAD commit.
func (f *Fixture) Head() plumbing.Hash {
	f.t.Helper()
	head, err := f.Repo.Head()
	if err != nil {
		f.t.Fatalf("Head: %v", err)
	}
	return head.Hash()
}

// Tag creates a lightweight tag at h.
func (f *Fixture) Tag(name string, h plumbing.Hash) {
	f.t.Helper()
	if _, err := f.Repo.CreateTag(name, h, nil); err != nil {
		f.t.Fatalf("CreateTag %s: %v", name, err)
	}
}

// SetRef points an arbitrary reference (for example
// "refs/remotes/origin/beta" or "refs/pull/7/head") at h.
func (f *Fixture) SetRef(name string, h plumbing.Hash) {
	f.t.Helper()
	if err := f.Repo.Storer.SetReference(plumbing.NewHashReference(plumbing.ReferenceName(name), h)); err != nil {
		f.t.Fatalf("SetReference %s: %v", name, err)
	}
}

// HeadName returns the reference HEAD points at, such as "refs/heads/master",
// or "HEAD" when detached.
func (f *Fixture) HeadName() string {
	f.t.Helper()
	head, err := f.Repo.Head()
	if err != nil {
		f.t.Fatalf("Head: %v", err)
	}
	return head.Name().String()
}

// HasBranch reports whether the local branch exists.
func (f *Fixture) HasBranch(name string) bool {
	_, err := f.Repo.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}
