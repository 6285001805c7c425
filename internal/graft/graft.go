// Package graft replaces the clippy subtree of an upstream checkout with the
// contents of a clippy working copy.
package graft

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/VKCOM/clippybench/internal/fileutil"
)

// IOError is a filesystem failure while replacing the subtree.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("graft %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Repo is the part of the upstream repository the grafter needs.
type Repo interface {
	Path() string
	Head() (plumbing.Hash, error)
	CreateBranch(name string, at plumbing.Hash, overwrite bool) error
	Checkout(ctx context.Context, refName string) (plumbing.Hash, error)
}

// Grafter grafts into Upstream at Subdir (slash separated, for example
// "src/tools/clippy").
type Grafter struct {
	Upstream Repo
	Subdir   string
}

// Graft creates branch at the upstream's current commit, replacing any stale
// branch of that name, checks it out and swaps the contents of srcDir in for
// the subtree. The .git entry of srcDir is not copied.
func (g *Grafter) Graft(ctx context.Context, branch, srcDir string) error {
	log := clog.FromContext(ctx)

	head, err := g.Upstream.Head()
	if err != nil {
		return fmt.Errorf("reading upstream head: %w", err)
	}
	if err := g.Upstream.CreateBranch(branch, head, true); err != nil {
		return fmt.Errorf("creating integration branch %s: %w", branch, err)
	}
	if _, err := g.Upstream.Checkout(ctx, branch); err != nil {
		return fmt.Errorf("checking out integration branch %s: %w", branch, err)
	}

	dst := filepath.Join(g.Upstream.Path(), filepath.FromSlash(g.Subdir))
	log.Infof("Grafting %s into %s on %s", srcDir, dst, branch)
	return ReplaceDir(srcDir, dst)
}

// ReplaceDir makes dst an exact copy of src minus its .git entry.
// The copy is built next to dst and renamed into place, so a failure
// before the swap leaves dst as it was.
func ReplaceDir(src, dst string) error {
	parent, base := filepath.Dir(dst), filepath.Base(dst)
	if err := fileutil.MkdirAll(parent); err != nil {
		return &IOError{Op: "mkdir", Path: parent, Err: err}
	}

	tmp, err := os.MkdirTemp(parent, "."+base+".new-")
	if err != nil {
		return &IOError{Op: "mkdir", Path: parent, Err: err}
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		os.RemoveAll(tmp)
		return &IOError{Op: "chmod", Path: tmp, Err: err}
	}
	if err := fileutil.CopyDir(src, tmp, fileutil.SkipGitDir); err != nil {
		os.RemoveAll(tmp)
		return &IOError{Op: "copy", Path: src, Err: err}
	}

	var aside string
	if fileutil.FileExists(dst) {
		holder, err := os.MkdirTemp(parent, "."+base+".old-")
		if err != nil {
			os.RemoveAll(tmp)
			return &IOError{Op: "mkdir", Path: parent, Err: err}
		}
		aside = filepath.Join(holder, base)
		if err := os.Rename(dst, aside); err != nil {
			os.RemoveAll(tmp)
			os.Remove(holder)
			return &IOError{Op: "rename", Path: dst, Err: err}
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		if aside != "" {
			os.Rename(aside, dst)
			os.Remove(filepath.Dir(aside))
		}
		os.RemoveAll(tmp)
		return &IOError{Op: "rename", Path: tmp, Err: err}
	}

	if aside != "" {
		if err := os.RemoveAll(filepath.Dir(aside)); err != nil {
			return &IOError{Op: "remove", Path: aside, Err: err}
		}
	}
	return nil
}
