// Package cleanup returns the upstream and clippy checkouts to their
// baseline branch after a run, whatever state the run left them in.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/VKCOM/clippybench/internal/fileutil"
	"github.com/VKCOM/clippybench/internal/gitrepo"
)

// Repo is the repository surface cleanup works through.
type Repo interface {
	Path() string
	Head() (plumbing.Hash, error)
	Checkout(ctx context.Context, refName string) (plumbing.Hash, error)
	DeleteBranch(name string) error
	Branches(prefix string) ([]string, error)
	HardReset(commit plumbing.Hash, purgeUntracked bool) error
	Untracked() iter.Seq2[string, error]
}

// Cleaner restores both checkouts. It is safe to run any number of times.
type Cleaner struct {
	Upstream Repo
	Clippy   Repo
	Baseline string // branch both repositories return to
	// BranchPrefix names integration branches. Every branch under it is
	// removed, including ones left by crashed runs.
	BranchPrefix string
}

// Target names the per-run branches to remove. Either may be empty.
type Target struct {
	IntegrationBranch string // upstream
	ChangeBranch      string // clippy
}

// Clean restores the upstream checkout and then the clippy checkout.
// A failure in one does not stop the other; all failures are returned
// joined.
func (c *Cleaner) Clean(ctx context.Context, t Target) error {
	log := clog.FromContext(ctx)

	upErr := c.cleanUpstream(ctx, t.IntegrationBranch)
	if upErr != nil {
		upErr = fmt.Errorf("cleaning upstream %s: %w", c.Upstream.Path(), upErr)
	}
	clErr := c.cleanClippy(ctx, t.ChangeBranch)
	if clErr != nil {
		clErr = fmt.Errorf("cleaning clippy %s: %w", c.Clippy.Path(), clErr)
	}
	if err := errors.Join(upErr, clErr); err != nil {
		return err
	}
	log.Infof("Both checkouts are back on %s", c.Baseline)
	return nil
}

func (c *Cleaner) cleanUpstream(ctx context.Context, integration string) error {
	log := clog.FromContext(ctx)
	repo := c.Upstream

	head, err := repo.Head()
	if err != nil {
		return err
	}
	if err := repo.HardReset(head, false); err != nil {
		return err
	}
	if _, err := repo.Checkout(ctx, c.Baseline); err != nil {
		return err
	}

	branches, err := repo.Branches(c.BranchPrefix)
	if err != nil {
		return err
	}
	if integration != "" {
		branches = append(branches, integration)
	}
	seen := make(map[string]bool)
	for _, b := range branches {
		if seen[b] || b == c.Baseline {
			continue
		}
		seen[b] = true
		err := repo.DeleteBranch(b)
		switch {
		case errors.Is(err, gitrepo.ErrBranchNotFound):
		case err != nil:
			return err
		default:
			log.Infof("Deleted branch %s", b)
		}
	}

	if err := purge(ctx, repo); err != nil {
		return err
	}
	return nil
}

func (c *Cleaner) cleanClippy(ctx context.Context, change string) error {
	repo := c.Clippy
	if _, err := repo.Checkout(ctx, c.Baseline); err != nil {
		return err
	}
	if change != "" && change != c.Baseline {
		if err := repo.DeleteBranch(change); err != nil && !errors.Is(err, gitrepo.ErrBranchNotFound) {
			return err
		}
	}
	return purge(ctx, repo)
}

// purge hard-resets repo with untracked purging, then removes whatever
// status still reports as untracked.
func purge(ctx context.Context, repo Repo) error {
	head, err := repo.Head()
	if err != nil {
		return err
	}
	if err := repo.HardReset(head, true); err != nil {
		return err
	}

	var errs []error
	for p, err := range repo.Untracked() {
		if err != nil {
			return err
		}
		clog.FromContext(ctx).Debugf("Removing leftover %s", p)
		if err := fileutil.ForceRemove(filepath.Join(repo.Path(), filepath.FromSlash(p))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
