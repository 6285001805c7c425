// Package gitrepo is a thin adapter over a git working copy.
//
// Every mutation of the upstream and clippy working trees goes through a Repo.
// Callers never touch the .git directory directly.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

var (
	ErrRefNotFound     = errors.New("ref not found")
	ErrAmbiguousRef    = errors.New("ambiguous ref")
	ErrBranchExists    = errors.New("branch already exists")
	ErrBranchNotFound  = errors.New("branch not found")
	errEmptyBranchName = errors.New("branch name cannot be empty")
)

// NetworkError reports a failed conversation with a remote.
type NetworkError struct {
	Remote string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Remote, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Repo is an opened working copy.
type Repo struct {
	path        string
	repo        *git.Repository
	tokenSource oauth2.TokenSource
}

// Open opens the working copy at dir. The token source may be nil,
// in which case remotes are contacted anonymously.
func Open(dir string, tokenSource oauth2.TokenSource) (*Repo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return &Repo{path: dir, repo: repo, tokenSource: tokenSource}, nil
}

// Clone clones url into dir and opens the result.
func Clone(ctx context.Context, url, dir string, tokenSource oauth2.TokenSource) (*Repo, error) {
	r := &Repo{path: dir, tokenSource: tokenSource}
	auth, err := r.auth()
	if err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Infof("Cloning %s into %s", url, dir)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
		Tags: git.AllTags,
	})
	if err != nil {
		return nil, &NetworkError{Remote: url, Err: err}
	}
	r.repo = repo
	return r, nil
}

// Path returns the working tree root.
func (r *Repo) Path() string {
	return r.path
}

func (r *Repo) auth() (transport.AuthMethod, error) {
	if r.tokenSource == nil {
		return nil, nil
	}
	token, err := r.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

// FetchRef fetches remoteRef (for example "refs/pull/42/head") from remote
// into the local branch localName, overwriting it if it already exists.
func (r *Repo) FetchRef(ctx context.Context, remote, remoteRef, localName string) error {
	if localName == "" {
		return errEmptyBranchName
	}
	spec := fmt.Sprintf("+%s:%s", remoteRef, plumbing.NewBranchReferenceName(localName))
	return r.fetch(ctx, remote, gitconfig.RefSpec(spec))
}

// FetchBranch updates the remote tracking branch remote/branch.
func (r *Repo) FetchBranch(ctx context.Context, remote, branch string) error {
	spec := fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(branch), plumbing.NewRemoteReferenceName(remote, branch))
	return r.fetch(ctx, remote, gitconfig.RefSpec(spec))
}

// FetchTags updates every tag from remote.
func (r *Repo) FetchTags(ctx context.Context, remote string) error {
	return r.fetch(ctx, remote, gitconfig.RefSpec("+refs/tags/*:refs/tags/*"))
}

func (r *Repo) fetch(ctx context.Context, remote string, spec gitconfig.RefSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("refspec %s: %w", spec, err)
	}
	auth, err := r.auth()
	if err != nil {
		return err
	}

	clog.FromContext(ctx).Debugf("Fetching %s from %s in %s", spec, remote, r.path)
	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
		Force:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, git.NoMatchingRefSpecError{}):
		return fmt.Errorf("fetch %s: %w", spec.Src(), ErrRefNotFound)
	case errors.Is(err, git.ErrRemoteNotFound):
		return fmt.Errorf("remote %s: %w", remote, ErrRefNotFound)
	}
	return &NetworkError{Remote: remote, Err: err}
}

// revisionCandidates lists the places a short name is looked up, in the
// same order git itself uses.
var revisionCandidates = []string{
	"%s",
	"refs/%s",
	"refs/tags/%s",
	"refs/heads/%s",
	"refs/remotes/%s",
	"refs/remotes/%s/HEAD",
}

// Resolve resolves name (a branch, tag, remote branch such as
// "remotes/origin/beta", full ref or full commit hash) to a commit.
func (r *Repo) Resolve(name string) (plumbing.Hash, error) {
	h, _, err := r.resolve(name)
	return h, err
}

// resolve also reports the local branch name matched, if any.
func (r *Repo) resolve(name string) (plumbing.Hash, plumbing.ReferenceName, error) {
	if name == "" {
		return plumbing.ZeroHash, "", fmt.Errorf("empty ref: %w", ErrRefNotFound)
	}
	if name == "HEAD" {
		head, err := r.repo.Head()
		if err != nil {
			return plumbing.ZeroHash, "", fmt.Errorf("HEAD: %w", ErrRefNotFound)
		}
		return head.Hash(), "", nil
	}

	found := make(map[plumbing.Hash]bool)
	var branch plumbing.ReferenceName
	var last plumbing.Hash
	for _, format := range revisionCandidates {
		refName := plumbing.ReferenceName(fmt.Sprintf(format, name))
		ref, err := r.repo.Reference(refName, true)
		if err != nil {
			continue
		}
		h, err := r.peel(ref.Hash())
		if err != nil {
			return plumbing.ZeroHash, "", fmt.Errorf("%s: %w", refName, err)
		}
		if refName.IsBranch() {
			branch = refName
		}
		found[h] = true
		last = h
	}
	if plumbing.IsHash(name) {
		if c, err := r.repo.CommitObject(plumbing.NewHash(name)); err == nil {
			found[c.Hash] = true
			last = c.Hash
		}
	}

	switch len(found) {
	case 0:
		return plumbing.ZeroHash, "", fmt.Errorf("%s: %w", name, ErrRefNotFound)
	case 1:
		return last, branch, nil
	}
	return plumbing.ZeroHash, "", fmt.Errorf("%s matches %d objects: %w", name, len(found), ErrAmbiguousRef)
}

// peel follows annotated tags down to the commit they point at.
func (r *Repo) peel(h plumbing.Hash) (plumbing.Hash, error) {
	if tag, err := r.repo.TagObject(h); err == nil {
		c, err := tag.Commit()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return c.Hash, nil
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return c.Hash, nil
}

// Head returns the commit HEAD currently points at.
func (r *Repo) Head() (plumbing.Hash, error) {
	return r.Resolve("HEAD")
}

// CurrentBranch returns the short name of the checked out branch,
// or "" when HEAD is detached.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", err
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// Checkout forces the tracked files of the working tree to refName and moves
// HEAD. Untracked and ignored files are kept. Local branches are checked out
// attached; anything else leaves HEAD detached at the resolved commit, which
// is returned so callers can pin to it.
func (r *Repo) Checkout(ctx context.Context, refName string) (plumbing.Hash, error) {
	h, branch, err := r.resolve(refName)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	head := plumbing.NewHashReference(plumbing.HEAD, h)
	if branch != "" {
		head = plumbing.NewSymbolicReference(plumbing.HEAD, branch)
	}
	clog.FromContext(ctx).Debugf("Checking out %s (%s) in %s", refName, h, r.path)
	if err := r.repo.Storer.SetReference(head); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("moving HEAD to %s: %w", refName, err)
	}
	if err := r.HardReset(h, false); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("checking out %s: %w", refName, err)
	}
	return h, nil
}

// CreateBranch points the local branch name at commit. It fails with
// ErrBranchExists if the branch is present and overwrite is false.
func (r *Repo) CreateBranch(name string, at plumbing.Hash, overwrite bool) error {
	if name == "" {
		return errEmptyBranchName
	}
	refName := plumbing.NewBranchReferenceName(name)
	if !overwrite {
		if _, err := r.repo.Reference(refName, false); err == nil {
			return fmt.Errorf("%s: %w", name, ErrBranchExists)
		}
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, at)); err != nil {
		return fmt.Errorf("setting branch reference: %w", err)
	}
	return nil
}

// DeleteBranch removes the local branch name. Deleting a branch that does
// not exist fails with ErrBranchNotFound.
func (r *Repo) DeleteBranch(name string) error {
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, false); err != nil {
		return fmt.Errorf("%s: %w", name, ErrBranchNotFound)
	}
	if err := r.repo.Storer.RemoveReference(refName); err != nil {
		return fmt.Errorf("removing branch %s: %w", name, err)
	}
	return nil
}

// Branches lists local branches whose short name starts with prefix.
func (r *Repo) Branches(prefix string) ([]string, error) {
	refs, err := r.repo.Branches()
	if err != nil {
		return nil, err
	}
	var names []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// HardReset discards every modification of tracked files in the working
// tree and index, moving the current branch to commit. Untracked and ignored
// files are left alone unless purgeUntracked is set, in which case files and
// directories that are neither tracked nor ignored are removed.
func (r *Repo) HardReset(commit plumbing.Hash, purgeUntracked bool) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	tracked, err := r.trackedPaths(commit)
	if err != nil {
		return err
	}
	// An empty file list resets every path, untracked ones included.
	opts := &git.ResetOptions{Commit: commit, Mode: git.HardReset, Files: tracked}
	if len(tracked) == 0 {
		opts = &git.ResetOptions{Commit: commit, Mode: git.SoftReset}
	}
	if err := wt.Reset(opts); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	if !purgeUntracked {
		return nil
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	return nil
}

// trackedPaths lists the paths in the index together with the files of
// commit's tree: everything a reset to commit may need to write or delete.
func (r *Repo) trackedPaths(commit plumbing.Hash) ([]string, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	c, err := r.repo.CommitObject(commit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", commit, ErrRefNotFound)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree of %s: %w", commit, err)
	}

	seen := make(map[string]bool, len(idx.Entries))
	var paths []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, e := range idx.Entries {
		add(e.Name)
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		add(f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tree of %s: %w", commit, err)
	}
	return paths, nil
}

// Untracked yields the slash-separated relative paths that are currently
// untracked. Status is computed when iteration starts, so each range over the
// sequence sees a fresh view. Paths removed mid-iteration are still yielded.
func (r *Repo) Untracked() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		wt, err := r.repo.Worktree()
		if err != nil {
			yield("", fmt.Errorf("getting worktree: %w", err))
			return
		}
		status, err := wt.Status()
		if err != nil {
			yield("", fmt.Errorf("getting worktree status: %w", err))
			return
		}
		var paths []string
		for p, s := range status {
			if s.Worktree == git.Untracked {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)
		for _, p := range paths {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Tags returns the sorted names of all tags matching the glob pattern,
// for example "1.*.*".
func (r *Repo) Tags(pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("tag pattern %q: %w", pattern, err)
	}
	refs, err := r.repo.Tags()
	if err != nil {
		return nil, err
	}
	var names []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}
