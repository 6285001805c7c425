package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/VKCOM/clippybench/internal/archive"
	"github.com/VKCOM/clippybench/internal/benchenv"
	"github.com/VKCOM/clippybench/internal/cleanup"
	"github.com/VKCOM/clippybench/internal/gitrepo"
	"github.com/VKCOM/clippybench/internal/graft"
	"github.com/VKCOM/clippybench/internal/perfrun"
	"github.com/VKCOM/clippybench/internal/pipeline"
	"github.com/VKCOM/clippybench/internal/proc"
	"github.com/VKCOM/clippybench/internal/teamcity"
	"github.com/VKCOM/clippybench/internal/toolchain"
)

// workspace is a provisioned set of checkouts.
type workspace struct {
	cfg      *benchenv.Config
	upstream *gitrepo.Repo
	clippy   *gitrepo.Repo
	perf     *gitrepo.Repo
}

// openWorkspace loads the configuration and opens the checkouts. It fails
// with benchenv.ErrSetupMissing when setup has not completed.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := benchenv.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckSetup(); err != nil {
		return nil, err
	}

	w := &workspace{cfg: cfg}
	ts := cfg.TokenSource()
	for _, r := range []struct {
		dst  **gitrepo.Repo
		path string
	}{
		{&w.upstream, cfg.Upstream()},
		{&w.clippy, cfg.Clippy()},
		{&w.perf, cfg.Perf()},
	} {
		repo, err := gitrepo.Open(r.path, ts)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", r.path, err)
		}
		*r.dst = repo
	}
	return w, nil
}

func (w *workspace) cleaner() *cleanup.Cleaner {
	return &cleanup.Cleaner{
		Upstream:     w.upstream,
		Clippy:       w.clippy,
		Baseline:     w.cfg.Baseline,
		BranchPrefix: w.cfg.BranchPrefix,
	}
}

func (w *workspace) archiver(ctx context.Context) (*archive.Archiver, error) {
	a := &archive.Archiver{
		ResultPath: w.cfg.Results(),
		Dir:        w.cfg.Archive(),
	}
	if bc, ok := w.cfg.BucketConfig(); ok {
		u, err := archive.NewBucketUploader(bc)
		if err != nil {
			return nil, fmt.Errorf("archive mirror: %w", err)
		}
		clog.FromContext(ctx).Infof("Mirroring archives to bucket %s", bc.Bucket)
		a.Mirror = u
	}
	return a, nil
}

type pipelineOptions struct {
	profile  perfrun.Profile
	teamcity bool
	// verbose streams child process output instead of showing progress.
	verbose bool
}

func (w *workspace) pipeline(ctx context.Context, opts pipelineOptions) (*pipeline.Pipeline, error) {
	cfg := w.cfg
	exec := proc.Local{}

	runner := &perfrun.Runner{
		Exec:    exec,
		BinDir:  cfg.BinDir,
		Cargo:   cfg.Cargo,
		SysRoot: "/",
	}
	if opts.verbose {
		runner.Output = os.Stderr
	} else {
		runner.Progress = func(msg string) {
			if msg == "" {
				flushProgress()
				return
			}
			printProgress("%s", msg)
		}
	}

	a, err := w.archiver(ctx)
	if err != nil {
		return nil, err
	}

	p := &pipeline.Pipeline{
		Upstream: w.upstream,
		Clippy:   w.clippy,
		Perf:     w.perf,

		Remote:          cfg.Remote,
		Baseline:        cfg.Baseline,
		BranchPrefix:    cfg.BranchPrefix,
		Profile:         opts.profile,
		RefreshBranches: []string{prereleaseBranch(cfg)},

		Resolver: &toolchain.Resolver{
			Upstream:      w.upstream,
			TagPattern:    cfg.TagPattern,
			PrereleaseRef: cfg.PrereleaseRef,
			Exec:          exec,
			Rustup:        cfg.Rustup,
		},
		Grafter:  &graft.Grafter{Upstream: w.upstream, Subdir: cfg.ClippySubdir},
		Runner:   runner,
		Archiver: a,
		Cleaner:  w.cleaner(),

		Transition: func(from, to pipeline.Stage) {
			clog.FromContext(ctx).Infof("%s -> %s", from, to)
		},
	}
	if opts.teamcity {
		p.TeamCity = teamcity.NewLogger(os.Stdout)
	}
	return p, nil
}

// prereleaseBranch is the remote branch behind cfg.PrereleaseRef, such as
// "beta" for "remotes/origin/beta".
func prereleaseBranch(cfg *benchenv.Config) string {
	ref := cfg.PrereleaseRef
	for _, prefix := range []string{"refs/remotes/", "remotes/"} {
		if rest, ok := strings.CutPrefix(ref, prefix); ok {
			ref = rest
			break
		}
	}
	if branch, ok := strings.CutPrefix(ref, cfg.Remote+"/"); ok {
		return branch
	}
	return ref
}
