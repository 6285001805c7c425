// Package pipeline benchmarks one clippy pull request end to end.
//
// A run fetches the change, resolves the upstream revision it belongs on,
// grafts it into the upstream tree, builds, benchmarks and archives the
// results. Whatever happens, the run finishes by restoring both checkouts
// to their baseline branch so the next run starts from the same state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/VKCOM/clippybench/internal/archive"
	"github.com/VKCOM/clippybench/internal/cleanup"
	"github.com/VKCOM/clippybench/internal/gitrepo"
	"github.com/VKCOM/clippybench/internal/graft"
	"github.com/VKCOM/clippybench/internal/perfrun"
	"github.com/VKCOM/clippybench/internal/teamcity"
	"github.com/VKCOM/clippybench/internal/toolchain"
)

// Stage is a state of the run state machine.
type Stage string

const (
	Idle         Stage = "idle"
	Fetching     Stage = "fetching"
	Resolving    Stage = "resolving"
	Grafting     Stage = "grafting"
	Building     Stage = "building"
	Benchmarking Stage = "benchmarking"
	Archiving    Stage = "archiving"
	CleaningUp   Stage = "cleaning up"
	Failed       Stage = "failed"
)

// Change is the pull request under test.
type Change struct {
	Number int
	// Master also benchmarks the upstream baseline for comparison.
	Master bool
}

// RunID tags the change's benchmark results.
func (c Change) RunID() string { return fmt.Sprintf("PR-%d", c.Number) }

// Branch is the local clippy branch the change is fetched into.
func (c Change) Branch() string { return fmt.Sprintf("pr-%d", c.Number) }

// PullRef is the remote ref the change is fetched from.
func (c Change) PullRef() string { return fmt.Sprintf("refs/pull/%d/head", c.Number) }

// BaselineRunID tags the baseline comparison results benchmarked on day.
func BaselineRunID(day time.Time) string {
	return "master-" + day.Format(time.DateOnly)
}

// StageError reports the stage a run failed in.
type StageError struct {
	RunID string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline holds everything a run needs. Runs must not overlap: the
// checkouts are shared.
type Pipeline struct {
	Upstream *gitrepo.Repo
	Clippy   *gitrepo.Repo
	Perf     *gitrepo.Repo

	Remote       string
	Baseline     string
	BranchPrefix string
	Profile      perfrun.Profile
	// RefreshBranches, if set, are fetched from the upstream remote along
	// with its tags before resolving, so new releases are seen.
	RefreshBranches []string

	Resolver *toolchain.Resolver
	Grafter  *graft.Grafter
	Runner   *perfrun.Runner
	Archiver *archive.Archiver
	Cleaner  *cleanup.Cleaner

	// TeamCity, if set, receives a test per stage.
	TeamCity *teamcity.Logger
	// Transition, if set, is called on every state change.
	Transition func(from, to Stage)
	// Now defaults to time.Now.
	Now func() time.Time
}

// IntegrationBranch is the upstream branch c is grafted onto.
func (p *Pipeline) IntegrationBranch(c Change) string {
	return p.BranchPrefix + c.RunID()
}

// CleanupTarget names the branches a run of c may leave behind.
func (p *Pipeline) CleanupTarget(c Change) cleanup.Target {
	return cleanup.Target{IntegrationBranch: p.IntegrationBranch(c), ChangeBranch: c.Branch()}
}

type run struct {
	p      *Pipeline
	change Change
	id     string
	tc     *teamcity.Logger

	state    Stage
	target   toolchain.Target
	bins     perfrun.Binaries
	manifest archive.Manifest
}

type step struct {
	stage Stage
	name  string
	fn    func(ctx context.Context) error
}

// Run benchmarks c. The returned error is a *StageError for the first stage
// that failed, joined with a cleanup failure if there was one.
func (p *Pipeline) Run(ctx context.Context, c Change) error {
	if c.Number <= 0 {
		return fmt.Errorf("invalid pull request number %d", c.Number)
	}

	r := &run{p: p, change: c, id: c.RunID(), tc: p.TeamCity, state: Idle}
	if r.tc == nil {
		r.tc = teamcity.NewLogger(io.Discard)
	}
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("run", r.id))
	log := clog.FromContext(ctx)

	start := p.now()
	r.manifest = archive.Manifest{
		Change:  c.Number,
		RunID:   r.id,
		Profile: string(p.Profile),
		Started: start,
	}
	r.tc.TestSuiteStarted(r.id)
	defer func() { r.tc.TestSuiteFinished(r.id, p.now().Sub(start)) }()

	steps := []step{
		{Fetching, "fetch", r.fetch},
		{Resolving, "resolve", r.resolve},
		{Grafting, "graft", r.graft},
		{Building, "build/change", r.build},
		{Benchmarking, "bench/change", r.bench(r.id)},
	}
	if c.Master {
		steps = append(steps,
			step{Building, "build/baseline", r.buildBaseline},
			step{Benchmarking, "bench/baseline", r.bench(BaselineRunID(start))},
		)
	}

	var runErr error
	for i, s := range steps {
		if err := r.do(ctx, s); err != nil {
			runErr = &StageError{RunID: r.id, Stage: s.stage, Err: err}
			for _, skipped := range steps[i+1:] {
				r.tc.TestIgnored(skipped.name, "earlier stage failed")
				r.manifest.Stages = append(r.manifest.Stages, archive.StageOutcome{Name: skipped.name, Outcome: archive.OutcomeSkipped})
			}
			break
		}
	}

	if runErr != nil {
		r.enter(ctx, Failed)
		log.Errorf("Run failed: %v", runErr)
		r.enter(ctx, CleaningUp)
		r.archive(ctx)
	} else {
		r.enter(ctx, Archiving)
		r.archive(ctx)
		r.enter(ctx, CleaningUp)
	}

	r.tc.TestStarted("cleanup")
	cleanStart := p.now()
	if err := p.Cleaner.Clean(ctx, p.CleanupTarget(c)); err != nil {
		log.Errorf("Cleanup incomplete: %v", err)
		r.tc.TestFailed("cleanup", err)
		runErr = errors.Join(runErr, &StageError{RunID: r.id, Stage: CleaningUp, Err: err})
	}
	r.tc.TestFinished("cleanup", p.now().Sub(cleanStart))
	r.enter(ctx, Idle)
	return runErr
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (r *run) enter(ctx context.Context, s Stage) {
	from := r.state
	r.state = s
	clog.FromContext(ctx).Debugf("State %s -> %s", from, s)
	if r.p.Transition != nil {
		r.p.Transition(from, s)
	}
}

// do runs one step, recording its outcome.
func (r *run) do(ctx context.Context, s step) error {
	r.enter(ctx, s.stage)
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("stage", string(s.stage)))
	r.tc.TestStarted(s.name)

	start := r.p.now()
	err := s.fn(ctx)
	elapsed := r.p.now().Sub(start)

	outcome := archive.StageOutcome{Name: s.name, Outcome: archive.OutcomeOK, Duration: elapsed}
	if err != nil {
		outcome.Outcome = archive.OutcomeFailed
		outcome.Error = err.Error()
		r.tc.TestFailed(s.name, err)
	}
	r.manifest.Stages = append(r.manifest.Stages, outcome)
	r.tc.TestFinished(s.name, elapsed)
	return err
}

func (r *run) fetch(ctx context.Context) error {
	if len(r.p.RefreshBranches) != 0 {
		up := r.p.Upstream
		if err := up.FetchTags(ctx, r.p.Remote); err != nil {
			return fmt.Errorf("refreshing upstream tags: %w", err)
		}
		for _, b := range r.p.RefreshBranches {
			if err := up.FetchBranch(ctx, r.p.Remote, b); err != nil {
				return fmt.Errorf("refreshing upstream %s: %w", b, err)
			}
		}
	}

	clippy := r.p.Clippy
	if err := clippy.FetchRef(ctx, r.p.Remote, r.change.PullRef(), r.change.Branch()); err != nil {
		return err
	}
	h, err := clippy.Checkout(ctx, r.change.Branch())
	if err != nil {
		return err
	}
	clog.FromContext(ctx).Infof("Checked out %s at %s", r.change.Branch(), h)
	return nil
}

func (r *run) resolve(ctx context.Context) error {
	decl, err := toolchain.FindDeclaration(r.p.Clippy.Path())
	if err != nil {
		return err
	}
	target, err := r.p.Resolver.Resolve(ctx, decl)
	if err != nil {
		return err
	}
	r.target = target
	r.manifest.TargetRevision = target.Revision
	return nil
}

func (r *run) graft(ctx context.Context) error {
	if _, err := r.p.Upstream.Checkout(ctx, r.target.Revision); err != nil {
		return err
	}
	return r.p.Grafter.Graft(ctx, r.p.IntegrationBranch(r.change), r.p.Clippy.Path())
}

// build starts the upstream build, prepares the collector while it runs and
// then waits for the build.
func (r *run) build(ctx context.Context) error {
	b, err := r.p.Runner.StartBuild(ctx, r.p.Upstream.Path(), r.p.Profile)
	if err != nil {
		return err
	}
	collectorErr := r.p.Runner.PrepareCollector(ctx, r.p.Perf, r.p.Remote, r.p.Baseline)
	if collectorErr != nil {
		clog.FromContext(ctx).Warnf("Collector preparation failed, still waiting for the build: %v", collectorErr)
	}
	bins, err := b.Wait(ctx)
	if err != nil {
		return err
	}
	if collectorErr != nil {
		return collectorErr
	}
	r.bins = bins
	return nil
}

// buildBaseline rebuilds the upstream baseline branch without the graft.
func (r *run) buildBaseline(ctx context.Context) error {
	up := r.p.Upstream
	h, err := up.Checkout(ctx, r.p.Baseline)
	if err != nil {
		return err
	}
	if err := up.HardReset(h, true); err != nil {
		return err
	}
	return r.build(ctx)
}

func (r *run) bench(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		r.manifest.ArtifactIDs = append(r.manifest.ArtifactIDs, id)
		return r.p.Runner.Bench(ctx, r.p.Perf.Path(), r.bins, id)
	}
}

// archive keeps whatever results exist. Failures are only logged.
func (r *run) archive(ctx context.Context) {
	log := clog.FromContext(ctx)
	r.manifest.Finished = r.p.now()
	err := r.p.Archiver.Archive(ctx, &r.manifest)
	switch {
	case errors.Is(err, archive.ErrResultMissing):
		log.Warnf("No results to archive: %v", err)
	case err != nil:
		log.Errorf("Archiving failed: %v", err)
	}
}
