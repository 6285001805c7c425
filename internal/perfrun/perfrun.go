// Package perfrun builds clippy inside an upstream checkout and runs the
// rustc-perf collector against the result.
package perfrun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/VKCOM/clippybench/internal/proc"
)

// Profile selects how the upstream tree is configured for the build.
type Profile string

const (
	ProfileRelease Profile = "release"
	ProfileDev     Profile = "dev"
)

var releaseSettings = []string{
	"rust.lto=thin",
	"build.extended=false",
	"rust.jemalloc=true",
	"rust.codegen-units=1",
	"rust.codegen-units-std=1",
	"rust.debug=false",
	"rust.optimize=true",
	"rust.incremental=false",
	"llvm.download-ci-llvm=true",
}

var devSettings = []string{
	"llvm.download-ci-llvm=true",
}

// ParseProfile accepts "release" and "dev".
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(s); p {
	case ProfileRelease, ProfileDev:
		return p, nil
	}
	return "", fmt.Errorf("unknown build profile %q (want %q or %q)", s, ProfileRelease, ProfileDev)
}

// BuildArgs returns the x.py arguments that build clippy with profile p.
func (p Profile) BuildArgs() []string {
	args := []string{"build", "src/tools/clippy", "--stage=1"}
	settings := devSettings
	if p == ProfileRelease {
		settings = releaseSettings
	}
	for _, s := range settings {
		args = append(args, "--set", s)
	}
	return args
}

// BuildFailure is a non-zero exit (or failure to start) of the build.
type BuildFailure struct {
	Cmd      string
	ExitCode int
	Err      error
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("build failed (exit code %d): %s: %v", e.ExitCode, e.Cmd, e.Err)
}

func (e *BuildFailure) Unwrap() error { return e.Err }

// BenchmarkFailure is a non-zero exit (or failure to start) of the collector.
type BenchmarkFailure struct {
	RunID    string
	Cmd      string
	ExitCode int
	Err      error
}

func (e *BenchmarkFailure) Error() string {
	return fmt.Sprintf("benchmark %s failed (exit code %d): %s: %v", e.RunID, e.ExitCode, e.Cmd, e.Err)
}

func (e *BenchmarkFailure) Unwrap() error { return e.Err }

// Binaries are the build outputs the collector is pointed at.
type Binaries struct {
	Rustc       string
	CargoClippy string
}

// Runner starts the external build and benchmark processes.
type Runner struct {
	Exec proc.Executor

	// BinDir is where the build leaves its binaries, relative to the
	// upstream checkout.
	BinDir string
	Cargo  string

	// Output receives the output of every child process. Nil discards it.
	// The build and the collector write to it concurrently.
	Output io.Writer
	// Progress, if set, is called periodically while waiting on a process.
	Progress         func(msg string)
	ProgressInterval time.Duration

	// SysRoot is where HostIssues looks for /sys before benchmarking.
	// Empty skips the check.
	SysRoot string
}

// Build is a running build of the upstream tree.
type Build struct {
	r       *Runner
	cmd     *proc.Cmd
	p       proc.Process
	out     *lineCounter
	started time.Time
	bins    Binaries
}

// StartBuild launches the build in upstreamDir and returns without waiting.
func (r *Runner) StartBuild(ctx context.Context, upstreamDir string, profile Profile) (*Build, error) {
	out := &lineCounter{w: r.output()}
	cmd := &proc.Cmd{
		Name:   "./x",
		Args:   profile.BuildArgs(),
		Dir:    upstreamDir,
		Stdout: out,
		Stderr: out,
	}
	clog.FromContext(ctx).Infof("Starting %s build: %s", profile, cmd)
	p, err := r.Exec.Start(ctx, cmd)
	if err != nil {
		return nil, &BuildFailure{Cmd: cmd.String(), ExitCode: -1, Err: err}
	}
	binDir := filepath.Join(upstreamDir, filepath.FromSlash(r.BinDir))
	return &Build{
		r:       r,
		cmd:     cmd,
		p:       p,
		out:     out,
		started: time.Now(),
		bins: Binaries{
			Rustc:       filepath.Join(binDir, "rustc"),
			CargoClippy: filepath.Join(binDir, "cargo-clippy"),
		},
	}, nil
}

// Wait blocks until the build exits and returns the binaries it produced.
func (b *Build) Wait(ctx context.Context) (Binaries, error) {
	err := b.r.wait(b.p, func(lines int) string {
		return fmt.Sprintf("building clippy: %s elapsed, %d lines of output...", time.Since(b.started).Truncate(time.Second), lines)
	}, b.out)
	if err != nil {
		return Binaries{}, &BuildFailure{Cmd: b.cmd.String(), ExitCode: proc.ExitCode(err), Err: err}
	}
	clog.FromContext(ctx).Infof("Build finished in %s", time.Since(b.started).Truncate(time.Second))
	return b.bins, nil
}

// CollectorRepo is the rustc-perf checkout.
type CollectorRepo interface {
	Path() string
	FetchBranch(ctx context.Context, remote, branch string) error
	Checkout(ctx context.Context, refName string) (plumbing.Hash, error)
	Resolve(name string) (plumbing.Hash, error)
	HardReset(commit plumbing.Hash, purgeUntracked bool) error
}

// PrepareCollector brings the collector checkout up to date with
// remote/branch and rebuilds it. It blocks until cargo exits.
func (r *Runner) PrepareCollector(ctx context.Context, repo CollectorRepo, remote, branch string) error {
	log := clog.FromContext(ctx)

	if err := repo.FetchBranch(ctx, remote, branch); err != nil {
		return fmt.Errorf("fetching collector %s/%s: %w", remote, branch, err)
	}
	if _, err := repo.Checkout(ctx, branch); err != nil {
		return fmt.Errorf("checking out collector %s: %w", branch, err)
	}
	tip, err := repo.Resolve("remotes/" + remote + "/" + branch)
	if err != nil {
		return fmt.Errorf("resolving collector %s/%s: %w", remote, branch, err)
	}
	if err := repo.HardReset(tip, false); err != nil {
		return fmt.Errorf("updating collector to %s: %w", tip, err)
	}
	log.Infof("Collector at %s, rebuilding", tip)

	var out proc.Buffer
	w := io.MultiWriter(&out, r.output())
	cmd := &proc.Cmd{
		Name:   r.Cargo,
		Args:   []string{"build", "--release"},
		Dir:    repo.Path(),
		Stdout: w,
		Stderr: w,
	}
	if err := proc.Run(ctx, r.Exec, cmd); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd, err, tail(out.Bytes(), 4096))
	}
	return nil
}

// Bench runs the collector from collectorDir against bins, recording the
// results under runID, and waits for it to exit.
func (r *Runner) Bench(ctx context.Context, collectorDir string, bins Binaries, runID string) error {
	out := &lineCounter{w: r.output()}
	cmd := &proc.Cmd{
		Name: "./target/release/collector",
		Args: []string{
			"bench_local", bins.Rustc,
			"--profiles", "Clippy",
			"--clippy", bins.CargoClippy,
			"--id", runID,
		},
		Dir:    collectorDir,
		Stdout: out,
		Stderr: out,
	}
	log := clog.FromContext(ctx)
	if r.SysRoot != "" {
		for _, issue := range HostIssues(r.SysRoot) {
			log.Warnf("Benchmark timings may be noisy: %s", issue)
		}
	}
	log.Infof("Benchmarking %s: %s", runID, cmd)
	p, err := r.Exec.Start(ctx, cmd)
	if err != nil {
		return &BenchmarkFailure{RunID: runID, Cmd: cmd.String(), ExitCode: -1, Err: err}
	}
	err = r.wait(p, func(lines int) string {
		return fmt.Sprintf("running %s benchmarks: %d lines of output...", runID, lines)
	}, out)
	if err != nil {
		return &BenchmarkFailure{RunID: runID, Cmd: cmd.String(), ExitCode: proc.ExitCode(err), Err: err}
	}
	return nil
}

func (r *Runner) output() io.Writer {
	if r.Output == nil {
		return io.Discard
	}
	return r.Output
}

// wait blocks on p, reporting progress every ProgressInterval while
// out keeps growing.
func (r *Runner) wait(p proc.Process, status func(lines int) string, out *lineCounter) error {
	ch := make(chan error, 1)
	go func() {
		ch <- p.Wait()
	}()
	if r.Progress == nil {
		return <-ch
	}

	interval := r.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer r.Progress("")

	reported := -1
	for {
		select {
		case err := <-ch:
			return err
		case <-ticker.C:
			if lines := out.Lines(); lines != reported {
				reported = lines
				r.Progress(status(lines))
			}
		}
	}
}

// lineCounter forwards writes to w and counts newlines.
type lineCounter struct {
	mu    sync.Mutex
	w     io.Writer
	lines int
}

func (c *lineCounter) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.lines += bytes.Count(p, []byte("\n"))
	c.mu.Unlock()
	return c.w.Write(p)
}

func (c *lineCounter) Lines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
