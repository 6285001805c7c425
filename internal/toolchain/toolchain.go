// Package toolchain works out which upstream revision a clippy change
// should be benchmarked against.
//
// A clippy change pins a nightly toolchain. Clippy is developed against the
// upcoming release, so the upstream tree that hosts it is one minor version
// behind the pinned nightly: either a stable tag, or the beta branch when
// that release has not been tagged yet.
package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver"
	"github.com/chainguard-dev/clog"

	"github.com/VKCOM/clippybench/internal/proc"
)

// ParseError means a toolchain declaration or rustc version banner
// could not be understood.
type ParseError struct {
	What  string // what was being parsed
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	input := e.Input
	if len(input) > 200 {
		input = input[:200] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %v: %q", e.What, e.Err, input)
	}
	return fmt.Sprintf("parse %s: no match in %q", e.What, input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// VersionResolutionError means the pinned toolchain does not line up with
// the tags the upstream repository exposes.
type VersionResolutionError struct {
	Pinned         semver.Version
	Target         semver.Version
	MaxStableMinor uint64
	Reason         string
}

func (e *VersionResolutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("resolve upstream revision for toolchain %s: %s", e.Pinned, e.Reason)
	}
	return fmt.Sprintf("resolve upstream revision for toolchain %s: %s is neither tagged nor the next release (latest stable minor is %d)",
		e.Pinned, e.Target, e.MaxStableMinor)
}

// Target is the upstream revision chosen to host a change.
type Target struct {
	// Revision is a tag name or the pre-release tracking branch.
	Revision string
	// Version is the release the revision corresponds to.
	Version semver.Version
	// Prerelease is set when Revision is the pre-release branch.
	Prerelease bool
}

type toolchainFile struct {
	Toolchain struct {
		Channel string `toml:"channel"`
	} `toml:"toolchain"`
}

// ParseChannel extracts the toolchain channel (such as "nightly-2023-06-29")
// from a rust-toolchain file. Both the TOML form with a [toolchain] table and
// the legacy single-line form are accepted.
func ParseChannel(data []byte) (string, error) {
	var f toolchainFile
	if _, err := toml.Decode(string(data), &f); err == nil {
		if ch := strings.TrimSpace(f.Toolchain.Channel); ch != "" {
			return ch, nil
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.ContainsAny(line, "[]=\" ") {
			break
		}
		return line, nil
	}
	return "", &ParseError{What: "toolchain channel", Input: string(data)}
}

// ReadChannel reads and parses the rust-toolchain file at path.
func ReadChannel(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ParseChannel(data)
}

// DeclarationNames are the file names a toolchain declaration may have,
// in lookup order.
var DeclarationNames = []string{"rust-toolchain", "rust-toolchain.toml"}

// FindDeclaration returns the toolchain declaration in dir.
func FindDeclaration(dir string) (string, error) {
	for _, name := range DeclarationNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no %s in %s: %w", strings.Join(DeclarationNames, " or "), dir, os.ErrNotExist)
}

// rustcBanner is "rustc <major>.<minor>.<patch>[-<suffix>]".
var rustcBanner = regexp.MustCompile(`\brustc (\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z][0-9A-Za-z.]*))?`)

// ParseVersion finds the first rustc version banner in out, as printed by
// "rustup install" or "rustc -V". The suffix (nightly, beta.3) becomes the
// pre-release part of the returned version.
func ParseVersion(out []byte) (semver.Version, error) {
	m := rustcBanner.FindSubmatch(out)
	if m == nil {
		return semver.Version{}, &ParseError{What: "rustc version", Input: string(out)}
	}

	var v semver.Version
	for i, dst := range []*uint64{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.ParseUint(string(m[i+1]), 10, 64)
		if err != nil {
			return semver.Version{}, &ParseError{What: "rustc version", Input: string(m[0]), Err: err}
		}
		*dst = n
	}
	if suffix := string(m[4]); suffix != "" {
		for _, part := range strings.Split(suffix, ".") {
			pr, err := semver.NewPRVersion(part)
			if err != nil {
				return semver.Version{}, &ParseError{What: "rustc version", Input: string(m[0]), Err: err}
			}
			v.Pre = append(v.Pre, pr)
		}
	}
	return v, nil
}

// Query installs channel with rustup and returns the rustc version it reports.
func Query(ctx context.Context, e proc.Executor, rustup, channel string) (semver.Version, error) {
	clog.FromContext(ctx).Infof("Installing toolchain %s to learn its version", channel)
	out, err := proc.Output(ctx, e, proc.Cmd{
		Name: rustup,
		Args: []string{"install", channel},
	})
	if err != nil {
		return semver.Version{}, err
	}
	return ParseVersion(out)
}

// ResolveTarget picks the upstream revision for a change pinned to the
// toolchain version pinned. The target release is pinned with its minor
// version decremented. If a tag named exactly after that release is in tags,
// it is the target. If the release is exactly one minor past the newest tag,
// it is still in beta and prereleaseRef is the target. Anything else is a
// *VersionResolutionError.
func ResolveTarget(pinned semver.Version, tags []string, prereleaseRef string) (Target, error) {
	if pinned.Minor == 0 {
		return Target{}, &VersionResolutionError{Pinned: pinned, Reason: "minor version 0 has no predecessor"}
	}
	want := semver.Version{Major: pinned.Major, Minor: pinned.Minor - 1, Patch: pinned.Patch}
	name := want.String()

	var maxMinor uint64
	for _, tag := range tags {
		if tag == name {
			return Target{Revision: tag, Version: want}, nil
		}
		v, err := semver.Parse(tag)
		if err != nil {
			continue
		}
		maxMinor = max(maxMinor, v.Minor)
	}

	if want.Minor == maxMinor+1 {
		return Target{Revision: prereleaseRef, Version: want, Prerelease: true}, nil
	}
	return Target{}, &VersionResolutionError{Pinned: pinned, Target: want, MaxStableMinor: maxMinor}
}

// TagLister lists tag names matching a glob pattern.
type TagLister interface {
	Tags(pattern string) ([]string, error)
}

// Resolver resolves the target revision for the change currently checked
// out in the clippy tree. It only reads from the upstream repository.
type Resolver struct {
	Upstream      TagLister
	TagPattern    string // stable release tags, e.g. "1.*.*"
	PrereleaseRef string // e.g. "remotes/origin/beta"
	Exec          proc.Executor
	Rustup        string
}

// Resolve reads the toolchain declaration at declPath and returns the
// upstream target for it.
func (r *Resolver) Resolve(ctx context.Context, declPath string) (Target, error) {
	log := clog.FromContext(ctx)

	channel, err := ReadChannel(declPath)
	if err != nil {
		return Target{}, fmt.Errorf("read toolchain declaration: %w", err)
	}
	pinned, err := Query(ctx, r.Exec, r.Rustup, channel)
	if err != nil {
		return Target{}, fmt.Errorf("query toolchain %s: %w", channel, err)
	}
	log.Infof("Toolchain %s is rustc %s", channel, pinned)

	tags, err := r.Upstream.Tags(r.TagPattern)
	if err != nil {
		return Target{}, fmt.Errorf("list tags %s: %w", r.TagPattern, err)
	}
	log.Debugf("Found %d stable tags", len(tags))

	target, err := ResolveTarget(pinned, tags, r.PrereleaseRef)
	if err != nil {
		return Target{}, err
	}
	log.Infof("Target revision is %s (release %s)", target.Revision, target.Version)
	return target, nil
}
