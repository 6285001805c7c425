package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/blang/semver"
	"github.com/google/go-cmp/cmp"

	"github.com/VKCOM/clippybench/internal/proc"
	"github.com/VKCOM/clippybench/internal/proc/proctest"
)

const rustupOutput = `info: syncing channel updates for 'nightly-2023-06-29-x86_64-unknown-linux-gnu'
info: latest update on 2023-06-29, rust version 1.72.0-nightly (6f65ef57c 2023-06-28)

  nightly-2023-06-29-x86_64-unknown-linux-gnu installed - rustc 1.72.0-nightly (6f65ef57c 2023-06-28)

`

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "toml",
			input: "[toolchain]\nchannel = \"nightly-2023-06-29\"\ncomponents = [\"cargo\", \"rust-src\"]\n",
			want:  "nightly-2023-06-29",
		},
		{
			name:  "legacy",
			input: "nightly-2023-06-29\n",
			want:  "nightly-2023-06-29",
		},
		{
			name:  "legacy with comment",
			input: "# pinned\n\nnightly-2024-01-02\n",
			want:  "nightly-2024-01-02",
		},
		{
			name:    "toml without channel",
			input:   "[toolchain]\ncomponents = [\"cargo\"]\n",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannel([]byte(tt.input))
			if tt.wantErr {
				var parseErr *ParseError
				if !errors.As(err, &parseErr) {
					t.Fatalf("ParseChannel(%q) error = %v, want *ParseError", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChannel(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseChannel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{rustupOutput, "1.72.0-nightly"},
		{"rustc 1.74.1 (a28077b28 2023-12-04)", "1.74.1"},
		{"rustc 1.75.0-beta.3 (b66b7951b 2023-11-20)", "1.75.0-beta.3"},
		{"rustc 1.100.12-nightly", "1.100.12-nightly"},
	}
	for _, tt := range tests {
		got, err := ParseVersion([]byte(tt.input))
		if err != nil {
			t.Errorf("ParseVersion(%q): %v", tt.input, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseVersion(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}

	for _, bad := range []string{"", "error: toolchain 'nightly' is not installed", "cargo 1.72.0-nightly", "rustc one.two.three"} {
		_, err := ParseVersion([]byte(bad))
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("ParseVersion(%q) error = %v, want *ParseError", bad, err)
		}
	}
}

func TestResolveTarget(t *testing.T) {
	const beta = "remotes/origin/beta"
	stable := func(maxMinor int) []string {
		var tags []string
		for minor := 0; minor <= maxMinor; minor++ {
			tags = append(tags, fmt.Sprintf("1.%d.0", minor))
		}
		return tags
	}

	tests := []struct {
		name    string
		pinned  string
		tags    []string
		want    Target
		wantErr bool
	}{
		{
			name:   "tagged release",
			pinned: "1.75.0-nightly",
			tags:   []string{"1.73.0", "1.74.0", "1.74.1"},
			want:   Target{Revision: "1.74.0", Version: semver.MustParse("1.74.0")},
		},
		{
			name:   "next release is on beta",
			pinned: "1.80.0-nightly",
			tags:   stable(78),
			want:   Target{Revision: beta, Version: semver.MustParse("1.79.0"), Prerelease: true},
		},
		{
			name:    "too far ahead",
			pinned:  "1.90.0",
			tags:    stable(70),
			wantErr: true,
		},
		{
			name:    "behind latest but untagged",
			pinned:  "1.50.3",
			tags:    stable(70),
			wantErr: true,
		},
		{
			name:   "unparsable tags are ignored",
			pinned: "1.3.0",
			tags:   []string{"1.0.0", "1.1.0", "1.x.0"},
			want:   Target{Revision: beta, Version: semver.MustParse("1.2.0"), Prerelease: true},
		},
		{
			name:    "minor zero",
			pinned:  "2.0.0",
			tags:    stable(70),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveTarget(semver.MustParse(tt.pinned), tt.tags, beta)
			if tt.wantErr {
				var resolveErr *VersionResolutionError
				if !errors.As(err, &resolveErr) {
					t.Fatalf("ResolveTarget error = %v, want *VersionResolutionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveTarget: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ResolveTarget mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveTargetProperties(t *testing.T) {
	tags := []string{"1.60.0", "1.61.0", "1.62.0", "1.62.1"}
	for minor := uint64(1); minor < 80; minor++ {
		pinned := semver.Version{Major: 1, Minor: minor}
		got, err := ResolveTarget(pinned, tags, "beta")
		switch {
		case minor >= 61 && minor <= 63:
			if err != nil || got.Revision != fmt.Sprintf("1.%d.0", minor-1) {
				t.Errorf("pinned %s: got %+v, %v; want tag", pinned, got, err)
			}
		case minor == 64:
			if err != nil || !got.Prerelease || got.Revision != "beta" {
				t.Errorf("pinned %s: got %+v, %v; want beta", pinned, got, err)
			}
		default:
			var resolveErr *VersionResolutionError
			if !errors.As(err, &resolveErr) {
				t.Errorf("pinned %s: got %+v, %v; want *VersionResolutionError", pinned, got, err)
			}
		}
	}
}

func TestFindDeclaration(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindDeclaration(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("FindDeclaration in empty dir: error = %v, want os.ErrNotExist", err)
	}

	toml := filepath.Join(dir, "rust-toolchain.toml")
	if err := os.WriteFile(toml, []byte("[toolchain]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := FindDeclaration(dir); err != nil || got != toml {
		t.Errorf("FindDeclaration = %q, %v; want %q", got, err, toml)
	}

	legacy := filepath.Join(dir, "rust-toolchain")
	if err := os.WriteFile(legacy, []byte("nightly\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := FindDeclaration(dir); err != nil || got != legacy {
		t.Errorf("FindDeclaration = %q, %v; want %q", got, err, legacy)
	}
}

type recordingTags struct {
	tags     []string
	patterns []string
}

func (r *recordingTags) Tags(pattern string) ([]string, error) {
	r.patterns = append(r.patterns, pattern)
	return r.tags, nil
}

func TestResolver(t *testing.T) {
	dir := t.TempDir()
	decl := filepath.Join(dir, "rust-toolchain")
	if err := os.WriteFile(decl, []byte("[toolchain]\nchannel = \"nightly-2023-06-29\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := &proctest.Executor{}
	exec.Handle("rustup install", func(cmd *proc.Cmd) error {
		fmt.Fprint(cmd.Stdout, rustupOutput)
		return nil
	})
	upstream := &recordingTags{tags: []string{"1.69.0", "1.70.0", "1.71.0"}}
	r := &Resolver{
		Upstream:      upstream,
		TagPattern:    "1.*.*",
		PrereleaseRef: "remotes/origin/beta",
		Exec:          exec,
		Rustup:        "rustup",
	}

	got, err := r.Resolve(context.Background(), decl)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Target{Revision: "1.71.0", Version: semver.MustParse("1.71.0")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rustup install nightly-2023-06-29"}, exec.Started()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1.*.*"}, upstream.patterns); diff != "" {
		t.Errorf("tag patterns mismatch (-want +got):\n%s", diff)
	}

	exec = &proctest.Executor{}
	exec.Handle("rustup", func(cmd *proc.Cmd) error {
		fmt.Fprint(cmd.Stdout, "info: downloading component 'rustc'\n")
		return nil
	})
	r.Exec = exec
	_, err = r.Resolve(context.Background(), decl)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("Resolve with no banner: error = %v, want *ParseError", err)
	}

	exec = &proctest.Executor{}
	exec.Handle("rustup", func(cmd *proc.Cmd) error {
		return &proctest.ExitError{Code: 1}
	})
	r.Exec = exec
	if _, err := r.Resolve(context.Background(), decl); proc.ExitCode(err) != 1 {
		t.Errorf("Resolve with failing rustup: error = %v, want exit status 1", err)
	}
}
