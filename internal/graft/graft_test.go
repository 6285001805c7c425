package graft

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/VKCOM/clippybench/internal/gitrepo"
	"github.com/VKCOM/clippybench/internal/gitrepo/gitrepotest"
)

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func newClippySource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	for name, content := range map[string]string{
		"Cargo.toml":              "[package]\nname = \"clippy\"\n",
		"rust-toolchain":          "[toolchain]\nchannel = \"nightly-2023-06-29\"\n",
		"clippy_lints/src/lib.rs": "// new lints",
		".git/HEAD":               "ref: refs/heads/pr-7\n",
	} {
		full := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return src
}

func TestGraft(t *testing.T) {
	ctx := context.Background()
	fx := gitrepotest.New(t, map[string]string{
		"x.py":                                  "#!/usr/bin/env python3",
		"src/tools/clippy/Cargo.toml":           "[package]\nname = \"clippy\"\nversion = \"old\"\n",
		"src/tools/clippy/clippy_lints/old.rs":  "// removed upstream",
		"src/tools/clippy/tests/ui/obsolete.rs": "// removed upstream",
		"src/tools/rustfmt/Cargo.toml":          "[package]\nname = \"rustfmt\"\n",
	})
	stale := fx.Head()
	base := fx.Commit("bump", map[string]string{"x.py": "#!/usr/bin/env python3\n"})
	// Left behind by a crashed run.
	fx.SetRef("refs/heads/bench/PR-7", stale)

	upstream, err := gitrepo.Open(fx.Dir, nil)
	require.NoError(t, err)
	g := &Grafter{Upstream: upstream, Subdir: "src/tools/clippy"}

	src := newClippySource(t)
	require.NoError(t, g.Graft(ctx, "bench/PR-7", src))

	require.Equal(t, "refs/heads/bench/PR-7", fx.HeadName())
	require.Equal(t, base, fx.Head())

	want := map[string]string{
		"Cargo.toml":              "[package]\nname = \"clippy\"\n",
		"rust-toolchain":          "[toolchain]\nchannel = \"nightly-2023-06-29\"\n",
		"clippy_lints/src/lib.rs": "// new lints",
	}
	if diff := cmp.Diff(want, readTree(t, filepath.Join(fx.Dir, "src/tools/clippy"))); diff != "" {
		t.Errorf("grafted tree mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"clippy", "rustfmt"}, entries(t, filepath.Join(fx.Dir, "src/tools"))); diff != "" {
		t.Errorf("src/tools entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceDirFailureKeepsOld(t *testing.T) {
	parent := t.TempDir()
	dst := filepath.Join(parent, "clippy")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "keep.rs"), []byte("old"), 0o644))

	err := ReplaceDir(filepath.Join(parent, "missing"), dst)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "error = %v, want *IOError", err)
	require.Equal(t, "copy", ioErr.Op)

	require.Equal(t, map[string]string{"keep.rs": "old"}, readTree(t, dst))
	require.Equal(t, []string{"clippy"}, entries(t, parent))
}

func TestReplaceDirCreatesMissing(t *testing.T) {
	src := newClippySource(t)
	dst := filepath.Join(t.TempDir(), "src", "tools", "clippy")

	require.NoError(t, ReplaceDir(src, dst))
	require.Len(t, readTree(t, dst), 3)
	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
}
