package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"

	"github.com/VKCOM/clippybench/internal/benchenv"
	"github.com/VKCOM/clippybench/internal/fileutil"
	"github.com/VKCOM/clippybench/internal/gitrepo/gitrepotest"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes ", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out strings.Builder
		got, err := confirm(strings.NewReader(tt.input), &out, "Continue?")
		require.NoError(t, err)
		require.Equal(t, tt.want, got, "input %q", tt.input)
		require.Equal(t, "Continue? [y/N] ", out.String())
	}
}

func TestSetup(t *testing.T) {
	upstream := gitrepotest.New(t, map[string]string{"x.py": "# x"})
	upstream.Tag("1.74.0", upstream.Head())
	clippy := gitrepotest.New(t, map[string]string{"Cargo.toml": "[package]"})
	perf := gitrepotest.New(t, map[string]string{"Cargo.toml": "[workspace]"})

	root := t.TempDir()
	vars := map[string]string{
		"CLIPPYBENCH_ROOT":         root,
		"CLIPPYBENCH_UPSTREAM_URL": upstream.Dir,
		"CLIPPYBENCH_CLIPPY_URL":   clippy.Dir,
		"CLIPPYBENCH_PERF_URL":     perf.Dir,
	}
	ctx := context.Background()
	cfg, err := benchenv.LoadFrom(ctx, envconfig.MapLookuper(vars))
	require.NoError(t, err)
	require.ErrorIs(t, cfg.CheckSetup(), benchenv.ErrSetupMissing)

	require.NoError(t, setup(ctx, cfg))
	require.NoError(t, cfg.CheckSetup())
	require.True(t, fileutil.FileExists(cfg.Archive()))
	require.True(t, fileutil.FileExists(filepath.Join(cfg.Clippy(), "Cargo.toml")))

	for k, v := range vars {
		t.Setenv(k, v)
	}
	w, err := openWorkspace(ctx)
	require.NoError(t, err)
	tags, err := w.upstream.Tags("1.*.*")
	require.NoError(t, err)
	require.Equal(t, []string{"1.74.0"}, tags)

	// A second setup keeps the existing checkouts.
	before, err := w.upstream.Head()
	require.NoError(t, err)
	upstream.Commit("later", map[string]string{"x.py": "# y"})
	require.NoError(t, setup(ctx, cfg))
	w, err = openWorkspace(ctx)
	require.NoError(t, err)
	after, err := w.upstream.Head()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestOpenWorkspaceRequiresSetup(t *testing.T) {
	t.Setenv("CLIPPYBENCH_ROOT", t.TempDir())
	_, err := openWorkspace(context.Background())
	require.True(t, errors.Is(err, benchenv.ErrSetupMissing), "error = %v", err)
}
