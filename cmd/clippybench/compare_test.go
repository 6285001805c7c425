package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/perf/benchstat"
	"gopkg.in/yaml.v3"

	"github.com/VKCOM/clippybench/internal/archive"
)

func writeManifest(t *testing.T, dir string, m *archive.Manifest) string {
	t.Helper()
	data, err := yaml.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, archive.ManifestName(m.RunID))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// writeRuns archives one manifest per build duration into a fresh
// directory and returns a glob matching them.
func writeRuns(t *testing.T, change int, builds ...time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	for i, build := range builds {
		writeManifest(t, dir, &archive.Manifest{
			Change: change,
			RunID:  fmt.Sprintf("PR-%d-%d", change, i),
			Stages: []archive.StageOutcome{
				{Name: "build/change", Outcome: archive.OutcomeOK, Duration: build},
				{Name: "bench/change", Outcome: archive.OutcomeFailed, Error: "exit status 101"},
			},
		})
	}
	return filepath.Join(dir, "*.yaml")
}

func compareGroups(t *testing.T, args ...string) (*benchstat.Collection, bool) {
	t.Helper()
	var groups []runGroup
	for _, arg := range args {
		g, err := expandGroup(arg)
		require.NoError(t, err)
		groups = append(groups, g)
	}
	c, tested, err := newComparison(groups, 0.05)
	require.NoError(t, err)
	return c, tested
}

func TestCompareRunGroups(t *testing.T) {
	before := writeRuns(t, 7, time.Hour, time.Hour+time.Minute, time.Hour-time.Minute)
	after := writeRuns(t, 8, 2*time.Hour, 2*time.Hour+time.Minute, 2*time.Hour-time.Minute)

	c, tested := compareGroups(t, before, after)
	require.True(t, tested)
	tables := c.Tables()
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Rows, 1, "failed stages are not compared")

	row := tables[0].Rows[0]
	require.Equal(t, "Stage/build/change", row.Benchmark)
	require.Len(t, row.Metrics, 2)
	for _, m := range row.Metrics {
		require.Len(t, m.RValues, 3)
	}
	// Three samples a side cannot reach p < 0.05 under the U-test.
	require.Equal(t, "~", row.Delta)
	require.Equal(t, "(p=0.100 n=3+3)", row.Note)
}

func TestCompareSignificant(t *testing.T) {
	var before, after []time.Duration
	for i := range 5 {
		before = append(before, time.Hour+time.Duration(i)*time.Minute)
		after = append(after, 2*time.Hour+time.Duration(i)*time.Minute)
	}
	c, tested := compareGroups(t, writeRuns(t, 7, before...), writeRuns(t, 8, after...))
	require.True(t, tested)

	row := c.Tables()[0].Rows[0]
	require.True(t, strings.HasPrefix(row.Delta, "+"), "delta = %q", row.Delta)
	require.Equal(t, -1, row.Change, "longer builds are a regression")
	require.Equal(t, "(p=0.008 n=5+5)", row.Note)
}

func TestCompareSingleRuns(t *testing.T) {
	before := writeRuns(t, 7, time.Hour)
	after := writeRuns(t, 8, 2*time.Hour, 2*time.Hour)

	c, tested := compareGroups(t, before, after)
	require.False(t, tested)
	tables := c.Tables()
	row := tables[0].Rows[0]
	require.Equal(t, "+100.00%", row.Delta)
	require.Empty(t, row.Note)

	var buf bytes.Buffer
	benchstat.FormatText(&buf, tables)
	require.Contains(t, buf.String(), "build/change")
	require.NotContains(t, buf.String(), "bench/change")
}

func TestExpandGroup(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yaml", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	g, err := expandGroup(filepath.Join(dir, "*.yaml") + "," + filepath.Join(dir, "c.txt"))
	require.NoError(t, err)
	want := []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml"), filepath.Join(dir, "c.txt")}
	if diff := cmp.Diff(want, g.files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	_, err = expandGroup(filepath.Join(dir, "*.db"))
	require.Error(t, err)
	_, err = expandGroup(",")
	require.Error(t, err)
}

func TestBenchmarkTextPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.txt")
	const text = "BenchmarkStage/build 1 100 ns/op\n"
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	r, err := benchmarkText(path)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	require.Equal(t, text, buf.String())

	_, err = benchmarkText(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
