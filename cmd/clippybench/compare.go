package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/perf/benchstat"

	"github.com/VKCOM/clippybench/internal/archive"
	"github.com/VKCOM/clippybench/internal/fileutil"
)

// runGroup is one column of a comparison: repeated runs of the same
// configuration, each contributing one sample per stage.
type runGroup struct {
	name  string
	files []string
}

// expandGroup turns a comma-separated list of files and glob patterns
// into a run group.
func expandGroup(arg string) (runGroup, error) {
	g := runGroup{name: arg}
	for _, pattern := range strings.Split(arg, ",") {
		if pattern == "" {
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return g, fmt.Errorf("%s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return g, fmt.Errorf("%s: no matching files", pattern)
		}
		g.files = append(g.files, matches...)
	}
	if len(g.files) == 0 {
		return g, fmt.Errorf("empty run group %q", arg)
	}
	return g, nil
}

// benchmarkText returns the Go benchmark text for file. Run manifests
// (.yaml) are converted, anything else is read as is.
func benchmarkText(file string) (io.Reader, error) {
	if !strings.HasSuffix(file, ".yaml") && !strings.HasSuffix(file, ".yml") {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
	m, err := archive.ReadManifest(file)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := m.WriteBenchmarks(&buf); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return &buf, nil
}

// newComparison loads each group as one benchstat configuration. Deltas
// are tested with the Mann-Whitney U-test unless some group holds a single
// run, in which case they are reported untested.
func newComparison(groups []runGroup, alpha float64) (c *benchstat.Collection, tested bool, err error) {
	tested = true
	for _, g := range groups {
		if len(g.files) < 2 {
			tested = false
		}
	}
	c = &benchstat.Collection{Alpha: alpha, DeltaTest: benchstat.UTest, Order: benchstat.ByName}
	if !tested {
		c.DeltaTest = benchstat.NoDeltaTest
	}

	for _, g := range groups {
		var text bytes.Buffer
		for _, file := range g.files {
			r, err := benchmarkText(file)
			if err != nil {
				return nil, false, err
			}
			if _, err := text.ReadFrom(r); err != nil {
				return nil, false, fmt.Errorf("%s: %w", file, err)
			}
			if n := text.Len(); n > 0 && text.Bytes()[n-1] != '\n' {
				text.WriteByte('\n')
			}
		}
		if err := c.AddFile(g.name, &text); err != nil {
			return nil, false, fmt.Errorf("%s: %w", g.name, err)
		}
	}
	return c, tested, nil
}

func colorizeDeltas(tables []*benchstat.Table) {
	for _, table := range tables {
		for _, row := range table.Rows {
			switch row.Change {
			case -1:
				row.Delta = "\033[31m" + row.Delta + "\033[0m"
			case +1:
				row.Delta = "\033[32m" + row.Delta + "\033[0m"
			}
		}
	}
}

func cmdCompare(args []string) error {
	const usageHelp = `
Usage: clippybench compare [flags] old [new]

Each argument is a run group: a comma-separated list of archived
results-<id>.yaml manifests, benchmark text files or glob patterns.
Every run in a group adds one sample per stage, e.g.

    clippybench compare 'before/*.yaml' 'after/*.yaml'

Deltas are tested for significance only when every group holds at
least two runs.
`

	fs := flag.NewFlagSet("clippybench compare", flag.ExitOnError)
	fs.Usage = func() {
		log.Print(strings.TrimSpace(usageHelp))
		fs.PrintDefaults()
	}
	alpha := fs.Float64("alpha", 0.05,
		"consider a change significant if p < `α`")
	colorize := fs.String("colorize", "auto",
		"colorize significant deltas: auto, true, false")
	fs.Parse(args)

	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return errors.New("expected 1 or 2 run groups")
	}

	var groups []runGroup
	for _, arg := range fs.Args() {
		g, err := expandGroup(arg)
		if err != nil {
			return err
		}
		groups = append(groups, g)
	}
	c, tested, err := newComparison(groups, *alpha)
	if err != nil {
		return err
	}
	if !tested && len(groups) == 2 {
		log.Printf("WARNING: a run group holds a single run, deltas are shown without a significance test")
	}

	tables := c.Tables()
	enableColorize := strings.ToLower(*colorize) == "true"
	if *colorize == "auto" {
		enableColorize = fileutil.IsUnixCharDevice(os.Stdout)
	}
	if enableColorize {
		colorizeDeltas(tables)
	}
	var buf bytes.Buffer
	benchstat.FormatText(&buf, tables)
	_, err = os.Stdout.Write(buf.Bytes())
	return err
}
