package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/VKCOM/clippybench/internal/benchenv"
	"github.com/VKCOM/clippybench/internal/fileutil"
	"github.com/VKCOM/clippybench/internal/gitrepo"
)

var errSetupDeclined = errors.New("setup declined")

func cmdSetup(args []string) error {
	fs := flag.NewFlagSet("clippybench setup", flag.ExitOnError)
	flagYes := fs.Bool("y", false,
		`do not ask for confirmation`)
	flagDebug := fs.Bool("debug", false,
		`print debug info`)
	fs.Parse(args)

	ctx := newContext(*flagDebug)
	cfg, err := benchenv.Load(ctx)
	if err != nil {
		return err
	}

	if !*flagYes {
		ok, err := confirm(os.Stdin, os.Stderr, fmt.Sprintf(
			"This clones rust, rust-clippy and rustc-perf into %s (several GB). Continue?", cfg.Root))
		if err != nil {
			return err
		}
		if !ok {
			return errSetupDeclined
		}
	}
	return setup(ctx, cfg)
}

// setup clones whatever checkouts are missing, then marks the workspace
// ready. Checkouts that already exist are kept as they are.
func setup(ctx context.Context, cfg *benchenv.Config) error {
	log := clog.FromContext(ctx)
	ts := cfg.TokenSource()

	repos := []struct {
		url string
		dir string
	}{
		{cfg.UpstreamURL, cfg.Upstream()},
		{cfg.ClippyURL, cfg.Clippy()},
		{cfg.PerfURL, cfg.Perf()},
	}
	for _, r := range repos {
		if fileutil.FileExists(filepath.Join(r.dir, ".git")) {
			log.Infof("%s already exists, skipping clone", r.dir)
			continue
		}
		if _, err := gitrepo.Clone(ctx, r.url, r.dir, ts); err != nil {
			return err
		}
	}

	if err := fileutil.MkdirAll(cfg.Archive()); err != nil {
		return err
	}
	if err := cfg.MarkSetup(); err != nil {
		return err
	}
	log.Infof("Setup completed in %s", cfg.Root)
	return nil
}

// confirm asks a yes/no question; only "y" or "yes" is a yes.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
