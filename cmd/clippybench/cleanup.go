package main

import (
	"errors"
	"flag"

	"github.com/chainguard-dev/clog"

	"github.com/VKCOM/clippybench/internal/cleanup"
	"github.com/VKCOM/clippybench/internal/pipeline"
)

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("clippybench cleanup", flag.ExitOnError)
	flagPR := fs.Int("pr", 0,
		`also remove the branches of this pull request's run`)
	flagDebug := fs.Bool("debug", false,
		`print debug info`)
	fs.Parse(args)

	if fs.NArg() != 0 {
		return errors.New("unexpected positional arguments")
	}

	ctx := newContext(*flagDebug)
	w, err := openWorkspace(ctx)
	if err != nil {
		return err
	}

	var target cleanup.Target
	if *flagPR > 0 {
		p := &pipeline.Pipeline{BranchPrefix: w.cfg.BranchPrefix}
		target = p.CleanupTarget(pipeline.Change{Number: *flagPR})
	}
	if err := w.cleaner().Clean(ctx, target); err != nil {
		return err
	}
	clog.FromContext(ctx).Infof("Workspace is back on %s", w.cfg.Baseline)
	return nil
}
