package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/VKCOM/clippybench/internal/perfrun"
	"github.com/VKCOM/clippybench/internal/pipeline"
)

func cmdPR(args []string) error {
	const usageHelp = `
Usage: clippybench PR [flags] <number>

Fetches clippy pull request <number>, grafts it into the upstream rust tree
at the matching release, builds it and benchmarks it with rustc-perf.
Results are archived as archive/results-PR-<number>.db.

Flags may also follow the number, e.g. clippybench PR 11234 -master
`

	fs := flag.NewFlagSet("clippybench PR", flag.ExitOnError)
	fs.Usage = func() {
		log.Print(strings.TrimSpace(usageHelp))
		fs.PrintDefaults()
	}
	flagMaster := fs.Bool("master", false,
		`also benchmark upstream master for comparison`)
	flagTeamcity := fs.Bool("teamcity", false,
		`report stage progress in TeamCity format`)
	flagDebug := fs.Bool("debug", false,
		`print debug info`)
	flagVerbose := fs.Bool("v", false,
		`stream build and benchmark output`)
	flagProfile := fs.String("profile", "",
		`build profile: release or dev; defaults to $CLIPPYBENCH_PROFILE`)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}

	if len(positional) != 1 {
		fs.Usage()
		return errors.New("expected exactly 1 positional argument, the pull request number")
	}
	number, err := strconv.Atoi(positional[0])
	if err != nil || number <= 0 {
		return fmt.Errorf("invalid pull request number %q", positional[0])
	}

	ctx := newContext(*flagDebug)

	// In case error occurs, we want to clear all progress-related text.
	defer flushProgress()

	w, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	if err := w.cfg.FindTools(); err != nil {
		return err
	}

	profileName := *flagProfile
	if profileName == "" {
		profileName = w.cfg.Profile
	}
	profile, err := perfrun.ParseProfile(profileName)
	if err != nil {
		return err
	}

	p, err := w.pipeline(ctx, pipelineOptions{
		profile:  profile,
		teamcity: *flagTeamcity,
		verbose:  *flagVerbose,
	})
	if err != nil {
		return err
	}
	return p.Run(ctx, pipeline.Change{Number: number, Master: *flagMaster})
}
