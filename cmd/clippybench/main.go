package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/cespare/subcmd"
	"github.com/chainguard-dev/clog"
	"gopkg.in/yaml.v3"

	"github.com/VKCOM/clippybench/internal/benchenv"
)

// Build* variables are initialized during the build via -ldflags.
var (
	BuildVersion string
	BuildTime    string
	BuildOSUname string
	BuildCommit  string
)

func main() {
	log.SetFlags(0)

	cmds := []subcmd.Command{
		{
			Name:        "setup",
			Description: "clone the repositories into the workspace",
			Do:          setupMain,
		},

		{
			Name:        "PR",
			Description: "benchmark a clippy pull request",
			Do:          prMain,
		},

		{
			Name:        "pr",
			Description: "same as PR",
			Do:          prMain,
		},

		{
			Name:        "cleanup",
			Description: "restore the workspace checkouts to their baseline",
			Do:          cleanupMain,
		},

		{
			Name:        "compare",
			Description: "compare archived benchmark runs with benchstat",
			Do:          compareMain,
		},

		{
			Name:        "env",
			Description: "print the effective clippybench configuration",
			Do:          envMain,
		},

		{
			Name:        "version",
			Description: "print clippybench version info",
			Do:          versionMain,
		},
	}

	subcmd.Run(cmds)
}

func versionMain(args []string) {
	if BuildCommit == "" {
		fmt.Printf("clippybench built without version info\n")
	} else {
		fmt.Printf("clippybench version %s\nbuilt on: %s\nos: %s\ncommit: %s\n",
			BuildVersion, BuildTime, BuildOSUname, BuildCommit)
	}
}

func envMain(args []string) {
	if err := cmdEnv(args); err != nil {
		log.Fatalf("clippybench env: error: %v", err)
	}
}

func cmdEnv(args []string) error {
	cfg, err := benchenv.Load(context.Background())
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(cfg.Redacted())
}

func setupMain(args []string) {
	if err := cmdSetup(args); err != nil {
		log.Fatalf("clippybench setup: error: %v", err)
	}
}

func prMain(args []string) {
	if err := cmdPR(args); err != nil {
		log.Fatalf("clippybench PR: error: %v", err)
	}
}

func cleanupMain(args []string) {
	if err := cmdCleanup(args); err != nil {
		log.Fatalf("clippybench cleanup: error: %v", err)
	}
}

func compareMain(args []string) {
	if err := cmdCompare(args); err != nil {
		log.Fatalf("clippybench compare: error: %v", err)
	}
}

// newContext returns the root context carrying the command's logger.
func newContext(debug bool) context.Context {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return clog.WithLogger(context.Background(), logger)
}
