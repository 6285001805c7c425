package main

import (
	"flag"
	"fmt"
	"os"
)

func printProgress(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "\033[2K\r%s", msg)
}

func flushProgress() {
	printProgress("")
}

// parseInterspersed parses args allowing flags after positional arguments,
// so "PR 42 -master" works like "PR -master 42". Arguments after "--" are
// always positional.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			return append(positional, rest...), nil
		}
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}
