// Package proctest provides a fake proc.Executor.
package proctest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/VKCOM/clippybench/internal/proc"
)

// ExitError is a fake non-zero process exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }
func (e *ExitError) ExitCode() int { return e.Code }

// HandlerFunc runs in place of a process when it is waited on.
// It may write to cmd.Stdout and cmd.Stderr.
type HandlerFunc func(cmd *proc.Cmd) error

// Executor records every command and dispatches it to a handler
// chosen by command prefix. Later registrations take precedence.
type Executor struct {
	mu       sync.Mutex
	handlers []handler
	events   []string
}

type handler struct {
	prefix string
	fn     HandlerFunc
}

// Handle registers fn for commands whose "name args..." string starts with prefix.
// Commands without a handler exit successfully with no output.
func (e *Executor) Handle(prefix string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler{prefix: prefix, fn: fn})
}

// Events returns the "start ..." and "exit ..." log in order.
func (e *Executor) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// Started returns the commands that were started, in order.
func (e *Executor) Started() []string {
	var cmds []string
	for _, ev := range e.Events() {
		if cmd, ok := strings.CutPrefix(ev, "start "); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func (e *Executor) record(ev string) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *Executor) Start(_ context.Context, cmd *proc.Cmd) (proc.Process, error) {
	line := cmd.String()
	e.record("start " + line)

	e.mu.Lock()
	var fn HandlerFunc
	for i := len(e.handlers) - 1; i >= 0; i-- {
		if h := e.handlers[i]; strings.HasPrefix(line, h.prefix) {
			fn = h.fn
			break
		}
	}
	e.mu.Unlock()
	return &process{e: e, cmd: cmd, fn: fn}, nil
}

type process struct {
	e    *Executor
	cmd  *proc.Cmd
	fn   HandlerFunc
	once sync.Once
	err  error
}

func (p *process) Wait() error {
	p.once.Do(func() {
		if p.fn != nil {
			p.err = p.fn(p.cmd)
		}
		p.e.record("exit " + p.cmd.String())
	})
	return p.err
}
