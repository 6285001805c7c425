// Package proc starts external commands.
//
// Everything that shells out (rustup, x.py, cargo, the collector) goes
// through an Executor so tests can replace the real processes.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
)

// Cmd describes a command to start.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

func (c *Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// A Process is a started command.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit
	// is reported as an error implementing ExitCode() int.
	Wait() error
}

// An Executor starts commands.
type Executor interface {
	Start(ctx context.Context, cmd *Cmd) (Process, error)
}

// Local runs commands on this machine. Processes are not bound to ctx:
// once started they run until they exit.
type Local struct{}

func (Local) Start(ctx context.Context, cmd *Cmd) (Process, error) {
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) != 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr

	clog.FromContext(ctx).Debugf("Starting %s (dir %q)", cmd, cmd.Dir)
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return c, nil
}

// Run starts cmd and waits for it.
func Run(ctx context.Context, e Executor, cmd *Cmd) error {
	p, err := e.Start(ctx, cmd)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Output runs cmd and returns its combined stdout and stderr.
// On failure the error carries the output too.
func Output(ctx context.Context, e Executor, cmd Cmd) ([]byte, error) {
	var out Buffer
	cmd.Stdout = teeTo(&out, cmd.Stdout)
	cmd.Stderr = teeTo(&out, cmd.Stderr)
	if err := Run(ctx, e, &cmd); err != nil {
		return out.Bytes(), fmt.Errorf("%s: %w: %s", cmd.String(), err, out.Bytes())
	}
	return out.Bytes(), nil
}

func teeTo(buf *Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// Buffer collects output written from several goroutines, such as the
// stdout and stderr copiers of one process.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

// ExitCode returns the exit status carried by err, or -1 when err
// does not describe a process exit.
func ExitCode(err error) int {
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
