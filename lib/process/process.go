// Package process runs a child process whose stdin and stdout carry a framed stream.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Options configures a forked process.
type Options struct {
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string
	// Stderr receives the child's stderr. Defaults to os.Stderr. It is never mixed into
	// Stdout, which carries protocol frames.
	Stderr io.Writer
	// GracePeriod is how long Close waits for the child to exit after stdin is closed
	// before killing it.
	GracePeriod time.Duration
}

// DefaultOptions returns options with no arguments and a two second grace period.
func DefaultOptions() *Options {
	return &Options{GracePeriod: 2 * time.Second}
}

// Process is a running child connected through OS pipes. The child owns its ends of
// the pipes directly, so its exit is observed without any input from the host.
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	grace  time.Duration

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Fork starts path with opts. A nil opts uses DefaultOptions.
func Fork(path string, opts *Options) (*Process, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	cmd := exec.Command(path, opts.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Dir = opts.Dir
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// bounds the stderr copy when a grandchild keeps the descriptor open
	cmd.WaitDelay = opts.GracePeriod

	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut

	err = cmd.Start()
	// the child holds its own copies now
	childIn.Close()
	childOut.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start process %s: %w", path, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		grace:  opts.GracePeriod,
		exited: make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Stdin is the write side of the child's standard input.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout is the read side of the child's standard output.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the child has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Wait blocks until the child exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.waitErr != nil {
		return fmt.Errorf("process exited with error: %w", p.waitErr)
	}
	return nil
}

// Close closes the child's stdio, waits up to the grace period for it to exit, then
// kills it. Output not yet read from Stdout is discarded.
func (p *Process) Close() error {
	var closeErr error
	p.waitOnce.Do(func() {
		if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			closeErr = fmt.Errorf("failed to close stdin: %w", err)
		}
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close stdout: %w", err))
		}

		select {
		case <-p.exited:
		case <-time.After(p.grace):
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				closeErr = errors.Join(closeErr, fmt.Errorf("failed to kill process: %w", err))
			}
			<-p.exited
		}
	})
	return closeErr
}
