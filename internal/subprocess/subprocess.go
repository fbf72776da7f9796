// Package subprocess runs external tools (inference binaries, ffmpeg) with
// stdin wired before start and a hard deadline.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when a process outlives its deadline.
	ErrTimeout = errors.New("subprocess timed out")

	// ErrNoOutput is returned when a process succeeds but writes nothing.
	ErrNoOutput = errors.New("subprocess produced no output")
)

// gracePeriod is how long a process gets after SIGINT before SIGKILL.
const gracePeriod = 100 * time.Millisecond

// Runner executes commands with a default timeout.
type Runner struct {
	defaultTimeout time.Duration
}

// NewRunner creates a runner. A non-positive timeout defaults to 30s.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{defaultTimeout: timeout}
}

// Timeout returns the runner's default timeout.
func (r *Runner) Timeout() time.Duration { return r.defaultTimeout }

// Command describes a single invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin io.Reader

	// Stdout receives the process output. When nil, output is discarded.
	Stdout io.Writer
}

// Run executes cmd and waits for it. The deadline is the earlier of ctx's
// and the runner's timeout. On timeout the process is interrupted, then
// killed, and ErrTimeout is returned.
func (r *Runner) Run(ctx context.Context, c Command) error {
	ctx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
	defer cancel()

	cmd := exec.Command(c.Name, c.Args...)

	// CRITICAL: stdin is set before Start so the child never races the writer
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	} else {
		cmd.Stdin = strings.NewReader("")
	}
	cmd.Stdout = c.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// grandchildren holding stderr open must not stall Wait after a kill
	cmd.WaitDelay = 10 * gracePeriod

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s failed: %w, stderr: %s", c.Name, err, lastLine(stderr.String()))
		}
		return nil

	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(gracePeriod):
			_ = cmd.Process.Kill()
			<-done
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w after %v", c.Name, ErrTimeout, r.defaultTimeout)
		}
		return fmt.Errorf("%s cancelled: %w", c.Name, ctx.Err())
	}
}

// RunToFile runs cmd with stdout streamed into path and fails with
// ErrNoOutput when the file ends up empty.
func (r *Runner) RunToFile(ctx context.Context, c Command, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	c.Stdout = f
	runErr := r.Run(ctx, c)
	closeErr := f.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return fmt.Errorf("%s: %w", c.Name, ErrNoOutput)
	}
	return nil
}

// CheckBinary reports whether name resolves on PATH.
func CheckBinary(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return p, nil
}

// lastLine keeps error messages short; tools like ffmpeg print banners.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
