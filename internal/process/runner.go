// Package process runs external commands with a hard timeout and a cap on
// captured output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var ErrOutputTooLarge = errors.New("process output exceeds limit")

// Result holds what a finished command wrote.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner is the process-exec abstraction the dispatcher and the disk probes
// depend on.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

type ExecRunner struct {
	Timeout   time.Duration
	MaxOutput int64
}

func NewExecRunner(timeout time.Duration, maxOutput int64) *ExecRunner {
	return &ExecRunner{Timeout: timeout, MaxOutput: maxOutput}
}

// Run executes name with args. A non-zero exit, a timeout or output beyond
// MaxOutput yields an error; the partial Result is returned alongside it.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, r.Timeout)
		defer cancelTimeout()
	}

	stdout := &cappedBuffer{limit: r.MaxOutput, onOverflow: cancel}
	stderr := &cappedBuffer{limit: r.MaxOutput}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	switch {
	case stdout.Overflowed():
		return result, fmt.Errorf("%s: %w (%d bytes)", name, ErrOutputTooLarge, r.MaxOutput)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return result, fmt.Errorf("%s timed out after %s: %w", name, r.Timeout, context.DeadlineExceeded)
	case err != nil:
		if msg := strings.TrimSpace(result.Stderr); msg != "" {
			return result, fmt.Errorf("%s failed: %w: %s", name, err, msg)
		}
		return result, fmt.Errorf("%s failed: %w", name, err)
	}

	return result, nil
}

// cappedBuffer keeps at most limit bytes and reports overflow once.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflow   bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return b.buf.Write(p)
	}

	remaining := b.limit - int64(b.buf.Len())
	if int64(len(p)) <= remaining {
		return b.buf.Write(p)
	}

	if remaining > 0 {
		b.buf.Write(p[:remaining])
	}
	if !b.overflow {
		b.overflow = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
	}
	// Swallow the rest so the child is not blocked on a full pipe before it is killed
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}
