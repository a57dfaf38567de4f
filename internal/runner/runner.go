// Package runner executes built invocations as local child processes with a
// hard wall-clock timeout. The child gets its own process group so
// termination reaches ansible's worker forks, and stdout/stderr are kept as
// bounded tails to keep run records small.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTailBytes = 8 << 10
	defaultGrace     = 5 * time.Second
)

// Spec describes one process to run.
type Spec struct {
	Argv    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	Grace   time.Duration

	// Optional live sinks; tails are captured regardless.
	Stdout io.Writer
	Stderr io.Writer
}

// Result reports how the process ended. ExitCode is -1 when the process
// never ran or was killed before exiting on its own.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	StdoutTail string
	StderrTail string
	TimedOut   bool
}

// Runner runs one invocation to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Local runs invocations on the dispatcher host.
type Local struct {
	TailBytes int
	logger    *zap.Logger
}

// NewLocal builds a local runner.
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{logger: logger}
}

// Run starts the process and waits for exit, timeout, or context cancel.
// On timeout the process group gets SIGTERM, then SIGKILL after the grace
// period, and the result carries TimedOut. A non-zero exit is not an error
// here; the caller decides what exit codes mean.
func (l *Local) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}

	tailBytes := l.TailBytes
	if tailBytes <= 0 {
		tailBytes = defaultTailBytes
	}
	outTail := newTailBuffer(tailBytes)
	errTail := newTailBuffer(tailBytes)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	l.logger.Debug("process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("binary", spec.Argv[0]),
		zap.Int("args", len(spec.Argv)-1),
		zap.Duration("timeout", spec.Timeout))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		copyAll(stdoutPipe, outTail, spec.Stdout)
	}()
	go func() {
		defer readers.Done()
		copyAll(stderrPipe, errTail, spec.Stderr)
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	grace := spec.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		waitErr = l.terminate(cmd, done, grace)
	case <-ctx.Done():
		waitErr = l.terminate(cmd, done, grace)
		if waitErr == nil || !errors.Is(waitErr, ctx.Err()) {
			waitErr = ctx.Err()
		}
	}
	readers.Wait()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := Result{
		ExitCode:   exitCode,
		Duration:   time.Since(start),
		StdoutTail: outTail.String(),
		StderrTail: errTail.String(),
		TimedOut:   timedOut,
	}
	l.logger.Debug("process finished",
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", result.Duration),
		zap.Bool("timed_out", timedOut))

	if timedOut {
		return result, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit carries its meaning in the result.
			return result, nil
		}
		return result, waitErr
	}
	return result, nil
}

// terminate signals the process group TERM, waits out the grace period for
// a voluntary exit, then KILLs the group and reaps the child.
func (l *Local) terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) error {
	pid := cmd.Process.Pid
	l.logger.Debug("terminating process group", zap.Int("pid", pid), zap.Duration("grace", grace))
	signalTerm(cmd.Process)
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
	}
	signalKill(cmd.Process)
	return <-done
}

// copyAll drains r into every writer; nil writers are skipped and writer
// errors never stop the drain.
func copyAll(r io.Reader, ws ...io.Writer) {
	br := bufio.NewReader(r)
	buf := make([]byte, 32<<10)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			for _, w := range ws {
				if w == nil {
					continue
				}
				_, _ = w.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// tailBuffer keeps the last size bytes written.
type tailBuffer struct {
	mu   sync.Mutex
	b    []byte
	size int
}

func newTailBuffer(n int) *tailBuffer {
	if n <= 0 {
		n = defaultTailBytes
	}
	return &tailBuffer{b: make([]byte, 0, n), size: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.size {
		t.b = append(t.b[:0], p[len(p)-t.size:]...)
		return len(p), nil
	}
	if len(t.b)+len(p) > t.size {
		drop := len(t.b) + len(p) - t.size
		t.b = t.b[drop:]
	}
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
