package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesExitCode(t *testing.T) {
	local := NewLocal(nil)
	result, err := local.Run(context.Background(), Spec{
		Argv: []string{"/bin/sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code=%d, want 3", result.ExitCode)
	}
	if result.TimedOut {
		t.Fatalf("unexpected timeout")
	}
}

func TestRunCapturesTails(t *testing.T) {
	local := NewLocal(nil)
	result, err := local.Run(context.Background(), Spec{
		Argv: []string{"/bin/sh", "-c", "echo out-line; echo err-line 1>&2"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(result.StdoutTail, "out-line") {
		t.Fatalf("stdout tail=%q", result.StdoutTail)
	}
	if !strings.Contains(result.StderrTail, "err-line") {
		t.Fatalf("stderr tail=%q", result.StderrTail)
	}
}

func TestRunTimeoutTerminatesProcess(t *testing.T) {
	local := NewLocal(nil)
	start := time.Now()
	result, err := local.Run(context.Background(), Spec{
		Argv:    []string{"/bin/sh", "-c", "sleep 30"},
		Timeout: 150 * time.Millisecond,
		Grace:   150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout is reported in the result, not as an error: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected TimedOut")
	}
	if result.ExitCode == 0 {
		t.Fatalf("timed-out run must not report success")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("termination took %s, process was not killed", elapsed)
	}
}

func TestRunContextCancel(t *testing.T) {
	local := NewLocal(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := local.Run(ctx, Spec{
		Argv:  []string{"/bin/sh", "-c", "sleep 30"},
		Grace: 150 * time.Millisecond,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestRunTailIsBounded(t *testing.T) {
	local := NewLocal(nil)
	local.TailBytes = 64
	result, err := local.Run(context.Background(), Spec{
		Argv: []string{"/bin/sh", "-c", "i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.StdoutTail) > 64 {
		t.Fatalf("tail len=%d, want <= 64", len(result.StdoutTail))
	}
	if !strings.Contains(result.StdoutTail, "0123456789") {
		t.Fatalf("tail should keep the newest output: %q", result.StdoutTail)
	}
}

func TestRunStreamsOutput(t *testing.T) {
	local := NewLocal(nil)
	var stream bytes.Buffer
	_, err := local.Run(context.Background(), Spec{
		Argv:   []string{"/bin/sh", "-c", "echo streamed"},
		Stdout: &stream,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stream.String(), "streamed") {
		t.Fatalf("stream=%q", stream.String())
	}
}

func TestRunPassesEnv(t *testing.T) {
	local := NewLocal(nil)
	result, err := local.Run(context.Background(), Spec{
		Argv: []string{"/bin/sh", "-c", "echo user=$APB_SSH_USER"},
		Env:  []string{"APB_SSH_USER=svc_ansible"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(result.StdoutTail, "user=svc_ansible") {
		t.Fatalf("stdout tail=%q", result.StdoutTail)
	}
}

func TestRunEmptyArgv(t *testing.T) {
	local := NewLocal(nil)
	if _, err := local.Run(context.Background(), Spec{}); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestTailBufferKeepsNewest(t *testing.T) {
	tail := newTailBuffer(8)
	for _, chunk := range []string{"aaaa", "bbbb", "cccc"} {
		if _, err := tail.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := tail.String(); got != "bbbbcccc" {
		t.Fatalf("tail=%q, want bbbbcccc", got)
	}
	if _, err := tail.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := tail.String(); got != "89abcdef" {
		t.Fatalf("tail=%q, want 89abcdef", got)
	}
}
