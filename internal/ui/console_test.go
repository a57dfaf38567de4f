package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kubekattle/apb/internal/dispatch"
)

func phaseEvent(name, state, message string) dispatch.StreamEvent {
	return dispatch.StreamEvent{
		Kind:  dispatch.StreamEventPhase,
		Phase: &dispatch.PhasePayload{Name: name, State: state, Message: message},
	}
}

func logEvent(level, message string) dispatch.StreamEvent {
	return dispatch.StreamEvent{
		Kind: dispatch.StreamEventLog,
		Log:  &dispatch.LogPayload{Level: level, Message: message},
	}
}

func TestConsolePhaseChipsFollowEvents(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, Metadata{Playbook: "site.yml"}, ConsoleOptions{Enabled: true, Width: 120})

	c.HandleDispatchEvent(phaseEvent(dispatch.PhaseClassify, "running", ""))
	c.HandleDispatchEvent(phaseEvent(dispatch.PhaseClassify, "succeeded", "profile=linux"))
	c.HandleDispatchEvent(phaseEvent(dispatch.PhaseExecute, "failed", "exit 2"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if got := c.phases[dispatch.PhaseClassify].State; got != "succeeded" {
		t.Fatalf("classify state=%q, want %q", got, "succeeded")
	}
	if got := c.phases[dispatch.PhaseExecute].State; got != "failed" {
		t.Fatalf("execute state=%q, want %q", got, "failed")
	}
	if got := c.phases[dispatch.PhaseCredentials].State; got != "pending" {
		t.Fatalf("credentials state=%q, want %q", got, "pending")
	}
}

func TestConsoleOutputTailDedupAndClamp(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, Metadata{}, ConsoleOptions{Enabled: true, Width: 120})

	c.HandleDispatchEvent(logEvent("info", "a"))
	c.HandleDispatchEvent(logEvent("info", "a")) // dedup
	for _, msg := range []string{"b", "c", "d", "e", "f", "g", "h", "i"} {
		c.HandleDispatchEvent(logEvent("info", msg))
	}

	c.mu.Lock()
	got := append([]string(nil), c.tail...)
	c.mu.Unlock()

	if len(got) != outputTailLimit {
		t.Fatalf("tail length=%d, want %d (%v)", len(got), outputTailLimit, got)
	}
	if got[0] != "b" || got[len(got)-1] != "i" {
		t.Fatalf("unexpected tail window: %v", got)
	}
}

func TestConsoleWarningBannerPersists(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, Metadata{}, ConsoleOptions{Enabled: true, Width: 120})

	c.HandleDispatchEvent(logEvent("warn", "target matched no hosts"))
	c.HandleDispatchEvent(logEvent("info", "PLAY [all]"))
	c.HandleDispatchEvent(logEvent("info", "TASK [ping]"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warning == nil {
		t.Fatal("warning banner dropped by info chatter")
	}
	if c.warning.Message != "target matched no hosts" {
		t.Fatalf("warning message=%q", c.warning.Message)
	}
}

func TestConsoleRunEventFillsMetadata(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, Metadata{}, ConsoleOptions{Enabled: true, Width: 120})

	c.HandleDispatchEvent(dispatch.StreamEvent{
		Kind: dispatch.StreamEventRun,
		Run: &dispatch.RunPayload{
			Playbook:      "site.yml",
			TargetServers: "webservers",
			Inventory:     "/etc/ansible/hosts",
			CheckMode:     true,
		},
	})

	c.mu.Lock()
	meta := c.metadata
	c.mu.Unlock()
	if meta.Playbook != "site.yml" || meta.TargetServers != "webservers" || !meta.CheckMode {
		t.Fatalf("metadata=%+v", meta)
	}
	if !strings.Contains(buf.String(), "check mode") {
		t.Fatal("check mode missing from the metadata line")
	}
}

func TestConsoleDoneClearsPaintedRegion(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, Metadata{Playbook: "site.yml"}, ConsoleOptions{Enabled: true, Width: 120})

	c.HandleDispatchEvent(phaseEvent(dispatch.PhaseClassify, "running", ""))
	c.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalLines != 0 || c.sections != nil {
		t.Fatalf("console not reset: totalLines=%d sections=%d", c.totalLines, len(c.sections))
	}
	if !strings.Contains(buf.String(), "\x1b[J") {
		t.Fatal("Done must erase the painted region")
	}
}

func TestConsoleDisabledWritesNothing(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, Metadata{Playbook: "site.yml"}, ConsoleOptions{Enabled: false})

	c.HandleDispatchEvent(phaseEvent(dispatch.PhaseClassify, "running", ""))
	c.HandleDispatchEvent(logEvent("warn", "boom"))
	c.Done()

	if buf.Len() != 0 {
		t.Fatalf("disabled console wrote %q", buf.String())
	}
}

func TestClampLineTrimsWideOutput(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := clampLine(long, 80)
	if len([]rune(got)) != 80 {
		t.Fatalf("clamped width=%d, want 80", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatal("clamped line must end with an ellipsis")
	}
}
