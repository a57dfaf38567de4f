package dispatch

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// StreamEventKind enumerates the payload types shared with dispatch observers.
type StreamEventKind string

const (
	StreamEventRun    StreamEventKind = "run"
	StreamEventPhase  StreamEventKind = "phase"
	StreamEventLog    StreamEventKind = "log"
	StreamEventReport StreamEventKind = "report"
)

// Pipeline phase names, in execution order.
const (
	PhaseClassify    = "classify"
	PhaseCredentials = "credentials"
	PhaseValidate    = "validate"
	PhaseBuild       = "build"
	PhaseExecute     = "execute"
	PhaseFinalize    = "finalize"
)

var defaultPhases = []string{PhaseClassify, PhaseCredentials, PhaseValidate, PhaseBuild, PhaseExecute, PhaseFinalize}

// StreamObserver consumes dispatch events (console UI, websocket feed).
type StreamObserver interface {
	HandleDispatchEvent(StreamEvent)
}

// StreamEvent is the envelope shared over the dispatch event feed.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	Timestamp string          `json:"ts"`
	Run       *RunPayload     `json:"run,omitempty"`
	Phase     *PhasePayload   `json:"phase,omitempty"`
	Log       *LogPayload     `json:"log,omitempty"`
	Report    *ReportPayload  `json:"report,omitempty"`
}

// RunPayload announces what is being dispatched.
type RunPayload struct {
	RunID         string `json:"runId"`
	Playbook      string `json:"playbook"`
	TargetServers string `json:"targetServers"`
	Inventory     string `json:"inventory,omitempty"`
	CheckMode     bool   `json:"checkMode"`
}

// PhasePayload captures timeline updates for pipeline phases.
type PhasePayload struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Message     string `json:"message,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
	startTime   time.Time
	endTime     time.Time
}

// LogPayload reflects an emitted log line.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// ReportPayload surfaces the final run outcome.
type ReportPayload struct {
	RunID          string            `json:"runId"`
	Profile        string            `json:"profile"`
	Success        bool              `json:"success"`
	Failure        string            `json:"failure,omitempty"`
	Message        string            `json:"message,omitempty"`
	ExitCode       int               `json:"exitCode"`
	TimedOut       bool              `json:"timedOut,omitempty"`
	Duration       string            `json:"duration,omitempty"`
	PhaseDurations map[string]string `json:"phaseDurations,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
}

// StreamBroadcaster fans dispatch events out to zero or more observers.
// Late-attached observers get the run announcement and current phase states
// replayed so their view starts complete.
type StreamBroadcaster struct {
	mu        sync.Mutex
	run       *RunPayload
	observers []StreamObserver
	phases    map[string]*PhasePayload
	start     time.Time
}

// NewStreamBroadcaster seeds every pipeline phase as pending.
func NewStreamBroadcaster() *StreamBroadcaster {
	b := &StreamBroadcaster{
		phases: make(map[string]*PhasePayload, len(defaultPhases)),
		start:  time.Now(),
	}
	for _, name := range defaultPhases {
		b.phases[name] = &PhasePayload{Name: name, State: "pending"}
	}
	return b
}

// AddObserver registers a sink and replays the current run state to it.
func (b *StreamBroadcaster) AddObserver(obs StreamObserver) {
	if b == nil || obs == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, obs)
	var run *RunPayload
	if b.run != nil {
		cp := *b.run
		run = &cp
	}
	replay := make([]*PhasePayload, 0, len(defaultPhases))
	for _, name := range defaultPhases {
		if phase, ok := b.phases[name]; ok {
			snapshot := *phase
			replay = append(replay, &snapshot)
		}
	}
	b.mu.Unlock()

	if run != nil {
		obs.HandleDispatchEvent(StreamEvent{Kind: StreamEventRun, Timestamp: timestamp(time.Now()), Run: run})
	}
	for _, phase := range replay {
		obs.HandleDispatchEvent(StreamEvent{Kind: StreamEventPhase, Timestamp: timestamp(time.Now()), Phase: phase})
	}
}

// HasObservers reports whether anything is listening.
func (b *StreamBroadcaster) HasObservers() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers) > 0
}

// SetRun announces run identity to every observer.
func (b *StreamBroadcaster) SetRun(run RunPayload) {
	if b == nil {
		return
	}
	b.mu.Lock()
	cp := run
	b.run = &cp
	b.start = time.Now()
	b.mu.Unlock()
	b.broadcast(StreamEvent{Kind: StreamEventRun, Run: &cp})
}

// PhaseStarted marks a phase as running.
func (b *StreamBroadcaster) PhaseStarted(name string) {
	now := time.Now()
	b.updatePhase(name, func(phase *PhasePayload) {
		phase.State = "running"
		phase.Message = ""
		phase.startTime = now
		phase.StartedAt = timestamp(now)
		phase.CompletedAt = ""
		phase.endTime = time.Time{}
	})
}

// PhaseCompleted marks a phase done with a status (succeeded, failed, skipped).
func (b *StreamBroadcaster) PhaseCompleted(name, status, message string) {
	status = normalizePhaseStatus(status)
	now := time.Now()
	b.updatePhase(name, func(phase *PhasePayload) {
		phase.State = status
		phase.Message = strings.TrimSpace(message)
		if phase.StartedAt == "" {
			phase.startTime = now
			phase.StartedAt = timestamp(now)
		}
		phase.endTime = now
		phase.CompletedAt = timestamp(now)
	})
}

// SkipPending marks every phase that never ran as skipped, except finalize,
// which is about to run. Called at the start of finalization so aborted runs
// leave no phase dangling in pending.
func (b *StreamBroadcaster) SkipPending() {
	if b == nil {
		return
	}
	b.mu.Lock()
	var names []string
	for _, name := range defaultPhases {
		if name == PhaseFinalize {
			continue
		}
		if phase, ok := b.phases[name]; ok && phase.State == "pending" {
			names = append(names, name)
		}
	}
	b.mu.Unlock()
	for _, name := range names {
		b.PhaseCompleted(name, "skipped", "")
	}
}

// EmitLog shares one log line with observers.
func (b *StreamBroadcaster) EmitLog(level, source, message string) {
	if b == nil {
		return
	}
	message = strings.TrimRight(message, "\n")
	if strings.TrimSpace(message) == "" {
		return
	}
	b.broadcast(StreamEvent{
		Kind: StreamEventLog,
		Log:  &LogPayload{Level: normalizeLevel(level), Message: message, Source: source},
	})
}

// EmitReport publishes the final outcome, filling duration fields from the
// tracked phase timeline when the caller left them empty.
func (b *StreamBroadcaster) EmitReport(report ReportPayload) {
	if b == nil {
		return
	}
	if report.Duration == "" && !b.start.IsZero() {
		report.Duration = time.Since(b.start).Truncate(100 * time.Millisecond).String()
	}
	if report.PhaseDurations == nil {
		report.PhaseDurations = b.phaseDurations()
	}
	b.broadcast(StreamEvent{Kind: StreamEventReport, Report: &report})
}

func (b *StreamBroadcaster) phaseDurations() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.phases))
	for name, phase := range b.phases {
		if phase.startTime.IsZero() || phase.endTime.IsZero() {
			continue
		}
		out[name] = phase.endTime.Sub(phase.startTime).Truncate(100 * time.Millisecond).String()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (b *StreamBroadcaster) updatePhase(name string, mutate func(*PhasePayload)) {
	if b == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	b.mu.Lock()
	phase, ok := b.phases[name]
	if !ok {
		phase = &PhasePayload{Name: name, State: "pending"}
		b.phases[name] = phase
	}
	mutate(phase)
	snapshot := *phase
	observers := append([]StreamObserver(nil), b.observers...)
	b.mu.Unlock()
	event := StreamEvent{Kind: StreamEventPhase, Timestamp: timestamp(time.Now()), Phase: &snapshot}
	for _, obs := range observers {
		obs.HandleDispatchEvent(event)
	}
}

func (b *StreamBroadcaster) broadcast(event StreamEvent) {
	if b == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = timestamp(time.Now())
	}
	b.mu.Lock()
	observers := append([]StreamObserver(nil), b.observers...)
	b.mu.Unlock()
	for _, obs := range observers {
		obs.HandleDispatchEvent(event)
	}
}

// LogWriter adapts the broadcaster into an io.Writer that emits one log
// event per line. Handed to the runner as a live output sink.
func (b *StreamBroadcaster) LogWriter(level, source string) *StreamLogWriter {
	return &StreamLogWriter{b: b, level: level, source: source}
}

// StreamLogWriter splits written bytes on newlines and forwards complete
// lines as log events. Not safe for concurrent writes; each process stream
// gets its own writer.
type StreamLogWriter struct {
	b      *StreamBroadcaster
	level  string
	source string
	buf    []byte
}

func (w *StreamLogWriter) Write(p []byte) (int, error) {
	if w == nil {
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.b.EmitLog(w.level, w.source, line)
	}
	return len(p), nil
}

// Flush emits any trailing unterminated line.
func (w *StreamLogWriter) Flush() {
	if w == nil || len(w.buf) == 0 {
		return
	}
	w.b.EmitLog(w.level, w.source, string(w.buf))
	w.buf = w.buf[:0]
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "debug", "info", "warn", "error":
		return level
	case "warning":
		return "warn"
	default:
		return "info"
	}
}

func normalizePhaseStatus(status string) string {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "failed", "succeeded", "skipped", "running":
		return status
	case "success":
		return "succeeded"
	default:
		return "succeeded"
	}
}
