package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Summary aggregates per-run timing for the end-of-run telemetry line.
type Summary struct {
	Total          time.Duration
	Phases         map[string]time.Duration
	InventoryCalls int
	InventoryAvg   time.Duration
	InventoryMax   time.Duration
	SecretsFetched int
}

func (s Summary) Line() string {
	var parts []string
	if s.Total > 0 {
		parts = append(parts, fmt.Sprintf("total=%s", formatDuration(s.Total)))
	}
	if len(s.Phases) > 0 {
		parts = append(parts, fmt.Sprintf("phases %s", formatPhases(s.Phases)))
	}
	if s.InventoryCalls > 0 {
		parts = append(parts, fmt.Sprintf("inventory %d req avg=%s max=%s", s.InventoryCalls, formatDuration(s.InventoryAvg), formatDuration(s.InventoryMax)))
	}
	if s.SecretsFetched > 0 {
		parts = append(parts, fmt.Sprintf("secrets %d fetched", s.SecretsFetched))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Telemetry: " + strings.Join(parts, " · ")
}

func formatPhases(phases map[string]time.Duration) string {
	if len(phases) == 0 {
		return ""
	}
	keys := make([]string, 0, len(phases))
	for k := range phases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, formatDuration(phases[key])))
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	rounded := d.Round(10 * time.Millisecond)
	if rounded <= 0 {
		rounded = d
	}
	return rounded.String()
}

// PhaseTimer accumulates wall-clock durations per pipeline phase. All
// methods are safe on a nil receiver so instrumentation can be optional.
type PhaseTimer struct {
	mu        sync.Mutex
	started   time.Time
	phases    map[string]time.Duration
	order     []string
	invCalls  int
	invTotal  time.Duration
	invMax    time.Duration
	secrets   int
}

func NewPhaseTimer() *PhaseTimer {
	return &PhaseTimer{
		started: time.Now(),
		phases:  map[string]time.Duration{},
	}
}

func (t *PhaseTimer) Start() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()
}

func (t *PhaseTimer) Track(name string, fn func() error) error {
	if t == nil {
		return fn()
	}
	start := time.Now()
	err := fn()
	t.Add(name, time.Since(start))
	return err
}

func (t *PhaseTimer) Add(name string, d time.Duration) {
	if t == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	t.mu.Lock()
	if t.phases == nil {
		t.phases = map[string]time.Duration{}
	}
	if _, seen := t.phases[name]; !seen {
		t.order = append(t.order, name)
	}
	t.phases[name] += d
	t.mu.Unlock()
}

// AddInventoryCall records one inventory query round trip.
func (t *PhaseTimer) AddInventoryCall(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.invCalls++
	t.invTotal += d
	if d > t.invMax {
		t.invMax = d
	}
	t.mu.Unlock()
}

// AddSecretFetch records one credential store acquisition.
func (t *PhaseTimer) AddSecretFetch() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.secrets++
	t.mu.Unlock()
}

// PhaseSample is one phase's accumulated duration, in pipeline order.
type PhaseSample struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Samples returns the tracked phases in the order they first ran.
func (t *PhaseTimer) Samples() []PhaseSample {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PhaseSample, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, PhaseSample{Name: name, Duration: t.phases[name]})
	}
	return out
}

func (t *PhaseTimer) Snapshot() map[string]time.Duration {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make(map[string]time.Duration, len(t.phases))
	for k, v := range t.phases {
		out[k] = v
	}
	t.mu.Unlock()
	return out
}

func (t *PhaseTimer) Total() time.Duration {
	if t == nil || t.started.IsZero() {
		return 0
	}
	return time.Since(t.started)
}

// Summarize folds the timer into a Summary for display.
func (t *PhaseTimer) Summarize() Summary {
	if t == nil {
		return Summary{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		Total:          time.Since(t.started),
		Phases:         make(map[string]time.Duration, len(t.phases)),
		InventoryCalls: t.invCalls,
		InventoryMax:   t.invMax,
		SecretsFetched: t.secrets,
	}
	for k, v := range t.phases {
		s.Phases[k] = v
	}
	if t.invCalls > 0 {
		s.InventoryAvg = t.invTotal / time.Duration(t.invCalls)
	}
	return s
}
