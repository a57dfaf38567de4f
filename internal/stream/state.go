package stream

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/kubekattle/apb/internal/dispatch"
)

const maxCachedLogs = 200

var phaseReplayOrder = []string{
	dispatch.PhaseClassify,
	dispatch.PhaseCredentials,
	dispatch.PhaseValidate,
	dispatch.PhaseBuild,
	dispatch.PhaseExecute,
	dispatch.PhaseFinalize,
}

// dispatchState caches the most recent dispatch events so late-joining
// clients can hydrate their view immediately instead of waiting for the
// next update.
type dispatchState struct {
	mu     sync.RWMutex
	run    *dispatch.StreamEvent
	phases map[string]*dispatch.StreamEvent
	logs   []*dispatch.StreamEvent
	report *dispatch.StreamEvent
}

func newDispatchState() *dispatchState {
	return &dispatchState{
		phases: make(map[string]*dispatch.StreamEvent),
	}
}

func (s *dispatchState) Record(event dispatch.StreamEvent) {
	if s == nil {
		return
	}
	cp := cloneEvent(event)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cp.Kind {
	case dispatch.StreamEventRun:
		s.run = &cp
	case dispatch.StreamEventPhase:
		if cp.Phase == nil {
			return
		}
		key := strings.TrimSpace(strings.ToLower(cp.Phase.Name))
		if key == "" {
			return
		}
		s.phases[key] = &cp
	case dispatch.StreamEventLog:
		if cp.Log == nil || cp.Log.Message == "" {
			return
		}
		s.logs = append(s.logs, &cp)
		if overflow := len(s.logs) - maxCachedLogs; overflow > 0 {
			s.logs = s.logs[overflow:]
		}
	case dispatch.StreamEventReport:
		s.report = &cp
	}
}

func (s *dispatchState) Replay(out chan<- []byte) {
	if s == nil || out == nil {
		return
	}
	for _, event := range s.snapshot() {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if !safeEnqueue(out, payload) {
			return
		}
	}
}

func (s *dispatchState) snapshot() []dispatch.StreamEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snapshot []dispatch.StreamEvent
	if s.run != nil {
		snapshot = append(snapshot, cloneEvent(*s.run))
	}
	for _, name := range phaseReplayOrder {
		if event, ok := s.phases[name]; ok && event != nil {
			snapshot = append(snapshot, cloneEvent(*event))
		}
	}
	for _, log := range s.logs {
		if log == nil {
			continue
		}
		snapshot = append(snapshot, cloneEvent(*log))
	}
	if s.report != nil {
		snapshot = append(snapshot, cloneEvent(*s.report))
	}
	return snapshot
}

// safeEnqueue tolerates the client channel being closed underneath us while
// a replay is in flight.
func safeEnqueue(out chan<- []byte, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ok = true
	out <- payload
	return
}

func cloneEvent(event dispatch.StreamEvent) dispatch.StreamEvent {
	cloned := event
	if event.Run != nil {
		cp := *event.Run
		cloned.Run = &cp
	}
	if event.Phase != nil {
		cp := *event.Phase
		cloned.Phase = &cp
	}
	if event.Log != nil {
		cp := *event.Log
		cloned.Log = &cp
	}
	if event.Report != nil {
		cp := *event.Report
		if len(event.Report.Warnings) > 0 {
			cp.Warnings = append([]string(nil), event.Report.Warnings...)
		}
		if len(event.Report.PhaseDurations) > 0 {
			durations := make(map[string]string, len(event.Report.PhaseDurations))
			for k, v := range event.Report.PhaseDurations {
				durations[k] = v
			}
			cp.PhaseDurations = durations
		}
		cloned.Report = &cp
	}
	return cloned
}
