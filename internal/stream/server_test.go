package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubekattle/apb/internal/dispatch"
)

func TestHubBroadcastDeliversMessages(t *testing.T) {
	h := newHub(zap.NewNop())
	c := &client{send: make(chan []byte, 1), logger: zap.NewNop()}
	h.Register(c)

	msg := []byte("hello")
	h.Broadcast(msg)

	select {
	case got := <-c.send:
		if string(got) != string(msg) {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHubBroadcastDropsSlowClients(t *testing.T) {
	h := newHub(zap.NewNop())
	c := &client{send: make(chan []byte, 1), logger: zap.NewNop()}
	h.Register(c)
	c.send <- []byte("backlog")

	h.Broadcast([]byte("next"))

	waitForCondition(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.clients[c]
		return !ok
	})
}

func TestDispatchStateReplaysInOrder(t *testing.T) {
	state := newDispatchState()
	state.Record(dispatch.StreamEvent{Kind: dispatch.StreamEventPhase, Phase: &dispatch.PhasePayload{Name: dispatch.PhaseExecute, State: "running"}})
	state.Record(dispatch.StreamEvent{Kind: dispatch.StreamEventRun, Run: &dispatch.RunPayload{RunID: "run-1", Playbook: "site.yml"}})
	state.Record(dispatch.StreamEvent{Kind: dispatch.StreamEventPhase, Phase: &dispatch.PhasePayload{Name: dispatch.PhaseClassify, State: "succeeded"}})
	state.Record(dispatch.StreamEvent{Kind: dispatch.StreamEventLog, Log: &dispatch.LogPayload{Level: "info", Message: "PLAY [all]"}})
	state.Record(dispatch.StreamEvent{Kind: dispatch.StreamEventReport, Report: &dispatch.ReportPayload{RunID: "run-1", Success: true}})

	events := state.snapshot()
	if len(events) != 5 {
		t.Fatalf("snapshot len=%d, want 5", len(events))
	}
	if events[0].Kind != dispatch.StreamEventRun {
		t.Fatalf("replay must start with the run announcement, got %s", events[0].Kind)
	}
	// Phases replay in pipeline order regardless of arrival order.
	if events[1].Phase == nil || events[1].Phase.Name != dispatch.PhaseClassify {
		t.Fatalf("second event=%+v, want classify phase", events[1])
	}
	if events[2].Phase == nil || events[2].Phase.Name != dispatch.PhaseExecute {
		t.Fatalf("third event=%+v, want execute phase", events[2])
	}
	if events[len(events)-1].Kind != dispatch.StreamEventReport {
		t.Fatal("report must replay last")
	}
}

func TestDispatchStateBoundsCachedLogs(t *testing.T) {
	state := newDispatchState()
	for i := 0; i < maxCachedLogs+50; i++ {
		state.Record(dispatch.StreamEvent{Kind: dispatch.StreamEventLog, Log: &dispatch.LogPayload{Message: "line"}})
	}
	if got := len(state.snapshot()); got != maxCachedLogs {
		t.Fatalf("cached logs=%d, want %d", got, maxCachedLogs)
	}
}

func TestServerStreamsEventsToWebsocketClient(t *testing.T) {
	server := New("", zap.NewNop())
	server.HandleDispatchEvent(dispatch.StreamEvent{
		Kind: dispatch.StreamEventRun,
		Run:  &dispatch.RunPayload{RunID: "run-7", Playbook: "site.yml", TargetServers: "webservers"},
	})

	ts := httptest.NewServer(http.HandlerFunc(server.handleWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The cached run announcement replays on connect.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	var replayed dispatch.StreamEvent
	if err := json.Unmarshal(payload, &replayed); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replayed.Kind != dispatch.StreamEventRun || replayed.Run == nil || replayed.Run.RunID != "run-7" {
		t.Fatalf("replayed=%+v, want the run announcement", replayed)
	}

	// Live events reach the connected client too.
	server.HandleDispatchEvent(dispatch.StreamEvent{
		Kind:  dispatch.StreamEventPhase,
		Phase: &dispatch.PhasePayload{Name: dispatch.PhaseClassify, State: "running"},
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live event: %v", err)
	}
	var live dispatch.StreamEvent
	if err := json.Unmarshal(payload, &live); err != nil {
		t.Fatalf("decode live event: %v", err)
	}
	if live.Kind != dispatch.StreamEventPhase || live.Phase == nil || live.Phase.Name != dispatch.PhaseClassify {
		t.Fatalf("live=%+v, want classify phase", live)
	}
}

func waitForCondition(t *testing.T, ok func() bool) {
	t.Helper()
	deadline := time.After(500 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-ticker.C:
			if ok() {
				return
			}
		}
	}
}
