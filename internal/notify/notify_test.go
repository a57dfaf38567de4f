package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func samplePayload() Payload {
	return Payload{
		RunID:         "2026-02-11T09-30-00.000000000Z",
		Playbook:      "site.yml",
		TargetServers: "web01:web02",
		Profile:       "linux",
		Success:       false,
		Failure:       "ExecutionTimeout",
		Message:       "wall clock limit reached",
		ExitCode:      -1,
		TimedOut:      true,
		Warnings:      []string{"host web02 not found in inventory"},
		StartedAt:     time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC),
		Duration:      "1h0m0s",
	}
}

func TestStdoutSink(t *testing.T) {
	var out bytes.Buffer
	sink, err := NewSink("stdout", "", &out, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Notify(context.Background(), samplePayload()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	text := out.String()
	for _, want := range []string{"failed", "site.yml", "ExecutionTimeout", "web02 not found"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestJSONSinkRoundTrips(t *testing.T) {
	var out bytes.Buffer
	sink, err := NewSink("json", "", &out, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Notify(context.Background(), samplePayload()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var decoded Payload
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Failure != "ExecutionTimeout" || !decoded.TimedOut {
		t.Fatalf("decoded=%+v", decoded)
	}
}

func TestWebhookSink(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink, err := NewSink("webhook", server.URL, nil, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Notify(context.Background(), samplePayload()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method=%q, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type=%q", gotContentType)
	}
	var decoded Payload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.RunID == "" || decoded.Playbook != "site.yml" {
		t.Fatalf("decoded=%+v", decoded)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	sink, err := NewSink("webhook", server.URL, nil, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Notify(context.Background(), samplePayload()); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestNewSinkValidation(t *testing.T) {
	if _, err := NewSink("webhook", "", nil, nil); err == nil {
		t.Fatalf("webhook without url must fail")
	}
	if _, err := NewSink("carrier-pigeon", "", nil, nil); err == nil {
		t.Fatalf("unknown mode must fail")
	}
	sink, err := NewSink("none", "", nil, nil)
	if err != nil {
		t.Fatalf("none sink: %v", err)
	}
	if err := sink.Notify(context.Background(), samplePayload()); err != nil {
		t.Fatalf("none sink must be a no-op: %v", err)
	}
}
