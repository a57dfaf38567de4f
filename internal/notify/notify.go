// Package notify delivers end-of-dispatch notifications. Dispatch outcomes
// are reported on every exit path, success or not; delivery failures are
// the caller's to log and never change the run outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubekattle/apb/internal/version"
)

// Payload is the notification body. Message and Warnings are already
// redacted by the dispatcher before they get here.
type Payload struct {
	RunID         string    `json:"runId"`
	Playbook      string    `json:"playbook"`
	TargetServers string    `json:"targetServers"`
	Profile       string    `json:"profile"`
	CheckMode     bool      `json:"checkMode"`
	Success       bool      `json:"success"`
	Failure       string    `json:"failure,omitempty"`
	Message       string    `json:"message,omitempty"`
	ExitCode      int       `json:"exitCode"`
	TimedOut      bool      `json:"timedOut,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	Duration      string    `json:"duration"`
}

// Sink delivers one payload.
type Sink interface {
	Notify(ctx context.Context, payload Payload) error
}

// NewSink builds the sink for a mode (json|stdout|webhook|none). The
// webhook mode requires a URL; json and stdout write to out.
func NewSink(mode string, webhookURL string, out io.Writer, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "stdout":
		return &stdoutSink{out: out}, nil
	case "json":
		return &jsonSink{out: out}, nil
	case "webhook":
		url := strings.TrimSpace(webhookURL)
		if url == "" {
			return nil, fmt.Errorf("notify mode webhook requires --notify-url")
		}
		return &webhookSink{
			url:    url,
			client: &http.Client{Timeout: 10 * time.Second},
			logger: logger,
		}, nil
	case "none":
		return noopSink{}, nil
	default:
		return nil, fmt.Errorf("unsupported notify mode %q", mode)
	}
}

type jsonSink struct {
	out io.Writer
}

func (s *jsonSink) Notify(ctx context.Context, payload Payload) error {
	_ = ctx
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, string(body))
	return err
}

type stdoutSink struct {
	out io.Writer
}

func (s *stdoutSink) Notify(ctx context.Context, payload Payload) error {
	_ = ctx
	status := "succeeded"
	if !payload.Success {
		status = "failed"
	}
	fmt.Fprintf(s.out, "Dispatch %s %s (%s)\n", payload.RunID, status, payload.Duration)
	fmt.Fprintf(s.out, "- playbook: %s\n", payload.Playbook)
	fmt.Fprintf(s.out, "- targets: %s (%s)\n", payload.TargetServers, payload.Profile)
	if payload.CheckMode {
		fmt.Fprintln(s.out, "- check mode: no changes were applied")
	}
	if payload.Failure != "" {
		fmt.Fprintf(s.out, "- failure: %s: %s\n", payload.Failure, payload.Message)
	}
	for _, warning := range payload.Warnings {
		fmt.Fprintf(s.out, "- warning: %s\n", warning)
	}
	return nil
}

type webhookSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func (s *webhookSink) Notify(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Get().UserAgent())
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %s", resp.Status)
	}
	s.logger.Debug("notification delivered",
		zap.String("url", s.url),
		zap.String("run_id", payload.RunID))
	return nil
}

type noopSink struct{}

func (noopSink) Notify(ctx context.Context, payload Payload) error {
	return nil
}
