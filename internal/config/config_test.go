// File: internal/config/config_test.go
// Brief: Internal config package implementation for 'config'.

// config_test.go verifies Options defaults, validation, and normalization
// for the dispatch flag surface.
package config

import (
	"strings"
	"testing"
	"time"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	if opts.Timeout != 3600*time.Second {
		t.Fatalf("timeout default=%v, want 3600s", opts.Timeout)
	}
	if !opts.Become {
		t.Fatalf("become should default to true")
	}
	if opts.BecomeUser != "root" {
		t.Fatalf("become-user default=%q, want root", opts.BecomeUser)
	}
	if opts.Forks != 10 {
		t.Fatalf("forks default=%d, want 10", opts.Forks)
	}
	if opts.NotifyMode != "stdout" {
		t.Fatalf("notify default=%q, want stdout", opts.NotifyMode)
	}
	if opts.ConsoleMode != "auto" {
		t.Fatalf("console default=%q, want auto", opts.ConsoleMode)
	}
	if opts.PlaybookBin != "ansible-playbook" {
		t.Fatalf("playbook-bin default=%q", opts.PlaybookBin)
	}
}

func TestValidateCompilesExtraVars(t *testing.T) {
	opts := NewOptions()
	opts.VarArgs = []string{"app_env=prod", "empty=", "path=/opt/share=data"}
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if got := opts.ExtraVars["app_env"]; got != "prod" {
		t.Fatalf("app_env=%q, want %q", got, "prod")
	}
	if got, ok := opts.ExtraVars["empty"]; !ok || got != "" {
		t.Fatalf("empty value not preserved: %q ok=%v", got, ok)
	}
	// Only the first '=' splits; the value keeps the rest verbatim.
	if got := opts.ExtraVars["path"]; got != "/opt/share=data" {
		t.Fatalf("path=%q", got)
	}
}

func TestValidateRejectsMalformedVar(t *testing.T) {
	opts := NewOptions()
	opts.VarArgs = []string{"justakey"}
	if err := opts.Validate(); err == nil {
		t.Fatalf("expected error for var without '='")
	}
}

func TestValidateAllowsMissingPlaybook(t *testing.T) {
	// Required-parameter enforcement belongs to the coordinator, which
	// turns it into a MissingParameter outcome with a notification.
	opts := NewOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate must not reject empty playbook/target-servers: %v", err)
	}
}

func TestValidateNotifyModes(t *testing.T) {
	cases := []struct {
		name    string
		mode    string
		url     string
		wantErr bool
	}{
		{name: "stdout", mode: "stdout"},
		{name: "json", mode: "JSON"},
		{name: "none", mode: "none"},
		{name: "webhook with url", mode: "webhook", url: "https://hooks.internal/apb"},
		{name: "webhook without url", mode: "webhook", wantErr: true},
		{name: "unknown", mode: "carrier-pigeon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := NewOptions()
			opts.NotifyMode = tc.mode
			opts.NotifyURL = tc.url
			err := opts.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for mode %q", tc.mode)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate failed: %v", err)
			}
			if opts.NotifyMode != strings.ToLower(tc.mode) {
				t.Fatalf("mode=%q, want normalized %q", opts.NotifyMode, strings.ToLower(tc.mode))
			}
		})
	}
}

func TestValidateNormalizesConsoleMode(t *testing.T) {
	opts := NewOptions()
	opts.ConsoleMode = "ALWAYS"
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if opts.ConsoleMode != "always" {
		t.Fatalf("console mode=%q, want always", opts.ConsoleMode)
	}

	opts = NewOptions()
	opts.ConsoleMode = "fancy"
	if err := opts.Validate(); err == nil {
		t.Fatalf("expected error for unknown console mode")
	}
}

func TestValidateTrimsAndDedupesTags(t *testing.T) {
	opts := NewOptions()
	opts.Tags = []string{" base ", "base", "", "web"}
	opts.SkipTags = []string{"  "}
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if len(opts.Tags) != 2 || opts.Tags[0] != "base" || opts.Tags[1] != "web" {
		t.Fatalf("tags=%v", opts.Tags)
	}
	if opts.SkipTags != nil {
		t.Fatalf("skip-tags=%v, want nil", opts.SkipTags)
	}
}

func TestValidateCapsVerbosity(t *testing.T) {
	opts := NewOptions()
	opts.Verbosity = 7
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if opts.Verbosity != 4 {
		t.Fatalf("verbosity=%d, want capped at 4", opts.Verbosity)
	}
}

func TestValidateRejectsBadNumbers(t *testing.T) {
	opts := NewOptions()
	opts.Timeout = -time.Second
	if err := opts.Validate(); err == nil {
		t.Fatalf("expected error for negative timeout")
	}

	opts = NewOptions()
	opts.Forks = 0
	if err := opts.Validate(); err == nil {
		t.Fatalf("expected error for zero forks")
	}
}

func TestValidateExpandsHomePaths(t *testing.T) {
	opts := NewOptions()
	opts.HistoryDir = "~/.apb/history"
	opts.Inventory = "~/inventories/prod"
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if strings.HasPrefix(opts.HistoryDir, "~") {
		t.Fatalf("history dir not expanded: %q", opts.HistoryDir)
	}
	if strings.HasPrefix(opts.Inventory, "~") {
		t.Fatalf("inventory not expanded: %q", opts.Inventory)
	}
}

func TestSortedExtraVars(t *testing.T) {
	opts := NewOptions()
	opts.VarArgs = []string{"zeta=1", "alpha=2"}
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	got := opts.SortedExtraVars()
	if len(got) != 2 || got[0] != "alpha=2" || got[1] != "zeta=1" {
		t.Fatalf("sorted vars=%v", got)
	}
}
