package classify

import (
	"context"
	"errors"
	"testing"
)

type fakeFacts struct {
	output string
	err    error
	calls  int
}

func (f *fakeFacts) GatherFacts(ctx context.Context, expr, inventory, filter string) (string, error) {
	f.calls++
	return f.output, f.err
}

func TestClassifyFromFacts(t *testing.T) {
	cases := []struct {
		name    string
		facts   string
		expr    string
		want    OsProfile
		mixed   bool
		unknown bool
	}{
		{
			name:  "redhat facts",
			facts: `web01 | SUCCESS => {"ansible_facts": {"ansible_os_family": "RedHat"}}`,
			expr:  "app01",
			want:  OsProfile{HasLinux: true},
		},
		{
			name:  "debian facts",
			facts: "ansible_os_family: Debian",
			expr:  "app01",
			want:  OsProfile{HasLinux: true},
		},
		{
			name:  "windows facts",
			facts: `{"ansible_os_family": "Windows"}`,
			expr:  "app01",
			want:  OsProfile{HasWindows: true},
		},
		{
			name:  "mixed group facts",
			facts: "host1 ansible_os_family=RedHat\nhost2 ansible_os_family=Windows",
			expr:  "mixedgroup",
			want:  OsProfile{HasLinux: true, HasWindows: true},
			mixed: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(&fakeFacts{output: tc.facts}, nil)
			res := c.Classify(context.Background(), TargetSpec{Expr: tc.expr, Inventory: "hosts.ini"})
			if res.Profile != tc.want {
				t.Fatalf("profile=%+v, want %+v", res.Profile, tc.want)
			}
			if res.Profile.IsMixed() != tc.mixed {
				t.Fatalf("IsMixed()=%v, want %v", res.Profile.IsMixed(), tc.mixed)
			}
			if res.Degraded {
				t.Fatal("classification reported degraded with a healthy inventory")
			}
		})
	}
}

func TestClassifyNameHeuristic(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want OsProfile
	}{
		{name: "win prefix", expr: "winweb01", want: OsProfile{HasWindows: true}},
		{name: "uppercase WIN", expr: "WINDC02", want: OsProfile{HasWindows: true}},
		{name: "windows word", expr: "windows-servers", want: OsProfile{HasWindows: true}},
		{name: "linux word", expr: "linux-fleet", want: OsProfile{HasLinux: true}},
		{name: "web name", expr: "webfront03", want: OsProfile{HasLinux: true}},
		{name: "db name", expr: "dbreplica", want: OsProfile{HasLinux: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(&fakeFacts{output: ""}, nil)
			res := c.Classify(context.Background(), TargetSpec{Expr: tc.expr})
			if res.Profile != tc.want {
				t.Fatalf("profile for %q = %+v, want %+v", tc.expr, res.Profile, tc.want)
			}
		})
	}
}

func TestClassifyWindowsNameBeatsLinuxTokens(t *testing.T) {
	// "winweb01" carries both a Windows and a Linux name token; the heuristic
	// must resolve it as Windows-only so become handling stays correct.
	c := New(&fakeFacts{output: ""}, nil)
	res := c.Classify(context.Background(), TargetSpec{Expr: "winweb01"})
	if !res.Profile.HasWindows || res.Profile.HasLinux {
		t.Fatalf("profile=%+v, want windows-only", res.Profile)
	}
}

func TestClassifyDefaultsToLinux(t *testing.T) {
	c := New(&fakeFacts{output: "no recognizable families here"}, nil)
	res := c.Classify(context.Background(), TargetSpec{Expr: "app-tier"})
	if res.Profile.IsUnknown() {
		t.Fatal("profile left unknown after classification")
	}
	if !res.Profile.HasLinux || res.Profile.HasWindows {
		t.Fatalf("profile=%+v, want linux-only default", res.Profile)
	}
	if !res.Defaulted {
		t.Fatal("default policy application was not recorded")
	}
	var found bool
	for _, sig := range res.Signals {
		if sig.Source == SourceDefault && sig.Detail == DefaultPolicy {
			found = true
		}
	}
	if !found {
		t.Fatalf("signals %+v missing the %s policy marker", res.Signals, DefaultPolicy)
	}
}

func TestClassifyInventoryFailureIsNotFatal(t *testing.T) {
	facts := &fakeFacts{err: errors.New("inventory host unreachable")}
	c := New(facts, nil)
	res := c.Classify(context.Background(), TargetSpec{Expr: "winweb01"})
	if !res.Degraded {
		t.Fatal("inventory failure was not surfaced as degradation")
	}
	if res.Reason == "" {
		t.Fatal("degraded result carries no reason")
	}
	if !res.Profile.HasWindows {
		t.Fatalf("name signal lost on degraded classification: %+v", res.Profile)
	}
	if facts.calls != 1 {
		t.Fatalf("facts queried %d times, want 1", facts.calls)
	}
}

func TestClassifyDegradedNoSignalDefaults(t *testing.T) {
	c := New(&fakeFacts{err: errors.New("timed out")}, nil)
	res := c.Classify(context.Background(), TargetSpec{Expr: "app-tier"})
	if !res.Degraded || !res.Defaulted {
		t.Fatalf("degraded=%v defaulted=%v, want both true", res.Degraded, res.Defaulted)
	}
	if res.Profile.String() != "linux" {
		t.Fatalf("profile=%s, want linux", res.Profile)
	}
}

func TestProfileString(t *testing.T) {
	cases := []struct {
		name    string
		profile OsProfile
		want    string
	}{
		{name: "linux", profile: OsProfile{HasLinux: true}, want: "linux"},
		{name: "windows", profile: OsProfile{HasWindows: true}, want: "windows"},
		{name: "mixed", profile: OsProfile{HasLinux: true, HasWindows: true}, want: "mixed"},
		{name: "unknown", profile: OsProfile{}, want: "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.profile.String(); got != tc.want {
				t.Fatalf("String()=%q, want %q", got, tc.want)
			}
		})
	}
}
