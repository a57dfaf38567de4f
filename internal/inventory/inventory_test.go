package inventory

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseHostList(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "single host",
			output: "  hosts (1):\n    web01\n",
			want:   []string{"web01"},
		},
		{
			name:   "group listing",
			output: "  hosts (3):\n    web01\n    web02\n    db01\n",
			want:   []string{"web01", "web02", "db01"},
		},
		{
			name:   "playbook style output",
			output: "playbook: site.yml\n\n  play #1 (all): all\tTAGS: []\n    pattern: ['all']\n    hosts (2):\n      web01\n      winweb01\n",
			want:   []string{"web01", "winweb01"},
		},
		{
			name:   "empty output",
			output: "",
			want:   nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseHostList(tc.output)
			if len(got) != len(tc.want) {
				t.Fatalf("hosts=%v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("hosts[%d]=%q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.baseline")
	if err := WriteBaseline(path, []string{"web02", "web01", "web01", ""}); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	diff, err := DiffBaseline(path, []string{"web01", "web02"})
	if err != nil {
		t.Fatalf("diff baseline: %v", err)
	}
	if diff != "" {
		t.Fatalf("unexpected drift reported:\n%s", diff)
	}
}

func TestBaselineDetectsDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.baseline")
	if err := WriteBaseline(path, []string{"web01", "web02"}); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	diff, err := DiffBaseline(path, []string{"web01", "web03"})
	if err != nil {
		t.Fatalf("diff baseline: %v", err)
	}
	if diff == "" {
		t.Fatal("drift went undetected")
	}
	if !strings.Contains(diff, "-web02") || !strings.Contains(diff, "+web03") {
		t.Fatalf("diff does not show the membership change:\n%s", diff)
	}
}

func TestClientBinDefaults(t *testing.T) {
	c := NewClient(nil)
	if c.ansibleBin() != "ansible" {
		t.Fatalf("ansible bin=%q, want ansible", c.ansibleBin())
	}
	if c.playbookBin() != "ansible-playbook" {
		t.Fatalf("playbook bin=%q, want ansible-playbook", c.playbookBin())
	}
	c.AnsibleBin = "/opt/ansible/bin/ansible"
	if c.ansibleBin() != "/opt/ansible/bin/ansible" {
		t.Fatalf("ansible bin override=%q", c.ansibleBin())
	}
}
