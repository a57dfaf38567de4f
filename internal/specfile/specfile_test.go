package specfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validManifest = `apiVersion: apb.dev/v1
kind: Batch
name: nightly
parallelism: 2
defaults:
  inventory: /etc/ansible/hosts
  tags: [base]
  become: true
deployments:
  - name: web
    playbook: site.yml
    targetServers: webservers
    vars:
      app_env: prod
  - name: db
    playbook: db.yml
    targetServers: dbservers
    check: true
    timeout: 90s
`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadValidManifest(t *testing.T) {
	mf, err := Load(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mf.Name != "nightly" {
		t.Fatalf("name=%q, want %q", mf.Name, "nightly")
	}
	if mf.Bound() != 2 {
		t.Fatalf("bound=%d, want 2", mf.Bound())
	}
	if len(mf.Deployments) != 2 {
		t.Fatalf("deployments=%d, want 2", len(mf.Deployments))
	}
	if mf.Defaults.Inventory != "/etc/ansible/hosts" {
		t.Fatalf("defaults inventory=%q", mf.Defaults.Inventory)
	}
	db := mf.Deployments[1]
	if db.Check == nil || !*db.Check {
		t.Fatal("db check override not decoded")
	}
	if db.Timeout == nil || *db.Timeout != 90*time.Second {
		t.Fatalf("db timeout=%v, want 90s", db.Timeout)
	}
}

func TestBoundDefaultsWhenUnset(t *testing.T) {
	mf := &Manifest{}
	if mf.Bound() != defaultParallelism {
		t.Fatalf("bound=%d, want %d", mf.Bound(), defaultParallelism)
	}
}

func TestLoadRejectsInvalidManifests(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "no deployments",
			body:    "kind: Batch\n",
			wantErr: "manifest schema",
		},
		{
			name:    "missing playbook",
			body:    "deployments:\n  - name: web\n    targetServers: webservers\n",
			wantErr: "manifest schema",
		},
		{
			name:    "forks not an integer",
			body:    "deployments:\n  - name: web\n    playbook: site.yml\n    targetServers: webservers\n    forks: fast\n",
			wantErr: "manifest schema",
		},
		{
			name:    "wrong kind",
			body:    "kind: Stack\ndeployments:\n  - name: web\n    playbook: site.yml\n    targetServers: webservers\n",
			wantErr: "kind must be Batch",
		},
		{
			name:    "wrong apiVersion",
			body:    "apiVersion: apb.dev/v2\ndeployments:\n  - name: web\n    playbook: site.yml\n    targetServers: webservers\n",
			wantErr: "apiVersion must be apb.dev/v1",
		},
		{
			name:    "duplicate names",
			body:    "deployments:\n  - name: web\n    playbook: a.yml\n    targetServers: a\n  - name: web\n    playbook: b.yml\n    targetServers: b\n",
			wantErr: "duplicate deployment name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, tc.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	boolPtr := func(v bool) *bool { return &v }
	durPtr := func(d time.Duration) *time.Duration { return &d }

	mf := &Manifest{
		Defaults: Overrides{
			Inventory: "defaults-inventory",
			Vars:      map[string]string{"tier": "batch", "region": "us-east-1"},
			Tags:      []string{"base"},
			Become:    boolPtr(false),
		},
		Deployments: []DeploymentSpec{
			{
				Name:          "web",
				Playbook:      "site.yml",
				TargetServers: "webservers",
				Overrides: Overrides{
					Inventory: "web-inventory",
					Vars:      map[string]string{"region": "eu-west-1"},
					Tags:      []string{"web"},
					Timeout:   durPtr(90 * time.Second),
				},
			},
			{Name: "db", Playbook: "db.yml", TargetServers: "dbservers"},
		},
	}
	base := Deployment{
		Inventory:  "base-inventory",
		Vars:       map[string]string{"tier": "cli", "owner": "ops"},
		Become:     true,
		BecomeUser: "root",
		Forks:      10,
		Timeout:    time.Hour,
		LinuxCred:  "vault:ansible/ssh",
	}

	resolved := mf.Resolve("/deploy/manifests", base)
	if len(resolved) != 2 {
		t.Fatalf("resolved=%d, want 2", len(resolved))
	}

	web := resolved[0]
	if web.Inventory != "web-inventory" {
		t.Fatalf("inventory=%q, want the entry override", web.Inventory)
	}
	if web.Vars["region"] != "eu-west-1" || web.Vars["tier"] != "batch" || web.Vars["owner"] != "ops" {
		t.Fatalf("vars merged wrong: %v", web.Vars)
	}
	if got := strings.Join(web.Tags, ","); got != "base,web" {
		t.Fatalf("tags=%q, want %q", got, "base,web")
	}
	if web.Become {
		t.Fatal("defaults become=false must override the base")
	}
	if web.Timeout != 90*time.Second {
		t.Fatalf("timeout=%v, want 90s", web.Timeout)
	}
	if web.PlaybookDir != "/deploy/manifests" {
		t.Fatalf("playbookDir=%q, want the manifest dir", web.PlaybookDir)
	}
	if web.LinuxCred != "vault:ansible/ssh" {
		t.Fatalf("linux cred=%q, want the base ref", web.LinuxCred)
	}

	db := resolved[1]
	if db.Inventory != "defaults-inventory" {
		t.Fatalf("db inventory=%q, want the manifest default", db.Inventory)
	}
	if db.Timeout != time.Hour {
		t.Fatalf("db timeout=%v, want the base timeout", db.Timeout)
	}
	if db.Forks != 10 {
		t.Fatalf("db forks=%d, want 10", db.Forks)
	}

	// Entries must not share mutable state with each other or the base.
	web.Vars["region"] = "mutated"
	if db.Vars["region"] != "us-east-1" {
		t.Fatalf("db vars affected by web mutation: %v", db.Vars)
	}
	if len(base.Vars) != 2 {
		t.Fatalf("base vars mutated: %v", base.Vars)
	}
}

func TestDeploymentRequest(t *testing.T) {
	d := Deployment{
		Name:          "web",
		Playbook:      "site.yml",
		TargetServers: "webservers",
		Inventory:     "/etc/ansible/hosts",
		PlaybookDir:   "/deploy",
		Vars:          map[string]string{"app_env": "prod"},
		Tags:          []string{"base"},
		Check:         true,
		Become:        true,
		BecomeUser:    "root",
		Forks:         10,
		Timeout:       90 * time.Second,
		LinuxCred:     "vault:ansible/ssh",
		WindowsCred:   "vault:ansible/winrm",
	}
	req := d.Request()
	if req.Playbook != "site.yml" || req.TargetServers != "webservers" {
		t.Fatalf("request core fields: %+v", req)
	}
	if req.Credentials.LinuxRef != "vault:ansible/ssh" || req.Credentials.WindowsRef != "vault:ansible/winrm" {
		t.Fatalf("credential refs: %+v", req.Credentials)
	}
	if req.Timeout != 90*time.Second || !req.Check || req.Forks != 10 || req.BecomeUser != "root" {
		t.Fatalf("request options: %+v", req)
	}
}
