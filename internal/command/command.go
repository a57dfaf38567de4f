// Package command builds ansible-playbook invocations as argv vectors.
// The builder is deterministic: the same request always yields the same
// vector, flags are emitted in a fixed rule order, and values pass through
// as single argv cells so quoting survives without a shell.
package command

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/kubekattle/apb/internal/classify"
)

// HostVar is injected into every invocation and always reflects the
// dispatched target expression, overriding any caller-supplied value.
const HostVar = "HOST"

const (
	defaultBinary = "ansible-playbook"
	maxVerbosity  = 4
)

// Request describes one playbook invocation.
type Request struct {
	Playbook      string
	Inventory     string
	TargetServers string
	Profile       classify.OsProfile
	Vars          map[string]string
	CredVars      map[string]string
	CredEnv       []string
	Tags          []string
	SkipTags      []string
	Check         bool
	Verbosity     int
	Forks         int
	Become        bool
	BecomeUser    string
	RawArgs       string
}

// Invocation is a ready-to-run argv plus the credential environment.
type Invocation struct {
	Argv []string
	Env  []string
}

// Builder turns requests into invocations.
type Builder struct {
	Binary      string
	PlaybookDir string
}

// Build assembles the argv. Rule order is fixed: base, limit, become,
// tags, check, verbosity, forks, extra vars (sorted, HOST last), raw
// passthrough args.
func (b *Builder) Build(req Request) (Invocation, error) {
	playbook := strings.TrimSpace(req.Playbook)
	if playbook == "" {
		return Invocation{}, fmt.Errorf("playbook is required")
	}
	targets := strings.TrimSpace(req.TargetServers)
	if targets == "" {
		return Invocation{}, fmt.Errorf("target servers are required")
	}
	if b.PlaybookDir != "" && !filepath.IsAbs(playbook) {
		playbook = filepath.Join(b.PlaybookDir, playbook)
	}

	binary := strings.TrimSpace(b.Binary)
	if binary == "" {
		binary = defaultBinary
	}

	argv := []string{binary, playbook}
	if inv := strings.TrimSpace(req.Inventory); inv != "" {
		argv = append(argv, "-i", inv)
	}
	if !strings.EqualFold(targets, "all") {
		argv = append(argv, "--limit", targets)
	}
	if req.Become && !b.windowsOnly(req.Profile) {
		argv = append(argv, "--become")
		if user := strings.TrimSpace(req.BecomeUser); user != "" {
			argv = append(argv, "--become-user", user)
		}
	}
	if tags := joinTags(req.Tags); tags != "" {
		argv = append(argv, "--tags", tags)
	}
	if tags := joinTags(req.SkipTags); tags != "" {
		argv = append(argv, "--skip-tags", tags)
	}
	if req.Check {
		argv = append(argv, "--check")
	}
	if v := verbosityFlag(req.Verbosity); v != "" {
		argv = append(argv, v)
	}
	if req.Forks > 0 {
		argv = append(argv, "--forks", fmt.Sprintf("%d", req.Forks))
	}
	argv = append(argv, extraVarArgs(req.Vars, req.CredVars, targets)...)

	if raw := strings.TrimSpace(req.RawArgs); raw != "" {
		extra, err := shellwords.Parse(raw)
		if err != nil {
			return Invocation{}, fmt.Errorf("parse raw args: %w", err)
		}
		argv = append(argv, extra...)
	}

	return Invocation{Argv: argv, Env: append([]string(nil), req.CredEnv...)}, nil
}

// windowsOnly reports a profile where become must be suppressed: privilege
// escalation on WinRM targets is runas, not sudo, and the playbooks handle
// it themselves.
func (b *Builder) windowsOnly(profile classify.OsProfile) bool {
	return profile.HasWindows && !profile.HasLinux
}

// extraVarArgs merges caller vars with credential vars (credentials win),
// emits each as its own --extra-vars k=v sorted by key, and appends the
// injected HOST var last so it always overrides.
func extraVarArgs(vars, credVars map[string]string, targets string) []string {
	merged := make(map[string]string, len(vars)+len(credVars))
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range credVars {
		merged[k] = v
	}
	delete(merged, HostVar)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, (len(keys)+1)*2)
	for _, k := range keys {
		out = append(out, "--extra-vars", k+"="+merged[k])
	}
	out = append(out, "--extra-vars", HostVar+"="+targets)
	return out
}

func joinTags(tags []string) string {
	var clean []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		clean = append(clean, tag)
	}
	return strings.Join(clean, ",")
}

func verbosityFlag(level int) string {
	if level <= 0 {
		return ""
	}
	if level > maxVerbosity {
		level = maxVerbosity
	}
	return "-" + strings.Repeat("v", level)
}
