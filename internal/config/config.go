// File: internal/config/config.go
// Brief: Internal config package implementation for 'config'.

// Package config defines the flag plumbing and runtime options shared by
// apb's dispatch commands, translating Cobra/Viper flag values into a
// strongly typed struct the coordinator and its collaborators consume.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	DefaultTimeout    = 3600 * time.Second
	DefaultForks      = 10
	DefaultBecomeUser = "root"

	defaultHistoryDir = "~/.apb/history"
)

// Options holds all CLI configuration for a dispatch.
type Options struct {
	Playbook      string
	PlaybookDir   string
	Inventory     string
	TargetServers string
	VarArgs       []string
	ExtraVars     map[string]string
	Tags          []string
	SkipTags      []string
	Check         bool
	Verbosity     int
	Timeout       time.Duration
	Become        bool
	BecomeUser    string
	Forks         int
	RawArgs       string

	LinuxCred   string
	WindowsCred string

	NotifyMode string
	NotifyURL  string
	ListenAddr string
	HistoryDir string

	SecretsConfig string

	ConsoleMode    string
	ConsoleWide    bool
	ConsoleDetails bool

	AnsibleBin  string
	PlaybookBin string
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		Timeout:     DefaultTimeout,
		Become:      true,
		BecomeUser:  DefaultBecomeUser,
		Forks:       DefaultForks,
		NotifyMode:  "stdout",
		HistoryDir:  defaultHistoryDir,
		ConsoleMode: "auto",
		AnsibleBin:  "ansible",
		PlaybookBin: "ansible-playbook",
	}
}

// AddFlags binds configuration flags to the provided Cobra command.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.Flags())
}

// BindFlags attaches dispatch flags to an arbitrary FlagSet and returns the
// flag names for further customization.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&o.Playbook, "playbook", "p", "", "Playbook to run, e.g. site.yml (required)")
	names = append(names, "playbook")
	fs.StringVarP(&o.TargetServers, "target-servers", "t", "", "Target host expression passed to ansible, e.g. webservers or web01:web02 (required)")
	names = append(names, "target-servers")
	fs.StringVarP(&o.Inventory, "inventory", "i", "", "Inventory source handed to ansible (file, directory, or script)")
	names = append(names, "inventory")
	fs.StringVar(&o.PlaybookDir, "playbook-dir", "", "Directory playbook paths are resolved against (default: current directory)")
	names = append(names, "playbook-dir")
	fs.StringArrayVarP(&o.VarArgs, "var", "e", nil, "Extra variable as key=value; repeat for multiple")
	names = append(names, "var")
	fs.StringSliceVar(&o.Tags, "tags", nil, "Only run plays and tasks tagged with these values")
	names = append(names, "tags")
	fs.StringSliceVar(&o.SkipTags, "skip-tags", nil, "Skip plays and tasks tagged with these values")
	names = append(names, "skip-tags")
	fs.BoolVar(&o.Check, "check", false, "Dry run: pass --check to ansible-playbook, no changes on the targets")
	names = append(names, "check")
	fs.CountVarP(&o.Verbosity, "verbose", "v", "Increase ansible verbosity (repeat: -vvv)")
	names = append(names, "verbose")
	fs.DurationVar(&o.Timeout, "timeout", DefaultTimeout, "Hard wall-clock limit for the ansible process")
	names = append(names, "timeout")
	fs.BoolVar(&o.Become, "become", true, "Run the play with privilege escalation on Linux targets")
	names = append(names, "become")
	fs.StringVar(&o.BecomeUser, "become-user", DefaultBecomeUser, "User to escalate to when --become is set")
	names = append(names, "become-user")
	fs.IntVar(&o.Forks, "forks", DefaultForks, "Number of parallel ansible forks")
	names = append(names, "forks")
	fs.StringVar(&o.RawArgs, "raw-args", "", "Additional ansible-playbook arguments, shell-quoted, appended verbatim")
	names = append(names, "raw-args")
	fs.StringVar(&o.LinuxCred, "linux-cred", "", "Secret reference for the Linux SSH credential, e.g. secret://vault/ansible/ssh")
	names = append(names, "linux-cred")
	fs.StringVar(&o.WindowsCred, "windows-cred", "", "Secret reference for the Windows WinRM credential")
	names = append(names, "windows-cred")
	fs.StringVar(&o.NotifyMode, "notify", "stdout", "Outcome notification sink: stdout, json, webhook, none")
	names = append(names, "notify")
	fs.StringVar(&o.NotifyURL, "notify-url", "", "Webhook endpoint for --notify webhook")
	names = append(names, "notify-url")
	fs.StringVar(&o.ListenAddr, "listen", "", "Serve the live event feed over websocket at this address (e.g. :9090)")
	names = append(names, "listen")
	fs.StringVar(&o.HistoryDir, "history-dir", defaultHistoryDir, "Directory holding the run history database")
	names = append(names, "history-dir")
	fs.StringVar(&o.SecretsConfig, "secrets-config", "", "Secret provider config file (default: search the apb config directories)")
	names = append(names, "secrets-config")
	fs.StringVar(&o.ConsoleMode, "console", "auto", "Live console rendering. 'auto': render if a tty is attached, 'always', 'never'")
	names = append(names, "console")
	fs.BoolVar(&o.ConsoleWide, "console-wide", false, "Render the console without narrow-terminal folding")
	names = append(names, "console-wide")
	fs.BoolVar(&o.ConsoleDetails, "console-details", false, "Expand tag and variable details in the console header")
	names = append(names, "console-details")
	fs.StringVar(&o.AnsibleBin, "ansible-bin", "ansible", "ansible binary used for inventory and fact probes")
	names = append(names, "ansible-bin")
	fs.StringVar(&o.PlaybookBin, "playbook-bin", "ansible-playbook", "ansible-playbook binary used for syntax checks and execution")
	names = append(names, "playbook-bin")
	return names
}

// Validate normalizes and checks the options. Missing playbook/target-servers
// is deliberately not an error here: the coordinator reports it as a
// MissingParameter outcome so the failure notification still fires.
func (o *Options) Validate() error {
	if len(o.VarArgs) > 0 {
		o.ExtraVars = make(map[string]string, len(o.VarArgs))
		for _, arg := range o.VarArgs {
			key, value, ok := strings.Cut(arg, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return fmt.Errorf("invalid --var value %q (expected key=value)", arg)
			}
			o.ExtraVars[key] = value
		}
	}
	if o.Timeout < 0 {
		return fmt.Errorf("--timeout cannot be negative")
	}
	if o.Forks < 1 {
		return fmt.Errorf("--forks must be at least 1")
	}
	if o.Verbosity > 4 {
		o.Verbosity = 4
	}
	o.Tags = trimList(o.Tags)
	o.SkipTags = trimList(o.SkipTags)

	for _, field := range []*string{&o.PlaybookDir, &o.Inventory, &o.HistoryDir, &o.SecretsConfig} {
		expanded, err := homedir.Expand(strings.TrimSpace(*field))
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *field, err)
		}
		*field = expanded
	}

	switch strings.ToLower(strings.TrimSpace(o.NotifyMode)) {
	case "", "stdout":
		o.NotifyMode = "stdout"
	case "json":
		o.NotifyMode = "json"
	case "webhook":
		o.NotifyMode = "webhook"
		if strings.TrimSpace(o.NotifyURL) == "" {
			return fmt.Errorf("--notify webhook requires --notify-url")
		}
	case "none":
		o.NotifyMode = "none"
	default:
		return fmt.Errorf("invalid --notify value %q (allowed: stdout, json, webhook, none)", o.NotifyMode)
	}

	switch strings.ToLower(strings.TrimSpace(o.ConsoleMode)) {
	case "", "auto":
		o.ConsoleMode = "auto"
	case "always":
		o.ConsoleMode = "always"
	case "never":
		o.ConsoleMode = "never"
	default:
		return fmt.Errorf("invalid --console value %q (allowed: auto, always, never)", o.ConsoleMode)
	}

	if strings.TrimSpace(o.AnsibleBin) == "" {
		o.AnsibleBin = "ansible"
	}
	if strings.TrimSpace(o.PlaybookBin) == "" {
		o.PlaybookBin = "ansible-playbook"
	}
	return nil
}

// SortedExtraVars returns the compiled extra vars as deterministic k=v pairs
// for display surfaces.
func (o *Options) SortedExtraVars() []string {
	if len(o.ExtraVars) == 0 {
		return nil
	}
	out := make([]string, 0, len(o.ExtraVars))
	for k, v := range o.ExtraVars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// SecretsConfigCandidates lists the paths probed for the secret provider
// config when --secrets-config is not given, most specific first.
func SecretsConfigCandidates() []string {
	var candidates []string
	for _, dir := range SearchDirs() {
		candidates = append(candidates, filepath.Join(dir, "secrets.yaml"))
	}
	return candidates
}

// SearchDirs returns the apb config directories, most specific first.
func SearchDirs() []string {
	var dirs []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "apb"))
	}
	for _, raw := range []string{"~/.config/apb", "~/.apb"} {
		if dir, err := homedir.Expand(raw); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
