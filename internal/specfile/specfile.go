// Package specfile loads the batch manifest: one YAML document that names a
// set of deployments to dispatch together. The document is gated by a JSON
// schema before typed decoding, so a malformed manifest fails with a schema
// path instead of a half-resolved deployment list.
package specfile

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kubekattle/apb/internal/credentials"
	"github.com/kubekattle/apb/internal/dispatch"
)

const (
	manifestKind       = "Batch"
	manifestAPIVersion = "apb.dev/v1"

	defaultParallelism = 4
)

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["deployments"],
  "properties": {
    "apiVersion": {"type": "string"},
    "kind": {"type": "string"},
    "name": {"type": "string"},
    "parallelism": {"type": "integer", "minimum": 1},
    "defaults": {"$ref": "#/$defs/overrides"},
    "deployments": {
      "type": "array",
      "minItems": 1,
      "items": {
        "allOf": [{"$ref": "#/$defs/overrides"}],
        "type": "object",
        "required": ["name", "playbook", "targetServers"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "playbook": {"type": "string", "minLength": 1},
          "targetServers": {"type": "string", "minLength": 1}
        }
      }
    }
  },
  "$defs": {
    "overrides": {
      "type": "object",
      "properties": {
        "inventory": {"type": "string"},
        "playbookDir": {"type": "string"},
        "vars": {"type": "object", "additionalProperties": {"type": "string"}},
        "tags": {"type": "array", "items": {"type": "string"}},
        "skipTags": {"type": "array", "items": {"type": "string"}},
        "check": {"type": "boolean"},
        "become": {"type": "boolean"},
        "becomeUser": {"type": "string"},
        "forks": {"type": "integer", "minimum": 1},
        "timeout": {"type": "string"},
        "linuxCred": {"type": "string"},
        "windowsCred": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("apb://batch.schema.json", manifestSchema)

// Overrides carries the per-deployment settings that can also be set once
// under defaults. Pointer fields distinguish "unset" from a false/zero value.
type Overrides struct {
	Inventory   string            `yaml:"inventory,omitempty" json:"inventory,omitempty"`
	PlaybookDir string            `yaml:"playbookDir,omitempty" json:"playbookDir,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Tags        []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	SkipTags    []string          `yaml:"skipTags,omitempty" json:"skipTags,omitempty"`
	Check       *bool             `yaml:"check,omitempty" json:"check,omitempty"`
	Become      *bool             `yaml:"become,omitempty" json:"become,omitempty"`
	BecomeUser  string            `yaml:"becomeUser,omitempty" json:"becomeUser,omitempty"`
	Forks       *int              `yaml:"forks,omitempty" json:"forks,omitempty"`
	Timeout     *time.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	LinuxCred   string            `yaml:"linuxCred,omitempty" json:"linuxCred,omitempty"`
	WindowsCred string            `yaml:"windowsCred,omitempty" json:"windowsCred,omitempty"`
}

type DeploymentSpec struct {
	Name          string `yaml:"name,omitempty" json:"name,omitempty"`
	Playbook      string `yaml:"playbook,omitempty" json:"playbook,omitempty"`
	TargetServers string `yaml:"targetServers,omitempty" json:"targetServers,omitempty"`

	Overrides `yaml:",inline" json:",inline"`
}

type Manifest struct {
	APIVersion string `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty" json:"kind,omitempty"`

	Name        string           `yaml:"name,omitempty" json:"name,omitempty"`
	Parallelism int              `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	Defaults    Overrides        `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Deployments []DeploymentSpec `yaml:"deployments,omitempty" json:"deployments,omitempty"`
}

// Bound is the concurrency limit for running the manifest.
func (m *Manifest) Bound() int {
	if m.Parallelism > 0 {
		return m.Parallelism
	}
	return defaultParallelism
}

// Deployment is one fully resolved entry: base settings, then manifest
// defaults, then the entry's own overrides, in that order.
type Deployment struct {
	Name          string
	Playbook      string
	TargetServers string
	Inventory     string
	PlaybookDir   string
	Vars          map[string]string
	Tags          []string
	SkipTags      []string
	Check         bool
	Become        bool
	BecomeUser    string
	Forks         int
	Timeout       time.Duration
	LinuxCred     string
	WindowsCred   string
}

// Request maps the resolved deployment onto a dispatch request.
func (d Deployment) Request() dispatch.Request {
	return dispatch.Request{
		Playbook:      d.Playbook,
		PlaybookDir:   d.PlaybookDir,
		Inventory:     d.Inventory,
		TargetServers: d.TargetServers,
		ExtraVars:     d.Vars,
		Tags:          d.Tags,
		SkipTags:      d.SkipTags,
		Check:         d.Check,
		Forks:         d.Forks,
		Become:        d.Become,
		BecomeUser:    d.BecomeUser,
		Timeout:       d.Timeout,
		Credentials: credentials.Config{
			LinuxRef:   d.LinuxCred,
			WindowsRef: d.WindowsCred,
		},
	}
}

// Load reads, schema-checks, and decodes a batch manifest.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var mf Manifest
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if mf.Kind != "" && mf.Kind != manifestKind {
		return nil, fmt.Errorf("%s: kind must be %s (got %q)", path, manifestKind, mf.Kind)
	}
	if mf.APIVersion != "" && mf.APIVersion != manifestAPIVersion {
		return nil, fmt.Errorf("%s: apiVersion must be %s (got %q)", path, manifestAPIVersion, mf.APIVersion)
	}
	seen := map[string]struct{}{}
	for i := range mf.Deployments {
		name := strings.TrimSpace(mf.Deployments[i].Name)
		if name == "" {
			return nil, fmt.Errorf("%s: deployments[%d].name is required", path, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s: duplicate deployment name %q", path, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(mf.Deployments[i].Playbook) == "" {
			return nil, fmt.Errorf("%s: deployments[%d].playbook is required", path, i)
		}
		if strings.TrimSpace(mf.Deployments[i].TargetServers) == "" {
			return nil, fmt.Errorf("%s: deployments[%d].targetServers is required", path, i)
		}
	}
	return &mf, nil
}

// The schema compiler wants JSON-decoded values, so the YAML document takes
// a round trip through encoding/json first.
func validateSchema(doc any) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert manifest for schema check: %w", err)
	}
	var instance any
	if err := json.Unmarshal(jsonData, &instance); err != nil {
		return fmt.Errorf("convert manifest for schema check: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}

// Resolve flattens every deployment entry against the base settings and the
// manifest defaults. baseDir anchors playbookDir when nothing else sets it,
// normally the directory the manifest was loaded from.
func (m *Manifest) Resolve(baseDir string, base Deployment) []Deployment {
	out := make([]Deployment, 0, len(m.Deployments))
	for i := range m.Deployments {
		spec := m.Deployments[i]

		d := base
		d.Name = spec.Name
		d.Playbook = spec.Playbook
		d.TargetServers = spec.TargetServers
		d.Vars = map[string]string{}
		maps.Copy(d.Vars, base.Vars)
		d.Tags = append([]string(nil), base.Tags...)
		d.SkipTags = append([]string(nil), base.SkipTags...)

		applyOverrides(&d, m.Defaults)
		applyOverrides(&d, spec.Overrides)

		if strings.TrimSpace(d.PlaybookDir) == "" {
			d.PlaybookDir = baseDir
		}
		out = append(out, d)
	}
	return out
}

func applyOverrides(dst *Deployment, o Overrides) {
	if o.Inventory != "" {
		dst.Inventory = o.Inventory
	}
	if o.PlaybookDir != "" {
		dst.PlaybookDir = o.PlaybookDir
	}
	if o.Vars != nil {
		if dst.Vars == nil {
			dst.Vars = map[string]string{}
		}
		maps.Copy(dst.Vars, o.Vars)
	}
	if len(o.Tags) > 0 {
		dst.Tags = append(dst.Tags, o.Tags...)
	}
	if len(o.SkipTags) > 0 {
		dst.SkipTags = append(dst.SkipTags, o.SkipTags...)
	}
	if o.Check != nil {
		dst.Check = *o.Check
	}
	if o.Become != nil {
		dst.Become = *o.Become
	}
	if o.BecomeUser != "" {
		dst.BecomeUser = o.BecomeUser
	}
	if o.Forks != nil {
		dst.Forks = *o.Forks
	}
	if o.Timeout != nil {
		dst.Timeout = *o.Timeout
	}
	if o.LinuxCred != "" {
		dst.LinuxCred = o.LinuxCred
	}
	if o.WindowsCred != "" {
		dst.WindowsCred = o.WindowsCred
	}
}

// BaseDir returns the directory a manifest path lives in, for anchoring
// relative playbook references.
func BaseDir(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Dir(path)
	}
	return filepath.Dir(abs)
}
