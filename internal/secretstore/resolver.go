package secretstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ResolveMode controls how resolved secrets are returned.
type ResolveMode string

const (
	ResolveModeValue ResolveMode = "value"
	ResolveModeMask  ResolveMode = "mask"
)

// Provider fetches the material stored under a secret path.
type Provider interface {
	Fetch(ctx context.Context, path string) (Material, error)
}

// Lister exposes optional listing of secret keys under a path.
type Lister interface {
	List(ctx context.Context, path string) ([]string, error)
}

// defaultFielder lets a provider supply a configured fallback field for
// scalar resolution.
type defaultFielder interface {
	DefaultField() string
}

// ResolverOptions customize resolver behavior.
type ResolverOptions struct {
	DefaultProvider string
	Mode            ResolveMode
	Mask            string
	BaseDir         string
}

// AuditEntry records a secret reference that was fetched.
type AuditEntry struct {
	Provider  string
	Path      string
	Reference string
	Fields    []string
	Masked    bool
}

// AuditReport is a sorted list of fetched references.
type AuditReport struct {
	Entries []AuditEntry
}

// Empty reports whether the report has any entries.
func (r AuditReport) Empty() bool {
	return len(r.Entries) == 0
}

type Resolver struct {
	providers       map[string]Provider
	defaultProvider string
	mode            ResolveMode
	mask            string

	// mu guards cache, seen, and audit; batch dispatches share one resolver.
	mu    sync.Mutex
	cache map[string]Material
	seen  map[string]struct{}
	audit []AuditEntry
}

// NewResolver builds a resolver from config and options.
func NewResolver(cfg Config, opts ResolverOptions) (*Resolver, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		providerName := strings.TrimSpace(name)
		if providerName == "" {
			return nil, fmt.Errorf("secret provider name cannot be empty")
		}
		providerType := strings.ToLower(strings.TrimSpace(pcfg.Type))
		switch providerType {
		case "file":
			provider, err := newFileProvider(pcfg.Path, opts.BaseDir)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", providerName, err)
			}
			providers[providerName] = provider
		case "vault":
			provider, err := newVaultProvider(pcfg)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", providerName, err)
			}
			providers[providerName] = provider
		case "":
			return nil, fmt.Errorf("provider %q missing type", providerName)
		default:
			return nil, fmt.Errorf("provider %q has unsupported type %q", providerName, providerType)
		}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ResolveModeValue
	}
	defaultProvider := strings.TrimSpace(opts.DefaultProvider)
	if defaultProvider == "" {
		defaultProvider = strings.TrimSpace(cfg.DefaultProvider)
	}
	return &Resolver{
		providers:       providers,
		defaultProvider: defaultProvider,
		mode:            mode,
		mask:            strings.TrimSpace(opts.Mask),
		cache:           map[string]Material{},
		seen:            map[string]struct{}{},
	}, nil
}

// FetchMaterial resolves a whole-secret reference to its material. The
// reference must not carry a #field selector: callers that need a single
// value go through ResolveString instead. Material always carries real
// values regardless of resolve mode; mask mode only affects string
// substitution and the audit flag.
func (r *Resolver) FetchMaterial(ctx context.Context, reference string) (Material, error) {
	if r == nil {
		return nil, fmt.Errorf("secret resolver is not configured")
	}
	ref, ok, err := ParseRef(reference, r.defaultProvider)
	if !ok {
		return nil, fmt.Errorf("%q is not a secret reference", reference)
	}
	if err != nil {
		return nil, err
	}
	if _, field := splitFieldPath(ref.Path); field != "" {
		return nil, fmt.Errorf("secret reference %q selects a single field; credential references read the whole secret", reference)
	}
	return r.fetchRef(ctx, ref)
}

// ResolveValues walks arbitrary values and replaces secret references in place.
func (r *Resolver) ResolveValues(ctx context.Context, values interface{}) error {
	if r == nil {
		return nil
	}
	_, err := r.resolveValue(ctx, values)
	return err
}

// ResetAudit clears the audit trail before a fresh resolution pass.
func (r *Resolver) ResetAudit() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = nil
	r.seen = map[string]struct{}{}
}

// Audit returns a sorted copy of the audit report.
func (r *Resolver) Audit() AuditReport {
	if r == nil {
		return AuditReport{}
	}
	r.mu.Lock()
	entries := append([]AuditEntry(nil), r.audit...)
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].Path < entries[j].Path
	})
	return AuditReport{Entries: entries}
}

// Provider returns a provider by name.
func (r *Resolver) Provider(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	provider, ok := r.providers[name]
	return provider, ok
}

// ProviderNames lists configured provider names.
func (r *Resolver) ProviderNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProvider returns the resolver's default provider name.
func (r *Resolver) DefaultProvider() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.defaultProvider)
}

func (r *Resolver) resolveValue(ctx context.Context, value interface{}) (interface{}, error) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for k, v := range typed {
			resolved, err := r.resolveValue(ctx, v)
			if err != nil {
				return nil, err
			}
			typed[k] = resolved
		}
		return typed, nil
	case map[interface{}]interface{}:
		for k, v := range typed {
			resolved, err := r.resolveValue(ctx, v)
			if err != nil {
				return nil, err
			}
			typed[k] = resolved
		}
		return typed, nil
	case []interface{}:
		for i, v := range typed {
			resolved, err := r.resolveValue(ctx, v)
			if err != nil {
				return nil, err
			}
			typed[i] = resolved
		}
		return typed, nil
	case string:
		resolved, replaced, err := r.ResolveString(ctx, typed)
		if err != nil {
			return nil, err
		}
		if replaced {
			return resolved, nil
		}
		return typed, nil
	default:
		return value, nil
	}
}

// ResolveString resolves a single value if it is a secret reference. The
// path may carry a #field selector to pick one field out of the material.
func (r *Resolver) ResolveString(ctx context.Context, value string) (string, bool, error) {
	defaultProvider := ""
	if r != nil {
		defaultProvider = r.defaultProvider
	}
	ref, ok, err := ParseRef(value, defaultProvider)
	if !ok {
		return value, false, err
	}
	if err != nil {
		return "", false, err
	}
	if r == nil {
		return "", false, fmt.Errorf("secret resolver is not configured")
	}
	base, field := splitFieldPath(ref.Path)
	if base == "" {
		return "", false, fmt.Errorf("secret reference %q is missing path", value)
	}
	fetchRef := Ref{Provider: ref.Provider, Path: base, Raw: ref.Raw}
	material, err := r.fetchRef(ctx, fetchRef)
	if err != nil {
		return "", false, err
	}
	candidates := []string{field}
	if provider := r.providers[ref.Provider]; provider != nil {
		if df, ok := provider.(defaultFielder); ok {
			candidates = append(candidates, df.DefaultField())
		}
	}
	candidates = append(candidates, "value")
	val, err := selectField(material, candidates...)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", fetchRef.Reference(), err)
	}
	if r.mode == ResolveModeMask {
		return r.maskFor(fetchRef), true, nil
	}
	return val, true, nil
}

func (r *Resolver) fetchRef(ctx context.Context, ref Ref) (Material, error) {
	key := ref.Provider + "|" + ref.Path
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[key]; ok {
		r.record(ref, cached)
		return cached, nil
	}
	provider := r.providers[ref.Provider]
	if provider == nil {
		return nil, fmt.Errorf("secret provider %q is not configured", ref.Provider)
	}
	material, err := provider.Fetch(ctx, ref.Path)
	if err != nil {
		return nil, err
	}
	r.cache[key] = material
	r.record(ref, material)
	return material, nil
}

func (r *Resolver) record(ref Ref, material Material) {
	key := ref.Provider + "|" + ref.Path
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}
	r.audit = append(r.audit, AuditEntry{
		Provider:  ref.Provider,
		Path:      ref.Path,
		Reference: ref.Reference(),
		Fields:    material.FieldNames(),
		Masked:    r.mode == ResolveModeMask,
	})
}

func (r *Resolver) maskFor(ref Ref) string {
	if r.mask != "" {
		return r.mask
	}
	return "[secret:" + ref.Provider + "/" + ref.Path + "]"
}

// Ref captures a parsed secret reference.
type Ref struct {
	Provider string
	Path     string
	Raw      string
}

// Reference returns the canonical secret reference string.
func (r Ref) Reference() string {
	if r.Provider == "" {
		return "secret:///" + r.Path
	}
	return "secret://" + r.Provider + "/" + r.Path
}

// ParseRef detects and parses secret:// references. Returns ok=false when value is not a reference.
func ParseRef(value string, defaultProvider string) (Ref, bool, error) {
	const prefix = "secret://"
	if !strings.HasPrefix(value, prefix) {
		return Ref{}, false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(value, prefix))
	if rest == "" {
		return Ref{}, true, fmt.Errorf("secret reference is missing provider/path")
	}
	if strings.HasPrefix(rest, "/") {
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return Ref{}, true, fmt.Errorf("secret reference is missing path")
		}
		if strings.TrimSpace(defaultProvider) == "" {
			return Ref{}, true, fmt.Errorf("secret reference %q requires a default provider", value)
		}
		return Ref{Provider: strings.TrimSpace(defaultProvider), Path: rest, Raw: value}, true, nil
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		if strings.TrimSpace(defaultProvider) == "" {
			return Ref{}, true, fmt.Errorf("secret reference %q is missing provider", value)
		}
		path := strings.TrimSpace(parts[0])
		if path == "" {
			return Ref{}, true, fmt.Errorf("secret reference %q is missing path", value)
		}
		return Ref{Provider: strings.TrimSpace(defaultProvider), Path: path, Raw: value}, true, nil
	}
	provider := strings.TrimSpace(parts[0])
	path := strings.TrimSpace(parts[1])
	if provider == "" {
		if strings.TrimSpace(defaultProvider) == "" {
			return Ref{}, true, fmt.Errorf("secret reference %q is missing provider", value)
		}
		provider = strings.TrimSpace(defaultProvider)
	}
	if path == "" {
		return Ref{}, true, fmt.Errorf("secret reference %q is missing path", value)
	}
	return Ref{Provider: provider, Path: path, Raw: value}, true, nil
}

// IsRef reports whether value looks like a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "secret://")
}

// FindRefs returns the raw secret references found in a values tree.
func FindRefs(values interface{}) []string {
	var refs []string
	scanRefs(values, &refs)
	return refs
}

func scanRefs(value interface{}, out *[]string) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for _, v := range typed {
			scanRefs(v, out)
		}
	case map[interface{}]interface{}:
		for _, v := range typed {
			scanRefs(v, out)
		}
	case []interface{}:
		for _, v := range typed {
			scanRefs(v, out)
		}
	case string:
		if strings.HasPrefix(typed, "secret://") {
			*out = append(*out, typed)
		}
	}
}

// splitFieldPath splits a secret path from its optional #field selector.
func splitFieldPath(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	parts := strings.SplitN(raw, "#", 2)
	path := strings.Trim(strings.TrimSpace(parts[0]), "/")
	field := ""
	if len(parts) > 1 {
		field = strings.TrimSpace(parts[1])
	}
	return path, field
}
