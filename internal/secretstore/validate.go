package secretstore

import (
	"context"
	"fmt"
	"strings"
)

// ValidationIssue captures a single secret reference validation issue.
type ValidationIssue struct {
	Reference   string
	Provider    string
	Path        string
	Message     string
	Suggestions []string
}

// ValidationError is returned when secret references fail validation.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "secret references failed validation"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "secret references failed validation (%d issue(s)):\n", len(e.Issues))
	for _, issue := range e.Issues {
		ref := strings.TrimSpace(issue.Reference)
		if ref == "" {
			ref = "secret://"
		}
		fmt.Fprintf(&b, "- %s: %s\n", ref, strings.TrimSpace(issue.Message))
		for _, hint := range issue.Suggestions {
			hint = strings.TrimSpace(hint)
			if hint == "" {
				continue
			}
			fmt.Fprintf(&b, "  hint: %s\n", hint)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ValidationOptions configure secret reference validation.
type ValidationOptions struct {
	MaxIssues      int
	MaxSuggestions int
}

func (o ValidationOptions) withDefaults() ValidationOptions {
	if o.MaxIssues <= 0 {
		o.MaxIssues = 12
	}
	if o.MaxSuggestions <= 0 {
		o.MaxSuggestions = 6
	}
	return o
}

// ValidateRefs checks that each reference parses, names a configured
// provider, and points at material the provider can actually serve. It
// returns a ValidationError describing every problem found, capped by opts.
func ValidateRefs(ctx context.Context, resolver *Resolver, refs []string, opts ValidationOptions) error {
	if resolver == nil {
		return nil
	}
	opts = opts.withDefaults()
	refs = uniqueRefStrings(refs)
	if len(refs) == 0 {
		return nil
	}

	defaultProvider := resolver.DefaultProvider()
	providerNames := resolver.ProviderNames()
	providerSet := map[string]struct{}{}
	for _, name := range providerNames {
		providerSet[name] = struct{}{}
	}

	var issues []ValidationIssue
	for _, raw := range refs {
		ref, ok, err := ParseRef(raw, defaultProvider)
		if !ok {
			continue
		}
		if err != nil {
			issue := ValidationIssue{
				Reference: raw,
				Message:   err.Error(),
			}
			issue.Suggestions = append(issue.Suggestions, providerHints(defaultProvider, providerNames)...)
			issues = append(issues, issue)
			if len(issues) >= opts.MaxIssues {
				break
			}
			continue
		}
		if _, ok := providerSet[ref.Provider]; !ok {
			issue := ValidationIssue{
				Reference: raw,
				Provider:  ref.Provider,
				Path:      ref.Path,
				Message:   fmt.Sprintf("secret provider %q is not configured", ref.Provider),
			}
			issue.Suggestions = append(issue.Suggestions, providerHints(defaultProvider, providerNames)...)
			issues = append(issues, issue)
			if len(issues) >= opts.MaxIssues {
				break
			}
			continue
		}
		provider, _ := resolver.Provider(ref.Provider)
		if issue := validateRefWithProvider(ctx, provider, ref, opts); issue != nil {
			issues = append(issues, *issue)
			if len(issues) >= opts.MaxIssues {
				break
			}
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

func providerHints(defaultProvider string, providers []string) []string {
	var hints []string
	if len(providers) > 0 {
		hints = append(hints, fmt.Sprintf("configured providers: %s", strings.Join(providers, ", ")))
	}
	if strings.TrimSpace(defaultProvider) == "" {
		hints = append(hints, "set defaultProvider in the secrets config so bare refs resolve")
	}
	return hints
}

func validateRefWithProvider(ctx context.Context, provider Provider, ref Ref, opts ValidationOptions) *ValidationIssue {
	switch typed := provider.(type) {
	case *fileProvider:
		return validateFileRef(typed, ref, opts)
	case *vaultProvider:
		return validateVaultRef(ctx, typed, ref, opts)
	default:
		if lister, ok := provider.(Lister); ok {
			return validateWithLister(ctx, lister, ref, opts)
		}
	}
	return nil
}

func validateFileRef(p *fileProvider, ref Ref, opts ValidationOptions) *ValidationIssue {
	path, field := splitFieldPath(ref.Path)
	if path == "" {
		return &ValidationIssue{
			Reference: ref.Reference(),
			Provider:  ref.Provider,
			Path:      ref.Path,
			Message:   "secret path is required",
			Suggestions: []string{
				fmt.Sprintf("check file provider path: %s", p.path),
			},
		}
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := interface{}(p.data)
	for i, part := range parts {
		if part == "" {
			continue
		}
		var node map[string]interface{}
		switch typed := current.(type) {
		case map[string]interface{}:
			node = typed
		case map[interface{}]interface{}:
			node = stringifyKeys(typed)
		default:
			return &ValidationIssue{
				Reference: ref.Reference(),
				Provider:  ref.Provider,
				Path:      ref.Path,
				Message:   fmt.Sprintf("secret path %q does not resolve to a map in %s", ref.Path, p.path),
				Suggestions: limitSuggestions([]string{
					fmt.Sprintf("check file provider path: %s", p.path),
				}, opts.MaxSuggestions),
			}
		}
		val, ok := node[part]
		if !ok {
			return fileMissingIssue(ref, part, p.path, sortedKeys(node), opts)
		}
		if i == len(parts)-1 {
			return validateFileLeaf(ref, val, field, p.path, opts)
		}
		current = val
	}
	return nil
}

func validateFileLeaf(ref Ref, val interface{}, field string, filePath string, opts ValidationOptions) *ValidationIssue {
	var node map[string]interface{}
	switch typed := val.(type) {
	case map[string]interface{}:
		node = typed
	case map[interface{}]interface{}:
		node = stringifyKeys(typed)
	default:
		if field != "" {
			return &ValidationIssue{
				Reference: ref.Reference(),
				Provider:  ref.Provider,
				Path:      ref.Path,
				Message:   fmt.Sprintf("secret path %q is a single value in %s; #%s cannot select a field", ref.Path, filePath, field),
				Suggestions: limitSuggestions([]string{
					"drop the #field selector or point the path at a map",
				}, opts.MaxSuggestions),
			}
		}
		if _, ok := coerceFieldValue(val); !ok {
			return &ValidationIssue{
				Reference: ref.Reference(),
				Provider:  ref.Provider,
				Path:      ref.Path,
				Message:   fmt.Sprintf("secret path %q resolves to a non-scalar value in %s", ref.Path, filePath),
				Suggestions: limitSuggestions([]string{
					fmt.Sprintf("check file provider path: %s", filePath),
				}, opts.MaxSuggestions),
			}
		}
		return nil
	}
	if field == "" {
		return nil
	}
	if _, ok := node[field]; !ok {
		return fileFieldMissingIssue(ref, field, filePath, sortedKeys(node), opts)
	}
	return nil
}

func fileMissingIssue(ref Ref, part string, filePath string, keys []string, opts ValidationOptions) *ValidationIssue {
	hints := []string{fmt.Sprintf("check file provider path: %s", filePath)}
	if len(keys) > 0 {
		hints = append(hints, fmt.Sprintf("available keys: %s", strings.Join(keys, ", ")))
	}
	hints = limitSuggestions(hints, opts.MaxSuggestions)
	return &ValidationIssue{
		Reference:   ref.Reference(),
		Provider:    ref.Provider,
		Path:        ref.Path,
		Message:     fmt.Sprintf("secret path %q not found in %s (missing %q)", ref.Path, filePath, part),
		Suggestions: hints,
	}
}

func fileFieldMissingIssue(ref Ref, field string, filePath string, keys []string, opts ValidationOptions) *ValidationIssue {
	hints := []string{fmt.Sprintf("check file provider path: %s", filePath)}
	if len(keys) > 0 {
		hints = append(hints, fmt.Sprintf("available fields: %s", strings.Join(keys, ", ")))
	}
	hints = limitSuggestions(hints, opts.MaxSuggestions)
	return &ValidationIssue{
		Reference:   ref.Reference(),
		Provider:    ref.Provider,
		Path:        ref.Path,
		Message:     fmt.Sprintf("secret field %q not found in %s", field, filePath),
		Suggestions: hints,
	}
}

func validateVaultRef(ctx context.Context, p *vaultProvider, ref Ref, opts ValidationOptions) *ValidationIssue {
	path, field := splitFieldPath(ref.Path)
	if path == "" {
		return &ValidationIssue{
			Reference: ref.Reference(),
			Provider:  ref.Provider,
			Path:      ref.Path,
			Message:   "vault secret path is required",
		}
	}
	if err := p.ensureAuth(ctx); err != nil {
		return &ValidationIssue{
			Reference: ref.Reference(),
			Provider:  ref.Provider,
			Path:      ref.Path,
			Message:   err.Error(),
		}
	}
	data, err := p.read(ctx, path)
	if err != nil {
		hints := []string{}
		if parent, _ := parentPath(path); parent != "" {
			hints = append(hints, fmt.Sprintf("list the path with: vault kv list -mount=%s %s", p.mount, parent))
		} else {
			hints = append(hints, fmt.Sprintf("list the mount with: vault kv list -mount=%s /", p.mount))
		}
		return &ValidationIssue{
			Reference:   ref.Reference(),
			Provider:    ref.Provider,
			Path:        ref.Path,
			Message:     err.Error(),
			Suggestions: limitSuggestions(hints, opts.MaxSuggestions),
		}
	}
	if field == "" {
		return nil
	}
	if _, ok := data[field]; !ok {
		keys := sortedKeys(data)
		hints := []string{}
		if len(keys) > 0 {
			hints = append(hints, fmt.Sprintf("available fields: %s", strings.Join(keys, ", ")))
		}
		return &ValidationIssue{
			Reference:   ref.Reference(),
			Provider:    ref.Provider,
			Path:        ref.Path,
			Message:     fmt.Sprintf("vault secret field %q not found", field),
			Suggestions: limitSuggestions(hints, opts.MaxSuggestions),
		}
	}
	return nil
}

func validateWithLister(ctx context.Context, lister Lister, ref Ref, opts ValidationOptions) *ValidationIssue {
	path, _ := splitFieldPath(ref.Path)
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parent, leaf := parentPath(path)
	keys, err := lister.List(ctx, parent)
	if err != nil || len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if key == leaf {
			return nil
		}
	}
	hints := []string{fmt.Sprintf("available keys: %s", strings.Join(keys, ", "))}
	return &ValidationIssue{
		Reference:   ref.Reference(),
		Provider:    ref.Provider,
		Path:        ref.Path,
		Message:     fmt.Sprintf("secret path %q not found", ref.Path),
		Suggestions: limitSuggestions(hints, opts.MaxSuggestions),
	}
}

func parentPath(path string) (string, string) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ""
	}
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func limitSuggestions(items []string, max int) []string {
	if max <= 0 || len(items) <= max {
		return items
	}
	return items[:max]
}

func uniqueRefStrings(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
