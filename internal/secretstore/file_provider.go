package secretstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileProvider struct {
	path string
	data map[string]interface{}
}

func newFileProvider(path string, baseDir string) (*fileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file provider path is required")
	}
	if baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file %q: %w", path, err)
	}
	data := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse secrets file %q: %w", path, err)
	}
	return &fileProvider{path: path, data: data}, nil
}

// Fetch returns the material at secretPath. A mapping node becomes one field
// per scalar entry; a scalar node becomes a single "value" field.
func (p *fileProvider) Fetch(ctx context.Context, secretPath string) (Material, error) {
	_ = ctx
	node, err := p.lookup(secretPath)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("secret path %q resolves to empty value in %s", secretPath, p.path)
	}
	switch typed := node.(type) {
	case map[string]interface{}:
		return materialFromMap(typed, secretPath, p.path)
	case map[interface{}]interface{}:
		return materialFromMap(stringifyKeys(typed), secretPath, p.path)
	default:
		val, ok := coerceFieldValue(typed)
		if !ok {
			return nil, fmt.Errorf("secret path %q resolves to a non-scalar value in %s", secretPath, p.path)
		}
		return Material{"value": val}, nil
	}
}

func (p *fileProvider) List(ctx context.Context, secretPath string) ([]string, error) {
	_ = ctx
	node, err := p.lookup(secretPath)
	if err != nil {
		return nil, err
	}
	switch typed := node.(type) {
	case map[string]interface{}:
		return sortedKeys(typed), nil
	case map[interface{}]interface{}:
		return sortedKeys(stringifyKeys(typed)), nil
	default:
		return nil, fmt.Errorf("secret path %q does not resolve to a map in %s", secretPath, p.path)
	}
}

func (p *fileProvider) lookup(secretPath string) (interface{}, error) {
	secretPath = strings.TrimSpace(secretPath)
	parts := []string{}
	if secretPath != "" {
		parts = strings.Split(strings.TrimPrefix(secretPath, "/"), "/")
	}
	var current interface{} = p.data
	for _, part := range parts {
		if part == "" {
			continue
		}
		switch typed := current.(type) {
		case map[string]interface{}:
			val, ok := typed[part]
			if !ok {
				return nil, fmt.Errorf("secret path %q not found in %s", secretPath, p.path)
			}
			current = val
		case map[interface{}]interface{}:
			val, ok := typed[part]
			if !ok {
				return nil, fmt.Errorf("secret path %q not found in %s", secretPath, p.path)
			}
			current = val
		default:
			return nil, fmt.Errorf("secret path %q does not resolve to a value in %s", secretPath, p.path)
		}
	}
	return current, nil
}

func materialFromMap(data map[string]interface{}, secretPath string, filePath string) (Material, error) {
	material := make(Material, len(data))
	for name, val := range data {
		str, ok := coerceFieldValue(val)
		if !ok {
			continue
		}
		material[name] = str
	}
	if len(material) == 0 {
		return nil, fmt.Errorf("secret path %q has no scalar fields in %s", secretPath, filePath)
	}
	return material, nil
}

func stringifyKeys(data map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		key, ok := k.(string)
		if !ok {
			continue
		}
		out[key] = v
	}
	return out
}

func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
