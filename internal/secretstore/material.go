package secretstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Material is the set of named fields stored under a single secret path.
// Credential bundles read related fields (username and key, username and
// password) from one Material so they can never pair values from two
// different secret versions.
type Material map[string]string

// Field returns the first present field among names.
func (m Material) Field(names ...string) (string, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val, ok := m[name]; ok {
			return val, true
		}
	}
	return "", false
}

// FieldNames returns the sorted field names.
func (m Material) FieldNames() []string {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// selectField picks a single value out of material: the first present
// candidate wins, a lone field is unambiguous, everything else is an error.
func selectField(m Material, candidates ...string) (string, error) {
	if len(m) == 0 {
		return "", fmt.Errorf("secret material is empty")
	}
	named := false
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		named = true
		if val, ok := m[candidate]; ok {
			return val, nil
		}
	}
	if len(m) == 1 {
		for _, val := range m {
			return val, nil
		}
	}
	if !named {
		return "", fmt.Errorf("secret value is ambiguous (fields: %v); select one with #<field>", m.FieldNames())
	}
	return "", fmt.Errorf("secret field not found (available: %v)", m.FieldNames())
}

// coerceFieldValue converts scalar secret values to strings. Nested maps and
// lists report ok=false so providers can skip them.
func coerceFieldValue(val interface{}) (string, bool) {
	switch typed := val.(type) {
	case string:
		return typed, true
	case []byte:
		return string(typed), true
	case bool:
		return strconv.FormatBool(typed), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case json.Number:
		return typed.String(), true
	default:
		return "", false
	}
}
