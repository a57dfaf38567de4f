// Package redact scrubs credential-like values from anything apb prints,
// logs, notifies, or persists. Matching is by variable NAME pattern, with a
// couple of value-shape rules for material that leaks into captured output.
package redact

import (
	"regexp"
	"strings"
)

var (
	sensitiveNameRE = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|auth|private[_-]?key|credential|access[_-]?key)`)
	privateKeyRE    = regexp.MustCompile(`(?s)-----BEGIN ([A-Z ]+ )?PRIVATE KEY-----.*?-----END ([A-Z ]+ )?PRIVATE KEY-----`)
	jwtRE           = regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\b`)
)

// SensitiveName reports whether a variable or environment key names
// credential-like material.
func SensitiveName(name string) bool {
	return sensitiveNameRE.MatchString(strings.TrimSpace(name))
}

// Value replaces a secret with a stub that keeps just enough of the
// original to correlate against the source material.
func Value(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "REDACTED"
	}
	return v[:3] + "…" + v[len(v)-3:]
}

// Vars returns a copy of vars with sensitive-named values redacted.
func Vars(vars map[string]string) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if SensitiveName(k) {
			out[k] = Value(v)
			continue
		}
		out[k] = v
	}
	return out
}

// Args scrubs an argv for display. Values of --extra-vars (and -e)
// key=value pairs are redacted when the key looks sensitive; everything
// else passes through untouched.
func Args(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}
	out := make([]string, len(argv))
	copy(out, argv)
	for i, arg := range out {
		if i == 0 {
			continue
		}
		prev := out[i-1]
		if prev != "--extra-vars" && prev != "-e" {
			continue
		}
		key, val, ok := strings.Cut(arg, "=")
		if !ok || !SensitiveName(key) {
			continue
		}
		out[i] = key + "=" + Value(val)
	}
	return out
}

// Text scrubs value-shaped secrets (PEM private key blocks, JWTs) from
// free-form text such as captured process output or error messages.
func Text(s string) string {
	if s == "" {
		return ""
	}
	s = privateKeyRE.ReplaceAllString(s, "-----REDACTED PRIVATE KEY-----")
	s = jwtRE.ReplaceAllStringFunc(s, Value)
	return s
}
