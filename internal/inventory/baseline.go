package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// WriteBaseline persists a sorted host list so later runs can detect drift.
func WriteBaseline(path string, hosts []string) error {
	cleaned := normalizeHosts(hosts)
	body := strings.Join(cleaned, "\n")
	if body != "" {
		body += "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write baseline %q: %w", path, err)
	}
	return nil
}

// DiffBaseline compares the current host list against a recorded baseline.
// It returns an empty string when the membership is unchanged, otherwise a
// unified diff with the baseline on the left.
func DiffBaseline(path string, hosts []string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read baseline %q: %w", path, err)
	}
	recorded := normalizeHosts(strings.Split(string(raw), "\n"))
	current := normalizeHosts(hosts)
	if equalHosts(recorded, current) {
		return "", nil
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        toLines(recorded),
		B:        toLines(current),
		FromFile: path,
		ToFile:   "inventory",
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("compute baseline diff: %w", err)
	}
	return diff, nil
}

func normalizeHosts(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		trimmed := strings.TrimSpace(h)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func equalHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toLines(hosts []string) []string {
	lines := make([]string, 0, len(hosts))
	for _, h := range hosts {
		lines = append(lines, h+"\n")
	}
	return lines
}
