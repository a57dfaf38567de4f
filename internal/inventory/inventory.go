// Package inventory shells out to the ansible toolchain for read-only
// diagnostics: host listing, fact gathering, and playbook syntax checks.
// The real playbook execution never goes through here.
package inventory

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kubekattle/apb/internal/telemetry"
)

const (
	defaultAnsibleBin  = "ansible"
	defaultPlaybookBin = "ansible-playbook"
	defaultTimeout     = 30 * time.Second
)

// Client runs the ansible query commands. A zero timeout falls back to the
// package default; queries are always bounded so a hung inventory script
// cannot stall the pipeline.
type Client struct {
	AnsibleBin  string
	PlaybookBin string
	Timeout     time.Duration

	// Timer, when set, receives per-query round-trip samples.
	Timer *telemetry.PhaseTimer

	logger *zap.Logger
}

func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		AnsibleBin:  defaultAnsibleBin,
		PlaybookBin: defaultPlaybookBin,
		Timeout:     defaultTimeout,
		logger:      logger,
	}
}

// ListHosts returns the raw host listing for a target expression.
func (c *Client) ListHosts(ctx context.Context, expr, inventory string) (string, error) {
	args := []string{expr, "--list-hosts"}
	if strings.TrimSpace(inventory) != "" {
		args = append(args, "-i", inventory)
	}
	out, err := c.run(ctx, c.ansibleBin(), args)
	if err != nil {
		return "", errors.Wrapf(err, "list hosts for %q", expr)
	}
	return out, nil
}

// GatherFacts runs a setup-module query restricted to the given fact filter.
// The call is best effort: targets that cannot be reached surface as an
// error the caller is expected to tolerate.
func (c *Client) GatherFacts(ctx context.Context, expr, inventory, filter string) (string, error) {
	args := []string{expr, "-m", "setup", "--one-line"}
	if strings.TrimSpace(filter) != "" {
		args = append(args, "-a", "filter="+filter)
	}
	if strings.TrimSpace(inventory) != "" {
		args = append(args, "-i", inventory)
	}
	out, err := c.run(ctx, c.ansibleBin(), args)
	if err != nil {
		return "", errors.Wrapf(err, "gather facts for %q", expr)
	}
	return out, nil
}

// CheckPlaybook runs ansible-playbook --syntax-check against the playbook.
func (c *Client) CheckPlaybook(ctx context.Context, playbook, inventory string) (string, error) {
	args := []string{playbook, "--syntax-check"}
	if strings.TrimSpace(inventory) != "" {
		args = append(args, "-i", inventory)
	}
	out, err := c.run(ctx, c.playbookBin(), args)
	if err != nil {
		return out, errors.Wrapf(err, "syntax check %q", playbook)
	}
	return out, nil
}

func (c *Client) run(ctx context.Context, bin string, args []string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(queryCtx, bin, args...)
	raw, err := cmd.CombinedOutput()
	c.Timer.AddInventoryCall(time.Since(started))

	output := string(raw)
	c.logger.Debug("inventory query",
		zap.String("bin", bin),
		zap.Strings("args", args),
		zap.Duration("took", time.Since(started)),
		zap.Bool("ok", err == nil))
	if err != nil {
		if queryCtx.Err() == context.DeadlineExceeded {
			return output, errors.Errorf("query timed out after %s", timeout)
		}
		if snippet := firstLines(output, 3); snippet != "" {
			return output, errors.Wrap(err, snippet)
		}
		return output, err
	}
	return output, nil
}

func (c *Client) ansibleBin() string {
	if strings.TrimSpace(c.AnsibleBin) != "" {
		return c.AnsibleBin
	}
	return defaultAnsibleBin
}

func (c *Client) playbookBin() string {
	if strings.TrimSpace(c.PlaybookBin) != "" {
		return c.PlaybookBin
	}
	return defaultPlaybookBin
}

// ParseHostList extracts host names from `ansible --list-hosts` output.
func ParseHostList(output string) []string {
	var hosts []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "hosts (") || strings.HasPrefix(trimmed, "playbook:") || strings.HasPrefix(trimmed, "play #") || strings.HasPrefix(trimmed, "pattern:") {
			continue
		}
		hosts = append(hosts, trimmed)
	}
	return hosts
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
