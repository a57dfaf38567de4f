// Package classify decides which OS families a deployment target covers.
// It merges best-effort inventory facts with a name heuristic and applies
// the default-to-Linux policy so a profile never leaves here unknown.
package classify

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// TargetSpec identifies what a run operates on: a host/group expression in
// the inventory's own grammar plus the inventory reference it belongs to.
type TargetSpec struct {
	Expr      string
	Inventory string
}

// OsProfile is the classification outcome. Both flags false means unknown,
// a state Classify resolves before returning.
type OsProfile struct {
	HasLinux   bool `json:"hasLinux"`
	HasWindows bool `json:"hasWindows"`
}

func (p OsProfile) IsMixed() bool   { return p.HasLinux && p.HasWindows }
func (p OsProfile) IsUnknown() bool { return !p.HasLinux && !p.HasWindows }

func (p OsProfile) String() string {
	switch {
	case p.IsMixed():
		return "mixed"
	case p.HasWindows:
		return "windows"
	case p.HasLinux:
		return "linux"
	default:
		return "unknown"
	}
}

// Signal sources and families recorded in a Result.
const (
	SourceFacts   = "facts"
	SourceName    = "name"
	SourceDefault = "default"

	FamilyLinux   = "linux"
	FamilyWindows = "windows"
)

// DefaultPolicy names the fail-open rule applied when no signal decides a
// family: the target is treated as Linux-only rather than unknown.
const DefaultPolicy = "default-linux"

// Signal is one piece of classification evidence.
type Signal struct {
	Source string `json:"source"`
	Family string `json:"family"`
	Detail string `json:"detail"`
}

// Result carries the profile plus how it was reached. Degraded means the
// inventory could not be queried and only name signals were available.
type Result struct {
	Profile   OsProfile
	Signals   []Signal
	Degraded  bool
	Reason    string
	Defaulted bool
}

// FactGatherer is the slice of the inventory interface classification needs.
type FactGatherer interface {
	GatherFacts(ctx context.Context, expr, inventory, filter string) (string, error)
}

// Substring vocabularies for fact output, matched case-insensitively.
var (
	windowsFactTokens = []string{"windows", "win"}
	linuxFactTokens   = []string{"redhat", "ubuntu", "debian", "centos"}

	windowsNameTokens = []string{"windows", "win"}
	linuxNameTokens   = []string{"linux", "web", "db"}
)

const osFamilyFilter = "ansible_os_family"

type Classifier struct {
	facts  FactGatherer
	logger *zap.Logger
}

func New(facts FactGatherer, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{facts: facts, logger: logger}
}

// Classify merges fact-based and name-based signals with OR semantics per
// family. An inventory failure is recorded as a degradation reason, never an
// error: classification always produces a usable profile.
func (c *Classifier) Classify(ctx context.Context, target TargetSpec) Result {
	res := Result{}

	if c.facts != nil {
		output, err := c.facts.GatherFacts(ctx, target.Expr, target.Inventory, osFamilyFilter)
		if err != nil {
			res.Degraded = true
			res.Reason = "inventory unavailable: " + err.Error()
			c.logger.Warn("inventory query failed, classifying from the target name only",
				zap.String("target", target.Expr),
				zap.Error(err))
		} else {
			res.Signals = append(res.Signals, factSignals(output)...)
		}
	}

	res.Signals = append(res.Signals, nameSignals(target.Expr)...)

	for _, sig := range res.Signals {
		switch sig.Family {
		case FamilyLinux:
			res.Profile.HasLinux = true
		case FamilyWindows:
			res.Profile.HasWindows = true
		}
	}

	if res.Profile.IsUnknown() {
		res.Defaulted = true
		res.Profile.HasLinux = true
		res.Signals = append(res.Signals, Signal{Source: SourceDefault, Family: FamilyLinux, Detail: DefaultPolicy})
		c.logger.Info("no OS-family signal for target, applying default policy",
			zap.String("target", target.Expr),
			zap.String("policy", DefaultPolicy))
	}

	return res
}

func factSignals(output string) []Signal {
	lowered := strings.ToLower(output)
	if strings.TrimSpace(lowered) == "" {
		return nil
	}
	var signals []Signal
	// Unlike the name heuristic, fact output may legitimately carry both
	// families at once (a mixed group). Each scan stops at its first token so
	// the recorded detail stays stable.
	for _, token := range linuxFactTokens {
		if strings.Contains(lowered, token) {
			signals = append(signals, Signal{Source: SourceFacts, Family: FamilyLinux, Detail: token})
			break
		}
	}
	for _, token := range windowsFactTokens {
		if strings.Contains(lowered, token) {
			signals = append(signals, Signal{Source: SourceFacts, Family: FamilyWindows, Detail: token})
			break
		}
	}
	return signals
}

// nameSignals applies the name heuristic. The checks are exclusive with
// Windows first: a name like "winweb01" also contains a Linux token, and the
// Windows family is the one worth flagging since it changes credential and
// become handling.
func nameSignals(expr string) []Signal {
	lowered := strings.ToLower(strings.TrimSpace(expr))
	if lowered == "" {
		return nil
	}
	for _, token := range windowsNameTokens {
		if strings.Contains(lowered, token) {
			return []Signal{{Source: SourceName, Family: FamilyWindows, Detail: token}}
		}
	}
	for _, token := range linuxNameTokens {
		if strings.Contains(lowered, token) {
			return []Signal{{Source: SourceName, Family: FamilyLinux, Detail: token}}
		}
	}
	return nil
}
