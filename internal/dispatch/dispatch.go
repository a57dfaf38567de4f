// Package dispatch coordinates one playbook run end to end: classify the
// targets, resolve credentials, validate the playbook, build the invocation,
// execute it exactly once, and always notify and release afterwards. A run
// produces exactly one Outcome and one notification on every path, including
// failures, timeouts, and panics.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubekattle/apb/internal/classify"
	"github.com/kubekattle/apb/internal/command"
	"github.com/kubekattle/apb/internal/credentials"
	"github.com/kubekattle/apb/internal/history"
	"github.com/kubekattle/apb/internal/inventory"
	"github.com/kubekattle/apb/internal/notify"
	"github.com/kubekattle/apb/internal/redact"
	"github.com/kubekattle/apb/internal/runner"
	"github.com/kubekattle/apb/internal/telemetry"
)

// State enumerates the coordinator lifecycle. Transitions are logged at
// debug level and strictly forward; there is no retry path.
type State string

const (
	StateInit                  State = "Init"
	StateClassifying           State = "Classifying"
	StateResolvingCredentials  State = "ResolvingCredentials"
	StateValidating            State = "Validating"
	StateBuildingCommand       State = "BuildingCommand"
	StateExecuting             State = "Executing"
	StateSucceeded             State = "Succeeded"
	StateFailed                State = "Failed"
	StateNotifyingAndReleasing State = "NotifyingAndReleasing"
	StateDone                  State = "Done"
)

const defaultTimeout = 3600 * time.Second

// Request carries everything one dispatch needs. It is read-only from the
// coordinator's side; concurrent runs share nothing.
type Request struct {
	RunID         string
	Playbook      string
	PlaybookDir   string
	Inventory     string
	TargetServers string
	ExtraVars     map[string]string
	Tags          []string
	SkipTags      []string
	Check         bool
	Verbosity     int
	Forks         int
	Become        bool
	BecomeUser    string
	RawArgs       string
	Timeout       time.Duration
	Credentials   credentials.Config
}

// Outcome is the single record a dispatch produces. Everything in it is
// already redacted.
type Outcome struct {
	RunID      string
	Profile    classify.OsProfile
	Degraded   bool
	Success    bool
	Failure    FailureKind
	Message    string
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	StartedAt  time.Time
	StdoutTail string
	StderrTail string
	Warnings   []string
	Argv       []string
	Vars       map[string]string
	Phases     []telemetry.PhaseSample
	Telemetry  telemetry.Summary
}

// InventoryClient is the slice of the ansible toolchain the coordinator
// queries. The classify fact query goes through the same client.
type InventoryClient interface {
	ListHosts(ctx context.Context, expr, inv string) (string, error)
	GatherFacts(ctx context.Context, expr, inv, filter string) (string, error)
	CheckPlaybook(ctx context.Context, playbook, inv string) (string, error)
}

// CredentialResolver acquires the credential bundle for a profile.
type CredentialResolver interface {
	Resolve(ctx context.Context, profile classify.OsProfile, cfg credentials.Config) (*credentials.Bundle, error)
}

// Coordinator wires the pipeline's collaborators. Inventory, Credentials,
// and Runner are required; the rest are optional.
type Coordinator struct {
	Inventory   InventoryClient
	Credentials CredentialResolver
	Runner      runner.Runner
	Sink        notify.Sink
	History     *history.Store
	Stream      *StreamBroadcaster
	Timer       *telemetry.PhaseTimer
	Logger      *zap.Logger

	// PlaybookBinary overrides the ansible-playbook binary name.
	PlaybookBinary string

	// Live output sinks for the running process; tails are captured
	// regardless.
	Stdout io.Writer
	Stderr io.Writer
}

// Run drives the state machine to completion. The returned Outcome is
// non-nil whenever the pipeline started; the error carries the failure
// kind for fatal outcomes.
func (c *Coordinator) Run(ctx context.Context, req Request) (outcome *Outcome, err error) {
	if c.Inventory == nil || c.Credentials == nil || c.Runner == nil {
		return nil, fmt.Errorf("dispatch: inventory, credentials, and runner must be configured")
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timer := c.Timer
	if timer == nil {
		timer = telemetry.NewPhaseTimer()
	}
	timer.Start()

	if strings.TrimSpace(req.RunID) == "" {
		req.RunID = history.NewRunID()
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTimeout
	}
	outcome = &Outcome{RunID: req.RunID, StartedAt: time.Now(), ExitCode: -1}
	logger = logger.With(zap.String("run_id", req.RunID))

	state := StateInit
	transition := func(next State) {
		logger.Debug("state transition", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}
	fail := func(kind FailureKind, msg string, cause error) error {
		transition(StateFailed)
		outcome.Success = false
		outcome.Failure = kind
		outcome.Message = redact.Text(msg)
		logger.Error("dispatch failed", zap.String("kind", string(kind)), zap.String("message", outcome.Message))
		return &Error{Kind: kind, Message: outcome.Message, Err: cause}
	}
	warn := func(kind FailureKind, msg string) {
		outcome.Warnings = append(outcome.Warnings, msg)
		if kind != "" {
			logger.Warn(msg, zap.String("kind", string(kind)))
		} else {
			logger.Warn(msg)
		}
		c.Stream.EmitLog("warn", "apb", msg)
	}

	c.Stream.SetRun(RunPayload{
		RunID:         req.RunID,
		Playbook:      req.Playbook,
		TargetServers: req.TargetServers,
		Inventory:     req.Inventory,
		CheckMode:     req.Check,
	})

	var bundle *credentials.Bundle
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during dispatch", zap.Any("panic", r), zap.String("state", string(state)))
			failErr := fail(FailureExecutionFailure, fmt.Sprintf("panic during %s: %v", state, r), nil)
			if err == nil {
				err = failErr
			}
		}
		transition(StateNotifyingAndReleasing)
		c.finalize(req, bundle, outcome, timer, logger)
		transition(StateDone)
	}()

	// Init: required parameters are enforced here, never inferred. Failing
	// fast still notifies, but touches no collaborator.
	var missing []string
	if strings.TrimSpace(req.Playbook) == "" {
		missing = append(missing, "playbook")
	}
	if strings.TrimSpace(req.TargetServers) == "" {
		missing = append(missing, "target-servers")
	}
	if len(missing) > 0 {
		return outcome, fail(FailureMissingParameter, "missing required parameters: "+strings.Join(missing, ", "), nil)
	}

	transition(StateClassifying)
	c.Stream.PhaseStarted(PhaseClassify)
	var result classify.Result
	_ = timer.Track(PhaseClassify, func() error {
		classifier := classify.New(c.Inventory, logger)
		result = classifier.Classify(ctx, classify.TargetSpec{Expr: req.TargetServers, Inventory: req.Inventory})
		return nil
	})
	outcome.Profile = result.Profile
	outcome.Degraded = result.Degraded
	if result.Degraded {
		warn(FailureInventoryUnavailable, result.Reason)
	}
	c.Stream.PhaseCompleted(PhaseClassify, "succeeded", classifySummary(result))
	logger.Info("targets classified",
		zap.String("target", req.TargetServers),
		zap.String("profile", result.Profile.String()),
		zap.Bool("degraded", result.Degraded),
		zap.Bool("defaulted", result.Defaulted))

	transition(StateResolvingCredentials)
	c.Stream.PhaseStarted(PhaseCredentials)
	resolveErr := timer.Track(PhaseCredentials, func() error {
		var rerr error
		bundle, rerr = c.Credentials.Resolve(ctx, outcome.Profile, req.Credentials)
		return rerr
	})
	if resolveErr != nil {
		c.Stream.PhaseCompleted(PhaseCredentials, "failed", redact.Text(resolveErr.Error()))
		return outcome, fail(FailureCredentialNotFound, fmt.Sprintf("resolve credentials: %v", resolveErr), resolveErr)
	}
	if bundle.Linux != nil {
		timer.AddSecretFetch()
	}
	if bundle.Windows != nil {
		timer.AddSecretFetch()
	}
	c.Stream.PhaseCompleted(PhaseCredentials, "succeeded", credentialSummary(bundle))

	transition(StateValidating)
	c.Stream.PhaseStarted(PhaseValidate)
	validateErr := timer.Track(PhaseValidate, func() error {
		return c.validate(ctx, req, warn)
	})
	if validateErr != nil {
		c.Stream.PhaseCompleted(PhaseValidate, "failed", redact.Text(validateErr.Error()))
		kind := KindOf(validateErr)
		if kind == "" {
			kind = FailurePlaybookSyntax
		}
		return outcome, fail(kind, validateErr.Error(), validateErr)
	}
	c.Stream.PhaseCompleted(PhaseValidate, "succeeded", "")

	transition(StateBuildingCommand)
	c.Stream.PhaseStarted(PhaseBuild)
	if _, overridden := req.ExtraVars[command.HostVar]; overridden {
		warn("", fmt.Sprintf("caller-supplied %s var is overridden by the dispatch target injection", command.HostVar))
	}
	credVars := bundle.Vars(outcome.Profile)
	builder := command.Builder{Binary: c.PlaybookBinary, PlaybookDir: req.PlaybookDir}
	var inv command.Invocation
	buildErr := timer.Track(PhaseBuild, func() error {
		var berr error
		inv, berr = builder.Build(command.Request{
			Playbook:      req.Playbook,
			Inventory:     req.Inventory,
			TargetServers: req.TargetServers,
			Profile:       outcome.Profile,
			Vars:          req.ExtraVars,
			CredVars:      credVars,
			CredEnv:       bundle.Env(),
			Tags:          req.Tags,
			SkipTags:      req.SkipTags,
			Check:         req.Check,
			Verbosity:     req.Verbosity,
			Forks:         req.Forks,
			Become:        req.Become,
			BecomeUser:    req.BecomeUser,
			RawArgs:       req.RawArgs,
		})
		return berr
	})
	if buildErr != nil {
		c.Stream.PhaseCompleted(PhaseBuild, "failed", redact.Text(buildErr.Error()))
		return outcome, fail(FailureMissingParameter, fmt.Sprintf("build command: %v", buildErr), buildErr)
	}
	outcome.Argv = redact.Args(inv.Argv)
	outcome.Vars = redact.Vars(mergedVars(req, credVars))
	c.Stream.PhaseCompleted(PhaseBuild, "succeeded", fmt.Sprintf("%d argv cells", len(inv.Argv)))
	logger.Info("command built", zap.Strings("argv", outcome.Argv), zap.Int("env_vars", len(inv.Env)))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fail(FailureExecutionFailure, "dispatch canceled before execution", ctxErr)
	}

	transition(StateExecuting)
	c.Stream.PhaseStarted(PhaseExecute)
	var res runner.Result
	runErr := timer.Track(PhaseExecute, func() error {
		var xerr error
		res, xerr = c.Runner.Run(ctx, runner.Spec{
			Argv:    inv.Argv,
			Env:     inv.Env,
			Timeout: req.Timeout,
			Stdout:  c.Stdout,
			Stderr:  c.Stderr,
		})
		return xerr
	})
	outcome.ExitCode = res.ExitCode
	outcome.TimedOut = res.TimedOut
	outcome.StdoutTail = redact.Text(res.StdoutTail)
	outcome.StderrTail = redact.Text(res.StderrTail)
	switch {
	case res.TimedOut:
		c.Stream.PhaseCompleted(PhaseExecute, "failed", "timed out")
		return outcome, fail(FailureExecutionTimeout,
			fmt.Sprintf("execution exceeded %s; process group terminated", req.Timeout), nil)
	case runErr != nil:
		c.Stream.PhaseCompleted(PhaseExecute, "failed", redact.Text(runErr.Error()))
		return outcome, fail(FailureExecutionFailure, fmt.Sprintf("run ansible-playbook: %v", runErr), runErr)
	case res.ExitCode != 0:
		c.Stream.PhaseCompleted(PhaseExecute, "failed", fmt.Sprintf("exit %d", res.ExitCode))
		return outcome, fail(FailureExecutionFailure, executionFailureMessage(res), nil)
	}

	transition(StateSucceeded)
	outcome.Success = true
	c.Stream.PhaseCompleted(PhaseExecute, "succeeded", fmt.Sprintf("exit 0 in %s", res.Duration.Truncate(time.Millisecond)))
	logger.Info("playbook succeeded", zap.Duration("took", res.Duration))
	return outcome, nil
}

// validate runs the pre-execution checks: the playbook must exist and pass
// a syntax check (fatal), and the target expression should match inventory
// hosts (warning only).
func (c *Coordinator) validate(ctx context.Context, req Request, warn func(FailureKind, string)) error {
	playbook := resolvePlaybookPath(req)
	if _, err := os.Stat(playbook); err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: FailurePlaybookSyntax, Message: fmt.Sprintf("playbook %s does not exist", playbook), Err: err}
		}
		return &Error{Kind: FailurePlaybookSyntax, Message: fmt.Sprintf("playbook %s: %v", playbook, err), Err: err}
	}

	if _, err := c.Inventory.CheckPlaybook(ctx, playbook, req.Inventory); err != nil {
		return &Error{Kind: FailurePlaybookSyntax, Message: fmt.Sprintf("playbook syntax check failed: %v", err), Err: err}
	}

	out, err := c.Inventory.ListHosts(ctx, req.TargetServers, req.Inventory)
	if err != nil {
		warn(FailureInventoryUnavailable, fmt.Sprintf("host membership lookup failed: %v", err))
		return nil
	}
	if hosts := inventory.ParseHostList(out); len(hosts) == 0 {
		warn(FailureHostMembershipWarning, fmt.Sprintf("target %q matched no hosts in the inventory", req.TargetServers))
	}
	return nil
}

// finalize is the NotifyingAndReleasing stage. It runs on every exit path
// and uses its own deadline so a canceled run context cannot suppress the
// guaranteed notification or history record.
func (c *Coordinator) finalize(req Request, bundle *credentials.Bundle, outcome *Outcome, timer *telemetry.PhaseTimer, logger *zap.Logger) {
	c.Stream.SkipPending()
	c.Stream.PhaseStarted(PhaseFinalize)

	if err := bundle.Release(); err != nil {
		logger.Warn("credential release reported errors", zap.Error(err))
	}

	outcome.Duration = time.Since(outcome.StartedAt)
	outcome.Phases = timer.Samples()
	outcome.Telemetry = timer.Summarize()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.History != nil {
		if err := c.History.RecordRun(ctx, runRecord(req, outcome)); err != nil {
			logger.Warn("recording run history failed", zap.Error(err))
		}
	}
	if c.Sink != nil {
		if err := c.Sink.Notify(ctx, notifyPayload(req, outcome)); err != nil {
			logger.Warn("notification delivery failed", zap.Error(err))
		}
	}

	c.Stream.PhaseCompleted(PhaseFinalize, "succeeded", "")
	c.Stream.EmitReport(ReportPayload{
		RunID:    outcome.RunID,
		Profile:  outcome.Profile.String(),
		Success:  outcome.Success,
		Failure:  string(outcome.Failure),
		Message:  outcome.Message,
		ExitCode: outcome.ExitCode,
		TimedOut: outcome.TimedOut,
		Duration: outcome.Duration.Truncate(time.Millisecond).String(),
		Warnings: outcome.Warnings,
	})
}

func runRecord(req Request, outcome *Outcome) history.RunRecord {
	return history.RunRecord{
		RunID:         outcome.RunID,
		Playbook:      req.Playbook,
		TargetServers: req.TargetServers,
		Profile:       outcome.Profile.String(),
		CheckMode:     req.Check,
		Success:       outcome.Success,
		Failure:       string(outcome.Failure),
		Message:       outcome.Message,
		ExitCode:      outcome.ExitCode,
		TimedOut:      outcome.TimedOut,
		Argv:          outcome.Argv,
		Vars:          outcome.Vars,
		Warnings:      outcome.Warnings,
		Phases:        outcome.Phases,
		StartedAt:     outcome.StartedAt,
		Duration:      outcome.Duration,
	}
}

func notifyPayload(req Request, outcome *Outcome) notify.Payload {
	return notify.Payload{
		RunID:         outcome.RunID,
		Playbook:      req.Playbook,
		TargetServers: req.TargetServers,
		Profile:       outcome.Profile.String(),
		CheckMode:     req.Check,
		Success:       outcome.Success,
		Failure:       string(outcome.Failure),
		Message:       outcome.Message,
		ExitCode:      outcome.ExitCode,
		TimedOut:      outcome.TimedOut,
		Warnings:      outcome.Warnings,
		StartedAt:     outcome.StartedAt,
		Duration:      outcome.Duration.Truncate(time.Millisecond).String(),
	}
}

// mergedVars reconstructs the extra-var set the invocation carries so the
// outcome can record it: caller vars, credential vars on top, HOST last.
func mergedVars(req Request, credVars map[string]string) map[string]string {
	merged := make(map[string]string, len(req.ExtraVars)+len(credVars)+1)
	for k, v := range req.ExtraVars {
		merged[k] = v
	}
	for k, v := range credVars {
		merged[k] = v
	}
	merged[command.HostVar] = strings.TrimSpace(req.TargetServers)
	return merged
}

func resolvePlaybookPath(req Request) string {
	playbook := strings.TrimSpace(req.Playbook)
	if req.PlaybookDir != "" && !filepath.IsAbs(playbook) {
		return filepath.Join(req.PlaybookDir, playbook)
	}
	return playbook
}

func classifySummary(result classify.Result) string {
	summary := "profile=" + result.Profile.String()
	if result.Defaulted {
		summary += " (" + classify.DefaultPolicy + ")"
	}
	if result.Degraded {
		summary += " degraded"
	}
	return summary
}

func credentialSummary(bundle *credentials.Bundle) string {
	var kinds []string
	if bundle.Linux != nil {
		kinds = append(kinds, string(credentials.KindLinux))
	}
	if bundle.Windows != nil {
		kinds = append(kinds, string(credentials.KindWindows))
	}
	if len(kinds) == 0 {
		return "no credentials required"
	}
	return "acquired " + strings.Join(kinds, "+")
}

func executionFailureMessage(res runner.Result) string {
	msg := fmt.Sprintf("ansible-playbook exited %d", res.ExitCode)
	if tail := lastLine(res.StderrTail); tail != "" {
		msg += ": " + tail
	} else if tail := lastLine(res.StdoutTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
