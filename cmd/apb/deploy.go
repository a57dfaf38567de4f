// File: cmd/apb/deploy.go
// Brief: CLI command wiring and implementation for 'deploy'.

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kubekattle/apb/internal/config"
	"github.com/kubekattle/apb/internal/credentials"
	"github.com/kubekattle/apb/internal/dispatch"
	"github.com/kubekattle/apb/internal/history"
	"github.com/kubekattle/apb/internal/inventory"
	"github.com/kubekattle/apb/internal/logging"
	"github.com/kubekattle/apb/internal/notify"
	"github.com/kubekattle/apb/internal/runner"
	"github.com/kubekattle/apb/internal/secretstore"
	"github.com/kubekattle/apb/internal/stream"
	"github.com/kubekattle/apb/internal/telemetry"
	"github.com/kubekattle/apb/internal/ui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDeployCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Classify targets, resolve credentials, and run a playbook",
		Long: `Deploy dispatches one ansible-playbook run against a target expression.

The targets are classified by operating system first (inventory facts, then
name patterns), the matching credential family is resolved from the secret
store, and the playbook runs with the credentials injected as extra vars and
environment. The outcome is always notified and recorded, including on
failures and timeouts.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, opts, *logLevel)
		},
	}
	opts.BindFlags(cmd.Flags())
	hideFlags(cmd.Flags(), []string{"ansible-bin", "playbook-bin"})
	cmd.Example = `  # Patch the web group with the default Linux SSH credential
  apb deploy --playbook patch.yml --target-servers webservers --linux-cred secret://vault/ansible/ssh

  # Mixed estate: both credential families resolve for one combined run
  apb deploy -p site.yml -t 'web:win' --linux-cred file://linux --windows-cred file://winrm

  # Dry-run with a live websocket event feed for dashboards
  apb deploy -p site.yml -t db --check --listen :9090`
	decorateCommandHelp(cmd, "Deploy Flags")
	return cmd
}

func runDeploy(cmd *cobra.Command, opts *config.Options, logLevel string) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	errOut := cmd.ErrOrStderr()

	secrets, err := buildSecretResolver(opts.SecretsConfig, secretstore.ResolveModeValue, logger)
	if err != nil {
		return err
	}

	timer := telemetry.NewPhaseTimer()
	inv := inventory.NewClient(logger.Named("inventory"))
	inv.AnsibleBin = opts.AnsibleBin
	inv.PlaybookBin = opts.PlaybookBin
	inv.Timer = timer

	events := dispatch.NewStreamBroadcaster()

	width, isTTY := ui.TerminalWidth(errOut)
	var console *ui.Console
	if opts.ConsoleMode == "always" || (opts.ConsoleMode == "auto" && isTTY) {
		console = ui.NewConsole(errOut, ui.Metadata{
			Playbook:      opts.Playbook,
			Inventory:     opts.Inventory,
			TargetServers: opts.TargetServers,
			CheckMode:     opts.Check,
			Tags:          append([]string(nil), opts.Tags...),
			SkipTags:      append([]string(nil), opts.SkipTags...),
			ExtraVars:     opts.SortedExtraVars(),
		}, ui.ConsoleOptions{
			Enabled:         true,
			Wide:            opts.ConsoleWide,
			Width:           width,
			DetailsExpanded: opts.ConsoleDetails,
		})
		events.AddObserver(console)
	}

	var feed *stream.Server
	if addr := strings.TrimSpace(opts.ListenAddr); addr != "" {
		feed = stream.New(addr, logger.Named("stream"))
		events.AddObserver(feed)
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Warn("event feed stopped", zap.Error(err))
			}
		}()
		fmt.Fprintf(errOut, "Serving dispatch event feed on ws://%s/ws\n", addr)
	}

	// On a tty the console owns stderr; hold notification output until the
	// final repaint is torn down so it does not get overwritten.
	notifyOut := io.Writer(cmd.OutOrStdout())
	var heldNotify *bytes.Buffer
	if console != nil {
		heldNotify = &bytes.Buffer{}
		notifyOut = heldNotify
	}
	sink, err := notify.NewSink(opts.NotifyMode, opts.NotifyURL, notifyOut, logger.Named("notify"))
	if err != nil {
		return err
	}

	var store *history.Store
	if strings.TrimSpace(opts.HistoryDir) != "" {
		store, err = history.Open(opts.HistoryDir)
		if err != nil {
			fmt.Fprintf(errOut, "Warning: run history disabled: %v\n", err)
		} else {
			defer store.Close()
		}
	}

	procOut := io.Writer(cmd.OutOrStdout())
	procErr := io.Writer(errOut)
	if console != nil || feed != nil {
		outLog := events.LogWriter("info", "ansible")
		errLog := events.LogWriter("warn", "ansible")
		defer outLog.Flush()
		defer errLog.Flush()
		if console != nil {
			// Raw process output would scroll underneath the repaint, so it
			// feeds the console's output tail through the event stream.
			procOut, procErr = outLog, errLog
		} else {
			procOut = io.MultiWriter(procOut, outLog)
			procErr = io.MultiWriter(procErr, errLog)
		}
	}

	coordinator := &dispatch.Coordinator{
		Inventory:      inv,
		Credentials:    credentials.NewResolver(secrets, logger.Named("credentials"), ""),
		Runner:         runner.NewLocal(logger.Named("runner")),
		Sink:           sink,
		History:        store,
		Stream:         events,
		Timer:          timer,
		Logger:         logger,
		PlaybookBinary: opts.PlaybookBin,
		Stdout:         procOut,
		Stderr:         procErr,
	}

	outcome, runErr := coordinator.Run(ctx, dispatchRequest(opts))
	if console != nil {
		console.Done()
	}
	if heldNotify != nil && heldNotify.Len() > 0 {
		_, _ = io.Copy(cmd.OutOrStdout(), heldNotify)
	}
	if outcome != nil {
		if line := outcome.Telemetry.Line(); line != "" {
			fmt.Fprintln(errOut, line)
		}
	}
	return runErr
}

// dispatchRequest maps validated CLI options onto one dispatch request.
func dispatchRequest(opts *config.Options) dispatch.Request {
	return dispatch.Request{
		Playbook:      opts.Playbook,
		PlaybookDir:   opts.PlaybookDir,
		Inventory:     opts.Inventory,
		TargetServers: opts.TargetServers,
		ExtraVars:     opts.ExtraVars,
		Tags:          opts.Tags,
		SkipTags:      opts.SkipTags,
		Check:         opts.Check,
		Verbosity:     opts.Verbosity,
		Forks:         opts.Forks,
		Become:        opts.Become,
		BecomeUser:    opts.BecomeUser,
		RawArgs:       opts.RawArgs,
		Timeout:       opts.Timeout,
		Credentials: credentials.Config{
			LinuxRef:   opts.LinuxCred,
			WindowsRef: opts.WindowsCred,
		},
	}
}

// buildSecretResolver loads the secret provider config (explicit flag first,
// then the apb config directories) and builds a resolver in the given mode.
// No config file is not an error; resolution then fails per reference, which
// the credential resolver reports as CredentialNotFound.
func buildSecretResolver(secretsConfig string, mode secretstore.ResolveMode, logger *zap.Logger) (*secretstore.Resolver, error) {
	path := strings.TrimSpace(secretsConfig)
	var cfg secretstore.Config
	switch {
	case path != "":
		loaded, err := secretstore.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load secrets config: %w", err)
		}
		cfg = loaded
	default:
		for _, candidate := range config.SecretsConfigCandidates() {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			loaded, err := secretstore.LoadConfig(candidate)
			if err != nil {
				return nil, fmt.Errorf("load secrets config %s: %w", candidate, err)
			}
			cfg = loaded
			path = candidate
			break
		}
	}
	baseDir := ""
	if path != "" {
		baseDir = filepath.Dir(path)
		logger.Debug("secrets config loaded", zap.String("path", path))
	}
	return secretstore.NewResolver(cfg, secretstore.ResolverOptions{
		Mode:    mode,
		BaseDir: baseDir,
	})
}
