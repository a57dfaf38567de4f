// File: cmd/apb/batch.go
// Brief: CLI command wiring and implementation for 'batch'.

package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kubekattle/apb/internal/config"
	"github.com/kubekattle/apb/internal/credentials"
	"github.com/kubekattle/apb/internal/dispatch"
	"github.com/kubekattle/apb/internal/history"
	"github.com/kubekattle/apb/internal/inventory"
	"github.com/kubekattle/apb/internal/logging"
	"github.com/kubekattle/apb/internal/notify"
	"github.com/kubekattle/apb/internal/runner"
	"github.com/kubekattle/apb/internal/secretstore"
	"github.com/kubekattle/apb/internal/specfile"
	"github.com/kubekattle/apb/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newBatchCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	var parallelism int
	cmd := &cobra.Command{
		Use:   "batch MANIFEST",
		Short: "Run every deployment in a manifest with bounded parallelism",
		Long: `Batch loads a deployment manifest, layers each entry over the CLI flags and
the manifest defaults, and dispatches the entries concurrently. Entries run
to completion regardless of each other; the command fails afterwards if any
entry failed. Each entry is a full dispatch: classification, credential
resolution, validation, notification, and history all apply per entry.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args[0], opts, parallelism, *logLevel)
		},
	}
	opts.BindFlags(cmd.Flags())
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Concurrent deployments (default: the manifest's setting, else 4)")
	// Per-entry fields come from the manifest; single-run surfaces stay off.
	hideFlags(cmd.Flags(), []string{"playbook", "target-servers", "listen", "console", "console-wide", "console-details", "ansible-bin", "playbook-bin"})
	cmd.Example = `  # Nightly rollout across estates, four at a time
  apb batch manifests/nightly.yaml

  # Same manifest as a dry run, one entry at a time
  apb batch manifests/nightly.yaml --check --parallelism 1`
	decorateCommandHelp(cmd, "Batch Flags")
	return cmd
}

func runBatch(cmd *cobra.Command, manifestPath string, opts *config.Options, parallelism int, logLevel string) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	mf, err := specfile.Load(manifestPath)
	if err != nil {
		return err
	}
	deployments := mf.Resolve(specfile.BaseDir(manifestPath), specfile.Deployment{
		Inventory:   opts.Inventory,
		PlaybookDir: opts.PlaybookDir,
		Vars:        opts.ExtraVars,
		Tags:        opts.Tags,
		SkipTags:    opts.SkipTags,
		Check:       opts.Check,
		Become:      opts.Become,
		BecomeUser:  opts.BecomeUser,
		Forks:       opts.Forks,
		Timeout:     opts.Timeout,
		LinuxCred:   opts.LinuxCred,
		WindowsCred: opts.WindowsCred,
	})

	secrets, err := buildSecretResolver(opts.SecretsConfig, secretstore.ResolveModeValue, logger)
	if err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	var store *history.Store
	if strings.TrimSpace(opts.HistoryDir) != "" {
		store, err = history.Open(opts.HistoryDir)
		if err != nil {
			fmt.Fprintf(errOut, "Warning: run history disabled: %v\n", err)
		} else {
			defer store.Close()
		}
	}

	bound := parallelism
	if bound <= 0 {
		bound = mf.Bound()
	}
	label := mf.Name
	if label == "" {
		label = manifestPath
	}
	fmt.Fprintf(errOut, "Batch %s: %d deployment(s), %d at a time\n", label, len(deployments), bound)

	type entryResult struct {
		outcome *dispatch.Outcome
		err     error
	}
	results := make([]entryResult, len(deployments))

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	var printMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(bound)
	for i := range deployments {
		i, d := i, deployments[i]
		g.Go(func() error {
			// Notifications buffer per entry so concurrent sinks cannot
			// interleave; the block prints when the entry settles.
			held := &bytes.Buffer{}
			sink, serr := notify.NewSink(opts.NotifyMode, opts.NotifyURL, held, logger.Named("notify"))
			if serr != nil {
				results[i] = entryResult{err: serr}
				return nil
			}
			timer := telemetry.NewPhaseTimer()
			inv := inventory.NewClient(logger.Named("inventory"))
			inv.AnsibleBin = opts.AnsibleBin
			inv.PlaybookBin = opts.PlaybookBin
			inv.Timer = timer

			coordinator := &dispatch.Coordinator{
				Inventory:      inv,
				Credentials:    credentials.NewResolver(secrets, logger.Named("credentials"), ""),
				Runner:         runner.NewLocal(logger.Named("runner")),
				Sink:           sink,
				History:        store,
				Timer:          timer,
				Logger:         logger.With(zap.String("deployment", d.Name)),
				PlaybookBinary: opts.PlaybookBin,
			}
			outcome, derr := coordinator.Run(ctx, d.Request())
			results[i] = entryResult{outcome: outcome, err: derr}

			printMu.Lock()
			defer printMu.Unlock()
			fmt.Fprintf(out, "%s\n", batchEntryLine(d.Name, outcome, derr))
			if held.Len() > 0 {
				_, _ = io.Copy(out, held)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deployment(s) failed", failed, len(deployments))
	}
	fmt.Fprintf(out, "All %d deployment(s) succeeded\n", len(deployments))
	return nil
}

func batchEntryLine(name string, outcome *dispatch.Outcome, err error) string {
	status := "succeeded"
	if err != nil {
		status = "failed"
		if kind := dispatch.KindOf(err); kind != "" {
			status = "failed (" + string(kind) + ")"
		}
	}
	line := fmt.Sprintf("=== %s: %s", name, status)
	if outcome != nil && outcome.Duration > 0 {
		line += " in " + outcome.Duration.Truncate(time.Millisecond).String()
	}
	return line
}
