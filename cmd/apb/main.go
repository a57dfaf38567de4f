// main.go bootstraps apb: it builds the root Cobra command, wires viper env/config binding, and executes with signal-aware contexts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kubekattle/apb/internal/config"
	"github.com/kubekattle/apb/internal/dispatch"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	logLevel := "info"
	cmd := &cobra.Command{
		Use:           "apb",
		Short:         "Credential-aware ansible playbook dispatcher",
		Long:          "apb classifies target hosts by operating system, resolves the matching credentials, and dispatches ansible-playbook with a deterministic command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level for apb output (debug, info, warn, error)")

	deployCmd := newDeployCommand(&logLevel)
	classifyCmd := newClassifyCommand(&logLevel)
	validateCmd := newValidateCommand(&logLevel)
	credsCmd := newCredsCommand(&logLevel)
	runsCmd := newRunsCommand()
	batchCmd := newBatchCommand(&logLevel)
	cmd.AddCommand(
		deployCmd,
		classifyCmd,
		validateCmd,
		credsCmd,
		runsCmd,
		batchCmd,
		newVersionCommand(),
	)
	cmd.Example = `  # Dispatch a playbook against the web group, resolving credentials by OS
  apb deploy --playbook site.yml --target-servers web

  # Dry-run against mixed Linux/Windows targets with extra vars
  apb deploy -p patch.yml -t 'web:db' --check -e ansible_port=2222

  # Inspect what the classifier would decide without running anything
  apb classify --target-servers web --inventory inventories/prod.ini`
	decorateCommandHelp(cmd, "Global Flags")
	bindViper(cmd, deployCmd, classifyCmd, validateCmd, credsCmd, runsCmd, batchCmd)
	return cmd
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("APB")
	v.AutomaticEnv()
	configFile := os.Getenv("APB_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	switch dispatch.KindOf(err) {
	case dispatch.FailureMissingParameter:
		message = fmt.Sprintf("%s\nHint: --playbook and --target-servers are required. Pass them as flags or set APB_PLAYBOOK / APB_TARGET_SERVERS.", err)
	case dispatch.FailureCredentialNotFound:
		message = fmt.Sprintf("%s\nHint: check the reference against your secrets config (apb creds check shows what resolves).", err)
	case dispatch.FailurePlaybookSyntax:
		message = fmt.Sprintf("%s\nHint: run 'ansible-playbook --syntax-check' directly for the full parser output.", err)
	case dispatch.FailureExecutionTimeout:
		message = fmt.Sprintf("%s\nHint: raise --timeout (default 3600s) or split the play across smaller target groups.", err)
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			message = fmt.Sprintf("%s\nHint: an inventory query timed out. Verify the ansible binaries are on PATH and the inventory source responds.", err)
		}
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range config.SearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func hideFlags(fs *pflag.FlagSet, names []string) {
	if fs == nil {
		return
	}
	for _, name := range names {
		_ = fs.MarkHidden(name)
	}
}
