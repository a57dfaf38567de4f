// File: cmd/apb/validate.go
// Brief: CLI command wiring and implementation for 'validate'.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kubekattle/apb/internal/inventory"
	"github.com/kubekattle/apb/internal/logging"
	"github.com/kubekattle/apb/internal/ui"
	"github.com/spf13/cobra"
)

func newValidateCommand(logLevel *string) *cobra.Command {
	var (
		playbook       string
		playbookDir    string
		inventoryPath  string
		targetServers  string
		baselinePath   string
		updateBaseline bool
		ansibleBin     string
		playbookBin    string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a playbook and target expression without running it",
		Long: `Validate runs the pre-execution checks a deploy would run: the playbook must
exist and pass ansible's syntax check, and the target expression is resolved
against the inventory. Membership problems are warnings, exactly as during a
deploy.

With --baseline, the resolved host list is compared against a recorded
baseline file; membership drift fails the command with a unified diff. A
missing baseline file is recorded on first use.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if updateBaseline && strings.TrimSpace(baselinePath) == "" {
				return fmt.Errorf("--update-baseline requires --baseline")
			}
			if strings.TrimSpace(baselinePath) != "" && strings.TrimSpace(targetServers) == "" {
				return fmt.Errorf("--baseline requires --target-servers")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(playbook) == "" {
				return fmt.Errorf("--playbook is required")
			}
			logger, err := logging.New(*logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()

			inv := inventory.NewClient(logger.Named("inventory"))
			if strings.TrimSpace(ansibleBin) != "" {
				inv.AnsibleBin = ansibleBin
			}
			if strings.TrimSpace(playbookBin) != "" {
				inv.PlaybookBin = playbookBin
			}

			path := strings.TrimSpace(playbook)
			if playbookDir != "" && !filepath.IsAbs(path) {
				path = filepath.Join(playbookDir, path)
			}
			if _, err := os.Stat(path); err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("playbook %s does not exist", path)
				}
				return fmt.Errorf("playbook %s: %w", path, err)
			}

			var stop func(bool)
			if _, isTTY := ui.TerminalWidth(errOut); isTTY {
				stop = ui.StartSpinner(errOut, fmt.Sprintf("Checking %s", path))
			}
			_, checkErr := inv.CheckPlaybook(ctx, path, inventoryPath)
			if stop != nil {
				stop(checkErr == nil)
			}
			if checkErr != nil {
				return fmt.Errorf("playbook syntax check failed: %w", checkErr)
			}
			fmt.Fprintf(out, "Playbook %s: syntax OK\n", path)

			if strings.TrimSpace(targetServers) == "" {
				return nil
			}
			listing, listErr := inv.ListHosts(ctx, targetServers, inventoryPath)
			if listErr != nil {
				fmt.Fprintf(errOut, "Warning: host membership lookup failed: %v\n", listErr)
				return nil
			}
			hosts := inventory.ParseHostList(listing)
			if len(hosts) == 0 {
				fmt.Fprintf(errOut, "Warning: target %q matched no hosts in the inventory\n", targetServers)
			} else {
				fmt.Fprintf(out, "Target %s: %d host(s)\n", targetServers, len(hosts))
			}

			if strings.TrimSpace(baselinePath) == "" {
				return nil
			}
			return checkBaseline(cmd, baselinePath, targetServers, hosts, updateBaseline)
		},
	}
	cmd.Flags().StringVarP(&playbook, "playbook", "p", "", "Playbook to validate (required)")
	cmd.Flags().StringVar(&playbookDir, "playbook-dir", "", "Directory playbook paths are resolved against")
	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "Inventory source handed to ansible")
	cmd.Flags().StringVarP(&targetServers, "target-servers", "t", "", "Target host expression to resolve against the inventory")
	cmd.Flags().StringVar(&baselinePath, "baseline", "", "Host baseline file; drift against it fails validation")
	cmd.Flags().BoolVar(&updateBaseline, "update-baseline", false, "Rewrite the baseline file with the current host list")
	cmd.Flags().StringVar(&ansibleBin, "ansible-bin", "", "Override the ansible binary")
	cmd.Flags().StringVar(&playbookBin, "playbook-bin", "", "Override the ansible-playbook binary")
	hideFlags(cmd.Flags(), []string{"ansible-bin", "playbook-bin"})
	cmd.Example = `  # Syntax-check a playbook before a change window
  apb validate --playbook site.yml --inventory inventories/prod.ini

  # Fail CI when the web group membership drifts from the recorded baseline
  apb validate -p site.yml -t webservers -i inventories/prod.ini --baseline ci/web-hosts.txt`
	decorateCommandHelp(cmd, "Validate Flags")
	return cmd
}

func checkBaseline(cmd *cobra.Command, path, targetServers string, hosts []string, update bool) error {
	out := cmd.OutOrStdout()
	if update {
		if err := inventory.WriteBaseline(path, hosts); err != nil {
			return err
		}
		fmt.Fprintf(out, "Baseline %s: updated with %d host(s)\n", path, len(hosts))
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := inventory.WriteBaseline(path, hosts); err != nil {
			return err
		}
		fmt.Fprintf(out, "Baseline %s: recorded %d host(s)\n", path, len(hosts))
		return nil
	}
	diff, err := inventory.DiffBaseline(path, hosts)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintf(out, "Baseline %s: no drift\n", path)
		return nil
	}
	fmt.Fprint(out, diff)
	return fmt.Errorf("target %q drifted from baseline %s", targetServers, path)
}
