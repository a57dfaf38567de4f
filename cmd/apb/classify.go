// File: cmd/apb/classify.go
// Brief: CLI command wiring and implementation for 'classify'.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/kubekattle/apb/internal/classify"
	"github.com/kubekattle/apb/internal/inventory"
	"github.com/kubekattle/apb/internal/logging"
	"github.com/spf13/cobra"
)

func newClassifyCommand(logLevel *string) *cobra.Command {
	var (
		targetServers string
		inventoryPath string
		ansibleBin    string
		format        string
	)
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Show how apb would classify the targets, without dispatching",
		Long: `Classify runs the OS classification stage alone and prints the profile plus
every signal behind it. Use it to understand which credential families a
deploy would resolve for a target expression.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(targetServers) == "" {
				return fmt.Errorf("--target-servers is required")
			}
			logger, err := logging.New(*logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			inv := inventory.NewClient(logger.Named("inventory"))
			if strings.TrimSpace(ansibleBin) != "" {
				inv.AnsibleBin = ansibleBin
			}
			classifier := classify.New(inv, logger)
			result := classifier.Classify(cmd.Context(), classify.TargetSpec{
				Expr:      targetServers,
				Inventory: inventoryPath,
			})
			return printClassifyResult(cmd, result, format)
		},
	}
	cmd.Flags().StringVarP(&targetServers, "target-servers", "t", "", "Target host expression to classify (required)")
	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "Inventory source handed to ansible")
	cmd.Flags().StringVar(&ansibleBin, "ansible-bin", "", "Override the ansible binary used for fact queries")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text or json")
	_ = cmd.Flags().MarkHidden("ansible-bin")
	cmd.Example = `  # Why does this group resolve Windows credentials?
  apb classify --target-servers 'web:win-dc' --inventory inventories/prod.ini

  # Machine-readable form for tooling
  apb classify -t webservers -o json`
	decorateCommandHelp(cmd, "Classify Flags")
	return cmd
}

func printClassifyResult(cmd *cobra.Command, result classify.Result, format string) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		fmt.Fprintf(out, "Profile: %s\n", result.Profile)
		if result.Degraded {
			fmt.Fprintf(out, "Degraded: %s\n", result.Reason)
		}
		if result.Defaulted {
			fmt.Fprintf(out, "Policy: no signal matched; %s applied\n", classify.DefaultPolicy)
		}
		if len(result.Signals) == 0 {
			return nil
		}
		fmt.Fprintln(out, "Signals:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  SOURCE\tFAMILY\tDETAIL")
		for _, sig := range result.Signals {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", sig.Source, sig.Family, sig.Detail)
		}
		return tw.Flush()
	case "json":
		payload := struct {
			Profile   string             `json:"profile"`
			OsProfile classify.OsProfile `json:"osProfile"`
			Degraded  bool               `json:"degraded"`
			Reason    string             `json:"reason,omitempty"`
			Defaulted bool               `json:"defaulted"`
			Signals   []classify.Signal  `json:"signals"`
		}{
			Profile:   result.Profile.String(),
			OsProfile: result.Profile,
			Degraded:  result.Degraded,
			Reason:    result.Reason,
			Defaulted: result.Defaulted,
			Signals:   result.Signals,
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	default:
		return fmt.Errorf("unsupported --output %q (expected text or json)", format)
	}
}
