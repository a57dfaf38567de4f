// File: cmd/apb/runs.go
// Brief: CLI command wiring and implementation for 'runs'.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kubekattle/apb/internal/config"
	"github.com/kubekattle/apb/internal/history"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	historyDir := config.NewOptions().HistoryDir
	cmd := &cobra.Command{
		Use:           "runs",
		Short:         "Inspect the local dispatch history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&historyDir, "history-dir", historyDir, "Directory holding the run history database")
	cmd.AddCommand(newRunsListCommand(&historyDir), newRunsShowCommand(&historyDir))
	decorateCommandHelp(cmd, "Runs Flags")
	return cmd
}

func openRunHistory(dir string) (*history.Store, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(dir))
	if err != nil {
		return nil, err
	}
	return history.OpenReadOnly(expanded)
}

func newRunsListCommand(historyDir *string) *cobra.Command {
	var limit int
	var format string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recent dispatches, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRunHistory(*historyDir)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
					return nil
				}
				return err
			}
			defer store.Close()

			records, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "table":
				if len(records) == 0 {
					fmt.Fprintln(out, "No runs recorded yet.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN ID\tSTARTED\tPLAYBOOK\tTARGETS\tPROFILE\tRESULT\tDURATION")
				for _, rec := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						rec.RunID,
						rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
						rec.Playbook,
						rec.TargetServers,
						rec.Profile,
						runResult(rec),
						rec.Duration.Truncate(time.Millisecond))
				}
				return tw.Flush()
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			default:
				return fmt.Errorf("unsupported --output %q (expected table or json)", format)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table or json")
	decorateCommandHelp(cmd, "List Flags")
	return cmd
}

func newRunsShowCommand(historyDir *string) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:           "show RUN_ID",
		Short:         "Show one dispatch in full, including the redacted command line",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRunHistory(*historyDir)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "text":
				printRunRecord(out, rec)
				return nil
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			default:
				return fmt.Errorf("unsupported --output %q (expected text or json)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text or json")
	decorateCommandHelp(cmd, "Show Flags")
	return cmd
}

func runResult(rec history.RunRecord) string {
	if rec.Success {
		if rec.CheckMode {
			return "succeeded (check)"
		}
		return "succeeded"
	}
	if rec.Failure != "" {
		return rec.Failure
	}
	return "failed"
}

func printRunRecord(out io.Writer, rec history.RunRecord) {
	fmt.Fprintf(out, "Run:      %s\n", rec.RunID)
	fmt.Fprintf(out, "Playbook: %s\n", rec.Playbook)
	fmt.Fprintf(out, "Targets:  %s (%s)\n", rec.TargetServers, rec.Profile)
	if rec.CheckMode {
		fmt.Fprintln(out, "Check:    yes (no changes were applied)")
	}
	fmt.Fprintf(out, "Started:  %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Result:   %s (exit %d, %s)\n", runResult(rec), rec.ExitCode, rec.Duration.Truncate(time.Millisecond))
	if rec.TimedOut {
		fmt.Fprintln(out, "Timeout:  the hard execution limit was hit; the process group was terminated")
	}
	if rec.Message != "" {
		fmt.Fprintf(out, "Message:  %s\n", rec.Message)
	}
	if len(rec.Warnings) > 0 {
		fmt.Fprintln(out, "Warnings:")
		for _, w := range rec.Warnings {
			fmt.Fprintf(out, "  - %s\n", w)
		}
	}
	if len(rec.Argv) > 0 {
		fmt.Fprintf(out, "Command:  %s\n", strings.Join(rec.Argv, " "))
	}
	if len(rec.Vars) > 0 {
		fmt.Fprintln(out, "Vars:")
		for _, kv := range sortedVarLines(rec.Vars) {
			fmt.Fprintf(out, "  %s\n", kv)
		}
	}
	if len(rec.Phases) > 0 {
		fmt.Fprintln(out, "Phases:")
		for _, phase := range rec.Phases {
			fmt.Fprintf(out, "  %-12s %s\n", phase.Name, phase.Duration.Truncate(time.Millisecond))
		}
	}
}

func sortedVarLines(vars map[string]string) []string {
	lines := make([]string, 0, len(vars))
	for k, v := range vars {
		lines = append(lines, k+"="+v)
	}
	sort.Strings(lines)
	return lines
}
