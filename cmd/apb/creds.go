// File: cmd/apb/creds.go
// Brief: CLI command wiring and implementation for 'creds'.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/kubekattle/apb/internal/credentials"
	"github.com/kubekattle/apb/internal/logging"
	"github.com/kubekattle/apb/internal/secretstore"
	"github.com/kubekattle/apb/internal/ui"
	"github.com/spf13/cobra"
)

func newCredsCommand(logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creds",
		Short:         "Inspect the credential references a dispatch would use",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newCredsCheckCommand(logLevel))
	decorateCommandHelp(cmd, "Creds Flags")
	return cmd
}

type credCheckRow struct {
	Role      string   `json:"role"`
	Reference string   `json:"reference"`
	Provider  string   `json:"provider,omitempty"`
	Status    string   `json:"status"`
	Fields    []string `json:"fields,omitempty"`
	Problem   string   `json:"problem,omitempty"`
}

func newCredsCheckCommand(logLevel *string) *cobra.Command {
	var (
		linuxCred     string
		windowsCred   string
		secretsConfig string
		format        string
	)
	cmd := &cobra.Command{
		Use:   "check [REFERENCE...]",
		Short: "Resolve credential references in mask mode and audit the material",
		Long: `Check fetches each credential reference the way a deploy would, but in mask
mode: secret values never leave the providers unredacted. The audit lists
what resolved, which fields the material carries, and which required fields
are missing for its role.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredsCheck(cmd, args, linuxCred, windowsCred, secretsConfig, format, *logLevel)
		},
	}
	cmd.Flags().StringVar(&linuxCred, "linux-cred", "", "Secret reference for the Linux SSH credential")
	cmd.Flags().StringVar(&windowsCred, "windows-cred", "", "Secret reference for the Windows WinRM credential")
	cmd.Flags().StringVar(&secretsConfig, "secrets-config", "", "Secret provider config file (default: search the apb config directories)")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table or json")
	cmd.Example = `  # Audit the references a deploy would resolve
  apb creds check --linux-cred secret://vault/ansible/ssh --windows-cred secret://vault/ansible/winrm

  # Ad-hoc check of a single reference
  apb creds check secret://file/linux/web`
	decorateCommandHelp(cmd, "Check Flags")
	return cmd
}

func runCredsCheck(cmd *cobra.Command, args []string, linuxCred, windowsCred, secretsConfig, format, logLevel string) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	type roleRef struct {
		role string
		kind credentials.Kind
		ref  string
	}
	var refs []roleRef
	if strings.TrimSpace(linuxCred) != "" {
		refs = append(refs, roleRef{role: "linux", kind: credentials.KindLinux, ref: linuxCred})
	}
	if strings.TrimSpace(windowsCred) != "" {
		refs = append(refs, roleRef{role: "windows", kind: credentials.KindWindows, ref: windowsCred})
	}
	for _, arg := range args {
		if strings.TrimSpace(arg) == "" {
			continue
		}
		refs = append(refs, roleRef{role: "extra", kind: credentials.KindLinux, ref: arg})
	}
	if len(refs) == 0 {
		return fmt.Errorf("no credential references to check (pass --linux-cred, --windows-cred, or references as arguments)")
	}

	resolver, err := buildSecretResolver(secretsConfig, secretstore.ResolveModeMask, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	errOut := cmd.ErrOrStderr()
	var stop func(bool)
	if _, isTTY := ui.TerminalWidth(errOut); isTTY {
		stop = ui.StartSpinner(errOut, fmt.Sprintf("Checking %d credential reference(s)", len(refs)))
	}

	failures := 0
	rows := make([]credCheckRow, 0, len(refs))
	for _, rr := range refs {
		row := credCheckRow{Role: rr.role, Reference: rr.ref}
		if parsed, ok, perr := secretstore.ParseRef(rr.ref, resolver.DefaultProvider()); ok && perr == nil {
			row.Provider = parsed.Provider
		}
		material, ferr := resolver.FetchMaterial(ctx, rr.ref)
		switch {
		case ferr != nil:
			row.Status = "error"
			row.Problem = ferr.Error()
			failures++
		default:
			row.Fields = material.FieldNames()
			if rr.role == "extra" {
				row.Status = "ok"
			} else if missing := credentials.MissingFields(rr.kind, material); len(missing) > 0 {
				row.Status = "incomplete"
				row.Problem = "missing " + strings.Join(missing, ", ")
				failures++
			} else {
				row.Status = "ok"
			}
		}
		rows = append(rows, row)
	}

	var validationErr *secretstore.ValidationError
	allRefs := make([]string, 0, len(refs))
	for _, rr := range refs {
		allRefs = append(allRefs, rr.ref)
	}
	if verr := secretstore.ValidateRefs(ctx, resolver, allRefs, secretstore.ValidationOptions{}); verr != nil {
		errors.As(verr, &validationErr)
	}
	if stop != nil {
		stop(failures == 0 && validationErr == nil)
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "table":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROLE\tREFERENCE\tPROVIDER\tSTATUS\tDETAIL")
		for _, row := range rows {
			detail := strings.Join(row.Fields, ",")
			if row.Problem != "" {
				detail = row.Problem
			}
			provider := row.Provider
			if provider == "" {
				provider = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.Role, row.Reference, provider, row.Status, detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported --output %q (expected table or json)", format)
	}

	if validationErr != nil {
		fmt.Fprintf(errOut, "%s\n", validationErr.Error())
		if failures == 0 {
			failures = len(validationErr.Issues)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d credential reference(s) failed the check", failures)
	}
	return nil
}
