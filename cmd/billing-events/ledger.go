package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	billingevents "github.com/goliatone/go-billing-events"
	"github.com/goliatone/go-billing-events/core"
	"github.com/spf13/cobra"
)

func ledgerCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the idempotency ledger",
	}
	cmd.AddCommand(ledgerShowCmd(flags))
	cmd.AddCommand(ledgerListCmd(flags))
	return cmd
}

func ledgerShowCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show [event-id]",
		Short: "Show the ledger row for one provider event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}
			facade, closeFn, err := billingevents.OpenFacade(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			record, err := facade.ShowLedger(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), record)
			}
			return writeLedgerTable(cmd.OutOrStdout(), []core.LedgerRecord{record})
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func ledgerListCmd(flags *globalFlags) *cobra.Command {
	var (
		status   string
		provider string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent ledger rows",
		Long: `List ledger rows, newest first.

Examples:
  billing-events ledger list --status failed
  billing-events ledger list --provider paypal --limit 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := core.LedgerFilter{Limit: limit}
			if status = strings.ToLower(strings.TrimSpace(status)); status != "" {
				filter.Status = core.LedgerStatus(status)
				if !filter.Status.Recorded() {
					return fmt.Errorf("--status must be processed or failed")
				}
			}
			if strings.TrimSpace(provider) != "" {
				parsed, err := core.ParseProvider(provider)
				if err != nil {
					return err
				}
				filter.Provider = parsed
			}

			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}
			facade, closeFn, err := billingevents.OpenFacade(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			records, err := facade.ListLedger(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeLedgerTable(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (processed, failed)")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "filter by provider (stripe, paypal)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeLedgerTable(w io.Writer, records []core.LedgerRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "(no ledger rows)")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT ID\tPROVIDER\tTYPE\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, record := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			record.EventID,
			record.Provider,
			record.EventType,
			record.Status,
			record.Attempts,
			record.UpdatedAt.UTC().Format(time.RFC3339),
			record.LastError,
		)
	}
	return tw.Flush()
}
