package main

import (
	"fmt"
	"io"
	"os"

	billingevents "github.com/goliatone/go-billing-events"
	"github.com/spf13/cobra"
)

func replayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [payload-file]",
		Short: "Push a stored webhook payload back on the event queue",
		Long: `Replay a raw provider payload through the worker pool.

Events already recorded as processed are refused. Use "-" to read the
payload from stdin.

Examples:
  billing-events replay evt_1NXa.json
  cat evt.json | billing-events replay -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
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

			result, err := facade.Replay(ctx, raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s %s (%s), previous status %s\n",
				result.Event.Provider, result.Event.EventID, result.Event.EventType, result.Previous)
			return nil
		},
	}
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return raw, nil
}
