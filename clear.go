package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/musehq/localsync/internal/outbox"
)

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove failed entries from the outbox",
		Long: `Delete terminally failed mutations and AI requests.

Failed entries are never retried automatically and block later changes to
the same row until cleared. Inspect them with 'musesync status' first:
clearing a mutation permanently discards that local change.`,
		RunE: runClear,
	}
}

func runClear(cmd *cobra.Command, _ []string) error {
	if err := requireProject(); err != nil {
		return err
	}

	logger := buildLogger()

	dbPath, err := resolvedCfg.DBPath()
	if err != nil {
		return err
	}

	store, err := outbox.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ClearFailed(cmd.Context())
	if err != nil {
		return err
	}

	if n == 0 {
		fmt.Println("No failed entries to clear.")
	} else {
		fmt.Printf("Cleared %d failed entries.\n", n)
	}

	return nil
}
