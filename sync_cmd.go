package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/musehq/localsync/internal/engine"
)

// syncWaitTimeout bounds how long the one-shot command waits for a cycle.
const syncWaitTimeout = 10 * time.Minute

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		Long: `Drain the outbox once against the remote and report the result.

Exits non-zero if entries remain blocked by terminal failures.`,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	eng, err := buildEngine(logger)
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), eng, logger)

	if err := eng.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if stopErr := eng.Stop(); stopErr != nil {
			logger.Error("engine stop failed", slog.String("error", stopErr.Error()))
		}
	}()

	// Completed-cycle notifications: a state change where a sync finished.
	done := make(chan engine.State, 16)

	unsubscribe := eng.Subscribe(func(st engine.State) {
		if !st.IsSyncing && !st.LastSyncAt.IsZero() {
			select {
			case done <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	eng.SetOnline(true)
	eng.SyncNow()

	timeout := time.NewTimer(syncWaitTimeout)
	defer timeout.Stop()

	select {
	case st := <-done:
		fmt.Printf("sync complete: %d mutations pending, %d AI requests pending\n",
			st.PendingMutations, st.PendingAIRequests)

		if st.SyncError != "" {
			return fmt.Errorf("sync finished with terminal failures: %s (inspect with 'musesync status', clear with 'musesync clear')", st.SyncError)
		}

		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-timeout.C:
		return fmt.Errorf("sync did not complete within %s", syncWaitTimeout)
	}
}
