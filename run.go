package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/musehq/localsync/internal/engine"
	"github.com/musehq/localsync/internal/remote"
)

// Reachability probe settings. The probe is the CLI's reachability
// collaborator: the engine itself only consumes the boolean it pushes.
const (
	probeInterval = 15 * time.Second
	probeTimeout  = 5 * time.Second
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Start the sync engine for the configured project and keep it running.

The engine drains the outbox on a periodic interval, on connectivity
regained, and on demand. Ctrl-C once for graceful shutdown (in-flight work
finishes), twice to force exit.`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
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

	// Log state transitions for operator visibility.
	unsubscribe := eng.Subscribe(func(st engine.State) {
		logger.Debug("engine state",
			slog.Bool("online", st.IsOnline),
			slog.Bool("syncing", st.IsSyncing),
			slog.Int("pending_mutations", st.PendingMutations),
			slog.Int("pending_ai_requests", st.PendingAIRequests),
			slog.String("sync_error", st.SyncError),
		)
	})
	defer unsubscribe()

	go probeReachability(ctx, resolvedCfg.RemoteURL, eng, logger)

	<-ctx.Done()

	logger.Info("shutting down")

	return nil
}

// buildEngine assembles an engine from the resolved config. Used by the
// run and sync commands, which need a remote.
func buildEngine(logger *slog.Logger) (*engine.Engine, error) {
	if err := requireProject(); err != nil {
		return nil, err
	}

	if resolvedCfg.RemoteURL == "" {
		return nil, fmt.Errorf("no remote configured: set remote_url in the config file or MUSESYNC_REMOTE_URL")
	}

	dbPath, err := resolvedCfg.DBPath()
	if err != nil {
		return nil, err
	}

	client := remote.NewHTTPClient(resolvedCfg.RemoteURL, nil, logger)

	return engine.New(engine.Config{
		DBPath:         dbPath,
		ProjectID:      resolvedCfg.ProjectID,
		Remote:         client,
		SyncInterval:   resolvedCfg.Sync.Interval.Duration,
		DebounceWindow: resolvedCfg.Sync.Debounce.Duration,
		CallTimeout:    resolvedCfg.Sync.CallTimeout.Duration,
		MaxBackoff:     resolvedCfg.Sync.MaxBackoff.Duration,
		RetryCeiling:   resolvedCfg.Sync.RetryCeiling,
		FanOut:         resolvedCfg.Sync.FanOut,
		AIFanOut:       resolvedCfg.Sync.AIFanOut,
		BatchLimit:     resolvedCfg.Sync.BatchLimit,
		Logger:         logger,
	})
}

// probeReachability is a best-effort reachability collaborator: it HEADs
// the remote periodically and pushes the boolean result into the engine.
// The engine debounces transitions itself, so a flapping probe cannot cause
// cycle storms.
func probeReachability(ctx context.Context, baseURL string, eng *engine.Engine, logger *slog.Logger) {
	client := &http.Client{Timeout: probeTimeout}

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL+"/health", nil)
		if err != nil {
			return
		}

		resp, err := client.Do(req)
		if err != nil {
			eng.SetOnline(false)
			return
		}

		resp.Body.Close()
		eng.SetOnline(resp.StatusCode < 500)
	}

	probe()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
