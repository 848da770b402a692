package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/musehq/localsync/internal/engine"
)

// shutdownContext returns a context canceled on SIGINT/SIGTERM. The first
// signal starts a graceful shutdown — the engine finishes its current unit
// of work and records its disposition — and logs how much queued work
// survives in the outbox for the next run. A second signal force-exits for
// the case where the remote hangs past every timeout.
func shutdownContext(parent context.Context, eng *engine.Engine, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			st := eng.State()
			logger.Info("received signal, shutting down gracefully",
				slog.String("signal", sig.String()),
				slog.Int("pending_mutations", st.PendingMutations),
				slog.Int("pending_ai_requests", st.PendingAIRequests),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
