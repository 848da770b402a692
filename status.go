package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/musehq/localsync/internal/outbox"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox queue status for the configured project",
		Long: `Display pending and failed outbox entries.

Reads the project's outbox database directly; does not contact the remote.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON shape of the status output.
type statusReport struct {
	ProjectID         string        `json:"project_id"`
	PendingMutations  int           `json:"pending_mutations"`
	PendingAIRequests int           `json:"pending_ai_requests"`
	FailedMutations   []failedEntry `json:"failed_mutations,omitempty"`
	FailedAIRequests  []failedEntry `json:"failed_ai_requests,omitempty"`
}

type failedEntry struct {
	ID        int64     `json:"id"`
	Target    string    `json:"target"`
	Operation string    `json:"operation,omitempty"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	ctx := cmd.Context()

	report, err := collectStatus(ctx, store)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatus(report)

	return nil
}

// collectStatus gathers counts and failed-entry diagnostics from the store.
func collectStatus(ctx context.Context, store *outbox.Store) (*statusReport, error) {
	pm, pa, err := store.CountPending(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		ProjectID:         resolvedCfg.ProjectID,
		PendingMutations:  pm,
		PendingAIRequests: pa,
	}

	failed, err := store.FailedMutations(ctx)
	if err != nil {
		return nil, err
	}

	for _, m := range failed {
		report.FailedMutations = append(report.FailedMutations, failedEntry{
			ID:        m.ID,
			Target:    m.Key.String(),
			Operation: string(m.Op),
			Retries:   m.RetryCount,
			LastError: m.LastError,
			CreatedAt: m.CreatedAt,
		})
	}

	failedAI, err := store.FailedAIRequests(ctx)
	if err != nil {
		return nil, err
	}

	for _, r := range failedAI {
		report.FailedAIRequests = append(report.FailedAIRequests, failedEntry{
			ID:        r.ID,
			Target:    r.RequestKey,
			Retries:   r.RetryCount,
			LastError: r.LastError,
			CreatedAt: r.CreatedAt,
		})
	}

	return report, nil
}

// printStatus renders the human-readable status view.
func printStatus(report *statusReport) {
	fmt.Printf("Project: %s\n", report.ProjectID)
	fmt.Printf("Pending: %d mutations, %d AI requests\n",
		report.PendingMutations, report.PendingAIRequests)

	if len(report.FailedMutations) == 0 && len(report.FailedAIRequests) == 0 {
		fmt.Println("No failed entries.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if len(report.FailedMutations) > 0 {
		fmt.Fprintln(w, "\nFAILED MUTATIONS")
		fmt.Fprintln(w, "ID\tTARGET\tOP\tRETRIES\tERROR")

		for _, e := range report.FailedMutations {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", e.ID, e.Target, e.Operation, e.Retries, e.LastError)
		}
	}

	if len(report.FailedAIRequests) > 0 {
		fmt.Fprintln(w, "\nFAILED AI REQUESTS")
		fmt.Fprintln(w, "ID\tREQUEST KEY\tRETRIES\tERROR")

		for _, e := range report.FailedAIRequests {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", e.ID, e.Target, e.Retries, e.LastError)
		}
	}

	w.Flush()

	fmt.Println("\nFailed entries block later changes to the same row. Clear them with 'musesync clear'.")
}
