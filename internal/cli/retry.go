package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docflow-io/docflow/internal/control"
	"github.com/docflow-io/docflow/internal/recovery"
)

var (
	retryLast           bool
	retrySession        string
	retryFile           string
	retryBackoff        bool
	retryNonInteractive bool
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-submit retryable failures from a previous run",
	Long: `Retry re-dispatches the retryable failures of a session: the most
recent one (--last), a specific session (--session) or a single file
within it (--file). Permanent and quarantined failures are never
re-submitted. Exit codes follow the processing contract.`,
	Run: runRetry,
}

func init() {
	retryCmd.Flags().BoolVar(&retryLast, "last", false, "retry failures of the most recent session")
	retryCmd.Flags().StringVar(&retrySession, "session", "", "retry failures of a specific session id")
	retryCmd.Flags().StringVar(&retryFile, "file", "", "retry a single file path within the session")
	retryCmd.Flags().BoolVar(&retryBackoff, "backoff", false, "wait out each file's exponential backoff delay")
	retryCmd.Flags().BoolVar(&retryNonInteractive, "non-interactive", false, "never prompt; intended for scripted runs")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if !retryLast && retrySession == "" {
		slog.Error("One of --last or --session is required")
		os.Exit(ExitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewApp(ctx, *cfg)
	if err != nil {
		slog.Error("Failed to initialize worker", "error", err)
		os.Exit(ExitFailed)
	}

	rt := app.Runtime()
	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		os.Exit(ExitFailed)
	}

	outcome, err := app.Coordinator().Retry(ctx, recovery.Scope{
		Last:      retryLast,
		SessionID: retrySession,
		FilePath:  retryFile,
	}, retryBackoff)
	if errors.Is(err, recovery.ErrNoRetryTarget) {
		slog.Info("No session matches the retry scope; nothing to do")
		shutdown(app)
		os.Exit(ExitOK)
	}
	if err != nil {
		slog.Error("Retry failed", "error", err)
		shutdown(app)
		os.Exit(ExitFailed)
	}

	if outcome.JobID == "" {
		if len(outcome.SkippedMissing) > 0 {
			fmt.Printf("Path not found in any failed-file list: %v\n", outcome.SkippedMissing)
		} else {
			slog.Info("No retryable failures", "session_id", outcome.SessionID)
		}
		shutdown(app)
		os.Exit(ExitOK)
	}

	slog.Info("Retry job submitted",
		"session_id", outcome.SessionID, "job_id", outcome.JobID,
		"files", len(outcome.Submitted))

	final := waitForJob(ctx, app, outcome.JobID)
	shutdown(app)
	os.Exit(exitCodeFor(final))
}

func shutdown(app *control.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
}
