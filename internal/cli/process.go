package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docflow-io/docflow/internal/control"
	"github.com/docflow-io/docflow/internal/core/config"
	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/runtime"
)

var (
	processOutput         string
	processWorkers        int
	processResume         bool
	processResumeSession  string
	processNonInteractive bool
)

var processCmd = &cobra.Command{
	Use:   "process <source-directory>",
	Short: "Process a directory once and exit",
	Long: `Process runs one job to completion and exits with the automation
contract: 0 all files processed, 1 partial success, 2 complete
failure, 3 configuration error.`,
	Args: cobra.ExactArgs(1),
	Run:  runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processOutput, "output", "", "output directory (default: <source>/processed)")
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "override configured worker count")
	processCmd.Flags().BoolVar(&processResume, "resume", false, "resume the incomplete session for this directory")
	processCmd.Flags().StringVar(&processResumeSession, "resume-session", "", "resume a specific session id")
	processCmd.Flags().BoolVar(&processNonInteractive, "non-interactive", false, "never prompt; resume automatically when possible")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) {
	os.Exit(executeProcess(loadConfig(), args[0]))
}

// executeProcess runs one job to completion and maps its terminal
// status onto the exit-code contract.
func executeProcess(cfg *config.AppConfig, source string) int {
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		slog.Error("Source is not a readable directory", "path", source, "error", err)
		return ExitConfigError
	}
	if processWorkers > 0 {
		cfg.Runtime.Workers = processWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewApp(ctx, *cfg)
	if err != nil {
		slog.Error("Failed to initialize worker", "error", err)
		return ExitFailed
	}

	sessionID, err := resolveResumeTarget(app, source)
	if err != nil {
		slog.Error("Failed to scan for incomplete sessions", "error", err)
		return ExitFailed
	}

	rt := app.Runtime()
	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		return ExitFailed
	}

	job, err := rt.Enqueue(ctx, runtime.Request{
		InputPath: source,
		OutputDir: processOutput,
		SessionID: sessionID,
	})
	if err != nil {
		slog.Error("Failed to enqueue job", "error", err)
		return ExitFailed
	}

	final := waitForJob(ctx, app, job.ID)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	return exitCodeFor(final)
}

// resolveResumeTarget decides which session, if any, the run resumes.
// With no explicit flag, an existing incomplete session triggers a
// prompt; non-interactive runs resume it automatically.
func resolveResumeTarget(app *control.App, source string) (string, error) {
	if processResumeSession != "" {
		return processResumeSession, nil
	}

	found, err := app.Sessions().FindIncompleteSession(source)
	if err != nil {
		return "", err
	}
	if found == nil {
		if processResume {
			slog.Info("No incomplete session for this directory, starting fresh", "source", source)
		}
		return "", nil
	}

	if processResume || processNonInteractive {
		slog.Info("Resuming incomplete session",
			"session_id", found.SessionID,
			"processed", found.Statistics.ProcessedCount,
			"total", found.Statistics.TotalFiles)
		return found.SessionID, nil
	}

	fmt.Printf("Found incomplete session %s (%d/%d files processed). Resume? [Y/n] ",
		found.SessionID, found.Statistics.ProcessedCount, found.Statistics.TotalFiles)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "" || answer == "y" || answer == "yes" {
		return found.SessionID, nil
	}
	return "", nil
}

// waitForJob polls the job store until the job reaches a terminal
// status.
func waitForJob(ctx context.Context, app *control.App, jobID string) domain.JobStatus {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.JobFailed
		case <-ticker.C:
			job, err := app.Jobs().Get(ctx, jobID)
			if err != nil {
				slog.Error("Failed to poll job", "job_id", jobID, "error", err)
				return domain.JobFailed
			}
			if job.Status.Terminal() {
				return job.Status
			}
		}
	}
}

func exitCodeFor(status domain.JobStatus) int {
	switch status {
	case domain.JobCompleted:
		return ExitOK
	case domain.JobPartial:
		return ExitPartial
	default:
		return ExitFailed
	}
}
