package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/docflow-io/docflow/internal/control"
	"github.com/docflow-io/docflow/internal/core/config"
	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/runtime"
	"github.com/docflow-io/docflow/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage processing sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live and archived sessions",
	Run:   runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the full record of a session",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionShow,
}

var sessionCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune expired archives and leftover temp files",
	Run:   runSessionClean,
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted session to completion",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionResume,
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionCleanCmd, sessionResumeCmd)
	rootCmd.AddCommand(sessionCmd)
}

func openSessions(cfg config.SessionsConfig) *session.Manager {
	mgr, err := session.NewManager(session.Config{
		SessionDir:    cfg.Dir,
		QuarantineDir: cfg.QuarantineDir,
		MaxRetries:    cfg.MaxRetries,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		slog.Error("Failed to open session state", "error", err)
		os.Exit(ExitFailed)
	}
	return mgr
}

func runSessionList(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mgr := openSessions(cfg.Sessions)

	live, err := mgr.Store().List()
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		os.Exit(ExitFailed)
	}
	archived, err := mgr.Store().ListArchived()
	if err != nil {
		slog.Error("Failed to list archived sessions", "error", err)
		os.Exit(ExitFailed)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SESSION\tSTATUS\tSOURCE\tPROCESSED\tFAILED\tSKIPPED\tUPDATED")
	for _, s := range live {
		printSessionRow(w, s)
	}
	for _, s := range archived {
		printSessionRow(w, s)
	}
	_ = w.Flush()
}

func printSessionRow(w *tabwriter.Writer, s *domain.Session) {
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
		s.SessionID, s.Status, s.SourceDirectory,
		s.Statistics.ProcessedCount, s.Statistics.TotalFiles,
		s.Statistics.FailedCount, s.Statistics.SkippedCount,
		s.UpdatedAt.Format(time.RFC3339))
}

func runSessionShow(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mgr := openSessions(cfg.Sessions)

	sess, err := mgr.Load(args[0])
	if err != nil {
		sess, err = mgr.Store().LoadArchived(args[0])
	}
	if err != nil {
		slog.Error("Session not found", "session_id", args[0], "error", err)
		os.Exit(ExitFailed)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sess)
}

func runSessionClean(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	mgr := openSessions(cfg.Sessions)

	pruned, err := mgr.Store().PruneArchive(time.Now())
	if err != nil {
		slog.Error("Failed to prune archive", "error", err)
		os.Exit(ExitFailed)
	}
	if err := mgr.Store().CleanupTempFiles(); err != nil {
		slog.Error("Failed to clean temp files", "error", err)
		os.Exit(ExitFailed)
	}

	orphans, err := mgr.FindOrphanedSessions(cfg.Sessions.OrphanAge)
	if err != nil {
		slog.Error("Failed to scan for orphaned sessions", "error", err)
		os.Exit(ExitFailed)
	}
	for _, s := range orphans {
		if err := mgr.MarkInterrupted(s); err != nil {
			slog.Warn("Failed to mark orphan interrupted", "session_id", s.SessionID, "error", err)
		}
	}

	fmt.Printf("Pruned %d expired archive(s), marked %d orphan(s) interrupted\n", pruned, len(orphans))
}

func runSessionResume(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewApp(ctx, *cfg)
	if err != nil {
		slog.Error("Failed to initialize worker", "error", err)
		os.Exit(ExitFailed)
	}

	sess, err := app.Sessions().Load(args[0])
	if err != nil {
		slog.Error("Session not found", "session_id", args[0], "error", err)
		os.Exit(ExitFailed)
	}

	rt := app.Runtime()
	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		os.Exit(ExitFailed)
	}

	job, err := rt.Enqueue(ctx, runtime.Request{
		InputPath: sess.SourceDirectory,
		OutputDir: sess.OutputDirectory,
		SessionID: sess.SessionID,
	})
	if err != nil {
		slog.Error("Failed to enqueue resume job", "error", err)
		os.Exit(ExitFailed)
	}

	final := waitForJob(ctx, app, job.ID)
	shutdown(app)
	os.Exit(exitCodeFor(final))
}
