package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/docflow-io/docflow/internal/metrics"
	"github.com/docflow-io/docflow/internal/session"
)

// Pruner deletes expired session archives based on retention policy.
type Pruner struct {
	store     *session.Store
	retention time.Duration
}

// NewPruner creates a new Pruner worker. retentionDays <= 0 disables
// pruning.
func NewPruner(store *session.Store, retentionDays int) *Pruner {
	return &Pruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check interval: 10% of retention period, clamped to [1m, 1h]
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	pruned, err := p.store.PruneArchive(time.Now())
	if err != nil {
		slog.Error("Failed to prune session archive", "error", err)
		return
	}
	if pruned > 0 {
		metrics.ArchivesPruned.Add(float64(pruned))
		slog.Info("Pruned expired session archives", "count", pruned)
	}

	if err := p.store.CleanupTempFiles(); err != nil {
		slog.Error("Failed to clean session temp files", "error", err)
	}
}
