package session

import (
	"context"
	"errors"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/health"
)

// HealthSnapshot implements health.Provider. An unreadable session
// directory is critical; a corrupted record in it is degraded.
func (m *Manager) HealthSnapshot(ctx context.Context) health.Component {
	comp := health.Component{Name: "sessions", Status: health.StatusHealthy}

	live, err := m.store.List()
	if err != nil {
		var corrupted *domain.SessionCorruptedError
		comp.Status = health.StatusCritical
		if errors.As(err, &corrupted) {
			comp.Status = health.StatusDegraded
		}
		comp.Details = map[string]any{"error": err.Error()}
		return comp
	}
	archived, err := m.store.ListArchived()
	if err != nil {
		comp.Status = health.StatusDegraded
		comp.Details = map[string]any{"error": err.Error()}
		return comp
	}

	inProgress, interrupted := 0, 0
	for _, s := range live {
		switch s.Status {
		case domain.SessionInProgress:
			inProgress++
		case domain.SessionInterrupted:
			interrupted++
		}
	}
	comp.Details = map[string]any{
		"live":        len(live),
		"in_progress": inProgress,
		"interrupted": interrupted,
		"archived":    len(archived),
	}
	return comp
}
