// Package health provides system health monitoring and status reporting.
package health

import "context"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Component is one subsystem's point-in-time health snapshot.
type Component struct {
	Name    string         `json:"name"`
	Status  SystemStatus   `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Provider is implemented by each subsystem that contributes to the
// health report. The monitor aggregates providers; no subsystem is
// probed by reflection.
type Provider interface {
	HealthSnapshot(ctx context.Context) Component
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus `json:"system_status"`
	Components   []Component  `json:"components"`
}
