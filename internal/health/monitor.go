package health

import (
	"context"
	"sync"
	"time"
)

// Monitor aggregates health status from the registered providers.
type Monitor struct {
	mu         sync.RWMutex
	providers  []Provider
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a monitor over the given providers.
func NewMonitor(providers ...Provider) *Monitor {
	return &Monitor{providers: providers}
}

// Register adds a provider after construction.
func (m *Monitor) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// CheckHealth collects a snapshot from every provider. Results are
// cached briefly so health probes cannot hammer the stores.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 5*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{SystemStatus: StatusHealthy}
	for _, p := range m.providers {
		c := p.HealthSnapshot(ctx)
		report.Components = append(report.Components, c)

		// Worst case wins
		if c.Status == StatusCritical {
			report.SystemStatus = StatusCritical
		} else if c.Status == StatusDegraded && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
