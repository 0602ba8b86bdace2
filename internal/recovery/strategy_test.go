package recovery

import (
	"testing"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
)

func TestBackoff_DelayDoublesAndCaps(t *testing.T) {
	b := DefaultBackoff(3)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for attempt, d := range want {
		if got := b.GetDelay(attempt); got != d {
			t.Errorf("GetDelay(%d) = %v, want %v", attempt, got, d)
		}
	}

	if got := b.GetDelay(10); got != 60*time.Second {
		t.Errorf("delay must cap at 60s, got %v", got)
	}
}

func TestBackoff_ShouldRetry(t *testing.T) {
	b := DefaultBackoff(3)

	if !b.ShouldRetry(domain.CategoryRecoverable, 0) {
		t.Error("recoverable at attempt 0 must retry")
	}
	if !b.ShouldRetry(domain.CategoryRecoverable, 2) {
		t.Error("recoverable at attempt 2 must retry")
	}
	if b.ShouldRetry(domain.CategoryRecoverable, 3) {
		t.Error("attempt at the ceiling must not retry")
	}
	if b.ShouldRetry(domain.CategoryPermanent, 0) {
		t.Error("permanent must never retry")
	}
	if b.ShouldRetry(domain.CategoryRequiresConfig, 0) {
		t.Error("requires_config must not retry automatically")
	}
}
