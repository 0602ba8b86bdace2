package recovery

import (
	"testing"

	"github.com/docflow-io/docflow/internal/core/domain"
)

func TestClassifier_KnownSignatures(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		errType  string
		message  string
		category domain.ErrorCategory
	}{
		{"password protected", "extraction_error", "document is password protected", domain.CategoryPermanent},
		{"encrypted", "extraction_error", "encrypted document cannot be read", domain.CategoryPermanent},
		{"corrupt file", "parse_error", "file is corrupt at offset 1024", domain.CategoryPermanent},
		{"unsupported", "parse_error", "unsupported format: .xyz", domain.CategoryPermanent},
		{"ocr confidence", "quality_error", "OCR confidence below threshold 0.4 < 0.8", domain.CategoryRequiresConfig},
		{"out of memory", "resource_error", "process killed: out of memory", domain.CategoryRequiresConfig},
		{"timeout", "pipeline_error", "request timed out after 120s", domain.CategoryRecoverable},
		{"deadline", "pipeline_error", "context deadline exceeded", domain.CategoryRecoverable},
		{"connection refused", "network_error", "dial tcp: connection refused", domain.CategoryRecoverable},
		{"io error", "read_error", "input/output error reading block", domain.CategoryRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.errType, tt.message)
			if got.Category != tt.category {
				t.Errorf("Classify(%q, %q) = %s, want %s", tt.errType, tt.message, got.Category, tt.category)
			}
			if got.Suggestion == "" {
				t.Error("every classification must carry a suggestion")
			}
		})
	}
}

func TestClassifier_UnknownDefaultsRecoverable(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("mystery_error", "something nobody has seen before")
	if got.Category != domain.CategoryRecoverable {
		t.Errorf("unknown error must default to recoverable, got %s", got.Category)
	}
}

func TestClassifier_MatchesErrorTypeToo(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("timeout", "")
	if got.Category != domain.CategoryRecoverable {
		t.Errorf("signature in error type must match, got %s", got.Category)
	}
}
