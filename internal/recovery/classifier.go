// Package recovery decides what happens to a failure: classification
// into recovery categories, backoff between attempts, and coordinated
// re-submission of retryable files.
package recovery

import (
	"strings"

	"github.com/docflow-io/docflow/internal/core/domain"
)

// Classification carries a failure's recovery category and an
// operator-facing suggestion.
type Classification struct {
	Category   domain.ErrorCategory
	Suggestion string
}

type rule struct {
	signatures []string
	category   domain.ErrorCategory
	suggestion string
}

// Classifier maps known error signatures to recovery categories.
// Unknown errors default to recoverable with a generic suggestion,
// bounded by the retry ceiling.
type Classifier struct {
	rules []rule
}

// NewClassifier builds the default signature table.
func NewClassifier() *Classifier {
	return &Classifier{rules: []rule{
		{
			signatures: []string{"password", "encrypted document", "decryption"},
			category:   domain.CategoryPermanent,
			suggestion: "document is password-protected; supply the password or remove it from the source set",
		},
		{
			signatures: []string{"corrupt", "malformed", "unsupported format", "not a valid"},
			category:   domain.CategoryPermanent,
			suggestion: "file appears corrupted or unsupported; it will be quarantined",
		},
		{
			signatures: []string{"ocr confidence", "confidence below"},
			category:   domain.CategoryRequiresConfig,
			suggestion: "OCR confidence below threshold; lower ocr.min_confidence or rescan at higher resolution",
		},
		{
			signatures: []string{"out of memory", "cannot allocate memory", "oom"},
			category:   domain.CategoryRequiresConfig,
			suggestion: "file too large for current limits; reduce batch_size or raise the memory limit",
		},
		{
			signatures: []string{"timeout", "timed out", "deadline exceeded"},
			category:   domain.CategoryRecoverable,
			suggestion: "pipeline call timed out; will retry automatically",
		},
		{
			signatures: []string{
				"connection refused", "connection reset", "broken pipe",
				"temporarily unavailable", "i/o error", "input/output error",
			},
			category:   domain.CategoryRecoverable,
			suggestion: "transient I/O failure; will retry automatically",
		},
	}}
}

// Classify matches the error type and message against the signature
// table.
func (c *Classifier) Classify(errType, message string) Classification {
	haystack := strings.ToLower(errType + " " + message)
	for _, r := range c.rules {
		for _, sig := range r.signatures {
			if strings.Contains(haystack, sig) {
				return Classification{Category: r.category, Suggestion: r.suggestion}
			}
		}
	}
	return Classification{
		Category:   domain.CategoryRecoverable,
		Suggestion: "unrecognized error; will retry up to the configured ceiling",
	}
}
