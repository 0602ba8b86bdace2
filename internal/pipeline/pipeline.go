// Package pipeline defines the contract with the external document
// processing service. The orchestrator treats it as an opaque,
// possibly slow, fallible function; it owns no knowledge of
// extraction, chunking or semantic internals.
package pipeline

import "context"

// ProcessedFile is one successful outcome from a pipeline call.
type ProcessedFile struct {
	Path       string `json:"path"`
	OutputPath string `json:"output_path"`
	FileHash   string `json:"file_hash"`
}

// FailedFile is one failed outcome from a pipeline call.
type FailedFile struct {
	Path       string `json:"path"`
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Result is the outcome of processing one batch of files.
type Result struct {
	Processed      []ProcessedFile  `json:"processed"`
	Failed         []FailedFile     `json:"failed"`
	StageTimingsMS map[string]int64 `json:"stage_timings_ms,omitempty"`
}

// Service processes a batch of files into an output directory.
type Service interface {
	Process(ctx context.Context, files []string, outputDir string, config map[string]string) (*Result, error)
}
