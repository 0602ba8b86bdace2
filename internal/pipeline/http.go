package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPService implements Service against a pipeline daemon speaking
// JSON over HTTP.
type HTTPService struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPService creates a pipeline client with the given per-call
// timeout.
func NewHTTPService(endpoint string, timeout time.Duration) *HTTPService {
	return &HTTPService{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type processRequest struct {
	Files     []string          `json:"files"`
	OutputDir string            `json:"output_dir"`
	Config    map[string]string `json:"config,omitempty"`
}

// Process sends one batch to the pipeline service.
func (s *HTTPService) Process(ctx context.Context, files []string, outputDir string, config map[string]string) (*Result, error) {
	jsonData, err := json.Marshal(processRequest{
		Files:     files,
		OutputDir: outputDir,
		Config:    config,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
