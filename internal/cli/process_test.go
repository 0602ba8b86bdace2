package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docflow-io/docflow/internal/core/config"
)

// newPipelineStub speaks the daemon's JSON contract, failing every
// file whose base name is listed as corrupt.
func newPipelineStub(t *testing.T, corrupt map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Files     []string `json:"files"`
			OutputDir string   `json:"output_dir"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp struct {
			Processed []map[string]string `json:"processed"`
			Failed    []map[string]string `json:"failed"`
		}
		for _, f := range req.Files {
			if corrupt[filepath.Base(f)] {
				resp.Failed = append(resp.Failed, map[string]string{
					"path":       f,
					"error_type": "parse_error",
					"message":    "not a valid pdf",
				})
				continue
			}
			resp.Processed = append(resp.Processed, map[string]string{
				"path":        f,
				"output_path": filepath.Join(req.OutputDir, filepath.Base(f)+".md"),
				"file_hash":   "h",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProcessEnv(t *testing.T, pipelineURL string) (*config.AppConfig, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.Sessions.Dir = filepath.Join(dir, "sessions")
	cfg.Sessions.QuarantineDir = filepath.Join(dir, "quarantine")
	cfg.Pipeline.URL = pipelineURL
	cfg.Pipeline.Timeout = 5 * time.Second
	cfg.Runtime.Workers = 1
	cfg.Runtime.BatchSize = 4
	cfg.Runtime.FileTimeout = 5 * time.Second

	source := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg, source
}

func addSourceFiles(t *testing.T, source string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(source, n), []byte("doc"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// ====================================================================
// Exit-code contract
// ====================================================================

func TestProcess_AllFilesSucceedExitsZero(t *testing.T) {
	srv := newPipelineStub(t, nil)
	cfg, source := newProcessEnv(t, srv.URL)
	addSourceFiles(t, source, "a.pdf", "b.pdf", "c.pdf")

	if code := executeProcess(cfg, source); code != ExitOK {
		t.Errorf("clean run must exit %d, got %d", ExitOK, code)
	}
}

func TestProcess_OneCorruptFileExitsPartial(t *testing.T) {
	srv := newPipelineStub(t, map[string]bool{"bad.pdf": true})
	cfg, source := newProcessEnv(t, srv.URL)

	names := []string{"bad.pdf"}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		names = append(names, n+".pdf")
	}
	addSourceFiles(t, source, names...)

	if code := executeProcess(cfg, source); code != ExitPartial {
		t.Errorf("one failure out of ten must exit %d, got %d", ExitPartial, code)
	}

	// The permanent failure lands in quarantine on the way out.
	if _, err := os.Stat(filepath.Join(cfg.Sessions.QuarantineDir, "bad.pdf")); err != nil {
		t.Errorf("corrupt file should be quarantined: %v", err)
	}
}

func TestProcess_AllCorruptExitsFailed(t *testing.T) {
	srv := newPipelineStub(t, map[string]bool{"a.pdf": true, "b.pdf": true})
	cfg, source := newProcessEnv(t, srv.URL)
	addSourceFiles(t, source, "a.pdf", "b.pdf")

	if code := executeProcess(cfg, source); code != ExitFailed {
		t.Errorf("complete failure must exit %d, got %d", ExitFailed, code)
	}
}

func TestProcess_BadSourceExitsConfigError(t *testing.T) {
	srv := newPipelineStub(t, nil)
	cfg, source := newProcessEnv(t, srv.URL)

	if code := executeProcess(cfg, filepath.Join(source, "missing")); code != ExitConfigError {
		t.Errorf("missing source must exit %d, got %d", ExitConfigError, code)
	}

	plain := filepath.Join(source, "not-a-dir.pdf")
	if err := os.WriteFile(plain, []byte("doc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code := executeProcess(cfg, plain); code != ExitConfigError {
		t.Errorf("non-directory source must exit %d, got %d", ExitConfigError, code)
	}
}
