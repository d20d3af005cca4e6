package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"braindrive/internal/cleanup"
	"braindrive/internal/httpapi"
	"braindrive/internal/lifecycle"
	"braindrive/internal/modelinstall"
	"braindrive/internal/plugins"
	"braindrive/internal/storage"
	"braindrive/internal/store"
	"braindrive/internal/versions"
)

type stack struct {
	srv     *httptest.Server
	storage *storage.Manager
	db      *store.Store
}

// newStack wires the real components behind an httptest server.
func newStack(t *testing.T) *stack {
	t.Helper()
	root := t.TempDir()
	st, err := storage.New(filepath.Join(root, "plugins"), storage.WithGracePeriod(0))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	db, err := store.Open(filepath.Join(root, "braindrive.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := lifecycle.NewRegistry(lifecycle.RegistryConfig{IdleTimeout: time.Minute})
	t.Cleanup(reg.Shutdown)
	vm := versions.New(st, zerolog.Nop())
	svc := plugins.New(plugins.Config{Storage: st, Versions: vm, Registry: reg, Store: db, Logger: zerolog.Nop()})
	models := modelinstall.New(modelinstall.Options{Retention: time.Minute})
	t.Cleanup(models.Shutdown)
	cl := cleanup.New(cleanup.Config{Managers: reg, Versions: vm, Files: st})

	srv := httptest.NewServer(httpapi.NewMux(httpapi.Deps{
		Plugins:  svc,
		Cleanup:  cl,
		Models:   models,
		Managers: reg,
	}))
	t.Cleanup(srv.Close)
	return &stack{srv: srv, storage: st, db: db}
}

// pluginSource writes an unpacked manifest plugin and returns its directory.
func pluginSource(t *testing.T, slug, version string) string {
	t.Helper()
	dir := t.TempDir()
	desc := "kind: manifest\nplugin_slug: " + slug + "\nname: " + slug + "\nversion: " + version +
		"\nmodules:\n  - name: main\nrequired_files:\n  - index.js\n"
	if err := os.WriteFile(filepath.Join(dir, "lifecycle_manager.yaml"), []byte(desc), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("export default {}"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	return dir
}

func call(t *testing.T, method, url, user string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

type result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func decodeResult(t *testing.T, b []byte) result {
	t.Helper()
	var r result
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return r
}

func pluginStatus(t *testing.T, s *stack, user, slug string) string {
	t.Helper()
	resp, b := call(t, http.MethodGet, s.srv.URL+"/api/v1/plugins/"+slug+"/status", user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %s/%s: %d %s", user, slug, resp.StatusCode, b)
	}
	var st struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(decodeResult(t, b).Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st.Status
}
