package e2e

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestE2E_InstallFreshPlugin(t *testing.T) {
	s := newStack(t)
	src := pluginSource(t, "Foo", "1.0.0")

	resp, b := call(t, http.MethodPost, s.srv.URL+"/api/v1/plugins/Foo/install", "u1",
		map[string]string{"version": "1.0.0", "source_url": src})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("install: %d %s", resp.StatusCode, b)
	}
	if r := decodeResult(t, b); !r.Success {
		t.Fatalf("install failed: %s", r.Error)
	}

	shared := s.storage.SharedPath("Foo", "1.0.0")
	if _, err := os.Stat(filepath.Join(shared, "index.js")); err != nil {
		t.Fatalf("shared copy missing: %v", err)
	}
	md, ok := s.storage.UserPluginMetadata("u1", "Foo")
	if !ok || md.Version != "1.0.0" || md.SharedPath != shared {
		t.Fatalf("user metadata=%+v ok=%v", md, ok)
	}
	if got := pluginStatus(t, s, "u1", "Foo"); got != "healthy" {
		t.Fatalf("status=%q", got)
	}

	resp, b = call(t, http.MethodPost, s.srv.URL+"/api/v1/plugins/Foo/install", "u1",
		map[string]string{"version": "1.0.0"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reinstall: %d %s", resp.StatusCode, b)
	}
}

func TestE2E_SharedCopyAcrossUsers(t *testing.T) {
	s := newStack(t)
	src := pluginSource(t, "Foo", "1.0.0")
	base := s.srv.URL + "/api/v1/plugins/Foo"

	if resp, b := call(t, http.MethodPost, base+"/install", "u1", map[string]string{"version": "1.0.0", "source_url": src}); resp.StatusCode != http.StatusOK {
		t.Fatalf("install u1: %d %s", resp.StatusCode, b)
	}
	if resp, b := call(t, http.MethodPost, base+"/install", "u2", map[string]string{"version": "1.0.0", "source_url": src}); resp.StatusCode != http.StatusOK {
		t.Fatalf("install u2: %d %s", resp.StatusCode, b)
	}
	if v := s.storage.SharedVersions(); len(v) != 1 {
		t.Fatalf("expected one shared copy, got %v", v)
	}
	for _, u := range []string{"u1", "u2"} {
		if got := pluginStatus(t, s, u, "Foo"); got != "healthy" {
			t.Fatalf("%s status=%q", u, got)
		}
	}

	if resp, b := call(t, http.MethodDelete, base, "u1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete u1: %d %s", resp.StatusCode, b)
	}
	if got := pluginStatus(t, s, "u1", "Foo"); got != "not_installed" {
		t.Fatalf("u1 status after delete=%q", got)
	}
	if got := pluginStatus(t, s, "u2", "Foo"); got != "healthy" {
		t.Fatalf("u2 status after u1 delete=%q", got)
	}

	// a sweep must keep the version u2 still references
	if resp, b := call(t, http.MethodPost, s.srv.URL+"/api/v1/admin/cleanup", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: %d %s", resp.StatusCode, b)
	}
	if _, err := os.Stat(filepath.Join(s.storage.SharedPath("Foo", "1.0.0"), "index.js")); err != nil {
		t.Fatalf("shared files removed: %v", err)
	}

	resp, b := call(t, http.MethodGet, base+"/files/index.js", "u2", nil)
	if resp.StatusCode != http.StatusOK || string(b) != "export default {}" {
		t.Fatalf("static file: %d %q", resp.StatusCode, b)
	}
}
