package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithGracePeriod(0)}, opts...)
	m, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func makeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestInstallPluginFiles_Idempotent(t *testing.T) {
	m := newTestManager(t)
	src := makeSource(t, map[string]string{"index.js": "v1"})
	p1, err := m.InstallPluginFiles("notes", "1.0.0", src)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if p1 != m.SharedPath("notes", "1.0.0") {
		t.Fatalf("path=%s", p1)
	}
	// second call must not copy: changing the source has no effect
	if err := os.WriteFile(filepath.Join(src, "index.js"), []byte("v2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p2, err := m.InstallPluginFiles("notes", "1.0.0", src)
	if err != nil || p2 != p1 {
		t.Fatalf("second install p=%s err=%v", p2, err)
	}
	b, _ := os.ReadFile(filepath.Join(p1, "index.js"))
	if string(b) != "v1" {
		t.Fatalf("shared copy overwritten: %q", b)
	}
	if _, err := m.InstallPluginFiles("../evil", "1.0.0", src); err == nil {
		t.Fatalf("expected invalid slug to fail")
	}
}

func TestInstallPluginFiles_ConcurrentSingleCopy(t *testing.T) {
	m := newTestManager(t)
	src := makeSource(t, map[string]string{"a.txt": "a"})
	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = m.InstallPluginFiles("p", "1.0.0", src)
		}(i)
	}
	wg.Wait()
	for i := range paths {
		if errs[i] != nil || paths[i] != m.SharedPath("p", "1.0.0") {
			t.Fatalf("racer %d: path=%s err=%v", i, paths[i], errs[i])
		}
	}
	if v := m.SharedVersions(); len(v) != 1 {
		t.Fatalf("expected exactly one version, got %v", v)
	}
	entries, _ := os.ReadDir(m.TempDir())
	if len(entries) != 0 {
		t.Fatalf("staging dirs left behind: %d", len(entries))
	}
}

func TestRegisterAndQuery(t *testing.T) {
	m := newTestManager(t)
	src := makeSource(t, map[string]string{"dist/index.js": "x"})
	p, _ := m.InstallPluginFiles("notes", "1.0.0", src)
	if !m.RegisterUserPlugin("u1", "notes", "1.0.0", p, Registration{Enabled: true, InstallationMetadata: map[string]any{"source_url": "local"}}) {
		t.Fatalf("register failed")
	}
	md, ok := m.UserPluginMetadata("u1", "notes")
	if !ok || md.Version != "1.0.0" || !md.Enabled || md.InstallationMetadata["source_url"] != "local" {
		t.Fatalf("metadata=%+v ok=%v", md, ok)
	}
	if got, ok := m.UserPluginPath("u1", "notes"); !ok || got != p {
		t.Fatalf("path=%s ok=%v", got, ok)
	}
	if len(m.AllUserPlugins("u1")) != 1 || len(m.AllUserPlugins("u2")) != 0 {
		t.Fatalf("unexpected all plugins")
	}
	if fp, ok := m.PluginFilePath("u1", "notes", "dist/index.js"); !ok || fp != filepath.Join(p, "dist", "index.js") {
		t.Fatalf("file path=%s ok=%v", fp, ok)
	}
	for _, rel := range []string{"../../etc/passwd", "/etc/passwd", "dist/../../x", ".", "dist", "dist/", "dist/missing.js"} {
		if _, ok := m.PluginFilePath("u1", "notes", rel); ok {
			t.Fatalf("traversal %q accepted", rel)
		}
	}
	if !m.UpdateUserPlugin("u1", "notes", func(e *UserPluginMetadata) { e.Enabled = false }) {
		t.Fatalf("update failed")
	}
	if md, _ := m.UserPluginMetadata("u1", "notes"); md.Enabled {
		t.Fatalf("expected disabled")
	}
	if !m.UnregisterUserPlugin("u1", "notes") {
		t.Fatalf("unregister failed")
	}
	if m.UnregisterUserPlugin("u1", "notes") {
		t.Fatalf("second unregister should report false")
	}
	if m.RegisterUserPlugin("../x", "notes", "1", p, Registration{}) {
		t.Fatalf("invalid user id accepted")
	}
}

func TestCleanupUnusedVersions_ReferenceSafety(t *testing.T) {
	m := newTestManager(t)
	src := makeSource(t, map[string]string{"a": "a"})
	p1, _ := m.InstallPluginFiles("p", "1.0.0", src)
	p2, _ := m.InstallPluginFiles("p", "2.0.0", src)
	_, _ = m.InstallPluginFiles("q", "1.0.0", src)
	m.RegisterUserPlugin("u1", "p", "1.0.0", p1, Registration{Enabled: true})
	m.RegisterUserPlugin("u2", "p", "2.0.0", p2, Registration{Enabled: true})

	unpin := m.Pin("q", "1.0.0")
	if removed := m.CleanupUnusedVersions(); len(removed) != 0 {
		t.Fatalf("nothing should be removed while referenced or pinned, got %v", removed)
	}
	unpin()
	removed := m.CleanupUnusedVersions()
	if len(removed) != 1 || removed[0] != (VersionID{Slug: "q", Version: "1.0.0"}) {
		t.Fatalf("removed=%v", removed)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "shared", "q")); !os.IsNotExist(err) {
		t.Fatalf("empty slug dir should be gone")
	}

	m.UnregisterUserPlugin("u1", "p")
	removed = m.CleanupUnusedVersions()
	if len(removed) != 1 || removed[0].Version != "1.0.0" {
		t.Fatalf("removed=%v", removed)
	}
	if _, err := os.Stat(p2); err != nil {
		t.Fatalf("referenced version removed: %v", err)
	}
}

func TestCleanupUnusedVersions_GraceAndCorruptMetadata(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, WithGracePeriod(time.Hour), WithClock(func() time.Time { return now }))
	src := makeSource(t, map[string]string{"a": "a"})
	_, _ = m.InstallPluginFiles("p", "1.0.0", src)
	if removed := m.CleanupUnusedVersions(); len(removed) != 0 {
		t.Fatalf("fresh version inside grace period removed: %v", removed)
	}

	now = now.Add(2 * time.Hour)
	if err := os.MkdirAll(filepath.Join(m.Root(), "users", "u1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(m.metadataPath("u1"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if removed := m.CleanupUnusedVersions(); len(removed) != 0 {
		t.Fatalf("sweep must abort on unreadable metadata, removed %v", removed)
	}
	if err := os.Remove(m.metadataPath("u1")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed := m.CleanupUnusedVersions(); len(removed) != 1 {
		t.Fatalf("expected removal after grace, got %v", removed)
	}
}

func TestMaintenance(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, WithClock(func() time.Time { return now }))
	old := filepath.Join(m.TempDir(), "old")
	fresh := filepath.Join(m.TempDir(), "fresh")
	for _, d := range []string{old, fresh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	past := now.Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	n, err := m.RemoveStaleTemp(24 * time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("removed=%d err=%v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh temp entry removed")
	}

	for _, d := range []string{"shared/p/v1.0.0", "shared/q", "users/u9"} {
		if err := os.MkdirAll(filepath.Join(m.Root(), d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	n, err = m.RemoveEmptyDirs()
	if err != nil || n != 4 {
		t.Fatalf("removed=%d err=%v", n, err)
	}
}

func TestInstallPluginFiles_RacesEmptyDirPruning(t *testing.T) {
	m := newTestManager(t)
	src := makeSource(t, map[string]string{"a.txt": "a"})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = m.RemoveEmptyDirs()
			}
		}
	}()
	for i := 0; i < 30; i++ {
		slug := "p" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if _, err := m.InstallPluginFiles(slug, "1.0.0", src); err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("install %s: %v", slug, err)
		}
	}
	close(stop)
	wg.Wait()
	if v := m.SharedVersions(); len(v) != 30 {
		t.Fatalf("expected 30 versions, got %d", len(v))
	}
}
