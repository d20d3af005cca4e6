package lifecycle

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"braindrive/internal/store"
)

const notesYAML = `kind: manifest
plugin_slug: notes
name: Notes
version: 1.0.0
modules:
  - name: editor
    display_name: Editor
  - name: viewer
required_files:
  - dist/index.js
default_config:
  theme: dark
dependencies:
  core: ">=1.0.0"
`

func writePlugin(t *testing.T, files map[string]string) string {
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

func TestLoadDescriptor_Formats(t *testing.T) {
	y := writePlugin(t, map[string]string{"lifecycle_manager.yaml": notesYAML})
	d, err := LoadDescriptor(y)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if d.Kind != KindManifest || d.Slug != "notes" || len(d.Modules) != 2 || d.Dependencies["core"] != ">=1.0.0" || d.PluginType != "frontend" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}

	j := writePlugin(t, map[string]string{"lifecycle_manager.json": `{"plugin_slug":"chat","version":"2.0.0","compatibility":{"legacy":false}}`})
	if d, err = LoadDescriptor(j); err != nil || d.Kind != KindManifest || d.Compatibility["legacy"] {
		t.Fatalf("json: %+v err=%v", d, err)
	}

	tm := writePlugin(t, map[string]string{"lifecycle_manager.toml": "kind = \"manifest\"\nplugin_slug = \"svc\"\nversion = \"0.1.0\"\n[[services]]\nname = \"api\"\ntype = \"python\"\nstart_command = \"python main.py\"\n"})
	if d, err = LoadDescriptor(tm); err != nil || len(d.Services) != 1 || d.Services[0].Type != "python" {
		t.Fatalf("toml: %+v err=%v", d, err)
	}

	if _, err := LoadDescriptor(t.TempDir()); !IsDescriptorNotFound(err) {
		t.Fatalf("expected descriptor not found, got %v", err)
	}
	bad := writePlugin(t, map[string]string{"lifecycle_manager.yaml": "kind: manifest\nversion: 1\n"})
	if _, err := LoadDescriptor(bad); err == nil {
		t.Fatalf("expected missing slug error")
	}
	dup := writePlugin(t, map[string]string{"lifecycle_manager.yaml": "plugin_slug: a\nversion: '1'\nmodules: [{name: x}, {name: x}]\n"})
	if _, err := LoadDescriptor(dup); err == nil {
		t.Fatalf("expected duplicate module error")
	}
}

func TestLoad_UnknownKind(t *testing.T) {
	dir := writePlugin(t, map[string]string{"lifecycle_manager.yaml": "kind: nope\nplugin_slug: a\nversion: '1'\n"})
	if _, err := Load(dir); !IsUnknownKind(err) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

type fakeManager struct {
	meta      PluginMetadata
	canUnload atomic.Bool
	cleanups  atomic.Int32
}

func (f *fakeManager) Metadata() PluginMetadata                        { return f.meta }
func (f *fakeManager) Install(context.Context, InstallContext) error   { return nil }
func (f *fakeManager) Uninstall(context.Context, InstallContext) error { return nil }
func (f *fakeManager) Status(context.Context, InstallContext) (Status, error) {
	return Status{Healthy: true}, nil
}
func (f *fakeManager) Migrate(context.Context, InstallContext, PluginMetadata) error { return nil }
func (f *fakeManager) CanUnload() bool                                               { return f.canUnload.Load() }
func (f *fakeManager) Cleanup() error                                                { f.cleanups.Add(1); return nil }

func TestRegistry_GetReleaseEvict(t *testing.T) {
	now := time.Now()
	loads := 0
	fake := &fakeManager{meta: PluginMetadata{Slug: "p", Version: "1"}}
	fake.canUnload.Store(true)
	pub := NewMemoryPublisher()
	r := NewRegistry(RegistryConfig{
		EvictionInterval: time.Hour,
		IdleTimeout:      time.Minute,
		Publisher:        pub,
		Logger:           zerolog.Nop(),
		Loader: func(string) (Manager, error) {
			loads++
			return fake, nil
		},
		Now: func() time.Time { return now },
	})
	defer r.Shutdown()

	m1, err := r.Get("p", "1", "/x", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m2, _ := r.Get("p", "1", "/x", "u2")
	if m1 != m2 || loads != 1 {
		t.Fatalf("expected a single cached instance, loads=%d", loads)
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].UsageCount != 2 || len(snap[0].ActiveUsers) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}

	r.Release("p", "1", "u1")
	now = now.Add(2 * time.Minute)
	if n := r.EvictIdle(); n != 0 {
		t.Fatalf("in-use manager evicted")
	}
	r.Release("p", "1", "u2")
	if n := r.EvictIdle(); n != 0 {
		t.Fatalf("manager evicted before idle timeout")
	}
	now = now.Add(2 * time.Minute)
	fake.canUnload.Store(false)
	if n := r.EvictIdle(); n != 0 {
		t.Fatalf("manager that refuses unload was evicted")
	}
	fake.canUnload.Store(true)
	if n := r.EvictIdle(); n != 1 {
		t.Fatalf("expected eviction, got %d", n)
	}
	if fake.cleanups.Load() != 1 || len(r.Snapshot()) != 0 {
		t.Fatalf("cleanup not called or entry kept")
	}
	if _, err := r.Get("p", "1", "/x", "u1"); err != nil || loads != 2 {
		t.Fatalf("reload after eviction: loads=%d err=%v", loads, err)
	}

	names := pub.Names()
	want := []string{EventLoaded, EventReused, EventReleased, EventReleased, EventEvicted, EventLoaded}
	if len(names) != len(want) {
		t.Fatalf("events=%v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events=%v want %v", names, want)
		}
	}
}

func TestRegistry_ShutdownCleansInUse(t *testing.T) {
	fake := &fakeManager{}
	r := NewRegistry(RegistryConfig{
		EvictionInterval: 10 * time.Millisecond,
		Loader:           func(string) (Manager, error) { return fake, nil },
	})
	if _, err := r.Get("p", "1", "/x", "u1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	r.Shutdown()
	if fake.cleanups.Load() != 1 {
		t.Fatalf("shutdown must clean in-use managers")
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("registry not emptied")
	}
}

func TestManifestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	shared := writePlugin(t, map[string]string{"lifecycle_manager.yaml": notesYAML, "dist/index.js": "x"})
	mgr, err := Load(shared)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if md := mgr.Metadata(); md.Slug != "notes" || md.Version != "1.0.0" {
		t.Fatalf("metadata=%+v", md)
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	dataDir := filepath.Join(t.TempDir(), "plugin_data", "notes")

	if err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return mgr.Install(ctx, InstallContext{UserID: "u1", Session: tx, DataDir: dataDir, SharedPath: shared})
	}); err != nil {
		t.Fatalf("install: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dataDir, "settings.json"))
	if err != nil || len(b) == 0 {
		t.Fatalf("settings not seeded: %v", err)
	}
	ic := InstallContext{UserID: "u1", Session: db.DB(), DataDir: dataDir, SharedPath: shared}
	st, err := mgr.Status(ctx, ic)
	if err != nil || !st.Healthy {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	if err := mgr.Install(ctx, ic); err == nil {
		t.Fatalf("second install should fail on existing row")
	}

	target := mgr.Metadata()
	target.Version = "1.1.0"
	target.Modules = target.Modules[:1]
	if err := mgr.Migrate(ctx, ic, target); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if row, _ := store.GetPlugin(ctx, db.DB(), "u1", "notes"); row.Version != "1.1.0" {
		t.Fatalf("version not migrated: %s", row.Version)
	}
	if n, _ := store.CountModules(ctx, db.DB(), "u1", "notes"); n != 1 {
		t.Fatalf("modules after migrate=%d", n)
	}

	if err := os.Remove(filepath.Join(shared, "dist", "index.js")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st, _ := mgr.Status(ctx, ic); st.Healthy || len(st.Issues) < 2 {
		t.Fatalf("expected unhealthy with file and module issues: %+v", st)
	}

	if err := mgr.Uninstall(ctx, ic); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := store.GetPlugin(ctx, db.DB(), "u1", "notes"); !store.IsNotFound(err) {
		t.Fatalf("row left after uninstall: %v", err)
	}
	if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
		t.Fatalf("data dir left after uninstall")
	}
}

func TestLogPublisher_LevelsByEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf).Level(zerolog.InfoLevel))
	p.Publish(Event{Name: EventLoaded, Plugin: "notes", Version: "1.0.0"})
	p.Publish(Event{Name: EventEvicted, Plugin: "notes", Version: "1.0.0", Fields: map[string]any{"idle": "2m"}})
	out := buf.String()
	if strings.Contains(out, EventLoaded) {
		t.Fatalf("debug event logged at info: %s", out)
	}
	if !strings.Contains(out, `"event":"manager_evicted"`) || !strings.Contains(out, `"idle":"2m"`) {
		t.Fatalf("eviction not logged: %s", out)
	}
}
