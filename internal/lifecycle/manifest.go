package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"braindrive/internal/common/fsutil"
	"braindrive/internal/store"
)

// KindManifest is the built-in kind driven entirely by the descriptor.
const KindManifest = "manifest"

const settingsFile = "settings.json"

func init() {
	RegisterFactory(KindManifest, func(d Descriptor, sharedPath string) (Manager, error) {
		return NewManifestManager(d, sharedPath), nil
	})
}

// NewManifestManager builds the descriptor-driven Manager. Custom kinds can
// wrap it to add behaviour.
func NewManifestManager(d Descriptor, sharedPath string) Manager {
	return &manifestManager{desc: d, sharedPath: sharedPath}
}

// manifestManager writes the plugin row, one row per declared module and a
// per-user settings file seeded from default_config.
type manifestManager struct {
	desc       Descriptor
	sharedPath string
}

func (m *manifestManager) Metadata() PluginMetadata { return m.desc.Metadata() }

func (m *manifestManager) CanUnload() bool { return true }

func (m *manifestManager) Cleanup() error { return nil }

func requireSession(ic InstallContext) error {
	if ic.Session == nil {
		return errors.New("lifecycle: database session required")
	}
	if ic.UserID == "" {
		return errors.New("lifecycle: user id required")
	}
	return nil
}

func (m *manifestManager) Install(ctx context.Context, ic InstallContext) error {
	if err := requireSession(ic); err != nil {
		return err
	}
	d := m.desc
	if _, err := store.GetPlugin(ctx, ic.Session, ic.UserID, d.Slug); err == nil {
		return fmt.Errorf("plugin %s already has a database record for user %s", d.Slug, ic.UserID)
	} else if !store.IsNotFound(err) {
		return err
	}
	if err := store.InsertPlugin(ctx, ic.Session, store.PluginRow{
		UserID:      ic.UserID,
		Slug:        d.Slug,
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		PluginType:  d.PluginType,
		Enabled:     true,
		SourceURL:   ic.SourceURL,
	}); err != nil {
		return err
	}
	for _, mod := range d.Modules {
		if err := store.InsertModule(ctx, ic.Session, store.ModuleRow{
			UserID:      ic.UserID,
			PluginSlug:  d.Slug,
			Name:        mod.Name,
			DisplayName: mod.DisplayName,
			Description: mod.Description,
			Enabled:     true,
		}); err != nil {
			return err
		}
	}
	return m.seedSettings(ic.DataDir)
}

// seedSettings writes default_config into settings.json, keeping keys the
// user already has.
func (m *manifestManager) seedSettings(dataDir string) error {
	if dataDir == "" {
		return nil
	}
	settings := map[string]any{}
	p := filepath.Join(dataDir, settingsFile)
	if b, err := os.ReadFile(p); err == nil {
		if err := json.Unmarshal(b, &settings); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
	}
	for k, v := range m.desc.DefaultConfig {
		if _, ok := settings[k]; !ok {
			settings[k] = v
		}
	}
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p, b, 0o644)
}

func (m *manifestManager) Uninstall(ctx context.Context, ic InstallContext) error {
	if err := requireSession(ic); err != nil {
		return err
	}
	if _, err := store.DeletePlugin(ctx, ic.Session, ic.UserID, m.desc.Slug); err != nil {
		return err
	}
	if ic.DataDir != "" {
		if err := os.RemoveAll(ic.DataDir); err != nil {
			return fmt.Errorf("remove plugin data: %w", err)
		}
	}
	return nil
}

func (m *manifestManager) Migrate(ctx context.Context, ic InstallContext, target PluginMetadata) error {
	if err := requireSession(ic); err != nil {
		return err
	}
	if target.Slug != m.desc.Slug {
		return fmt.Errorf("cannot migrate %s to %s", m.desc.Slug, target.Slug)
	}
	if err := store.UpdatePluginVersion(ctx, ic.Session, ic.UserID, m.desc.Slug, target.Version); err != nil {
		return err
	}
	existing, err := store.ListModules(ctx, ic.Session, ic.UserID, m.desc.Slug)
	if err != nil {
		return err
	}
	want := map[string]bool{}
	for _, mod := range target.Modules {
		want[mod.Name] = true
	}
	have := map[string]bool{}
	for _, row := range existing {
		have[row.Name] = true
		if !want[row.Name] {
			if err := store.DeleteModule(ctx, ic.Session, ic.UserID, m.desc.Slug, row.Name); err != nil {
				return err
			}
		}
	}
	for _, mod := range target.Modules {
		if have[mod.Name] {
			continue
		}
		if err := store.InsertModule(ctx, ic.Session, store.ModuleRow{
			UserID:      ic.UserID,
			PluginSlug:  m.desc.Slug,
			Name:        mod.Name,
			DisplayName: mod.DisplayName,
			Description: mod.Description,
			Enabled:     true,
		}); err != nil {
			return err
		}
	}
	// new defaults only fill gaps in the user's settings
	next := &manifestManager{desc: m.desc, sharedPath: m.sharedPath}
	next.desc.DefaultConfig = target.DefaultConfig
	return next.seedSettings(ic.DataDir)
}

func (m *manifestManager) Status(ctx context.Context, ic InstallContext) (Status, error) {
	st := Status{Details: map[string]any{}}
	for _, rel := range m.desc.RequiredFiles {
		if _, ok := fsutil.ResolveWithin(m.sharedPath, rel); !ok {
			st.Issues = append(st.Issues, "missing required file: "+rel)
		}
	}
	if ic.Session != nil {
		row, err := store.GetPlugin(ctx, ic.Session, ic.UserID, m.desc.Slug)
		switch {
		case store.IsNotFound(err):
			st.Issues = append(st.Issues, "plugin record missing from database")
		case err != nil:
			return st, err
		default:
			st.Details["db_version"] = row.Version
			st.Details["enabled"] = row.Enabled
		}
		n, err := store.CountModules(ctx, ic.Session, ic.UserID, m.desc.Slug)
		if err != nil {
			return st, err
		}
		st.Details["modules"] = n
		if n != len(m.desc.Modules) {
			st.Issues = append(st.Issues, fmt.Sprintf("expected %d modules, found %d", len(m.desc.Modules), n))
		}
	}
	if ic.DataDir != "" && !fsutil.IsDir(ic.DataDir) {
		st.Issues = append(st.Issues, "user data directory missing")
	}
	st.Healthy = len(st.Issues) == 0
	return st, nil
}
