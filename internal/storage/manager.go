package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"braindrive/internal/common/fsutil"
)

const (
	metadataFile       = "installed_plugins.json"
	DefaultGracePeriod = 5 * time.Minute
)

// Manager owns the on-disk plugin layout under a single root:
//
//	shared/<slug>/v<version>/                 plugin files, shared by all users
//	users/<user_id>/installed_plugins.json    per-user metadata
//	users/<user_id>/plugin_data/<slug>/       per-user plugin data
//	cache/version_registry.json               version manager cache
//	cache/temp/                               staging and downloads
type Manager struct {
	root      string
	sharedDir string
	usersDir  string
	cacheDir  string
	tempDir   string

	log   zerolog.Logger
	grace time.Duration
	now   func() time.Time

	// mu serializes metadata read-modify-write and the sweep.
	mu   sync.Mutex
	pmu  sync.Mutex
	pins map[VersionID]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "storage").Logger() }
}

// WithGracePeriod keeps freshly written version directories out of the sweep
// for d after their last modification.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New prepares the directory layout under root.
func New(root string, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, errors.New("storage: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: abs root: %w", err)
	}
	m := &Manager{
		root:      abs,
		sharedDir: filepath.Join(abs, "shared"),
		usersDir:  filepath.Join(abs, "users"),
		cacheDir:  filepath.Join(abs, "cache"),
		tempDir:   filepath.Join(abs, "cache", "temp"),
		log:       zerolog.Nop(),
		grace:     DefaultGracePeriod,
		now:       time.Now,
		pins:      make(map[VersionID]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, d := range []string{m.sharedDir, m.usersDir, m.cacheDir, m.tempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", d, err)
		}
	}
	return m, nil
}

func (m *Manager) Root() string     { return m.root }
func (m *Manager) CacheDir() string { return m.cacheDir }
func (m *Manager) TempDir() string  { return m.tempDir }

// SharedPath is where slug@version lives, whether or not it exists yet.
func (m *Manager) SharedPath(slug, version string) string {
	return filepath.Join(m.sharedDir, slug, "v"+version)
}

// UserDataDir is the per-user data directory owned by the plugin's lifecycle manager.
func (m *Manager) UserDataDir(userID, slug string) string {
	return filepath.Join(m.usersDir, userID, "plugin_data", slug)
}

func (m *Manager) metadataPath(userID string) string {
	return filepath.Join(m.usersDir, userID, metadataFile)
}

// Pin protects slug@version from the sweep until the returned func is called.
// Pins nest.
func (m *Manager) Pin(slug, version string) func() {
	id := VersionID{Slug: slug, Version: version}
	m.pmu.Lock()
	m.pins[id]++
	m.pmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.pmu.Lock()
			if m.pins[id]--; m.pins[id] <= 0 {
				delete(m.pins, id)
			}
			m.pmu.Unlock()
		})
	}
}

func (m *Manager) pinned(id VersionID) bool {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	return m.pins[id] > 0
}

// InstallPluginFiles copies sourceDir into shared storage for slug@version and
// returns the shared path. An existing copy is returned untouched.
func (m *Manager) InstallPluginFiles(slug, version, sourceDir string) (string, error) {
	if !ValidSlug(slug) || !ValidVersion(version) {
		return "", fmt.Errorf("storage: invalid plugin %q version %q", slug, version)
	}
	target := m.SharedPath(slug, version)
	if fsutil.IsDir(target) {
		return target, nil
	}
	if !fsutil.IsDir(sourceDir) {
		return "", fmt.Errorf("storage: source %s is not a directory", sourceDir)
	}
	staging, err := os.MkdirTemp(m.tempDir, "stage-"+slug+"-*")
	if err != nil {
		return "", fmt.Errorf("storage: staging dir: %w", err)
	}
	if err := fsutil.CopyDir(sourceDir, staging); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("storage: copy plugin files: %w", err)
	}
	// RemoveEmptyDirs prunes shared/<slug> under mu; hold it so the parent
	// cannot vanish between MkdirAll and Rename.
	m.mu.Lock()
	err = m.placeLocked(staging, target)
	m.mu.Unlock()
	if err != nil {
		os.RemoveAll(staging)
		// lost a race with a concurrent installer
		if fsutil.IsDir(target) {
			return target, nil
		}
		return "", err
	}
	// rename keeps the staging dir's mtime; refresh it so the grace period
	// counts from installation time
	now := m.now()
	_ = os.Chtimes(target, now, now)
	m.log.Info().Str("op", "install_files").Str("plugin", slug).Str("version", version).Msg("plugin files installed")
	return target, nil
}

func (m *Manager) placeLocked(staging, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("storage: create plugin dir: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("storage: move plugin files into place: %w", err)
	}
	return nil
}

// readMetadata returns the user's metadata map; a missing file is empty.
func (m *Manager) readMetadata(userID string) (map[string]UserPluginMetadata, error) {
	b, err := os.ReadFile(m.metadataPath(userID))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]UserPluginMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]UserPluginMetadata{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.metadataPath(userID), err)
	}
	return out, nil
}

func (m *Manager) writeMetadata(userID string, md map[string]UserPluginMetadata) error {
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(m.metadataPath(userID), b, 0o644)
}

// RegisterUserPlugin records that userID uses slug@version at sharedPath.
// It returns false on any failure.
func (m *Manager) RegisterUserPlugin(userID, slug, version, sharedPath string, reg Registration) bool {
	log := m.log.With().Str("op", "register_user_plugin").Str("user_id", userID).Str("plugin", slug).Logger()
	if err := validateKey(userID, slug); err != nil {
		log.Warn().Err(err).Msg("rejected")
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.readMetadata(userID)
	if err != nil {
		log.Error().Err(err).Msg("read metadata failed")
		return false
	}
	now := m.now().UTC()
	installedAt := reg.InstalledAt
	if installedAt.IsZero() {
		installedAt = now
	}
	cfg := reg.UserConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	inst := map[string]any{}
	for k, v := range reg.InstallationMetadata {
		inst[k] = v
	}
	md[slug] = UserPluginMetadata{
		PluginSlug:           slug,
		Version:              version,
		SharedPath:           sharedPath,
		InstalledAt:          installedAt,
		UpdatedAt:            now,
		Enabled:              reg.Enabled,
		UserConfig:           cfg,
		InstallationMetadata: inst,
	}
	if err := m.writeMetadata(userID, md); err != nil {
		log.Error().Err(err).Msg("write metadata failed")
		return false
	}
	log.Debug().Str("version", version).Msg("registered")
	return true
}

// UnregisterUserPlugin drops the entry; false if absent or on failure.
func (m *Manager) UnregisterUserPlugin(userID, slug string) bool {
	log := m.log.With().Str("op", "unregister_user_plugin").Str("user_id", userID).Str("plugin", slug).Logger()
	if err := validateKey(userID, slug); err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.readMetadata(userID)
	if err != nil {
		log.Error().Err(err).Msg("read metadata failed")
		return false
	}
	if _, ok := md[slug]; !ok {
		return false
	}
	delete(md, slug)
	if err := m.writeMetadata(userID, md); err != nil {
		log.Error().Err(err).Msg("write metadata failed")
		return false
	}
	return true
}

// UpdateUserPlugin applies fn to an existing entry and persists it.
func (m *Manager) UpdateUserPlugin(userID, slug string, fn func(*UserPluginMetadata)) bool {
	if err := validateKey(userID, slug); err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.readMetadata(userID)
	if err != nil {
		m.log.Error().Err(err).Str("op", "update_user_plugin").Str("user_id", userID).Msg("read metadata failed")
		return false
	}
	entry, ok := md[slug]
	if !ok {
		return false
	}
	fn(&entry)
	entry.UpdatedAt = m.now().UTC()
	md[slug] = entry
	if err := m.writeMetadata(userID, md); err != nil {
		m.log.Error().Err(err).Str("op", "update_user_plugin").Str("user_id", userID).Msg("write metadata failed")
		return false
	}
	return true
}

// UserPluginMetadata returns the user's entry for slug.
func (m *Manager) UserPluginMetadata(userID, slug string) (UserPluginMetadata, bool) {
	if validateKey(userID, slug) != nil {
		return UserPluginMetadata{}, false
	}
	m.mu.Lock()
	md, err := m.readMetadata(userID)
	m.mu.Unlock()
	if err != nil {
		m.log.Error().Err(err).Str("op", "user_plugin_metadata").Str("user_id", userID).Msg("read metadata failed")
		return UserPluginMetadata{}, false
	}
	e, ok := md[slug]
	return e, ok
}

// UserPluginPath returns the shared path the user's entry points to.
func (m *Manager) UserPluginPath(userID, slug string) (string, bool) {
	e, ok := m.UserPluginMetadata(userID, slug)
	if !ok || e.SharedPath == "" {
		return "", false
	}
	return e.SharedPath, true
}

// AllUserPlugins returns every entry for userID; empty on failure.
func (m *Manager) AllUserPlugins(userID string) map[string]UserPluginMetadata {
	if !ValidSlug(userID) {
		return map[string]UserPluginMetadata{}
	}
	m.mu.Lock()
	md, err := m.readMetadata(userID)
	m.mu.Unlock()
	if err != nil {
		m.log.Error().Err(err).Str("op", "all_user_plugins").Str("user_id", userID).Msg("read metadata failed")
		return map[string]UserPluginMetadata{}
	}
	return md
}

// PluginFilePath resolves relPath inside the user's plugin root. Absolute
// paths and anything escaping the root (including via symlinks) are refused.
func (m *Manager) PluginFilePath(userID, slug, relPath string) (string, bool) {
	root, ok := m.UserPluginPath(userID, slug)
	if !ok {
		return "", false
	}
	p, ok := fsutil.ResolveWithin(root, relPath)
	if !ok {
		m.log.Debug().Str("op", "plugin_file_path").Str("plugin", slug).Str("path", relPath).Msg("rejected")
		return "", false
	}
	// directories would be listed by a file server
	if info, err := os.Stat(p); err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// UserIDs lists user directories.
func (m *Manager) UserIDs() []string {
	entries, err := os.ReadDir(m.usersDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidSlug(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// SharedVersions enumerates plugin versions present in shared storage.
func (m *Manager) SharedVersions() []VersionID {
	slugs, err := os.ReadDir(m.sharedDir)
	if err != nil {
		return nil
	}
	var out []VersionID
	for _, s := range slugs {
		if !s.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(m.sharedDir, s.Name()))
		if err != nil {
			continue
		}
		for _, v := range versions {
			if v.IsDir() && strings.HasPrefix(v.Name(), "v") && len(v.Name()) > 1 {
				out = append(out, VersionID{Slug: s.Name(), Version: strings.TrimPrefix(v.Name(), "v")})
			}
		}
	}
	return out
}

// CleanupUnusedVersions removes shared versions that no user references.
// Pinned versions and directories modified within the grace period survive.
// If any user's metadata cannot be read nothing is removed.
func (m *Manager) CleanupUnusedVersions() []VersionID {
	log := m.log.With().Str("op", "cleanup_unused_versions").Logger()
	m.mu.Lock()
	defer m.mu.Unlock()

	referenced := map[VersionID]bool{}
	referencedPaths := map[string]bool{}
	for _, uid := range m.UserIDs() {
		md, err := m.readMetadata(uid)
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("unreadable metadata; sweep aborted")
			return nil
		}
		for slug, e := range md {
			referenced[VersionID{Slug: slug, Version: e.Version}] = true
			if e.SharedPath != "" {
				referencedPaths[filepath.Clean(e.SharedPath)] = true
			}
		}
	}

	var removed []VersionID
	now := m.now()
	for _, id := range m.SharedVersions() {
		path := m.SharedPath(id.Slug, id.Version)
		if referenced[id] || referencedPaths[path] || m.pinned(id) {
			continue
		}
		if fi, err := os.Stat(path); err == nil && now.Sub(fi.ModTime()) < m.grace {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Error().Err(err).Str("plugin", id.Slug).Str("version", id.Version).Msg("remove failed")
			continue
		}
		removed = append(removed, id)
		log.Info().Str("plugin", id.Slug).Str("version", id.Version).Msg("removed unused version")
		if slugDir := filepath.Join(m.sharedDir, id.Slug); fsutil.IsEmptyDir(slugDir) {
			_ = os.Remove(slugDir)
		}
	}
	return removed
}
