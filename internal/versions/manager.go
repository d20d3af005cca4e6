package versions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"braindrive/internal/common/fsutil"
	"braindrive/internal/storage"
)

const cacheFile = "version_registry.json"

// Metadata is what a plugin version declares about its neighbours.
type Metadata struct {
	// Dependencies maps plugin slug to a requirement such as ">=1.2.0".
	Dependencies map[string]string `json:"dependencies,omitempty"`
	// Compatibility marks other plugins this version works (true) or
	// conflicts (false) with.
	Compatibility map[string]bool `json:"compatibility,omitempty"`
	SharedPath    string          `json:"shared_path,omitempty"`
}

// Record is one registered version.
type Record struct {
	Version      string    `json:"version"`
	RegisteredAt time.Time `json:"registered_at"`
	Metadata
}

// Store is the storage surface the Version Manager needs.
type Store interface {
	CacheDir() string
	SharedVersions() []storage.VersionID
	SharedPath(slug, version string) string
	AllUserPlugins(userID string) map[string]storage.UserPluginMetadata
	CleanupUnusedVersions() []storage.VersionID
}

// Manager tracks which plugin versions exist and their declared relations.
type Manager struct {
	store     Store
	cachePath string
	log       zerolog.Logger

	mu       sync.RWMutex
	versions map[string][]Record // ascending by Compare
}

// New loads the persisted registry, if any. A corrupt cache is discarded.
func New(store Store, log zerolog.Logger) *Manager {
	m := &Manager{
		store:     store,
		cachePath: filepath.Join(store.CacheDir(), cacheFile),
		log:       log.With().Str("component", "versions").Logger(),
		versions:  map[string][]Record{},
	}
	if err := m.load(); err != nil {
		m.log.Warn().Err(err).Str("path", m.cachePath).Msg("version cache unreadable; starting empty")
	}
	return m
}

func (m *Manager) load() error {
	b, err := os.ReadFile(m.cachePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var data map[string][]Record
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	for slug, recs := range data {
		sortRecords(recs)
		m.versions[slug] = recs
	}
	return nil
}

// persist writes the cache; callers hold mu.
func (m *Manager) persist() {
	b, err := json.MarshalIndent(m.versions, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(m.cachePath, b, 0o644)
	}
	if err != nil {
		m.log.Error().Err(err).Str("op", "persist").Msg("write version cache failed")
	}
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return Compare(recs[i].Version, recs[j].Version) < 0 })
}

// RegisterVersion adds or replaces slug@version.
func (m *Manager) RegisterVersion(slug, version string, md Metadata) {
	if md.SharedPath == "" {
		md.SharedPath = m.store.SharedPath(slug, version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.versions[slug]
	rec := Record{Version: version, RegisteredAt: time.Now().UTC(), Metadata: md}
	replaced := false
	for i := range recs {
		if recs[i].Version == version {
			rec.RegisteredAt = recs[i].RegisteredAt
			recs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, rec)
		sortRecords(recs)
	}
	m.versions[slug] = recs
	m.persist()
	m.log.Debug().Str("op", "register_version").Str("plugin", slug).Str("version", version).Msg("registered")
}

// UnregisterVersion removes slug@version; absent entries are ignored.
func (m *Manager) UnregisterVersion(slug, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(slug, version)
}

func (m *Manager) unregisterLocked(slug, version string) bool {
	recs := m.versions[slug]
	for i := range recs {
		if recs[i].Version == version {
			recs = append(recs[:i], recs[i+1:]...)
			if len(recs) == 0 {
				delete(m.versions, slug)
			} else {
				m.versions[slug] = recs
			}
			m.persist()
			return true
		}
	}
	return false
}

// Record returns the registered entry for slug@version.
func (m *Manager) Record(slug, version string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.versions[slug] {
		if r.Version == version {
			return r, true
		}
	}
	return Record{}, false
}

// AvailableVersions lists registered versions of slug, oldest first.
func (m *Manager) AvailableVersions(slug string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.versions[slug]))
	for _, r := range m.versions[slug] {
		out = append(out, r.Version)
	}
	return out
}

// LatestVersion returns the highest registered version of slug.
func (m *Manager) LatestVersion(slug string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.versions[slug]
	if len(recs) == 0 {
		return "", false
	}
	return recs[len(recs)-1].Version, true
}

// IncompatibleError explains why a version cannot be installed next to the
// user's other plugins.
type IncompatibleError struct {
	Slug    string
	Version string
	Reason  string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("%s@%s is incompatible: %s", e.Slug, e.Version, e.Reason)
}

// IsIncompatible reports whether err is an IncompatibleError.
func IsIncompatible(err error) bool {
	var ie *IncompatibleError
	return errors.As(err, &ie)
}

// CheckCompatibility reports whether slug@version fits next to userPlugins
// (slug -> installed version).
func (m *Manager) CheckCompatibility(slug, version string, userPlugins map[string]string) bool {
	return m.Explain(slug, version, userPlugins) == nil
}

// Explain is CheckCompatibility returning the first failing reason. Versions
// that were never registered declare nothing and are compatible.
func (m *Manager) Explain(slug, version string, userPlugins map[string]string) error {
	rec, ok := m.Record(slug, version)
	if !ok {
		return nil
	}
	return ExplainWith(slug, version, rec.Metadata, userPlugins)
}

// ExplainWith checks md, which need not be registered yet, against userPlugins.
func ExplainWith(slug, version string, md Metadata, userPlugins map[string]string) error {
	rec := Record{Version: version, Metadata: md}
	deps := make([]string, 0, len(rec.Dependencies))
	for d := range rec.Dependencies {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		req := rec.Dependencies[dep]
		installed, ok := userPlugins[dep]
		if !ok {
			return &IncompatibleError{Slug: slug, Version: version, Reason: fmt.Sprintf("requires %s %s which is not installed", dep, req)}
		}
		if !Satisfies(installed, req) {
			return &IncompatibleError{Slug: slug, Version: version, Reason: fmt.Sprintf("requires %s %s, found %s", dep, req, installed)}
		}
	}
	others := make([]string, 0, len(rec.Compatibility))
	for o := range rec.Compatibility {
		others = append(others, o)
	}
	sort.Strings(others)
	for _, other := range others {
		if rec.Compatibility[other] {
			continue
		}
		if _, installed := userPlugins[other]; installed {
			return &IncompatibleError{Slug: slug, Version: version, Reason: fmt.Sprintf("conflicts with installed plugin %s", other)}
		}
	}
	return nil
}

// UpdateCandidates maps each of the user's plugins to a newer registered
// version, when one exists.
func (m *Manager) UpdateCandidates(userID string) map[string]string {
	out := map[string]string{}
	for slug, md := range m.store.AllUserPlugins(userID) {
		if latest, ok := m.LatestVersion(slug); ok && Compare(latest, md.Version) > 0 {
			out[slug] = latest
		}
	}
	return out
}

// CleanupUnusedVersions runs the storage sweep and forgets what it removed.
func (m *Manager) CleanupUnusedVersions() []storage.VersionID {
	removed := m.store.CleanupUnusedVersions()
	if len(removed) == 0 {
		return nil
	}
	m.mu.Lock()
	for _, id := range removed {
		m.unregisterLocked(id.Slug, id.Version)
	}
	m.mu.Unlock()
	m.log.Info().Str("op", "cleanup_unused_versions").Int("removed", len(removed)).Msg("sweep complete")
	return removed
}

// Discover reconciles the registry with shared storage: versions on disk but
// unknown are registered using describe (may be nil), registered versions
// whose directory is gone are dropped. It returns how many were added.
func (m *Manager) Discover(describe func(id storage.VersionID, sharedPath string) Metadata) int {
	onDisk := map[storage.VersionID]bool{}
	added := 0
	for _, id := range m.store.SharedVersions() {
		onDisk[id] = true
		if _, ok := m.Record(id.Slug, id.Version); ok {
			continue
		}
		path := m.store.SharedPath(id.Slug, id.Version)
		md := Metadata{SharedPath: path}
		if describe != nil {
			md = describe(id, path)
			md.SharedPath = path
		}
		m.RegisterVersion(id.Slug, id.Version, md)
		added++
	}
	m.mu.Lock()
	var stale []storage.VersionID
	for slug, recs := range m.versions {
		for _, r := range recs {
			if id := (storage.VersionID{Slug: slug, Version: r.Version}); !onDisk[id] {
				stale = append(stale, id)
			}
		}
	}
	for _, id := range stale {
		m.unregisterLocked(id.Slug, id.Version)
	}
	m.mu.Unlock()
	if added > 0 || len(stale) > 0 {
		m.log.Info().Str("op", "discover").Int("added", added).Int("dropped", len(stale)).Msg("version registry reconciled")
	}
	return added
}
