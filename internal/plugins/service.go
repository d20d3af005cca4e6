package plugins

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"braindrive/internal/archive"
	"braindrive/internal/common/fsutil"
	"braindrive/internal/lifecycle"
	"braindrive/internal/storage"
	"braindrive/internal/store"
	"braindrive/internal/versions"
	"braindrive/pkg/types"
)

// ServiceHooks manages the auxiliary backend services a plugin declares.
type ServiceHooks interface {
	InstallServices(ctx context.Context, slug string, services []types.ServiceRuntime) error
	StopServices(ctx context.Context, slug string, services []types.ServiceRuntime) error
}

// Config wires the Service to its collaborators.
type Config struct {
	Storage    *storage.Manager
	Versions   *versions.Manager
	Registry   *lifecycle.Registry
	Store      *store.Store
	Downloader *archive.Downloader
	// Hooks is optional; without it declared services are ignored.
	Hooks             ServiceHooks
	AutoStartServices bool
	Logger            zerolog.Logger
}

// Service coordinates plugin install, update and delete across storage,
// versions, lifecycle managers and the database.
type Service struct {
	storage    *storage.Manager
	versions   *versions.Manager
	registry   *lifecycle.Registry
	db         *store.Store
	downloader *archive.Downloader
	hooks      ServiceHooks
	autoStart  bool
	log        zerolog.Logger
	locks      *keyedLocks

	// background service start/stop, cancelled by Close
	bg     context.Context
	stopBG context.CancelFunc
	bgMu   sync.Mutex
	closed bool
	bgWG   sync.WaitGroup
}

// New constructs a Service from cfg.
func New(cfg Config) *Service {
	s := &Service{
		storage:    cfg.Storage,
		versions:   cfg.Versions,
		registry:   cfg.Registry,
		db:         cfg.Store,
		downloader: cfg.Downloader,
		hooks:      cfg.Hooks,
		autoStart:  cfg.AutoStartServices,
		log:        cfg.Logger.With().Str("component", "plugins").Logger(),
		locks:      newKeyedLocks(),
	}
	s.bg, s.stopBG = context.WithCancel(context.Background())
	if s.downloader == nil {
		s.downloader = archive.NewDownloader(archive.WithTempDir(cfg.Storage.TempDir()), archive.WithLogger(cfg.Logger))
	}
	return s
}

// Close cancels background service work and waits for it to return.
func (s *Service) Close() {
	s.bgMu.Lock()
	s.closed = true
	s.bgMu.Unlock()
	s.stopBG()
	s.bgWG.Wait()
}

// background runs fn on its own goroutine with a context bounded by timeout
// and by Close. It is a no-op once Close has been called.
func (s *Service) background(timeout time.Duration, fn func(ctx context.Context)) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ctx, cancel := context.WithTimeout(s.bg, timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) lock(userID, slug string) func() {
	return s.locks.Lock(userID + "\x00" + slug)
}

func validate(userID, slug string) error {
	if !storage.ValidSlug(userID) {
		return failf(CodeInvalid, "invalid user id %q", userID)
	}
	if !storage.ValidSlug(slug) {
		return failf(CodeInvalid, "invalid plugin slug %q", slug)
	}
	return nil
}

// otherPlugins maps the user's installed plugins, except exclude, to versions.
func (s *Service) otherPlugins(userID, exclude string) map[string]string {
	out := map[string]string{}
	for slug, md := range s.storage.AllUserPlugins(userID) {
		if slug != exclude {
			out[slug] = md.Version
		}
	}
	return out
}

func versionMetadata(md lifecycle.PluginMetadata, sharedPath string) versions.Metadata {
	return versions.Metadata{Dependencies: md.Dependencies, Compatibility: md.Compatibility, SharedPath: sharedPath}
}

func (s *Service) installContext(userID, slug, sharedPath string, sess store.Session) lifecycle.InstallContext {
	return lifecycle.InstallContext{
		UserID:     userID,
		Session:    sess,
		DataDir:    s.storage.UserDataDir(userID, slug),
		SharedPath: sharedPath,
	}
}

func rollback(tx *sql.Tx, log zerolog.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("rollback failed")
	}
}

// Install installs slug@version for userID. When the version is not yet in
// shared storage it is fetched from sourceURL (a directory, a local archive
// or an http(s) archive URL).
func (s *Service) Install(ctx context.Context, userID, slug, version, sourceURL string) types.Result {
	return s.InstallSource(ctx, userID, slug, version, types.PluginSource{URL: sourceURL})
}

// InstallSource is Install with an optional archive checksum.
func (s *Service) InstallSource(ctx context.Context, userID, slug, version string, src types.PluginSource) types.Result {
	data, err := s.install(ctx, userID, slug, version, src)
	if err != nil {
		s.log.Warn().Err(err).Str("op", "install").Str("user_id", userID).Str("plugin", slug).Str("version", version).Msg("install failed")
		return fail(err)
	}
	return succeed(data)
}

func (s *Service) install(ctx context.Context, userID, slug, version string, src types.PluginSource) (map[string]any, error) {
	if err := validate(userID, slug); err != nil {
		return nil, err
	}
	if !storage.ValidVersion(version) {
		return nil, failf(CodeInvalid, "invalid version %q", version)
	}
	unlock := s.lock(userID, slug)
	defer unlock()
	log := s.log.With().Str("op", "install").Str("user_id", userID).Str("plugin", slug).Str("version", version).Logger()

	// 1
	if _, exists := s.storage.UserPluginMetadata(userID, slug); exists {
		return nil, failf(CodeAlreadyInstalled, "plugin %s is already installed", slug)
	}

	// 2
	unpin := s.storage.Pin(slug, version)
	defer unpin()
	sharedPath := s.storage.SharedPath(slug, version)
	installType := sourceShared
	if !fsutil.IsDir(sharedPath) {
		dir, kind, cleanup, err := s.resolveSource(ctx, src)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		d, err := lifecycle.LoadDescriptor(dir)
		if err != nil {
			return nil, failf(CodeInvalid, "plugin package: %v", err)
		}
		if d.Slug != slug || d.Version != version {
			return nil, failf(CodeInvalid, "package contains %s@%s, expected %s@%s", d.Slug, d.Version, slug, version)
		}
		if sharedPath, err = s.storage.InstallPluginFiles(slug, version, dir); err != nil {
			return nil, err
		}
		installType = kind
	}

	// 3
	mgr, err := s.registry.Get(slug, version, sharedPath, userID)
	if err != nil {
		return nil, failf(CodeInvalid, "%v", err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			s.registry.Release(slug, version, userID)
		}
	}
	md := mgr.Metadata()
	if md.Slug != slug {
		release()
		return nil, failf(CodeInvalid, "lifecycle manager reports plugin %q, expected %q", md.Slug, slug)
	}
	if md.Version != version {
		release()
		return nil, failf(CodeInvalid, "lifecycle manager reports version %q, expected %q", md.Version, version)
	}

	// 4
	if err := versions.ExplainWith(slug, version, versionMetadata(md, sharedPath), s.otherPlugins(userID, slug)); err != nil {
		release()
		return nil, err
	}

	// 5
	tx, err := s.db.Begin(ctx)
	if err != nil {
		release()
		return nil, err
	}
	ic := s.installContext(userID, slug, sharedPath, tx)
	ic.SourceURL = src.URL
	if err := mgr.Install(ctx, ic); err != nil {
		rollback(tx, log)
		s.removeDataDir(userID, slug, log)
		release()
		return nil, failf(CodeInternal, "lifecycle install: %v", err)
	}

	// 6
	now := time.Now().UTC()
	reg := storage.Registration{
		Enabled: true,
		InstallationMetadata: map[string]any{
			"source_url":        src.URL,
			"installation_type": installType,
			"installed_at":      now.Format(time.RFC3339),
			"plugin_name":       md.Name,
		},
	}
	if !s.storage.RegisterUserPlugin(userID, slug, version, sharedPath, reg) {
		if err := mgr.Uninstall(ctx, ic); err != nil {
			log.Error().Err(err).Msg("compensating uninstall failed")
		}
		rollback(tx, log)
		s.removeDataDir(userID, slug, log)
		release()
		return nil, failf(CodeInternal, "failed to record plugin for user")
	}

	// 7
	s.versions.RegisterVersion(slug, version, versionMetadata(md, sharedPath))
	if err := tx.Commit(); err != nil {
		s.storage.UnregisterUserPlugin(userID, slug)
		if uerr := mgr.Uninstall(ctx, s.installContext(userID, slug, sharedPath, s.db.DB())); uerr != nil {
			log.Error().Err(uerr).Msg("compensating uninstall failed")
		}
		release()
		return nil, failf(CodeInternal, "commit: %v", err)
	}
	log.Info().Str("source", installType).Msg("plugin installed")

	if s.autoStart && s.hooks != nil && len(md.Services) > 0 {
		services := md.Services
		s.background(30*time.Minute, func(ctx context.Context) { s.startServices(ctx, slug, services) })
	}
	return map[string]any{
		"plugin_slug":       slug,
		"version":           version,
		"shared_path":       sharedPath,
		"installation_type": installType,
	}, nil
}

func (s *Service) removeDataDir(userID, slug string, log zerolog.Logger) {
	if err := os.RemoveAll(s.storage.UserDataDir(userID, slug)); err != nil {
		log.Warn().Err(err).Msg("remove plugin data dir failed")
	}
}

func (s *Service) startServices(ctx context.Context, slug string, services []types.ServiceRuntime) {
	if err := s.hooks.InstallServices(ctx, slug, services); err != nil {
		s.log.Error().Err(err).Str("op", "start_services").Str("plugin", slug).Msg("plugin services failed to start")
	}
}

// Update moves userID's slug to newVersion, which must already be in shared
// storage. User settings and the enabled flag carry over.
func (s *Service) Update(ctx context.Context, userID, slug, newVersion string) types.Result {
	data, err := s.update(ctx, userID, slug, newVersion)
	if err != nil {
		s.log.Warn().Err(err).Str("op", "update").Str("user_id", userID).Str("plugin", slug).Str("version", newVersion).Msg("update failed")
		return fail(err)
	}
	return succeed(data)
}

func (s *Service) update(ctx context.Context, userID, slug, newVersion string) (map[string]any, error) {
	if err := validate(userID, slug); err != nil {
		return nil, err
	}
	if !storage.ValidVersion(newVersion) {
		return nil, failf(CodeInvalid, "invalid version %q", newVersion)
	}
	unlock := s.lock(userID, slug)
	defer unlock()
	log := s.log.With().Str("op", "update").Str("user_id", userID).Str("plugin", slug).Logger()

	cur, exists := s.storage.UserPluginMetadata(userID, slug)
	if !exists {
		return nil, failf(CodeNotInstalled, "plugin %s is not installed", slug)
	}
	if cur.Version == newVersion {
		return nil, failf(CodeInvalid, "plugin %s is already at version %s", slug, newVersion)
	}
	unpin := s.storage.Pin(slug, newVersion)
	defer unpin()
	newPath := s.storage.SharedPath(slug, newVersion)
	if !fsutil.IsDir(newPath) {
		return nil, failf(CodeUnavailable, "version %s of %s is not available", newVersion, slug)
	}

	newMgr, err := s.registry.Get(slug, newVersion, newPath, userID)
	if err != nil {
		return nil, failf(CodeInvalid, "%v", err)
	}
	newMd := newMgr.Metadata()
	if newMd.Slug != slug || newMd.Version != newVersion {
		s.registry.Release(slug, newVersion, userID)
		return nil, failf(CodeInvalid, "lifecycle manager reports %s@%s, expected %s@%s", newMd.Slug, newMd.Version, slug, newVersion)
	}
	if err := versions.ExplainWith(slug, newVersion, versionMetadata(newMd, newPath), s.otherPlugins(userID, slug)); err != nil {
		s.registry.Release(slug, newVersion, userID)
		return nil, err
	}

	oldMgr, err := s.registry.Get(slug, cur.Version, cur.SharedPath, userID)
	if err != nil {
		s.registry.Release(slug, newVersion, userID)
		return nil, failf(CodeInternal, "%v", err)
	}
	releaseOld := func() { s.registry.Release(slug, cur.Version, userID) }

	tx, err := s.db.Begin(ctx)
	if err != nil {
		releaseOld()
		s.registry.Release(slug, newVersion, userID)
		return nil, err
	}
	if err := oldMgr.Migrate(ctx, s.installContext(userID, slug, cur.SharedPath, tx), newMd); err != nil {
		rollback(tx, log)
		releaseOld()
		s.registry.Release(slug, newVersion, userID)
		return nil, failf(CodeInternal, "migrate: %v", err)
	}

	inst := map[string]any{}
	for k, v := range cur.InstallationMetadata {
		inst[k] = v
	}
	inst["previous_version"] = cur.Version
	inst["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	reg := storage.Registration{
		Enabled:              cur.Enabled,
		UserConfig:           cur.UserConfig,
		InstallationMetadata: inst,
		InstalledAt:          cur.InstalledAt,
	}
	if !s.storage.RegisterUserPlugin(userID, slug, newVersion, newPath, reg) {
		rollback(tx, log)
		releaseOld()
		s.registry.Release(slug, newVersion, userID)
		return nil, failf(CodeInternal, "failed to record plugin for user")
	}
	s.versions.RegisterVersion(slug, newVersion, versionMetadata(newMd, newPath))
	if err := tx.Commit(); err != nil {
		restore := storage.Registration{Enabled: cur.Enabled, UserConfig: cur.UserConfig, InstallationMetadata: cur.InstallationMetadata, InstalledAt: cur.InstalledAt}
		if !s.storage.RegisterUserPlugin(userID, slug, cur.Version, cur.SharedPath, restore) {
			log.Error().Msg("restoring previous metadata failed")
		}
		releaseOld()
		s.registry.Release(slug, newVersion, userID)
		return nil, failf(CodeInternal, "commit: %v", err)
	}
	// drop the temporary reference and the one held since install
	releaseOld()
	releaseOld()
	log.Info().Str("from", cur.Version).Str("to", newVersion).Msg("plugin updated")
	return map[string]any{
		"plugin_slug":      slug,
		"version":          newVersion,
		"previous_version": cur.Version,
		"shared_path":      newPath,
	}, nil
}

// Delete uninstalls slug for userID. Shared files are left for the sweep.
func (s *Service) Delete(ctx context.Context, userID, slug string) types.Result {
	data, err := s.delete(ctx, userID, slug)
	if err != nil {
		s.log.Warn().Err(err).Str("op", "delete").Str("user_id", userID).Str("plugin", slug).Msg("delete failed")
		return fail(err)
	}
	return succeed(data)
}

func (s *Service) delete(ctx context.Context, userID, slug string) (map[string]any, error) {
	if err := validate(userID, slug); err != nil {
		return nil, err
	}
	unlock := s.lock(userID, slug)
	defer unlock()
	log := s.log.With().Str("op", "delete").Str("user_id", userID).Str("plugin", slug).Logger()

	cur, exists := s.storage.UserPluginMetadata(userID, slug)
	if !exists {
		return nil, failf(CodeNotInstalled, "plugin %s is not installed", slug)
	}

	mgr, mgrErr := s.registry.Get(slug, cur.Version, cur.SharedPath, userID)
	release := func() {
		if mgrErr == nil {
			s.registry.Release(slug, cur.Version, userID)
		}
	}
	var services []types.ServiceRuntime
	tx, err := s.db.Begin(ctx)
	if err != nil {
		release()
		return nil, err
	}
	ic := s.installContext(userID, slug, cur.SharedPath, tx)
	if mgrErr == nil {
		services = mgr.Metadata().Services
		err = mgr.Uninstall(ctx, ic)
	} else {
		// plugin files are gone or broken; remove what we know about directly
		log.Warn().Err(mgrErr).Msg("lifecycle manager unavailable; removing records directly")
		if _, err = store.DeletePlugin(ctx, tx, userID, slug); err == nil {
			err = os.RemoveAll(ic.DataDir)
		}
	}
	if err != nil {
		rollback(tx, log)
		release()
		return nil, failf(CodeInternal, "lifecycle uninstall: %v", err)
	}
	if !s.storage.UnregisterUserPlugin(userID, slug) {
		rollback(tx, log)
		release()
		return nil, failf(CodeInternal, "failed to remove plugin record for user")
	}
	if err := tx.Commit(); err != nil {
		restore := storage.Registration{Enabled: cur.Enabled, UserConfig: cur.UserConfig, InstallationMetadata: cur.InstallationMetadata, InstalledAt: cur.InstalledAt}
		s.storage.RegisterUserPlugin(userID, slug, cur.Version, cur.SharedPath, restore)
		release()
		return nil, failf(CodeInternal, "commit: %v", err)
	}
	release()
	release()
	log.Info().Str("version", cur.Version).Msg("plugin deleted")

	if s.hooks != nil && len(services) > 0 && !s.anyUserHas(slug) {
		s.background(2*time.Minute, func(ctx context.Context) {
			if err := s.hooks.StopServices(ctx, slug, services); err != nil {
				s.log.Warn().Err(err).Str("op", "stop_services").Str("plugin", slug).Msg("stopping plugin services failed")
			}
		})
	}
	return map[string]any{"plugin_slug": slug, "version": cur.Version}, nil
}

func (s *Service) anyUserHas(slug string) bool {
	for _, uid := range s.storage.UserIDs() {
		if _, ok := s.storage.UserPluginMetadata(uid, slug); ok {
			return true
		}
	}
	return false
}

// Status reports the plugin's health for userID plus newer versions.
func (s *Service) Status(ctx context.Context, userID, slug string) types.Result {
	if err := validate(userID, slug); err != nil {
		return fail(err)
	}
	cur, exists := s.storage.UserPluginMetadata(userID, slug)
	if !exists {
		return succeed(types.PluginStatus{Status: CodeNotInstalled})
	}
	out := types.PluginStatus{Version: cur.Version}
	for _, v := range s.versions.AvailableVersions(slug) {
		if versions.Compare(v, cur.Version) > 0 {
			out.AvailableUpdates = append(out.AvailableUpdates, v)
		}
	}
	mgr, err := s.registry.Get(slug, cur.Version, cur.SharedPath, userID)
	if err != nil {
		out.Status = "unhealthy"
		out.Issues = []string{err.Error()}
		return succeed(out)
	}
	defer s.registry.Release(slug, cur.Version, userID)
	st, err := mgr.Status(ctx, s.installContext(userID, slug, cur.SharedPath, s.db.DB()))
	if err != nil {
		return fail(failf(CodeInternal, "lifecycle status: %v", err))
	}
	out.Status = "unhealthy"
	if st.Healthy {
		out.Status = "healthy"
	}
	out.Issues = st.Issues
	out.Details = st.Details
	return succeed(out)
}

// CleanupUnusedResources removes unreferenced versions and evicts idle managers.
func (s *Service) CleanupUnusedResources() types.Result {
	removed := s.versions.CleanupUnusedVersions()
	evicted := s.registry.EvictIdle()
	ids := make([]string, len(removed))
	for i, id := range removed {
		ids[i] = id.String()
	}
	return succeed(map[string]any{
		"versions_removed": ids,
		"managers_evicted": evicted,
	})
}

// List returns the user's installed plugins sorted by slug.
func (s *Service) List(userID string) types.Result {
	if !storage.ValidSlug(userID) {
		return fail(failf(CodeInvalid, "invalid user id %q", userID))
	}
	updates := s.versions.UpdateCandidates(userID)
	all := s.storage.AllUserPlugins(userID)
	out := make([]types.InstalledPlugin, 0, len(all))
	for slug, md := range all {
		out = append(out, types.InstalledPlugin{
			Slug:                 slug,
			Version:              md.Version,
			Enabled:              md.Enabled,
			InstalledAt:          md.InstalledAt,
			SharedPath:           md.SharedPath,
			UserConfig:           md.UserConfig,
			InstallationMetadata: md.InstallationMetadata,
			AvailableUpdate:      updates[slug],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return succeed(out)
}

// SetEnabled toggles the plugin for userID in the database and metadata.
func (s *Service) SetEnabled(ctx context.Context, userID, slug string, enabled bool) types.Result {
	if err := validate(userID, slug); err != nil {
		return fail(err)
	}
	unlock := s.lock(userID, slug)
	defer unlock()
	if _, exists := s.storage.UserPluginMetadata(userID, slug); !exists {
		return fail(failf(CodeNotInstalled, "plugin %s is not installed", slug))
	}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := store.SetPluginEnabled(ctx, tx, userID, slug, enabled)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fail(err)
	}
	if !s.storage.UpdateUserPlugin(userID, slug, func(md *storage.UserPluginMetadata) { md.Enabled = enabled }) {
		return fail(failf(CodeInternal, "failed to update plugin metadata"))
	}
	return succeed(map[string]any{"plugin_slug": slug, "enabled": enabled})
}

// UpdateCandidates maps the user's plugins to newer registered versions.
func (s *Service) UpdateCandidates(userID string) types.Result {
	if !storage.ValidSlug(userID) {
		return fail(failf(CodeInvalid, "invalid user id %q", userID))
	}
	return succeed(s.versions.UpdateCandidates(userID))
}

// FilePath resolves a static file inside the user's installed plugin.
func (s *Service) FilePath(userID, slug, relPath string) (string, bool) {
	if validate(userID, slug) != nil {
		return "", false
	}
	return s.storage.PluginFilePath(userID, slug, relPath)
}

// ReconcileReport lists what Reconcile changed or found.
type ReconcileReport struct {
	VersionsDiscovered int      `json:"versions_discovered"`
	DroppedMetadata    []string `json:"dropped_metadata"`
	OrphanedRows       []string `json:"orphaned_rows"`
}

// Reconcile treats database rows as the source of truth: metadata entries
// without a plugin row are dropped and rows without metadata are reported.
// It also registers versions found in shared storage.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	rep.VersionsDiscovered = s.versions.Discover(func(id storage.VersionID, path string) versions.Metadata {
		d, err := lifecycle.LoadDescriptor(path)
		if err != nil {
			return versions.Metadata{}
		}
		return versions.Metadata{Dependencies: d.Dependencies, Compatibility: d.Compatibility}
	})

	rows, err := store.ListPlugins(ctx, s.db.DB(), "")
	if err != nil {
		return rep, err
	}
	inDB := map[string]bool{}
	for _, r := range rows {
		inDB[store.PluginID(r.UserID, r.Slug)] = true
		if _, ok := s.storage.UserPluginMetadata(r.UserID, r.Slug); !ok {
			rep.OrphanedRows = append(rep.OrphanedRows, r.UserID+"/"+r.Slug)
		}
	}
	for _, uid := range s.storage.UserIDs() {
		for slug := range s.storage.AllUserPlugins(uid) {
			if inDB[store.PluginID(uid, slug)] {
				continue
			}
			dropped, err := s.dropUnbacked(ctx, uid, slug)
			if err != nil {
				return rep, err
			}
			if dropped {
				rep.DroppedMetadata = append(rep.DroppedMetadata, uid+"/"+slug)
			}
		}
	}
	sort.Strings(rep.DroppedMetadata)
	sort.Strings(rep.OrphanedRows)
	if len(rep.DroppedMetadata)+len(rep.OrphanedRows)+rep.VersionsDiscovered > 0 {
		s.log.Info().Str("op", "reconcile").
			Int("versions_discovered", rep.VersionsDiscovered).
			Int("dropped_metadata", len(rep.DroppedMetadata)).
			Int("orphaned_rows", len(rep.OrphanedRows)).
			Msg("reconciled plugin state")
	}
	return rep, nil
}

// dropUnbacked removes a metadata entry whose plugin row is missing. The row
// is looked up again under the plugin lock since an install may have
// committed after the caller's snapshot.
func (s *Service) dropUnbacked(ctx context.Context, userID, slug string) (bool, error) {
	unlock := s.lock(userID, slug)
	defer unlock()
	_, err := store.GetPlugin(ctx, s.db.DB(), userID, slug)
	switch {
	case err == nil:
		return false, nil
	case !store.IsNotFound(err):
		return false, fmt.Errorf("reconcile %s/%s: %w", userID, slug, err)
	}
	return s.storage.UnregisterUserPlugin(userID, slug), nil
}

// Declared returns the services declared by the user's installed version of slug.
func (s *Service) Declared(userID, slug string) ([]types.ServiceRuntime, bool) {
	cur, ok := s.storage.UserPluginMetadata(userID, slug)
	if !ok {
		return nil, false
	}
	d, err := lifecycle.LoadDescriptor(cur.SharedPath)
	if err != nil {
		return nil, false
	}
	return d.Services, true
}
