package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"braindrive/internal/storage"
	"braindrive/pkg/types"
)

// Floors for UpdateSettings.
const (
	MinInterval           = 60 * time.Second
	MinManagerIdleTimeout = 60 * time.Second
	MinTempRetention      = 5 * time.Minute

	defaultMaxBackoff = 6 * time.Hour
)

// ManagerEvictor drops idle lifecycle managers.
type ManagerEvictor interface {
	EvictIdle() int
	SetIdleTimeout(time.Duration)
	IdleTimeout() time.Duration
}

// VersionSweeper removes plugin versions nobody references.
type VersionSweeper interface {
	CleanupUnusedVersions() []storage.VersionID
}

// FileJanitor tidies the storage tree.
type FileJanitor interface {
	RemoveStaleTemp(retention time.Duration) (int, error)
	RemoveEmptyDirs() (int, error)
}

// Settings are the loop tunables.
type Settings struct {
	Interval           time.Duration
	ManagerIdleTimeout time.Duration
	TempRetention      time.Duration
}

// Config wires the Service.
type Config struct {
	Managers ManagerEvictor
	Versions VersionSweeper
	Files    FileJanitor
	Settings Settings
	// MaxBackoff caps the retry delay after failing cycles.
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// Service runs periodic cleanup cycles.
type Service struct {
	managers ManagerEvictor
	versions VersionSweeper
	files    FileJanitor
	log      zerolog.Logger

	mu         sync.Mutex
	settings   Settings
	maxBackoff time.Duration
	last       *types.CleanupReport
	cancel     context.CancelFunc
	done       chan struct{}
	wake       chan struct{}
}

// New constructs a Service; zero settings take the floors' defaults.
func New(cfg Config) *Service {
	s := &Service{
		managers:   cfg.Managers,
		versions:   cfg.Versions,
		files:      cfg.Files,
		log:        cfg.Logger.With().Str("component", "cleanup").Logger(),
		settings:   cfg.Settings,
		maxBackoff: cfg.MaxBackoff,
		wake:       make(chan struct{}, 1),
	}
	if s.settings.Interval <= 0 {
		s.settings.Interval = time.Hour
	}
	if s.settings.TempRetention <= 0 {
		s.settings.TempRetention = 24 * time.Hour
	}
	if s.settings.ManagerIdleTimeout <= 0 && s.managers != nil {
		s.settings.ManagerIdleTimeout = s.managers.IdleTimeout()
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = defaultMaxBackoff
	}
	if s.managers != nil && s.settings.ManagerIdleTimeout > 0 {
		s.managers.SetIdleTimeout(s.settings.ManagerIdleTimeout)
	}
	return s
}

// Settings returns the current tunables.
func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies non-zero fields after checking the floors. The loop
// picks up a new interval immediately.
func (s *Service) UpdateSettings(in Settings) (Settings, error) {
	if in.Interval != 0 && in.Interval < MinInterval {
		return s.Settings(), fmt.Errorf("interval must be at least %s", MinInterval)
	}
	if in.ManagerIdleTimeout != 0 && in.ManagerIdleTimeout < MinManagerIdleTimeout {
		return s.Settings(), fmt.Errorf("manager idle timeout must be at least %s", MinManagerIdleTimeout)
	}
	if in.TempRetention != 0 && in.TempRetention < MinTempRetention {
		return s.Settings(), fmt.Errorf("temp retention must be at least %s", MinTempRetention)
	}
	s.mu.Lock()
	if in.Interval != 0 {
		s.settings.Interval = in.Interval
	}
	if in.ManagerIdleTimeout != 0 {
		s.settings.ManagerIdleTimeout = in.ManagerIdleTimeout
	}
	if in.TempRetention != 0 {
		s.settings.TempRetention = in.TempRetention
	}
	out := s.settings
	s.mu.Unlock()
	if in.ManagerIdleTimeout != 0 && s.managers != nil {
		s.managers.SetIdleTimeout(in.ManagerIdleTimeout)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.log.Info().Str("op", "update_settings").Dur("interval", out.Interval).
		Dur("manager_idle_timeout", out.ManagerIdleTimeout).Dur("temp_retention", out.TempRetention).
		Msg("cleanup settings updated")
	return out, nil
}

// LastReport returns the most recent cycle's report, if any.
func (s *Service) LastReport() (types.CleanupReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return types.CleanupReport{}, false
	}
	return *s.last, true
}

// ForceCleanup runs one cycle synchronously. Each step runs even if another fails.
func (s *Service) ForceCleanup(ctx context.Context) types.CleanupReport {
	start := time.Now()
	retention := s.Settings().TempRetention
	rep := types.CleanupReport{VersionsRemoved: []string{}}
	var mu sync.Mutex
	addErr := func(step string, err error) {
		mu.Lock()
		rep.Errors = append(rep.Errors, step+": "+err.Error())
		mu.Unlock()
	}

	// manager eviction and temp pruning touch disjoint state
	var g errgroup.Group
	g.Go(func() error {
		defer recoverStep("evict_managers", addErr)
		if s.managers != nil {
			n := s.managers.EvictIdle()
			mu.Lock()
			rep.ManagersEvicted = n
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		defer recoverStep("remove_temp", addErr)
		if s.files == nil {
			return nil
		}
		n, err := s.files.RemoveStaleTemp(retention)
		if err != nil {
			addErr("remove_temp", err)
		}
		mu.Lock()
		rep.TempEntriesRemoved = n
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	if ctx.Err() == nil && s.versions != nil {
		func() {
			defer recoverStep("remove_versions", addErr)
			for _, id := range s.versions.CleanupUnusedVersions() {
				rep.VersionsRemoved = append(rep.VersionsRemoved, id.String())
			}
		}()
	}
	if ctx.Err() == nil && s.files != nil {
		func() {
			defer recoverStep("remove_empty_dirs", addErr)
			n, err := s.files.RemoveEmptyDirs()
			if err != nil {
				addErr("remove_empty_dirs", err)
			}
			rep.EmptyDirsRemoved = n
		}()
	}
	if err := ctx.Err(); err != nil {
		addErr("cycle", err)
	}
	rep.DurationMS = time.Since(start).Milliseconds()

	s.mu.Lock()
	last := rep
	s.last = &last
	s.mu.Unlock()

	ev := s.log.Info()
	if len(rep.Errors) > 0 {
		ev = s.log.Warn().Strs("errors", rep.Errors)
	}
	ev.Str("op", "cycle").Int("managers_evicted", rep.ManagersEvicted).
		Int("versions_removed", len(rep.VersionsRemoved)).
		Int("temp_entries_removed", rep.TempEntriesRemoved).
		Int("empty_dirs_removed", rep.EmptyDirsRemoved).
		Int64("duration_ms", rep.DurationMS).Msg("cleanup cycle finished")
	return rep
}

func recoverStep(step string, addErr func(string, error)) {
	if r := recover(); r != nil {
		addErr(step, fmt.Errorf("panic: %v", r))
	}
}

// Start launches the loop; calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	delay := s.Settings().Interval
	backoff := time.Duration(0)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Settings().Interval)
			continue
		case <-timer.C:
		}
		rep := s.ForceCleanup(ctx)
		interval := s.Settings().Interval
		if len(rep.Errors) > 0 {
			if backoff == 0 {
				backoff = interval
			} else {
				backoff *= 2
			}
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
			s.log.Warn().Str("op", "loop").Dur("retry_in", backoff).Msg("cleanup cycle had errors; backing off")
			timer.Reset(backoff)
			continue
		}
		backoff = 0
		timer.Reset(interval)
	}
}

// ToTypes renders settings for the API.
func (s Settings) ToTypes() types.CleanupSettings {
	return types.CleanupSettings{
		Interval:           s.Interval.String(),
		ManagerIdleTimeout: s.ManagerIdleTimeout.String(),
		TempRetention:      s.TempRetention.String(),
	}
}

// FromTypes parses API settings; empty strings mean unchanged.
func FromTypes(in types.CleanupSettings) (Settings, error) {
	var out Settings
	for _, f := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{in.Interval, &out.Interval, "interval"},
		{in.ManagerIdleTimeout, &out.ManagerIdleTimeout, "manager_idle_timeout"},
		{in.TempRetention, &out.TempRetention, "temp_retention"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return out, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return out, nil
}
