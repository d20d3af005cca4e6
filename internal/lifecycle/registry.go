package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when RegistryConfig fields are unset.
const (
	defaultEvictionInterval = 5 * time.Minute
	defaultIdleTimeout      = 30 * time.Minute
)

// Loader builds the Manager for a plugin version; Load is the default.
type Loader func(sharedPath string) (Manager, error)

// RegistryConfig encapsulates all tunables for Registry construction.
type RegistryConfig struct {
	EvictionInterval time.Duration
	IdleTimeout      time.Duration
	Publisher        EventPublisher
	Logger           zerolog.Logger
	Loader           Loader
	// Now overrides time.Now; used by tests.
	Now func() time.Time
}

type entryKey struct{ slug, version string }

type entry struct {
	mgr         Manager
	sharedPath  string
	usage       int
	lastUsed    time.Time
	activeUsers map[string]int
}

// Registry caches one Manager per plugin version and evicts idle ones.
type Registry struct {
	mu          sync.Mutex
	entries     map[entryKey]*entry
	interval    time.Duration
	idleTimeout time.Duration
	publisher   EventPublisher
	log         zerolog.Logger
	loader      Loader
	now         func() time.Time

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// EntrySnapshot describes a cached manager.
type EntrySnapshot struct {
	Plugin      string    `json:"plugin_slug"`
	Version     string    `json:"version"`
	UsageCount  int       `json:"usage_count"`
	LastUsed    time.Time `json:"last_used"`
	ActiveUsers []string  `json:"active_users"`
}

// NewRegistry constructs a Registry from cfg. The eviction loop starts with
// the first loaded manager.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		entries:     make(map[entryKey]*entry),
		interval:    cfg.EvictionInterval,
		idleTimeout: cfg.IdleTimeout,
		publisher:   cfg.Publisher,
		log:         cfg.Logger.With().Str("component", "lifecycle_registry").Logger(),
		loader:      cfg.Loader,
		now:         cfg.Now,
	}
	if r.interval <= 0 {
		r.interval = defaultEvictionInterval
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = defaultIdleTimeout
	}
	if r.publisher == nil {
		r.publisher = noopPublisher{}
	}
	if r.loader == nil {
		r.loader = Load
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SetIdleTimeout changes how long an unused manager may stay cached.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.idleTimeout = d
	r.mu.Unlock()
}

// IdleTimeout returns the current idle timeout.
func (r *Registry) IdleTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleTimeout
}

func (r *Registry) publish(e Event) {
	managerEvents.WithLabelValues(e.Name).Inc()
	r.publisher.Publish(e)
}

// Get returns the Manager for slug@version, loading it from sharedPath on a
// miss. Each successful Get must be paired with a Release for the same user.
func (r *Registry) Get(slug, version, sharedPath, userID string) (Manager, error) {
	key := entryKey{slug, version}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if e, ok := r.entries[key]; ok {
		e.usage++
		e.lastUsed = now
		e.activeUsers[userID]++
		r.publish(Event{Name: EventReused, Plugin: slug, Version: version, Fields: map[string]any{"user_id": userID, "usage": e.usage}})
		return e.mgr, nil
	}
	mgr, err := r.loader(sharedPath)
	if err != nil {
		return nil, fmt.Errorf("load lifecycle manager for %s@%s: %w", slug, version, err)
	}
	r.entries[key] = &entry{
		mgr:         mgr,
		sharedPath:  sharedPath,
		usage:       1,
		lastUsed:    now,
		activeUsers: map[string]int{userID: 1},
	}
	managersLoaded.Set(float64(len(r.entries)))
	r.startLoopLocked()
	r.log.Debug().Str("op", "get").Str("plugin", slug).Str("version", version).Msg("manager loaded")
	r.publish(Event{Name: EventLoaded, Plugin: slug, Version: version, Fields: map[string]any{"user_id": userID}})
	return mgr, nil
}

// Release drops one usage held by userID. Eviction is left to the loop.
func (r *Registry) Release(slug, version, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryKey{slug, version}]
	if !ok {
		return
	}
	n := e.activeUsers[userID]
	if n == 0 {
		// not held by this user, e.g. installed before a restart
		return
	}
	if n == 1 {
		delete(e.activeUsers, userID)
	} else {
		e.activeUsers[userID] = n - 1
	}
	if e.usage > 0 {
		e.usage--
	}
	e.lastUsed = r.now()
	r.publish(Event{Name: EventReleased, Plugin: slug, Version: version, Fields: map[string]any{"user_id": userID, "usage": e.usage}})
}

// EvictIdle removes managers that are unused, idle past the timeout and
// willing to unload. It returns how many were evicted.
func (r *Registry) EvictIdle() int {
	r.mu.Lock()
	now := r.now()
	var victims []struct {
		key entryKey
		mgr Manager
	}
	for k, e := range r.entries {
		if e.usage > 0 || len(e.activeUsers) > 0 || now.Sub(e.lastUsed) < r.idleTimeout {
			continue
		}
		if !e.mgr.CanUnload() {
			continue
		}
		delete(r.entries, k)
		victims = append(victims, struct {
			key entryKey
			mgr Manager
		}{k, e.mgr})
	}
	managersLoaded.Set(float64(len(r.entries)))
	for _, v := range victims {
		r.publish(Event{Name: EventEvicted, Plugin: v.key.slug, Version: v.key.version})
	}
	r.mu.Unlock()

	for _, v := range victims {
		if err := v.mgr.Cleanup(); err != nil {
			r.log.Warn().Err(err).Str("op", "evict").Str("plugin", v.key.slug).Str("version", v.key.version).Msg("manager cleanup failed")
		}
	}
	if len(victims) > 0 {
		r.log.Info().Str("op", "evict").Int("evicted", len(victims)).Msg("idle managers evicted")
	}
	return len(victims)
}

// startLoopLocked starts the eviction loop if it is not running.
func (r *Registry) startLoopLocked() {
	if r.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.loopCancel = cancel
	r.loopDone = done
	interval := r.interval
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.EvictIdle()
			}
		}
	}()
}

// Shutdown stops the eviction loop and cleans up every cached manager,
// regardless of usage.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	cancel, done := r.loopCancel, r.loopDone
	r.loopCancel, r.loopDone = nil, nil
	entries := r.entries
	r.entries = make(map[entryKey]*entry)
	managersLoaded.Set(0)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for k, e := range entries {
		if err := e.mgr.Cleanup(); err != nil {
			r.log.Warn().Err(err).Str("op", "shutdown").Str("plugin", k.slug).Str("version", k.version).Msg("manager cleanup failed")
		}
	}
	r.mu.Lock()
	r.publish(Event{Name: EventShutdown, Fields: map[string]any{"managers": len(entries)}})
	r.mu.Unlock()
}

// Snapshot lists cached managers sorted by plugin and version.
func (r *Registry) Snapshot() []EntrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntrySnapshot, 0, len(r.entries))
	for k, e := range r.entries {
		users := make([]string, 0, len(e.activeUsers))
		for u := range e.activeUsers {
			users = append(users, u)
		}
		sort.Strings(users)
		out = append(out, EntrySnapshot{Plugin: k.slug, Version: k.version, UsageCount: e.usage, LastUsed: e.lastUsed, ActiveUsers: users})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Plugin != out[j].Plugin {
			return out[i].Plugin < out[j].Plugin
		}
		return out[i].Version < out[j].Version
	})
	return out
}
