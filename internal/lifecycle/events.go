package lifecycle

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is a registry lifecycle event.
type Event struct {
	Name    string
	Plugin  string
	Version string
	Fields  map[string]any
}

// Event names.
const (
	EventLoaded   = "manager_loaded"
	EventReused   = "manager_reused"
	EventReleased = "manager_released"
	EventEvicted  = "manager_evicted"
	EventShutdown = "registry_shutdown"
)

// EventPublisher receives registry events. Publish must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes registry events to a zerolog logger at debug level,
// except evictions and shutdown which are logged at info.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) LogPublisher {
	return LogPublisher{log: log.With().Str("component", "lifecycle_events").Logger()}
}

func (p LogPublisher) Publish(e Event) {
	ev := p.log.Debug()
	if e.Name == EventEvicted || e.Name == EventShutdown {
		ev = p.log.Info()
	}
	ev.Str("event", e.Name).Str("plugin", e.Plugin).Str("version", e.Version).Fields(e.Fields).Msg("registry event")
}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns just the event names, in order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
