package modelinstall

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"braindrive/pkg/types"
)

// Task states.
const (
	StateQueued      = "queued"
	StateRunning     = "running"
	StateDownloading = "downloading"
	StateVerifying   = "verifying"
	StateExtracting  = "extracting"
	StateCompleted   = "completed"
	StateError       = "error"
	StateCanceled    = "canceled"
)

var stateRank = map[string]int{
	StateQueued:      0,
	StateRunning:     1,
	StateDownloading: 2,
	StateVerifying:   3,
	StateExtracting:  4,
}

// IsTerminal reports whether no further transitions can happen from state.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateError || state == StateCanceled
}

// Event is one JSON line emitted for a task.
type Event struct {
	TaskID   string    `json:"task_id"`
	State    string    `json:"state"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	Done     bool      `json:"done"`
	Time     time.Time `json:"ts"`
}

type subscriber struct {
	ch chan []byte
}

type task struct {
	id        string
	name      string
	serverURL string
	apiKey    string
	dedupeKey string

	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
	terminal atomic.Bool
	// onTerminal runs under mu in the step that ends the task.
	onTerminal func()

	mu        sync.Mutex
	state     string
	progress  int
	message   string
	errMsg    string
	createdAt time.Time
	updatedAt time.Time
	ring      [][]byte
	ringNext  int
	ringFull  bool
	subs      map[*subscriber]struct{}
	subBuffer int
	now       func() time.Time
}

func newTask(id, name, serverURL, apiKey, key string, history, subBuffer int, now func() time.Time) *task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:        id,
		name:      name,
		serverURL: serverURL,
		apiKey:    apiKey,
		dedupeKey: key,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateQueued,
		ring:      make([][]byte, history),
		subs:      map[*subscriber]struct{}{},
		subBuffer: subBuffer,
		now:       now,
	}
	t.createdAt = now()
	t.updatedAt = t.createdAt
	return t
}

// update moves the task forward. Progress never decreases and states never
// move backwards; terminal states stick. Returns false if the task was
// already terminal.
func (t *task) update(state string, progress int, msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if IsTerminal(t.state) {
		return false
	}
	if IsTerminal(state) || stateRank[state] > stateRank[t.state] {
		t.state = state
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.progress {
		t.progress = progress
	}
	if msg != "" {
		t.message = msg
	}
	t.updatedAt = t.now()
	t.emitLocked()
	return true
}

func (t *task) fail(state, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if IsTerminal(t.state) {
		return false
	}
	t.state = state
	t.errMsg = errMsg
	if state == StateCanceled && t.message == "" {
		t.message = "canceled"
	}
	t.updatedAt = t.now()
	t.emitLocked()
	return true
}

func (t *task) emitLocked() {
	ev := Event{
		TaskID:   t.id,
		State:    t.state,
		Progress: t.progress,
		Message:  t.message,
		Error:    t.errMsg,
		Done:     IsTerminal(t.state),
		Time:     t.updatedAt,
	}
	line, _ := json.Marshal(ev)
	line = append(line, '\n')
	if len(t.ring) > 0 {
		t.ring[t.ringNext] = line
		t.ringNext = (t.ringNext + 1) % len(t.ring)
		if t.ringNext == 0 {
			t.ringFull = true
		}
	}
	for s := range t.subs {
		select {
		case s.ch <- line:
		default:
			// slow consumer
			delete(t.subs, s)
			close(s.ch)
		}
	}
	if ev.Done {
		if !t.terminal.Swap(true) && t.onTerminal != nil {
			t.onTerminal()
		}
		for s := range t.subs {
			delete(t.subs, s)
			close(s.ch)
		}
	}
}

func (t *task) historyLocked() [][]byte {
	if !t.ringFull {
		out := make([][]byte, t.ringNext)
		copy(out, t.ring[:t.ringNext])
		return out
	}
	out := make([][]byte, 0, len(t.ring))
	out = append(out, t.ring[t.ringNext:]...)
	out = append(out, t.ring[:t.ringNext]...)
	return out
}

// subscribe returns the replay buffer and a live channel. The channel is
// closed when the task ends or the subscriber falls behind.
func (t *task) subscribe() ([][]byte, <-chan []byte, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	replay := t.historyLocked()
	s := &subscriber{ch: make(chan []byte, t.subBuffer)}
	if IsTerminal(t.state) {
		close(s.ch)
		return replay, s.ch, func() {}
	}
	t.subs[s] = struct{}{}
	var once sync.Once
	return replay, s.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subs[s]; ok {
				delete(t.subs, s)
				close(s.ch)
			}
		})
	}
}

func (t *task) snapshot() types.ModelInstallStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.ModelInstallStatus{
		TaskID:    t.id,
		Name:      t.name,
		ServerURL: t.serverURL,
		State:     t.state,
		Progress:  t.progress,
		Message:   t.message,
		Error:     t.errMsg,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
	}
}

func (t *task) currentState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
