// Package modelinstall runs background model downloads against an Ollama
// server and streams their progress to any number of observers.
package modelinstall

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"braindrive/pkg/types"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxConcurrent  = 2
	DefaultRetention      = 30 * time.Minute
	DefaultHistorySize    = 200
	DefaultRequestTimeout = 6 * time.Hour
	DefaultConnectTimeout = 10 * time.Second
	DefaultHeaderTimeout  = 60 * time.Second
	defaultSubBuffer      = 64
)

// Options configures an Installer.
type Options struct {
	MaxConcurrent  int
	Retention      time.Duration
	HistorySize    int
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int
	HTTPClient       *http.Client
	Logger           zerolog.Logger
	Now              func() time.Time
}

type taskNotFoundError struct{ id string }

func (e taskNotFoundError) Error() string { return "install task not found: " + e.id }

type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return e.msg }

type shutdownError struct{}

func (shutdownError) Error() string { return "model installer is shutting down" }

// IsNotFound reports an unknown task id.
func IsNotFound(err error) bool {
	var e taskNotFoundError
	return errors.As(err, &e)
}

// IsInvalid reports a malformed Submit request.
func IsInvalid(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}

// IsShuttingDown reports a Submit refused during Shutdown.
func IsShuttingDown(err error) bool {
	var e shutdownError
	return errors.As(err, &e)
}

// Installer owns the task registry.
type Installer struct {
	log            zerolog.Logger
	httpClient     *http.Client
	sem            *semaphore.Weighted
	retention      time.Duration
	history        int
	subBuffer      int
	requestTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	active  map[string]string // dedupe key -> task id
	purges  map[string]*time.Timer
	closing bool
	wg      sync.WaitGroup
}

// New builds an Installer.
func New(opts Options) *Installer {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = DefaultHeaderTimeout
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		// no client-level Timeout: the body streams for as long as the pull
		// takes, bounded by RequestTimeout on the request context
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.HeaderTimeout,
			MaxIdleConnsPerHost:   opts.MaxConcurrent,
		}}
	}
	return &Installer{
		log:            opts.Logger.With().Str("component", "modelinstall").Logger(),
		httpClient:     client,
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		retention:      opts.Retention,
		history:        opts.HistorySize,
		subBuffer:      opts.SubscriberBuffer,
		requestTimeout: opts.RequestTimeout,
		now:            opts.Now,
		tasks:          map[string]*task{},
		active:         map[string]string{},
		purges:         map[string]*time.Timer{},
	}
}

// normalizeServer validates and canonicalizes the server base URL.
func normalizeServer(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidRequestError{msg: "server_url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalidRequestError{msg: "server_url must be an http(s) URL"}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

// Submit starts a download, or returns the in-flight task for the same
// server and model.
func (in *Installer) Submit(name, serverURL, apiKey string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, invalidRequestError{msg: "name is required"}
	}
	base, err := normalizeServer(serverURL)
	if err != nil {
		return "", false, err
	}
	key := base + "|" + name

	in.mu.Lock()
	if in.closing {
		in.mu.Unlock()
		return "", false, shutdownError{}
	}
	if id, ok := in.active[key]; ok && in.tasks[id] != nil && !in.tasks[id].terminal.Load() {
		in.mu.Unlock()
		dedupedTotal.Inc()
		in.log.Info().Str("op", "submit").Str("task_id", id).Str("model", name).Msg("deduplicated install request")
		return id, true, nil
	}
	t := newTask(uuid.NewString(), name, base, apiKey, key, in.history, in.subBuffer, in.now)
	t.onTerminal = func() { in.release(t) }
	in.tasks[t.id] = t
	in.active[key] = t.id
	in.wg.Add(1)
	in.mu.Unlock()

	t.mu.Lock()
	t.emitLocked()
	t.mu.Unlock()
	tasksActive.Inc()
	in.log.Info().Str("op", "submit").Str("task_id", t.id).Str("model", name).Str("server", base).Msg("model install queued")
	go in.run(t)
	return t.id, false, nil
}

func (in *Installer) run(t *task) {
	defer in.wg.Done()
	defer in.finish(t)

	if err := in.sem.Acquire(t.ctx, 1); err != nil {
		t.fail(StateCanceled, "")
		return
	}
	defer in.sem.Release(1)
	if t.canceled.Load() {
		t.fail(StateCanceled, "")
		return
	}
	t.update(StateRunning, 0, "starting download")
	start := in.now()
	err := in.pull(t)
	switch {
	case err == nil:
		t.update(StateCompleted, 100, "success")
	case errors.Is(err, errCanceled) || t.canceled.Load():
		t.fail(StateCanceled, "")
	default:
		t.fail(StateError, err.Error())
	}
	ev := in.log.Info()
	if err != nil && !errors.Is(err, errCanceled) {
		ev = in.log.Warn().Err(err)
	}
	ev.Str("op", "run").Str("task_id", t.id).Str("model", t.name).Str("state", t.currentState()).
		Dur("elapsed", in.now().Sub(start)).Msg("model install finished")
}

// finish clears dedupe state and schedules the purge.
func (in *Installer) finish(t *task) {
	t.cancel()
	state := t.currentState()
	tasksActive.Dec()
	tasksFinished.WithLabelValues(state).Inc()

	in.release(t)
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closing {
		return
	}
	in.purges[t.id] = time.AfterFunc(in.retention, func() { in.purge(t.id) })
}

// release drops the dedupe entry so a retry starts a fresh task. It is
// called with t.mu held, so it must not touch the task's lock.
func (in *Installer) release(t *task) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.active[t.dedupeKey] == t.id {
		delete(in.active, t.dedupeKey)
	}
}

func (in *Installer) purge(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.tasks, id)
	delete(in.purges, id)
}

func (in *Installer) get(id string) (*task, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	t, ok := in.tasks[id]
	if !ok {
		return nil, taskNotFoundError{id: id}
	}
	return t, nil
}

// Status returns a snapshot of the task.
func (in *Installer) Status(id string) (types.ModelInstallStatus, error) {
	t, err := in.get(id)
	if err != nil {
		return types.ModelInstallStatus{}, err
	}
	return t.snapshot(), nil
}

// Subscribe returns buffered history plus a live channel of JSON lines. The
// channel closes after the terminal event or if the caller stops draining it.
// The returned func unsubscribes.
func (in *Installer) Subscribe(id string) ([][]byte, <-chan []byte, func(), error) {
	t, err := in.get(id)
	if err != nil {
		return nil, nil, nil, err
	}
	replay, ch, cancel := t.subscribe()
	return replay, ch, cancel, nil
}

// Cancel requests cooperative cancellation. Canceling a finished task is a no-op.
func (in *Installer) Cancel(id string) error {
	t, err := in.get(id)
	if err != nil {
		return err
	}
	if IsTerminal(t.currentState()) {
		return nil
	}
	t.canceled.Store(true)
	// closes the response stream and any pending semaphore wait
	t.cancel()
	in.log.Info().Str("op", "cancel").Str("task_id", id).Msg("cancel requested")
	return nil
}

// List returns all retained tasks, newest first.
func (in *Installer) List() []types.ModelInstallStatus {
	in.mu.Lock()
	ts := make([]*task, 0, len(in.tasks))
	for _, t := range in.tasks {
		ts = append(ts, t)
	}
	in.mu.Unlock()
	out := make([]types.ModelInstallStatus, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Shutdown cancels every running task and waits for workers to exit.
func (in *Installer) Shutdown() {
	in.mu.Lock()
	in.closing = true
	ts := make([]*task, 0, len(in.tasks))
	for _, t := range in.tasks {
		ts = append(ts, t)
	}
	for id, tm := range in.purges {
		tm.Stop()
		delete(in.purges, id)
	}
	in.mu.Unlock()
	for _, t := range ts {
		t.canceled.Store(true)
		t.cancel()
	}
	in.wg.Wait()
	in.log.Info().Str("op", "shutdown").Int("tasks", len(ts)).Msg("model installer stopped")
}
