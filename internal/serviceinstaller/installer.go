// Package serviceinstaller fetches, installs and supervises the auxiliary
// backend services plugins declare (docker compose stacks and python apps).
package serviceinstaller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"braindrive/internal/archive"
	"braindrive/internal/common/fsutil"
	"braindrive/internal/config"
	"braindrive/pkg/types"
)

// Runtime types.
const (
	TypePython        = "python"
	TypeDockerCompose = "docker-compose"
)

// Service states.
const (
	StateNotInstalled = "not_installed"
	StateInstalled    = "installed"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateFailed       = "failed"
)

const defaultPythonInstall = "pip install -r requirements.txt"

type prerequisiteError struct {
	missing []string
	envFile string
}

func (e prerequisiteError) Error() string {
	return fmt.Sprintf("missing required environment variables %s; add them to %s",
		strings.Join(e.missing, ", "), e.envFile)
}

type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

type invalidServiceError struct{ msg string }

func (e invalidServiceError) Error() string { return e.msg }

// IsPrerequisite reports missing required environment variables.
func IsPrerequisite(err error) bool {
	var e prerequisiteError
	return errors.As(err, &e)
}

// MissingVars returns the variables named by a prerequisite error.
func MissingVars(err error) []string {
	var e prerequisiteError
	if errors.As(err, &e) {
		return e.missing
	}
	return nil
}

// IsUnavailable reports a missing host tool (docker, python).
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

// IsInvalid reports a malformed service declaration.
func IsInvalid(err error) bool {
	var e invalidServiceError
	return errors.As(err, &e)
}

// Config wires an Installer.
type Config struct {
	// Root is plugins_dir/services.
	Root       string
	Env        *config.Env
	Downloader *archive.Downloader
	Runner     CommandRunner
	// HealthTimeout bounds the whole health gate.
	HealthTimeout time.Duration
	// PollInterval is the delay between health probes.
	PollInterval time.Duration
	Python       string
	Logger       zerolog.Logger
}

type serviceState struct {
	state   string
	message string
	proc    Process
}

// Installer manages services under Root/<slug>/<name>.
type Installer struct {
	root          string
	env           *config.Env
	downloader    *archive.Downloader
	runner        CommandRunner
	healthTimeout time.Duration
	pollInterval  time.Duration
	python        string
	probeClient   *http.Client
	log           zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*serviceState
}

// New builds an Installer.
func New(cfg Config) *Installer {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Env == nil {
		cfg.Env = config.NewEnv("", nil)
	}
	log := cfg.Logger.With().Str("component", "serviceinstaller").Logger()
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{Log: log}
	}
	if cfg.Downloader == nil {
		cfg.Downloader = archive.NewDownloader(archive.WithLogger(log))
	}
	return &Installer{
		root:          cfg.Root,
		env:           cfg.Env,
		downloader:    cfg.Downloader,
		runner:        cfg.Runner,
		healthTimeout: cfg.HealthTimeout,
		pollInterval:  cfg.PollInterval,
		python:        cfg.Python,
		probeClient:   &http.Client{Timeout: 2 * time.Second},
		log:           log,
		locks:         map[string]*sync.Mutex{},
		states:        map[string]*serviceState{},
	}
}

func key(slug, name string) string { return slug + "/" + name }

// Dir returns the working directory of a service.
func (in *Installer) Dir(slug, name string) string {
	return filepath.Join(in.root, slug, name)
}

func (in *Installer) lock(slug, name string) func() {
	in.mu.Lock()
	l, ok := in.locks[key(slug, name)]
	if !ok {
		l = &sync.Mutex{}
		in.locks[key(slug, name)] = l
	}
	in.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (in *Installer) setState(slug, name, state, msg string, proc Process) {
	in.mu.Lock()
	defer in.mu.Unlock()
	st, ok := in.states[key(slug, name)]
	if !ok {
		st = &serviceState{}
		in.states[key(slug, name)] = st
	}
	st.state, st.message = state, msg
	if proc != nil || state != StateRunning {
		st.proc = proc
	}
}

func (in *Installer) process(slug, name string) Process {
	in.mu.Lock()
	defer in.mu.Unlock()
	if st, ok := in.states[key(slug, name)]; ok {
		return st.proc
	}
	return nil
}

func validate(slug string, svc types.ServiceRuntime) error {
	if slug == "" || svc.Name == "" || strings.ContainsAny(svc.Name, `/\`) || svc.Name == "." || svc.Name == ".." {
		return invalidServiceError{msg: fmt.Sprintf("invalid service name %q", svc.Name)}
	}
	switch svc.Type {
	case TypePython, TypeDockerCompose:
	default:
		return invalidServiceError{msg: fmt.Sprintf("unsupported service type %q", svc.Type)}
	}
	if strings.TrimSpace(svc.StartCommand) == "" && svc.Type == TypePython {
		return invalidServiceError{msg: "python service needs a start_command"}
	}
	return nil
}

// checkEnv fails when any required variable is blank in the root .env.
func (in *Installer) checkEnv(svc types.ServiceRuntime) error {
	// pick up edits to the .env file without a restart
	if fsutil.PathExists(in.env.Path()) {
		if err := in.env.Reload(); err != nil {
			return err
		}
	}
	if missing := in.env.Missing(svc.RequiredEnvVars); len(missing) > 0 {
		return prerequisiteError{missing: missing, envFile: in.env.Path()}
	}
	return nil
}

// writeServiceEnv writes .env holding only the declared variables.
func (in *Installer) writeServiceEnv(dir string, svc types.ServiceRuntime) (map[string]string, error) {
	vals := in.env.Subset(svc.RequiredEnvVars)
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, vals[k])
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, ".env"), []byte(b.String()), 0o600); err != nil {
		return nil, fmt.Errorf("write service .env: %w", err)
	}
	return vals, nil
}

// Install fetches the source, prepares the runtime and starts the service,
// leaving it running only if it passes the health gate.
func (in *Installer) Install(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error) {
	if err := validate(slug, svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	unlock := in.lock(slug, svc.Name)
	defer unlock()
	log := in.log.With().Str("op", "install").Str("plugin", slug).Str("service", svc.Name).Str("type", svc.Type).Logger()

	if err := in.checkEnv(svc); err != nil {
		log.Warn().Err(err).Msg("service prerequisites not met")
		return in.Status(ctx, slug, svc), err
	}
	if svc.Type == TypeDockerCompose {
		if err := in.probeDocker(ctx); err != nil {
			in.setState(slug, svc.Name, StateFailed, err.Error(), nil)
			return in.Status(ctx, slug, svc), err
		}
	}
	dir := in.Dir(slug, svc.Name)
	reused, err := in.fetch(ctx, dir, svc.SourceURL, svc.Branch)
	if err != nil {
		in.setState(slug, svc.Name, StateFailed, err.Error(), nil)
		return in.Status(ctx, slug, svc), err
	}
	log.Info().Bool("reused", reused).Str("dir", dir).Msg("service source ready")

	if svc.Type == TypePython {
		if err := in.preparePython(ctx, dir, svc); err != nil {
			in.setState(slug, svc.Name, StateFailed, err.Error(), nil)
			return in.Status(ctx, slug, svc), err
		}
	}
	in.setState(slug, svc.Name, StateInstalled, "", nil)
	if err := in.start(ctx, slug, svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	return in.Status(ctx, slug, svc), nil
}

// Start brings an installed service up and health-gates it.
func (in *Installer) Start(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error) {
	if err := validate(slug, svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	unlock := in.lock(slug, svc.Name)
	defer unlock()
	if err := in.checkEnv(svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	if !fsutil.IsDir(in.Dir(slug, svc.Name)) {
		return in.Status(ctx, slug, svc), fmt.Errorf("service %s/%s is not installed", slug, svc.Name)
	}
	err := in.start(ctx, slug, svc)
	return in.Status(ctx, slug, svc), err
}

// Stop shuts the service down.
func (in *Installer) Stop(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error) {
	if err := validate(slug, svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	unlock := in.lock(slug, svc.Name)
	defer unlock()
	err := in.stop(ctx, slug, svc)
	return in.Status(ctx, slug, svc), err
}

// Restart stops then starts the service.
func (in *Installer) Restart(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error) {
	if err := validate(slug, svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	unlock := in.lock(slug, svc.Name)
	defer unlock()
	if err := in.checkEnv(svc); err != nil {
		return in.Status(ctx, slug, svc), err
	}
	if err := in.stop(ctx, slug, svc); err != nil {
		in.log.Warn().Err(err).Str("op", "restart").Str("plugin", slug).Str("service", svc.Name).Msg("stop before restart failed")
	}
	err := in.start(ctx, slug, svc)
	return in.Status(ctx, slug, svc), err
}

// Status reports the last known state plus a live health probe.
func (in *Installer) Status(ctx context.Context, slug string, svc types.ServiceRuntime) types.ServiceStatus {
	dir := in.Dir(slug, svc.Name)
	out := types.ServiceStatus{Plugin: slug, Name: svc.Name, Type: svc.Type, State: StateNotInstalled}
	if fsutil.IsDir(dir) {
		out.State = StateInstalled
		out.Path = dir
	}
	in.mu.Lock()
	if st, ok := in.states[key(slug, svc.Name)]; ok {
		out.State, out.Message = st.state, st.message
		if st.proc != nil && st.state == StateRunning {
			select {
			case <-st.proc.Done():
				out.State, out.Message = StateStopped, "process exited"
			default:
			}
		}
	}
	in.mu.Unlock()
	if out.State == StateRunning {
		out.Healthy = svc.HealthcheckURL == "" || in.probe(ctx, svc.HealthcheckURL)
	}
	return out
}

// InstallServices installs every declared service, continuing past failures.
func (in *Installer) InstallServices(ctx context.Context, slug string, services []types.ServiceRuntime) error {
	var errs []error
	for _, svc := range services {
		if _, err := in.Install(ctx, slug, svc); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", svc.Name, err))
		}
	}
	return errors.Join(errs...)
}

// StopServices stops every declared service, continuing past failures.
func (in *Installer) StopServices(ctx context.Context, slug string, services []types.ServiceRuntime) error {
	var errs []error
	for _, svc := range services {
		if _, err := in.Stop(ctx, slug, svc); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", svc.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown kills every tracked python process.
func (in *Installer) Shutdown() {
	in.mu.Lock()
	var procs []Process
	for k, st := range in.states {
		if st.proc != nil {
			procs = append(procs, st.proc)
			st.proc = nil
			st.state = StateStopped
			in.states[k] = st
		}
	}
	in.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
}

func (in *Installer) start(ctx context.Context, slug string, svc types.ServiceRuntime) error {
	dir := in.Dir(slug, svc.Name)
	vals, err := in.writeServiceEnv(dir, svc)
	if err != nil {
		in.setState(slug, svc.Name, StateFailed, err.Error(), nil)
		return err
	}
	switch svc.Type {
	case TypeDockerCompose:
		err = in.startCompose(ctx, dir, slug, svc, vals)
	default:
		err = in.startPython(ctx, dir, slug, svc, vals)
	}
	if err != nil {
		in.setState(slug, svc.Name, StateFailed, err.Error(), nil)
		in.log.Error().Err(err).Str("op", "start").Str("plugin", slug).Str("service", svc.Name).Msg("service failed to start")
		return err
	}
	in.log.Info().Str("op", "start").Str("plugin", slug).Str("service", svc.Name).Msg("service running")
	return nil
}

func (in *Installer) stop(ctx context.Context, slug string, svc types.ServiceRuntime) error {
	dir := in.Dir(slug, svc.Name)
	var err error
	switch {
	case svc.StopCommand != "":
		err = in.runDeclared(ctx, dir, svc.StopCommand, nil)
	case svc.Type == TypeDockerCompose:
		if fsutil.IsDir(dir) {
			_, err = in.runner.Run(ctx, Cmd{Path: "docker", Args: []string{"compose", "down"}, Dir: dir})
		}
	}
	if p := in.process(slug, svc.Name); p != nil {
		if kerr := p.Kill(); kerr != nil {
			err = errors.Join(err, kerr)
		}
	}
	state := StateStopped
	if !fsutil.IsDir(dir) {
		state = StateNotInstalled
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	in.setState(slug, svc.Name, state, msg, nil)
	return err
}

func (in *Installer) runDeclared(ctx context.Context, dir, command string, env map[string]string) error {
	argv, err := splitCommand(command)
	if err != nil {
		return invalidServiceError{msg: err.Error()}
	}
	_, err = in.runner.Run(ctx, Cmd{Path: argv[0], Args: argv[1:], Dir: dir, Env: env})
	return err
}
