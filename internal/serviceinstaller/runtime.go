package serviceinstaller

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"braindrive/internal/common/fsutil"
	"braindrive/pkg/types"
)

// probeDocker checks the CLI, the compose plugin and the daemon.
func (in *Installer) probeDocker(ctx context.Context) error {
	probes := []struct {
		args []string
		hint string
	}{
		{[]string{"--version"}, "docker is not installed; install Docker to run this service"},
		{[]string{"compose", "version"}, "docker compose plugin is not available; install Docker Compose v2"},
		{[]string{"info"}, "docker daemon is not reachable; start Docker and retry"},
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		_, err := in.runner.Run(pctx, Cmd{Path: "docker", Args: p.args})
		cancel()
		if err != nil {
			return unavailableError{msg: p.hint}
		}
	}
	return nil
}

func (in *Installer) startCompose(ctx context.Context, dir, slug string, svc types.ServiceRuntime, env map[string]string) error {
	start := svc.StartCommand
	if strings.TrimSpace(start) == "" {
		start = "docker compose up -d"
	}
	if err := in.runDeclared(ctx, dir, start, env); err != nil {
		in.composeDown(dir)
		return fmt.Errorf("start compose stack: %w", err)
	}
	if err := in.waitHealthy(ctx, svc.HealthcheckURL); err != nil {
		in.composeDown(dir)
		return err
	}
	in.setState(slug, svc.Name, StateRunning, "", nil)
	return nil
}

func (in *Installer) composeDown(dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := in.runner.Run(ctx, Cmd{Path: "docker", Args: []string{"compose", "down"}, Dir: dir}); err != nil {
		in.log.Warn().Err(err).Str("op", "compose_down").Str("dir", dir).Msg("teardown failed")
	}
}

func venvEnv(dir string, extra map[string]string) map[string]string {
	venv := filepath.Join(dir, ".venv")
	env := map[string]string{
		"VIRTUAL_ENV": venv,
		"PATH":        filepath.Join(venv, "bin") + string(os.PathListSeparator) + os.Getenv("PATH"),
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// preparePython creates .venv and runs the install command inside it.
func (in *Installer) preparePython(ctx context.Context, dir string, svc types.ServiceRuntime) error {
	venv := filepath.Join(dir, ".venv")
	if !fsutil.IsDir(venv) {
		if _, err := in.runner.Run(ctx, Cmd{Path: in.python, Args: []string{"-m", "venv", venv}, Dir: dir}); err != nil {
			return unavailableError{msg: fmt.Sprintf("create python venv: %v", err)}
		}
	}
	install := svc.InstallCommand
	if strings.TrimSpace(install) == "" {
		if !fsutil.PathExists(filepath.Join(dir, "requirements.txt")) {
			return nil
		}
		install = defaultPythonInstall
	}
	argv, err := splitCommand(install)
	if err != nil {
		return invalidServiceError{msg: err.Error()}
	}
	// resolve pip/python to the venv copies
	if cand := filepath.Join(venv, "bin", argv[0]); fsutil.PathExists(cand) {
		argv[0] = cand
	}
	if _, err := in.runner.Run(ctx, Cmd{Path: argv[0], Args: argv[1:], Dir: dir, Env: venvEnv(dir, nil)}); err != nil {
		return fmt.Errorf("install python dependencies: %w", err)
	}
	return nil
}

func (in *Installer) startPython(ctx context.Context, dir, slug string, svc types.ServiceRuntime, env map[string]string) error {
	if p := in.process(slug, svc.Name); p != nil {
		select {
		case <-p.Done():
		default:
			in.setState(slug, svc.Name, StateRunning, "", p)
			return nil
		}
	}
	argv, err := splitCommand(svc.StartCommand)
	if err != nil {
		return invalidServiceError{msg: err.Error()}
	}
	if cand := filepath.Join(dir, ".venv", "bin", argv[0]); fsutil.PathExists(cand) {
		argv[0] = cand
	}
	proc, err := in.runner.Start(Cmd{Path: argv[0], Args: argv[1:], Dir: dir, Env: venvEnv(dir, env)})
	if err != nil {
		return err
	}
	if err := in.waitHealthy(ctx, svc.HealthcheckURL, proc.Done()); err != nil {
		_ = proc.Kill()
		return err
	}
	in.setState(slug, svc.Name, StateRunning, "", proc)
	return nil
}

// waitHealthy polls url until it answers 2xx or the deadline passes. An empty
// url passes immediately. A closed exited channel fails the gate early.
func (in *Installer) waitHealthy(ctx context.Context, url string, exited ...<-chan struct{}) error {
	if url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, in.healthTimeout)
	defer cancel()
	var done <-chan struct{}
	if len(exited) > 0 {
		done = exited[0]
	}
	for {
		if in.probe(ctx, url) {
			return nil
		}
		select {
		case <-done:
			return fmt.Errorf("service exited before %s became healthy", url)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s to become healthy", url)
		case <-time.After(in.pollInterval):
		}
	}
}

func (in *Installer) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := in.probeClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
