package serviceinstaller

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/rs/zerolog"
)

// Cmd describes one external command.
type Cmd struct {
	Path string
	Args []string
	Env  map[string]string // added on top of the process environment
	Dir  string
}

func (c Cmd) String() string { return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " ")) }

// Process is a started background command.
type Process interface {
	Pid() int
	Kill() error
	// Done is closed when the process exits.
	Done() <-chan struct{}
}

// CommandRunner runs external commands. Tests substitute a fake.
type CommandRunner interface {
	// Run waits for the command and returns its combined output.
	Run(ctx context.Context, c Cmd) (string, error)
	// Start launches the command in the background.
	Start(c Cmd) (Process, error)
}

// ExecRunner runs commands with os/exec and logs their output line by line.
type ExecRunner struct {
	Log zerolog.Logger
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, c Cmd) (string, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnv(c.Env)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	r.Log.Debug().Str("cmd", c.String()).Str("dir", c.Dir).Err(err).Msg("command finished")
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", c.String(), err, tail(out, 512))
	}
	return out, nil
}

// Start implements CommandRunner.
func (r ExecRunner) Start(c Cmd) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnv(c.Env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.String(), err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	log := r.Log.With().Int("pid", cmd.Process.Pid).Str("cmd", c.String()).Logger()
	streamed := make(chan struct{})
	go func() {
		stream(log, stdout)
		close(streamed)
	}()
	go func() {
		// Wait closes the pipe, so drain it first
		<-streamed
		err := cmd.Wait()
		log.Info().Err(err).Msg("service process exited")
		close(p.done)
	}()
	return p, nil
}

func stream(log zerolog.Logger, r io.Reader) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		log.Debug().Msg(s.Text())
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		err = p.cmd.Process.Kill()
	})
	return err
}

// splitCommand turns a declared command string into argv using shell word
// rules (quotes, backslash escapes). Commands are not run through a shell.
func splitCommand(s string) ([]string, error) {
	out, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", s, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
