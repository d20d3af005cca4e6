package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Env is the root application's environment key-value store, backed by a
// dotenv-style file. Auxiliary plugin services draw their required variables
// from here.
type Env struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// NewEnv builds an in-memory store, mainly for tests.
func NewEnv(path string, values map[string]string) *Env {
	e := &Env{path: path, values: make(map[string]string, len(values))}
	for k, v := range values {
		e.values[k] = v
	}
	return e
}

// LoadEnv parses path as KEY=VALUE lines. A missing file yields an empty
// store so callers can still report which variables need to be added.
func LoadEnv(path string) (*Env, error) {
	e := &Env{path: path, values: map[string]string{}}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the backing file.
func (e *Env) Reload() error {
	if e.path == "" {
		return nil
	}
	b, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) {
		e.mu.Lock()
		e.values = map[string]string{}
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		PreserveSurroundedQuote: false,
	}, stripExport(b))
	if err != nil {
		return fmt.Errorf("parse env file %s: %w", e.path, err)
	}
	values := make(map[string]string)
	for _, k := range f.Section(ini.DefaultSection).Keys() {
		values[k.Name()] = k.Value()
	}
	e.mu.Lock()
	e.values = values
	e.mu.Unlock()
	return nil
}

// stripExport drops a leading "export " so shell-style files parse.
func stripExport(b []byte) []byte {
	lines := strings.Split(string(b), "\n")
	for i, l := range lines {
		trimmed := strings.TrimLeft(l, " \t")
		if strings.HasPrefix(trimmed, "export ") {
			lines[i] = strings.TrimPrefix(trimmed, "export ")
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// Path returns the file backing the store.
func (e *Env) Path() string { return e.path }

// Lookup returns the value for key and whether it is set.
func (e *Env) Lookup(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// Missing returns the keys that are absent or blank, sorted.
func (e *Env) Missing(keys []string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, k := range keys {
		if strings.TrimSpace(e.values[k]) == "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Subset returns only the requested keys that have values.
func (e *Env) Subset(keys []string) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := e.values[k]; ok {
			out[k] = v
		}
	}
	return out
}
