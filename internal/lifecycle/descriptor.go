package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"braindrive/pkg/types"
)

// DescriptorNames are tried in order at a plugin's root.
var DescriptorNames = []string{
	"lifecycle_manager.yaml",
	"lifecycle_manager.yml",
	"lifecycle_manager.json",
	"lifecycle_manager.toml",
}

// Descriptor is the declarative lifecycle file a plugin ships. Kind selects
// the Go factory that builds its Manager.
type Descriptor struct {
	Kind          string                 `json:"kind" yaml:"kind" toml:"kind"`
	Slug          string                 `json:"plugin_slug" yaml:"plugin_slug" toml:"plugin_slug"`
	Name          string                 `json:"name" yaml:"name" toml:"name"`
	Version       string                 `json:"version" yaml:"version" toml:"version"`
	Description   string                 `json:"description" yaml:"description" toml:"description"`
	PluginType    string                 `json:"plugin_type" yaml:"plugin_type" toml:"plugin_type"`
	Modules       []types.ModuleSpec     `json:"modules" yaml:"modules" toml:"modules"`
	Dependencies  map[string]string      `json:"dependencies" yaml:"dependencies" toml:"dependencies"`
	Compatibility map[string]bool        `json:"compatibility" yaml:"compatibility" toml:"compatibility"`
	RequiredFiles []string               `json:"required_files" yaml:"required_files" toml:"required_files"`
	DefaultConfig map[string]any         `json:"default_config" yaml:"default_config" toml:"default_config"`
	Services      []types.ServiceRuntime `json:"services" yaml:"services" toml:"services"`
}

// Metadata converts the descriptor into PluginMetadata.
func (d Descriptor) Metadata() PluginMetadata {
	return PluginMetadata{
		Slug:          d.Slug,
		Name:          d.Name,
		Version:       d.Version,
		Description:   d.Description,
		PluginType:    d.PluginType,
		Modules:       d.Modules,
		Dependencies:  d.Dependencies,
		Compatibility: d.Compatibility,
		Services:      d.Services,
		RequiredFiles: d.RequiredFiles,
		DefaultConfig: d.DefaultConfig,
	}
}

type descriptorNotFoundError struct{ dir string }

func (e descriptorNotFoundError) Error() string {
	return "no lifecycle descriptor in " + e.dir
}

// IsDescriptorNotFound reports whether err means the plugin ships no descriptor.
func IsDescriptorNotFound(err error) bool {
	var target descriptorNotFoundError
	return errors.As(err, &target)
}

// FindDescriptor returns the path of the descriptor file in dir.
func FindDescriptor(dir string) (string, error) {
	for _, name := range DescriptorNames {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", descriptorNotFoundError{dir: dir}
}

// LoadDescriptor reads and validates the descriptor in dir.
func LoadDescriptor(dir string) (Descriptor, error) {
	var d Descriptor
	p, err := FindDescriptor(dir)
	if err != nil {
		return d, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return d, err
	}
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &d)
	case ".json":
		err = json.Unmarshal(b, &d)
	case ".toml":
		err = toml.Unmarshal(b, &d)
	}
	if err != nil {
		return d, fmt.Errorf("parse %s: %w", filepath.Base(p), err)
	}
	if d.Kind == "" {
		d.Kind = KindManifest
	}
	if strings.TrimSpace(d.Slug) == "" || strings.TrimSpace(d.Version) == "" {
		return d, fmt.Errorf("%s: plugin_slug and version are required", filepath.Base(p))
	}
	if d.PluginType == "" {
		d.PluginType = "frontend"
	}
	seen := map[string]bool{}
	for _, m := range d.Modules {
		if m.Name == "" {
			return d, fmt.Errorf("%s: module without name", filepath.Base(p))
		}
		if seen[m.Name] {
			return d, fmt.Errorf("%s: duplicate module %q", filepath.Base(p), m.Name)
		}
		seen[m.Name] = true
	}
	return d, nil
}
