package storage

import (
	"fmt"
	"regexp"
	"time"
)

// UserPluginMetadata is one entry of users/<id>/installed_plugins.json.
type UserPluginMetadata struct {
	PluginSlug           string         `json:"plugin_slug"`
	Version              string         `json:"version"`
	SharedPath           string         `json:"shared_path"`
	InstalledAt          time.Time      `json:"installed_at"`
	UpdatedAt            time.Time      `json:"updated_at,omitempty"`
	Enabled              bool           `json:"enabled"`
	UserConfig           map[string]any `json:"user_config"`
	InstallationMetadata map[string]any `json:"installation_metadata"`
}

// Registration carries the per-user fields recorded by RegisterUserPlugin.
type Registration struct {
	Enabled              bool
	UserConfig           map[string]any
	InstallationMetadata map[string]any
	// InstalledAt is kept across updates; zero means now.
	InstalledAt time.Time
}

// VersionID names one shared plugin version.
type VersionID struct {
	Slug    string `json:"plugin_slug"`
	Version string `json:"version"`
}

func (v VersionID) String() string { return v.Slug + "@" + v.Version }

var (
	slugPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+-]*$`)
)

// ValidSlug reports whether s is usable as a plugin slug or user id path component.
func ValidSlug(s string) bool {
	return len(s) <= 128 && slugPattern.MatchString(s) && s != "." && s != ".."
}

// ValidVersion reports whether v is usable as a version directory name.
func ValidVersion(v string) bool {
	return len(v) <= 64 && versionPattern.MatchString(v)
}

func validateKey(userID, slug string) error {
	if !ValidSlug(userID) {
		return fmt.Errorf("invalid user id %q", userID)
	}
	if !ValidSlug(slug) {
		return fmt.Errorf("invalid plugin slug %q", slug)
	}
	return nil
}
