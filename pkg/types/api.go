package types

import "time"

// Result is the uniform outcome of a plugin lifecycle operation.
type Result struct {
	// example: true
	Success bool `json:"success" example:"true"`
	// Human-readable failure reason; empty on success.
	// example: plugin notes is already installed
	Error string `json:"error,omitempty" example:"plugin notes is already installed"`
	// Machine-readable failure class, e.g. not_installed, already_installed,
	// incompatible, invalid, unavailable, internal.
	// example: already_installed
	Code string `json:"code,omitempty" example:"already_installed"`
	// Operation-specific payload.
	Data any `json:"data,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// InstallPluginRequest is the body of POST /api/v1/plugins/{slug}/install.
type InstallPluginRequest struct {
	// example: 1.0.0
	Version string `json:"version" example:"1.0.0"`
	// Local directory, local archive, or http(s) archive URL. Optional when
	// the version is already in shared storage.
	// example: https://example.com/notes-1.0.0.zip
	SourceURL string `json:"source_url,omitempty" example:"https://example.com/notes-1.0.0.zip"`
	// Hex SHA-256 of the archive; checked before extraction when set.
	SHA256 string `json:"sha256,omitempty"`
}

// PluginSource says where plugin files come from when shared storage lacks them.
type PluginSource struct {
	URL    string
	SHA256 string
}

// UpdatePluginRequest is the body of POST /api/v1/plugins/{slug}/update.
type UpdatePluginRequest struct {
	// example: 1.1.0
	Version string `json:"version" example:"1.1.0"`
}

// SetEnabledRequest is the body of PATCH /api/v1/plugins/{slug}.
type SetEnabledRequest struct {
	// example: false
	Enabled *bool `json:"enabled" example:"false"`
}

// InstalledPlugin describes one of a user's plugins.
type InstalledPlugin struct {
	// example: notes
	Slug string `json:"plugin_slug" example:"notes"`
	// example: 1.0.0
	Version string `json:"version" example:"1.0.0"`
	// example: true
	Enabled              bool           `json:"enabled" example:"true"`
	InstalledAt          time.Time      `json:"installed_at"`
	SharedPath           string         `json:"shared_path"`
	UserConfig           map[string]any `json:"user_config,omitempty"`
	InstallationMetadata map[string]any `json:"installation_metadata,omitempty"`
	// Newer registered version, when one exists.
	// example: 1.1.0
	AvailableUpdate string `json:"available_update,omitempty" example:"1.1.0"`
}

// PluginStatus is the payload of GET /api/v1/plugins/{slug}/status.
type PluginStatus struct {
	// One of not_installed, healthy, unhealthy.
	// example: healthy
	Status string `json:"status" example:"healthy"`
	// example: 1.0.0
	Version          string         `json:"version,omitempty" example:"1.0.0"`
	Issues           []string       `json:"issues,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	AvailableUpdates []string       `json:"available_updates,omitempty"`
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	// example: 1
	ManagersEvicted int `json:"managers_evicted" example:"1"`
	// Removed versions as slug@version.
	VersionsRemoved []string `json:"versions_removed"`
	// example: 3
	TempEntriesRemoved int `json:"temp_entries_removed" example:"3"`
	// example: 2
	EmptyDirsRemoved int      `json:"empty_dirs_removed" example:"2"`
	Errors           []string `json:"errors,omitempty"`
	// example: 12
	DurationMS int64 `json:"duration_ms" example:"12"`
}

// CleanupSettings are the tunables of the cleanup loop.
type CleanupSettings struct {
	// example: 1h0m0s
	Interval string `json:"interval" example:"1h0m0s"`
	// example: 30m0s
	ManagerIdleTimeout string `json:"manager_idle_timeout" example:"30m0s"`
	// example: 24h0m0s
	TempRetention string `json:"temp_retention" example:"24h0m0s"`
}

// ModelInstallRequest starts a background model download.
type ModelInstallRequest struct {
	// example: llama3.2:3b
	Name string `json:"name" example:"llama3.2:3b"`
	// Ollama server base URL.
	// example: http://localhost:11434
	ServerURL string `json:"server_url" example:"http://localhost:11434"`
	APIKey    string `json:"api_key,omitempty"`
}

// ModelInstallResponse is returned from POST /api/v1/models/install.
type ModelInstallResponse struct {
	// example: 3f0f6c1e-1b7e-4a7a-9f57-2f1a8f5b9d11
	TaskID string `json:"task_id" example:"3f0f6c1e-1b7e-4a7a-9f57-2f1a8f5b9d11"`
	// True when an identical download was already running.
	// example: false
	Deduped bool `json:"deduped" example:"false"`
}

// ModelInstallStatus is a snapshot of an install task.
type ModelInstallStatus struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	ServerURL string `json:"server_url"`
	// example: downloading
	State string `json:"state" example:"downloading"`
	// Whole percent, 0 to 100.
	// example: 42
	Progress  int       `json:"progress" example:"42"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceStatus reports an auxiliary service.
type ServiceStatus struct {
	Plugin string `json:"plugin_slug"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	// example: running
	State   string `json:"state" example:"running"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}
