package types

// ServiceRuntime declares an auxiliary backend service a plugin needs.
type ServiceRuntime struct {
	// Service name, unique within the plugin.
	// example: settings-api
	Name string `json:"name" yaml:"name" toml:"name" example:"settings-api"`
	// Archive or repository URL the service source is fetched from.
	// example: https://github.com/acme/settings-api
	SourceURL string `json:"source_url" yaml:"source_url" toml:"source_url" example:"https://github.com/acme/settings-api"`
	// Runtime strategy: python or docker-compose.
	// example: docker-compose
	Type string `json:"type" yaml:"type" toml:"type" example:"docker-compose"`
	// Branch tried first for repository URLs.
	// example: main
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty" toml:"branch,omitempty" example:"main"`
	// Command run once after fetching (python only).
	// example: pip install -r requirements.txt
	InstallCommand string `json:"install_command,omitempty" yaml:"install_command,omitempty" toml:"install_command,omitempty" example:"pip install -r requirements.txt"`
	// Command that starts the service.
	// example: docker compose up -d
	StartCommand string `json:"start_command" yaml:"start_command" toml:"start_command" example:"docker compose up -d"`
	// Command that stops the service.
	// example: docker compose down
	StopCommand string `json:"stop_command,omitempty" yaml:"stop_command,omitempty" toml:"stop_command,omitempty" example:"docker compose down"`
	// URL polled until it answers 2xx.
	// example: http://localhost:8011/health
	HealthcheckURL string `json:"healthcheck_url" yaml:"healthcheck_url" toml:"healthcheck_url" example:"http://localhost:8011/health"`
	// Variables that must be set in the root .env before installing.
	// example: ["OPENAI_API_KEY"]
	RequiredEnvVars []string `json:"required_env_vars,omitempty" yaml:"required_env_vars,omitempty" toml:"required_env_vars,omitempty"`
}

// ModuleSpec is a module a plugin exposes to the UI.
type ModuleSpec struct {
	// example: editor
	Name string `json:"name" yaml:"name" toml:"name" example:"editor"`
	// example: Notes editor
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty" toml:"display_name,omitempty" example:"Notes editor"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}
