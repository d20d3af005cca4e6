package lifecycle

import (
	"context"

	"braindrive/internal/store"
	"braindrive/pkg/types"
)

// PluginMetadata is what a lifecycle manager reports about its plugin version.
type PluginMetadata struct {
	Slug          string
	Name          string
	Version       string
	Description   string
	PluginType    string
	Modules       []types.ModuleSpec
	Dependencies  map[string]string
	Compatibility map[string]bool
	Services      []types.ServiceRuntime
	RequiredFiles []string
	DefaultConfig map[string]any
}

// InstallContext carries the per-user state an operation works on.
type InstallContext struct {
	UserID string
	// Session is the open database transaction all row writes must use.
	Session store.Session
	// DataDir is users/<user_id>/plugin_data/<slug>.
	DataDir    string
	SharedPath string
	SourceURL  string
}

// Status is a manager's health report for one user.
type Status struct {
	Healthy bool
	Issues  []string
	Details map[string]any
}

// Manager is the capability set every plugin lifecycle implementation offers.
// Implementations are shared by all users of a plugin version, so per-user
// state must come from InstallContext.
type Manager interface {
	Metadata() PluginMetadata
	Install(ctx context.Context, ic InstallContext) error
	Uninstall(ctx context.Context, ic InstallContext) error
	// Migrate moves the user's data from this version to target.
	Migrate(ctx context.Context, ic InstallContext, target PluginMetadata) error
	Status(ctx context.Context, ic InstallContext) (Status, error)
	CanUnload() bool
	Cleanup() error
}
