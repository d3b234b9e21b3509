package plugins

import (
	"context"
	"fmt"
)

// ============================================================================
// PLUGIN TYPES AND INTERFACES
// ============================================================================

// Protocol identifies how a plugin's capability unit is hosted.
type Protocol string

const (
	// ProtocolBuiltin plugins are compiled into the binary and
	// registered through RegisterFactory.
	ProtocolBuiltin Protocol = "builtin"

	// ProtocolRPC plugins run as subprocesses spoken to over
	// hashicorp/go-plugin.
	ProtocolRPC Protocol = "rpc"
)

// Plugin is the capability unit contract. Lifecycle: a registered
// factory produces an instance, Initialize makes it live, Execute may
// run concurrently, Cleanup discards it.
type Plugin interface {
	// Initialize performs idempotent setup and may acquire external
	// resources.
	Initialize(ctx context.Context) error

	// Execute runs the capability against a per-message context map.
	// The map carries at minimum the inbound message text under
	// "message", plus arbitrary plugin-specific keys.
	Execute(ctx context.Context, contextMap map[string]any) (map[string]any, error)

	// Cleanup releases resources. The instance must not be used
	// afterwards.
	Cleanup(ctx context.Context) error

	// Manifest returns the plugin's metadata.
	Manifest() *Manifest
}

// Manifest is the plugin metadata read from a <name>.plugin.yaml file
// (or supplied directly for builtin plugins).
type Manifest struct {
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Author      string   `yaml:"author" json:"author"`
	Description string   `yaml:"description" json:"description"`
	Protocol    Protocol `yaml:"protocol" json:"protocol"`

	// Path is the plugin executable, required for rpc plugins.
	Path string `yaml:"path" json:"path"`

	// Dependencies maps plugin name to a version constraint, e.g.
	// ">=1.2.0".
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// RequiredPackages lists external packages the plugin needs at
	// runtime.
	RequiredPackages []string `yaml:"required_packages,omitempty" json:"required_packages,omitempty"`

	Changelog string `yaml:"changelog,omitempty" json:"changelog,omitempty"`
}

// Descriptor drives construction and enablement of a plugin instance.
// It comes from the external plugin configuration file.
type Descriptor struct {
	Name     string         `yaml:"name" json:"name"`
	Version  string         `yaml:"version" json:"version"`
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Settings map[string]any `yaml:"settings" json:"settings"`
}

// Factory produces an uninitialized plugin instance from a
// descriptor. This is the explicit registry replacing runtime
// import-by-path: names map to factories, never to ambient module
// state.
type Factory func(ctx context.Context, desc *Descriptor) (Plugin, error)

// Loader hosts plugins for one protocol.
type Loader interface {
	// Protocol returns the protocol this loader serves.
	Protocol() Protocol

	// Load spawns or binds the plugin described by the manifest and
	// returns an uninitialized instance.
	Load(ctx context.Context, manifest *Manifest, desc *Descriptor) (Plugin, error)

	// Unload tears down whatever Load created. Called after Cleanup.
	Unload(ctx context.Context, plugin Plugin) error
}

// ============================================================================
// PLUGIN ERROR TYPES
// ============================================================================

// PluginError represents a plugin lifecycle or execution failure.
type PluginError struct {
	PluginName string
	Operation  string
	Message    string
	Err        error
}

func (e *PluginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[Plugin:%s] %s failed: %s: %v", e.PluginName, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[Plugin:%s] %s failed: %s", e.PluginName, e.Operation, e.Message)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// NewPluginError creates a new plugin error.
func NewPluginError(pluginName, operation, message string, err error) *PluginError {
	return &PluginError{
		PluginName: pluginName,
		Operation:  operation,
		Message:    message,
		Err:        err,
	}
}

// Common plugin errors
var (
	ErrPluginNotFound       = fmt.Errorf("plugin not found")
	ErrPluginNotInitialized = fmt.Errorf("plugin not initialized")
	ErrPluginDisabled       = fmt.Errorf("plugin disabled")
	ErrInvalidManifest      = fmt.Errorf("invalid plugin manifest")
	ErrIncompatibleVersion  = fmt.Errorf("incompatible plugin version")
	ErrUnsupportedProtocol  = fmt.Errorf("unsupported plugin protocol")
	ErrVersionAlreadyKnown  = fmt.Errorf("version already recorded")
)
