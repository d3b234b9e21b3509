package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// ManifestSuffix is the filename suffix marking a plugin definition.
// The filename stem is the plugin name: "weather.plugin.yaml" defines
// the plugin "weather".
const ManifestSuffix = ".plugin.yaml"

// DiscoveredPlugin is one plugin definition found on disk.
type DiscoveredPlugin struct {
	Name         string
	ManifestPath string
	Manifest     *Manifest
}

// DiscoverPlugins enumerates plugin definitions in a directory. Each
// file is treated independently: a malformed definition is logged and
// skipped, never aborting the rest of the scan. Non-plugin files are
// ignored.
func DiscoverPlugins(dir string) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory '%s': %w", dir, err)
	}

	var discovered []*DiscoveredPlugin
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ManifestSuffix) {
			continue
		}

		manifestPath := filepath.Join(dir, entry.Name())
		plugin, err := loadManifest(manifestPath)
		if err != nil {
			slog.Warn("Skipping plugin definition", "path", manifestPath, "error", err)
			continue
		}

		discovered = append(discovered, plugin)
	}

	return discovered, nil
}

// PluginNameFromPath derives the plugin name from a file path: the
// manifest suffix is stripped if present, otherwise any extension.
// "plugins/weather.plugin.yaml" and "plugins/weather" both map to
// "weather".
func PluginNameFromPath(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ManifestSuffix) {
		return strings.TrimSuffix(base, ManifestSuffix)
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func loadManifest(manifestPath string) (*DiscoveredPlugin, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifestWrapper struct {
		Plugin Manifest `yaml:"plugin"`
	}
	if err := yaml.Unmarshal(data, &manifestWrapper); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	manifest := &manifestWrapper.Plugin
	name := PluginNameFromPath(manifestPath)
	if manifest.Name == "" {
		manifest.Name = name
	}

	if err := validateManifest(manifest, name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	// Resolve relative exec paths against the manifest's directory.
	if manifest.Path != "" && !filepath.IsAbs(manifest.Path) {
		manifest.Path = filepath.Join(filepath.Dir(manifestPath), manifest.Path)
	}

	return &DiscoveredPlugin{
		Name:         name,
		ManifestPath: manifestPath,
		Manifest:     manifest,
	}, nil
}

func validateManifest(manifest *Manifest, expectedName string) error {
	if manifest.Name != expectedName {
		return fmt.Errorf("manifest name '%s' does not match filename stem '%s'", manifest.Name, expectedName)
	}
	if manifest.Version == "" {
		return fmt.Errorf("manifest missing 'version' field")
	}

	switch manifest.Protocol {
	case "", ProtocolBuiltin:
		manifest.Protocol = ProtocolBuiltin
	case ProtocolRPC:
		if manifest.Path == "" {
			return fmt.Errorf("rpc plugin missing 'path' field")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, manifest.Protocol)
	}

	return nil
}
