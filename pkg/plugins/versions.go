package plugins

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/go-semver/semver"
)

// VersionRecord captures one released version of a plugin. Records
// are immutable once stored: re-recording the same version is an
// error.
type VersionRecord struct {
	Version          semver.Version
	Author           string
	Dependencies     map[string]string
	RequiredPackages []string
	Changelog        string
}

// VersionIndex tracks known version records per plugin and answers
// upgrade-path and compatibility questions.
type VersionIndex struct {
	mu      sync.RWMutex
	records map[string]map[string]VersionRecord // plugin name -> version string -> record
}

// NewVersionIndex creates an empty index.
func NewVersionIndex() *VersionIndex {
	return &VersionIndex{
		records: make(map[string]map[string]VersionRecord),
	}
}

// Record stores a version record. Manifest dependency maps and
// package lists are copied so later manifest edits cannot alter a
// stored record.
func (idx *VersionIndex) Record(pluginName string, manifest *Manifest) error {
	version, err := semver.NewVersion(manifest.Version)
	if err != nil {
		return NewPluginError(pluginName, "RecordVersion", fmt.Sprintf("invalid version '%s'", manifest.Version), err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	byVersion, ok := idx.records[pluginName]
	if !ok {
		byVersion = make(map[string]VersionRecord)
		idx.records[pluginName] = byVersion
	}

	if _, exists := byVersion[version.String()]; exists {
		return NewPluginError(pluginName, "RecordVersion", version.String(), ErrVersionAlreadyKnown)
	}

	deps := make(map[string]string, len(manifest.Dependencies))
	for k, v := range manifest.Dependencies {
		deps[k] = v
	}

	byVersion[version.String()] = VersionRecord{
		Version:          *version,
		Author:           manifest.Author,
		Dependencies:     deps,
		RequiredPackages: append([]string(nil), manifest.RequiredPackages...),
		Changelog:        manifest.Changelog,
	}
	return nil
}

// Latest returns the highest recorded version for a plugin.
func (idx *VersionIndex) Latest(pluginName string) (VersionRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var latest VersionRecord
	found := false
	for _, rec := range idx.records[pluginName] {
		if !found || latest.Version.LessThan(rec.Version) {
			latest = rec
			found = true
		}
	}
	return latest, found
}

// Versions returns all recorded versions for a plugin in ascending
// order.
func (idx *VersionIndex) Versions(pluginName string) []VersionRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]VersionRecord, 0, len(idx.records[pluginName]))
	for _, rec := range idx.records[pluginName] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version.LessThan(out[j].Version)
	})
	return out
}

// UpgradePath returns the ordered versions to step through when
// moving from one version to another (exclusive of from, inclusive
// of to).
func (idx *VersionIndex) UpgradePath(pluginName, from, to string) ([]VersionRecord, error) {
	fromV, err := semver.NewVersion(from)
	if err != nil {
		return nil, NewPluginError(pluginName, "UpgradePath", fmt.Sprintf("invalid version '%s'", from), err)
	}
	toV, err := semver.NewVersion(to)
	if err != nil {
		return nil, NewPluginError(pluginName, "UpgradePath", fmt.Sprintf("invalid version '%s'", to), err)
	}
	if !fromV.LessThan(*toV) {
		return nil, NewPluginError(pluginName, "UpgradePath",
			fmt.Sprintf("'%s' is not an upgrade from '%s'", to, from), nil)
	}

	var path []VersionRecord
	for _, rec := range idx.Versions(pluginName) {
		if fromV.LessThan(rec.Version) && !toV.LessThan(rec.Version) {
			path = append(path, rec)
		}
	}

	if len(path) == 0 || path[len(path)-1].Version.Compare(*toV) != 0 {
		return nil, NewPluginError(pluginName, "UpgradePath",
			fmt.Sprintf("version '%s' is not recorded", to), ErrPluginNotFound)
	}

	return path, nil
}

// CheckCompatibility verifies a plugin's dependency constraints
// against the versions of the other plugins in the index. Returns one
// diagnostic per violated constraint; an empty slice means
// compatible.
func (idx *VersionIndex) CheckCompatibility(pluginName, version string) ([]string, error) {
	idx.mu.RLock()
	rec, ok := idx.records[pluginName][version]
	idx.mu.RUnlock()
	if !ok {
		return nil, NewPluginError(pluginName, "CheckCompatibility",
			fmt.Sprintf("version '%s' is not recorded", version), ErrPluginNotFound)
	}

	var diagnostics []string
	for depName, constraint := range rec.Dependencies {
		dep, found := idx.Latest(depName)
		if !found {
			diagnostics = append(diagnostics,
				fmt.Sprintf("dependency '%s' (%s) is not available", depName, constraint))
			continue
		}

		ok, err := constraintSatisfied(dep.Version, constraint)
		if err != nil {
			return nil, NewPluginError(pluginName, "CheckCompatibility",
				fmt.Sprintf("bad constraint '%s' on '%s'", constraint, depName), err)
		}
		if !ok {
			diagnostics = append(diagnostics,
				fmt.Sprintf("dependency '%s' version %s does not satisfy '%s'",
					depName, dep.Version.String(), constraint))
		}
	}

	return diagnostics, nil
}

// constraintSatisfied evaluates a single version constraint. The
// supported forms are ">=V", ">V", "<=V", "<V", "=V", and a bare "V"
// meaning exact match.
func constraintSatisfied(have semver.Version, constraint string) (bool, error) {
	op := "="
	rest := strings.TrimSpace(constraint)
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(rest, candidate) {
			op = candidate
			rest = strings.TrimSpace(strings.TrimPrefix(rest, candidate))
			break
		}
	}

	want, err := semver.NewVersion(rest)
	if err != nil {
		return false, err
	}

	cmp := have.Compare(*want)
	switch op {
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	default:
		return cmp == 0, nil
	}
}
