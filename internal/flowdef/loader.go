package flowdef

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads flow definition YAML files from a directory. Each file holds
// one definition; files are matched by the .yaml/.yml extension.
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given definitions directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load parses every definition file, validates graph integrity, and builds a
// registry with the given main-menu designation. A single invalid definition
// fails the whole load; no partially valid registry is ever activated.
func (l *Loader) Load(mainFlow, mainMenuStep string) (*Registry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		slog.Error("Loader.Load: failed to read definitions directory", "dir", l.dir, "error", err)
		return nil, fmt.Errorf("failed to read flow definitions directory: %w", err)
	}

	var defs []*FlowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		def, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
		slog.Debug("Loader.Load: parsed flow definition", "file", entry.Name(), "flow", def.Name, "version", def.Version, "steps", len(def.Steps))
	}

	if len(defs) == 0 {
		slog.Error("Loader.Load: no flow definitions found", "dir", l.dir)
		return nil, fmt.Errorf("no flow definitions found in %s", l.dir)
	}

	registry, err := NewRegistry(defs, mainFlow, mainMenuStep)
	if err != nil {
		slog.Error("Loader.Load: registry build failed", "error", err)
		return nil, err
	}
	slog.Info("Loader.Load: flow definitions loaded", "count", len(defs), "dir", l.dir)
	return registry, nil
}

func (l *Loader) loadFile(path string) (*FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition %s: %w", path, err)
	}
	var def FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition %s: %w", path, err)
	}
	return &def, nil
}

// ParseDefinition decodes a single YAML document. Exposed for tests and for
// admin tooling that validates a definition before it is written to disk.
func ParseDefinition(data []byte) (*FlowDefinition, error) {
	var def FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	def.index()
	return &def, nil
}
