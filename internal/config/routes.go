package config

import (
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RouteManifest declares how the gateway classifies intercepted requests. The
// precache list doubles as the static-asset class and as the set of paths
// populated into a fresh cache generation at install time.
type RouteManifest struct {
	Version     string      `koanf:"version"`
	Precache    []string    `koanf:"precache"`
	APIPatterns []string    `koanf:"apiPatterns"`
	Rules       []RouteRule `koanf:"rules"`
}

// RouteRule attaches a CEL condition to a request class so deployments can
// steer individual routes without rebuilding the manifest lists.
type RouteRule struct {
	Name  string `koanf:"name"`
	Class string `koanf:"class"`
	When  string `koanf:"when"`
}

// LoadRouteManifest reads a manifest document, selecting the parser from the
// file extension. YAML, JSON, and TOML documents are accepted.
func LoadRouteManifest(path string) (RouteManifest, error) {
	if strings.TrimSpace(path) == "" {
		return RouteManifest{}, fmt.Errorf("config: route manifest path required")
	}

	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = ktoml.Parser()
	default:
		return RouteManifest{}, fmt.Errorf("config: unsupported route manifest extension %q", ext)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return RouteManifest{}, fmt.Errorf("config: load route manifest %s: %w", path, err)
	}

	var manifest RouteManifest
	if err := k.Unmarshal("", &manifest); err != nil {
		return RouteManifest{}, fmt.Errorf("config: unmarshal route manifest %s: %w", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return RouteManifest{}, err
	}
	return manifest, nil
}

// Validate enforces the manifest invariants before a generation is built from it.
func (m RouteManifest) Validate() error {
	for i, path := range m.Precache {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("config: precache entry %d (%q) must be an absolute path", i, path)
		}
	}
	for i, pattern := range m.APIPatterns {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("config: apiPatterns entry %d is empty", i)
		}
	}
	seen := make(map[string]struct{}, len(m.Rules))
	for i, rule := range m.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("config: route rule %d requires a name", i)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("config: duplicate route rule %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}
		switch strings.ToLower(rule.Class) {
		case "static", "api", "generic":
		default:
			return fmt.Errorf("config: route rule %q has unknown class %q", rule.Name, rule.Class)
		}
		if strings.TrimSpace(rule.When) == "" {
			return fmt.Errorf("config: route rule %q requires a when expression", rule.Name)
		}
	}
	return nil
}
