package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// defaultPackYAML is the expression-atlas pack shipped with the binary so the
// pipeline works without any pack directory configured.
//
//go:embed packs/expression-atlas.yaml
var defaultPackYAML []byte

// ParsePack parses and validates a single pack document.
func ParsePack(data []byte) (*Pack, error) {
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &pack, nil
}

// LoadFile loads one pack from a YAML file.
func LoadFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack file: %w", err)
	}
	pack, err := ParsePack(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pack, nil
}

// LoadDir loads every pack matching the glob pattern under dir. The default
// pattern "*.yaml" picks up flat pack files; patterns like "**/*.yaml" load
// nested layouts. Pack names must be unique across the directory.
func LoadDir(dir, pattern string) (map[string]*Pack, error) {
	if pattern == "" {
		pattern = "*.yaml"
	}

	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob packs: %w", err)
	}
	sort.Strings(matches)

	packs := make(map[string]*Pack, len(matches))
	for _, m := range matches {
		pack, err := LoadFile(filepath.Join(dir, m))
		if err != nil {
			return nil, err
		}
		if _, dup := packs[pack.Name]; dup {
			return nil, fmt.Errorf("duplicate pack name %q", pack.Name)
		}
		packs[pack.Name] = pack
	}
	return packs, nil
}

// DefaultPack returns the embedded expression-atlas pack. The embedded
// document is validated in tests, so a parse failure here is a build defect.
func DefaultPack() (*Pack, error) {
	return ParsePack(defaultPackYAML)
}
