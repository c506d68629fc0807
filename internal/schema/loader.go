package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// typeTable is the on-disk layout of a type descriptor file.
type typeTable struct {
	Types []Descriptor `yaml:"types"`
}

// ParseTypes decodes a YAML type table.
func ParseTypes(data []byte) ([]Descriptor, error) {
	var table typeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing type table: %w", err)
	}
	return table.Types, nil
}

// LoadFile registers every type declared in a YAML file as one batch.
//
// Parameters:
//   - path: Path to a YAML file with a top-level "types" list
//
// Returns:
//   - []*Type: The registered types in file order
//   - error: If the file cannot be read or parsed, or a descriptor is invalid
func (r *Registry) LoadFile(path string) ([]*Type, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading type file: %w", err)
	}
	descs, err := ParseTypes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	types, err := r.RegisterTypes(descs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Info("type file loaded", "path", path, "types", len(types))
	return types, nil
}

// LoadDir registers the types of every *.yaml and *.yml file in dir.
// All files form a single batch so types may reference each other across
// files. A missing directory is not an error.
func (r *Registry) LoadDir(dir string) ([]*Type, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("type directory not found", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("reading type directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isTypeFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	var descs []Descriptor
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading type file: %w", err)
		}
		d, err := ParseTypes(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		descs = append(descs, d...)
	}
	if len(descs) == 0 {
		return nil, nil
	}

	types, err := r.RegisterTypes(descs...)
	if err != nil {
		return nil, err
	}
	r.logger.Info("type directory loaded", "dir", dir, "files", len(files), "types", len(types))
	return types, nil
}

func isTypeFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
