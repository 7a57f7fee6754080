package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decode parses a YAML schema document. Unknown keys are rejected so typos in
// a definition fail loudly instead of silently falling back to defaults.
func Decode(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode schema document: %w", err)
	}
	return &def, nil
}

// LoadFile reads a YAML schema document from path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	def, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir registers every *.yaml / *.yml document found in dir, in lexical
// order. A document without a dataset id is registered under its file name.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read schema directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, e.Name())
	}
	slices.Sort(files)

	for _, name := range files {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		id := def.Dataset
		if id == "" {
			id = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := r.Register(strings.ToLower(id), def); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	r.log.Info("schema: loaded definitions", "dir", dir, "count", len(files))
	return nil
}
