package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadRegistry reads a registry snapshot from path, returning a fresh empty
// registry if the file does not yet exist.
func LoadRegistry(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("governance: read registry: %w", err)
	}
	var r Registry
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("governance: unmarshal registry: %w", err)
	}
	if r.Agents == nil {
		r.Agents = map[string]*AgentState{}
	}
	if r.History == nil {
		r.History = map[string][]float64{}
	}
	return &r, nil
}

// Save atomically writes the registry snapshot to path (temp file + fsync
// + rename), the same durability pattern the projection Materializer uses
// for its view file.
func (r *Registry) Save(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("governance: marshal registry: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("governance: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("governance: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("governance: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("governance: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("governance: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("governance: rename: %w", err)
	}
	return nil
}
