package site

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadCDNPaths reads a list written by SaveCDNPaths.
func LoadCDNPaths(path string) ([]CDNPath, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []CDNPath
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// SaveCDNPaths overwrites path with paths. The file is replaced atomically,
// so a crash leaves either the old or the new list.
func SaveCDNPaths(path string, paths []CDNPath) error {
	if paths == nil {
		paths = []CDNPath{}
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
