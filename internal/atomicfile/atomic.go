// Package atomicfile provides crash-safe record files: write-temp, fsync, rename.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// TempPrefix marks in-flight writes. Directory scans must skip these names.
const TempPrefix = ".sb-tmp-"

// IsTemp reports whether name is an in-flight write or other dotfile.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".")
}

func WriteJSON(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return WriteRaw(path, append(content, '\n'))
}

func WriteYAML(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteRaw(path, content)
}

// WriteRaw replaces path with content. Readers see either the old or the new
// file, never a partial one.
func WriteRaw(path string, content []byte) error {
	tmpName, err := writeTemp(filepath.Dir(path), content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Move rewrites the record at src with content and then renames it to dst.
// Exactly one of src and dst exists at every instant. Both paths must be on
// the same filesystem.
func Move(src, dst string, content []byte) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := WriteRaw(src, content); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s → %s: %w", filepath.Base(src), filepath.Dir(dst), err)
	}
	return nil
}

// MoveJSON is Move with v marshalled the same way as WriteJSON.
func MoveJSON(src, dst string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return Move(src, dst, append(content, '\n'))
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// CorruptError marks a record that exists but cannot be decoded.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func writeTemp(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpName, nil
}
