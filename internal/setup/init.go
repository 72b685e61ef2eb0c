// Package setup creates a switchboard workspace.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/switchboard/internal/atomicfile"
	"github.com/msageha/switchboard/internal/config"
	"github.com/msageha/switchboard/templates"
)

// Dirs are created under the workspace root.
var Dirs = []string{
	"queue/active",
	"queue/completed",
	"queue/failed",
	"sessions/active",
	"commands",
	"logs",
	"outbox",
}

// Run initializes dir as a workspace: the directory layout, a default
// switchboard.yaml, starter command definitions and an .env.example.
// agentID overrides the default agent id when not empty. An existing
// switchboard.yaml is never overwritten.
func Run(dir, agentID string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve workspace dir: %w", err)
	}
	cfgPath := filepath.Join(absDir, config.DefaultFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplates(absDir); err != nil {
		return err
	}

	cfg := config.Default()
	if agentID != "" {
		cfg.AgentID = agentID
	}
	if err := atomicfile.WriteYAML(cfgPath, cfg); err != nil {
		return fmt.Errorf("write %s: %w", config.DefaultFile, err)
	}
	return nil
}

// copyTemplates writes every embedded file that does not exist yet.
func copyTemplates(root string) error {
	return fs.WalkDir(templates.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(root, path), 0755)
		}
		dst := filepath.Join(root, filepath.FromSlash(path))
		if path == "env.example" {
			dst = filepath.Join(root, ".env.example")
		}
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		data, err := fs.ReadFile(templates.FS, path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		return nil
	})
}
