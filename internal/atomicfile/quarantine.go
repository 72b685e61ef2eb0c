package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an unreadable record into <root>/quarantine so that scans
// stop tripping over it. Returns the new path.
func Quarantine(root, filePath string) (string, error) {
	dir := filepath.Join(root, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().UTC().Format("20060102T150405"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}
