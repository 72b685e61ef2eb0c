package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/model"
)

// Archive receives sessions as they leave the active set.
type Archive interface {
	Archive(ctx context.Context, s *model.Session) error
	// Recent returns up to limit archived sessions, newest first.
	Recent(ctx context.Context, limit int) ([]*model.Session, error)
	Close() error
}

// OpenArchive selects an archive driver. Relative paths resolve against root.
func OpenArchive(cfg model.ArchiveConfig, root string, logger zerolog.Logger) (Archive, error) {
	path := cfg.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "jsonl", "file":
		if path == "" {
			path = filepath.Join(root, "archive", "sessions.jsonl")
		}
		return OpenJSONLArchive(path, int64(cfg.MaxSizeMB)*1024*1024)
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(root, "archive", "sessions.db")
		}
		return OpenSQLiteArchive(path, logger)
	case "none":
		return NopArchive{}, nil
	default:
		return nil, fmt.Errorf("unknown session archive driver: %s", driver)
	}
}

type NopArchive struct{}

func (NopArchive) Archive(context.Context, *model.Session) error { return nil }

func (NopArchive) Recent(context.Context, int) ([]*model.Session, error) { return nil, nil }

func (NopArchive) Close() error { return nil }
