package session

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/msageha/switchboard/internal/model"
)

//go:embed migrations.sql
var migrations string

// SQLiteArchive stores archived sessions in an embedded SQLite database.
type SQLiteArchive struct {
	db     *sql.DB
	logger zerolog.Logger
}

func OpenSQLiteArchive(path string, logger zerolog.Logger) (*SQLiteArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite archive: %w", err)
	}
	return &SQLiteArchive{db: db, logger: logger}, nil
}

func (a *SQLiteArchive) Archive(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO sessions_archive(code, kind, status, channel_id, job_id, external_task_id, created_at, last_activity, ended_at, data)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		s.Code, string(s.Kind), string(s.Status), s.ChannelID, s.JobID, s.ExternalTaskID,
		s.CreatedAt, s.LastActivity, s.EndedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert archived session %s: %w", s.Code, err)
	}
	return nil
}

func (a *SQLiteArchive) Recent(ctx context.Context, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx, `SELECT data FROM sessions_archive ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var s model.Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			a.logger.Warn().Err(err).Msg("archive_row_corrupt")
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (a *SQLiteArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
