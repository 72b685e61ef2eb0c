package session

import (
	"context"
	"encoding/json"

	"github.com/msageha/switchboard/internal/jsonl"
	"github.com/msageha/switchboard/internal/model"
)

// JSONLArchive appends one session per line.
type JSONLArchive struct {
	w *jsonl.Writer
}

func OpenJSONLArchive(path string, maxSize int64) (*JSONLArchive, error) {
	w, err := jsonl.Open(path, maxSize)
	if err != nil {
		return nil, err
	}
	return &JSONLArchive{w: w}, nil
}

func (a *JSONLArchive) Archive(_ context.Context, s *model.Session) error {
	return a.w.Append(s)
}

// Recent reads the live file only; rotated files are not consulted.
func (a *JSONLArchive) Recent(_ context.Context, limit int) ([]*model.Session, error) {
	var all []*model.Session
	err := a.w.Each(func(raw json.RawMessage) error {
		var s model.Session
		if json.Unmarshal(raw, &s) == nil {
			all = append(all, &s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.Session, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (a *JSONLArchive) Close() error {
	return a.w.Close()
}
