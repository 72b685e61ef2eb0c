package events

import (
	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/jsonl"
)

// Journal records every bus event to an append-only JSONL file.
type Journal struct {
	w      *jsonl.Writer
	unsub  func()
	logger zerolog.Logger
}

// OpenJournal subscribes to all events on bus and appends them to path.
func OpenJournal(bus *Bus, path string, maxSize int64, logger zerolog.Logger) (*Journal, error) {
	w, err := jsonl.Open(path, maxSize)
	if err != nil {
		return nil, err
	}
	j := &Journal{w: w, logger: logger}
	j.unsub = bus.Subscribe(All, j.record)
	return j, nil
}

func (j *Journal) record(e Event) {
	if err := j.w.Append(e); err != nil {
		j.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("journal_write_failed")
	}
}

func (j *Journal) Path() string { return j.w.Path() }

func (j *Journal) Close() error {
	j.unsub()
	return j.w.Close()
}
