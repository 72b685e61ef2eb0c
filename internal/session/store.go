// Package session tracks short-code sessions that let a caller resume a
// conversation or follow up on a job.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/atomicfile"
	"github.com/msageha/switchboard/internal/model"
)

// Alphabet is the set session codes are drawn from.
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const (
	maxCodeAttempts = 100
	DefaultMaxAge   = 24 * time.Hour
	recordExt       = ".json"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrCodeInUse          = errors.New("session code already in use")
	ErrInvalidCode        = errors.New("invalid session code")
	ErrCodeSpaceExhausted = errors.New("session code space exhausted")
)

type Options struct {
	// MaxAge is the idle time after which a session expires.
	MaxAge         time.Duration
	ChatCodeLength int
	TaskCodeLength int
	Archive        Archive
	// Reserved reports tokens a code must not collide with, such as
	// registered command names.
	Reserved func(code string) bool
	Now      func() time.Time
}

type Store struct {
	dir      string
	mu       sync.Mutex
	maxAge   time.Duration
	lengths  map[model.SessionKind]int
	archive  Archive
	reserved func(string) bool
	now      func() time.Time
	logger   zerolog.Logger
}

// Open keeps one JSON file per active session under dir.
func Open(dir string, logger zerolog.Logger, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		maxAge:   opts.MaxAge,
		lengths:  map[model.SessionKind]int{model.SessionKindChat: 2, model.SessionKindTask: 3},
		archive:  opts.Archive,
		reserved: opts.Reserved,
		now:      opts.Now,
		logger:   logger,
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if opts.ChatCodeLength == 2 || opts.ChatCodeLength == 3 {
		s.lengths[model.SessionKindChat] = opts.ChatCodeLength
	}
	if opts.TaskCodeLength == 2 || opts.TaskCodeLength == 3 {
		s.lengths[model.SessionKindTask] = opts.TaskCodeLength
	}
	if s.archive == nil {
		s.archive = NopArchive{}
	}
	if s.reserved == nil {
		s.reserved = func(string) bool { return false }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// SetReserved replaces the reserved-token check. The registry is usually
// populated after the store is opened.
func (s *Store) SetReserved(fn func(string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func(string) bool { return false }
	}
	s.reserved = fn
}

func (s *Store) path(code string) string {
	return filepath.Join(s.dir, code+recordExt)
}

// ValidCode reports whether code is 2 or 3 characters from Alphabet with no
// character repeated.
func ValidCode(code string) bool {
	if len(code) < 2 || len(code) > 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Alphabet, rune(code[i])) {
			return false
		}
		if strings.IndexByte(code[i+1:], code[i]) >= 0 {
			return false
		}
	}
	return true
}

// NewCode draws n distinct characters from Alphabet.
func NewCode(n int) string {
	perm := rand.Perm(len(Alphabet))
	b := make([]byte, n)
	for i := range b {
		b[i] = Alphabet[perm[i]]
	}
	return string(b)
}

type CreateRequest struct {
	Kind           model.SessionKind
	Task           string
	ChannelID      string
	Source         model.Source
	ExternalTaskID string
	CallbackURL    string
	Metadata       map[string]any
	// Code, when set, is used instead of a generated one.
	Code string
	// CodeLength overrides the kind's configured length when it is 2 or 3.
	CodeLength int
}

// Create registers a new active session.
func (s *Store) Create(req CreateRequest) (*model.Session, error) {
	if req.Kind == "" {
		req.Kind = model.SessionKindChat
	}
	length, ok := s.lengths[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown session kind %q", req.Kind)
	}
	if req.CodeLength == 2 || req.CodeLength == 3 {
		length = req.CodeLength
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := strings.ToLower(strings.TrimSpace(req.Code))
	if code != "" {
		if !ValidCode(code) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCode, req.Code)
		}
		if s.reserved(code) || s.activeLocked(code) {
			return nil, fmt.Errorf("%w: %s", ErrCodeInUse, code)
		}
	} else {
		var err error
		if code, err = s.generateLocked(length); err != nil {
			return nil, err
		}
	}

	now := model.FormatTime(s.now())
	sess := &model.Session{
		Code:           code,
		Kind:           req.Kind,
		Status:         model.SessionActive,
		ChannelID:      req.ChannelID,
		Source:         req.Source,
		Task:           req.Task,
		ExternalTaskID: req.ExternalTaskID,
		CallbackURL:    req.CallbackURL,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := atomicfile.WriteJSON(s.path(code), sess); err != nil {
		return nil, fmt.Errorf("write session %s: %w", code, err)
	}
	s.logger.Info().Str("code", code).Str("kind", string(req.Kind)).Str("channel", req.ChannelID).Msg("session_create")
	return sess, nil
}

func (s *Store) generateLocked(length int) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := NewCode(length)
		if s.reserved(code) || s.activeLocked(code) {
			continue
		}
		return code, nil
	}
	s.logger.Error().Int("length", length).Int("attempts", maxCodeAttempts).Msg("session_code_exhausted")
	return "", fmt.Errorf("%w: no free %d-character code after %d attempts", ErrCodeSpaceExhausted, length, maxCodeAttempts)
}

func (s *Store) activeLocked(code string) bool {
	_, err := os.Stat(s.path(code))
	return err == nil
}

// Get returns the active session for code. Unknown, ended and idle-expired
// sessions all report ErrNotFound; an expired one is archived on the way.
func (s *Store) Get(code string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(code)
}

func (s *Store) getLocked(code string) (*model.Session, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if !ValidCode(code) {
		return nil, ErrNotFound
	}
	sess, err := s.readLocked(code)
	if err != nil {
		return nil, err
	}
	if s.expired(sess, s.maxAge) {
		s.retireLocked(sess, model.SessionExpired)
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Store) readLocked(code string) (*model.Session, error) {
	var sess model.Session
	err := atomicfile.ReadJSON(s.path(code), &sess)
	if err == nil {
		return &sess, nil
	}
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	var corrupt *atomicfile.CorruptError
	if errors.As(err, &corrupt) {
		s.logger.Error().Str("code", code).Err(err).Msg("session_record_corrupt")
		if dst, qerr := atomicfile.Quarantine(s.dir, s.path(code)); qerr == nil {
			s.logger.Warn().Str("moved_to", dst).Msg("session_quarantined")
		}
		return nil, ErrNotFound
	}
	return nil, err
}

func (s *Store) expired(sess *model.Session, maxAge time.Duration) bool {
	last, err := model.ParseTime(sess.LastActivity)
	if err != nil {
		return true
	}
	return s.now().Sub(last) > maxAge
}

// Touch refreshes last activity and merges the non-nil fields of patch.
func (s *Store) Touch(code string, patch model.SessionPatch) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(code)
	if err != nil {
		return nil, err
	}
	if patch.AgentSessionID != nil {
		sess.AgentSessionID = *patch.AgentSessionID
	}
	if patch.JobID != nil {
		sess.JobID = *patch.JobID
	}
	if patch.ExternalTaskID != nil {
		sess.ExternalTaskID = *patch.ExternalTaskID
	}
	if patch.CallbackURL != nil {
		sess.CallbackURL = *patch.CallbackURL
	}
	if patch.Task != nil {
		sess.Task = *patch.Task
	}
	if len(patch.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			sess.Metadata[k] = v
		}
	}
	sess.LastActivity = model.FormatTime(s.now())

	if err := atomicfile.WriteJSON(s.path(sess.Code), sess); err != nil {
		return nil, fmt.Errorf("write session %s: %w", sess.Code, err)
	}
	return sess, nil
}

// End archives the session and frees its code.
func (s *Store) End(code string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(code)
	if err != nil {
		return nil, err
	}
	s.retireLocked(sess, model.SessionEnded)
	s.logger.Info().Str("code", sess.Code).Msg("session_end")
	return sess, nil
}

// ExpireAll archives every session idle for longer than maxAge and returns
// how many were removed. maxAge <= 0 uses the store's configured age.
func (s *Store) ExpireAll(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codes, err := s.codesLocked()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, code := range codes {
		sess, err := s.readLocked(code)
		if err != nil {
			continue
		}
		if s.expired(sess, maxAge) {
			s.retireLocked(sess, model.SessionExpired)
			n++
		}
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Dur("max_age", maxAge).Msg("session_sweep")
	}
	return n, nil
}

// List returns the active sessions ordered by creation time.
func (s *Store) List() ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes, err := s.codesLocked()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(codes))
	for _, code := range codes {
		sess, err := s.readLocked(code)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// History returns recently archived sessions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]*model.Session, error) {
	return s.archive.Recent(ctx, limit)
}

func (s *Store) Close() error {
	return s.archive.Close()
}

func (s *Store) codesLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var codes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || atomicfile.IsTemp(name) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		codes = append(codes, strings.TrimSuffix(name, recordExt))
	}
	return codes, nil
}

// retireLocked archives sess and removes it from the active set. A failed
// archive write is logged; the code is freed regardless.
func (s *Store) retireLocked(sess *model.Session, status model.SessionStatus) {
	sess.Status = status
	sess.EndedAt = model.FormatTime(s.now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archive.Archive(ctx, sess); err != nil {
		s.logger.Error().Str("code", sess.Code).Err(err).Msg("session_archive_failed")
	}
	if err := os.Remove(s.path(sess.Code)); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Str("code", sess.Code).Err(err).Msg("session_remove_failed")
	}
}
