package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/switchboard/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, archive Archive) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "active"), zerolog.Nop(), Options{
		MaxAge:  time.Hour,
		Archive: archive,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	return s, clock
}

func TestValidCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ab", true},
		{"a1z", true},
		{"aa", false},
		{"aba", false},
		{"a", false},
		{"abcd", false},
		{"AB", false},
		{"a-", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidCode(tt.code))
		})
	}
}

func TestCreate_CodeLengthByKind(t *testing.T) {
	s, _ := newTestStore(t, nil)

	chat, err := s.Create(CreateRequest{Kind: model.SessionKindChat, ChannelID: "c1"})
	require.NoError(t, err)
	assert.Len(t, chat.Code, 2)
	assert.Equal(t, model.SessionActive, chat.Status)
	assert.Equal(t, "2026-05-01T09:00:00.000000Z", chat.CreatedAt)
	assert.Equal(t, chat.CreatedAt, chat.LastActivity)

	task, err := s.Create(CreateRequest{Kind: model.SessionKindTask, Task: "review"})
	require.NoError(t, err)
	assert.Len(t, task.Code, 3)

	_, err = s.Create(CreateRequest{Kind: "bogus"})
	require.Error(t, err)
}

func TestCreate_ThousandCodesAreUnique(t *testing.T) {
	s, _ := newTestStore(t, NopArchive{})

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		sess, err := s.Create(CreateRequest{Kind: model.SessionKindChat})
		require.NoError(t, err)
		require.True(t, ValidCode(sess.Code), "code %q", sess.Code)
		require.False(t, seen[sess.Code], "duplicate code %q", sess.Code)
		seen[sess.Code] = true
	}

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1000)
}

func TestCreate_SkipsReservedTokens(t *testing.T) {
	s, _ := newTestStore(t, nil)
	s.SetReserved(func(code string) bool { return code[0] < 'n' })

	for i := 0; i < 20; i++ {
		sess, err := s.Create(CreateRequest{Kind: model.SessionKindChat})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sess.Code[0], byte('n'))
	}
}

func TestCreate_CodeSpaceExhausted(t *testing.T) {
	s, _ := newTestStore(t, nil)
	s.SetReserved(func(string) bool { return true })

	_, err := s.Create(CreateRequest{Kind: model.SessionKindChat})
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestCreate_ExplicitCode(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sess, err := s.Create(CreateRequest{Code: "Q7"})
	require.NoError(t, err)
	assert.Equal(t, "q7", sess.Code)

	_, err = s.Create(CreateRequest{Code: "q7"})
	assert.ErrorIs(t, err, ErrCodeInUse)

	_, err = s.Create(CreateRequest{Code: "qq"})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestGet_LazyExpiry(t *testing.T) {
	s, clock := newTestStore(t, nil)
	sess, err := s.Create(CreateRequest{Code: "ab"})
	require.NoError(t, err)

	got, err := s.Get("AB")
	require.NoError(t, err)
	assert.Equal(t, sess.Code, got.Code)

	clock.Advance(61 * time.Minute)
	_, err = s.Get("ab")
	assert.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(s.path("ab"))
	assert.True(t, os.IsNotExist(statErr))

	// The code is free again.
	_, err = s.Create(CreateRequest{Code: "ab"})
	assert.NoError(t, err)
}

func TestGet_UnknownAndMalformed(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Get("zz9")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouch_MergesPatch(t *testing.T) {
	s, clock := newTestStore(t, nil)
	sess, err := s.Create(CreateRequest{Code: "ab", Metadata: map[string]any{"a": "1"}})
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	agentID := "agent-session-1"
	jobID := "job_1714554000_0000abcd"
	touched, err := s.Touch(sess.Code, model.SessionPatch{
		AgentSessionID: &agentID,
		JobID:          &jobID,
		Metadata:       map[string]any{"b": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, agentID, touched.AgentSessionID)
	assert.Equal(t, jobID, touched.JobID)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, touched.Metadata)
	assert.Equal(t, "2026-05-01T09:50:00.000000Z", touched.LastActivity)

	// Touch resets the idle clock.
	clock.Advance(50 * time.Minute)
	got, err := s.Get(sess.Code)
	require.NoError(t, err)
	assert.Equal(t, agentID, got.AgentSessionID)
}

func TestEnd_ArchivesAndFreesCode(t *testing.T) {
	dir := t.TempDir()
	archive, err := OpenJSONLArchive(filepath.Join(dir, "sessions.jsonl"), 0)
	require.NoError(t, err)
	s, _ := newTestStore(t, archive)
	t.Cleanup(func() { s.Close() })

	_, err = s.Create(CreateRequest{Code: "ab", Task: "first"})
	require.NoError(t, err)

	ended, err := s.End("ab")
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, ended.Status)
	assert.NotEmpty(t, ended.EndedAt)

	_, err = s.Get("ab")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.End("ab")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ab", history[0].Code)
	assert.Equal(t, model.SessionEnded, history[0].Status)
}

func TestExpireAll(t *testing.T) {
	s, clock := newTestStore(t, nil)

	_, err := s.Create(CreateRequest{Code: "ab"})
	require.NoError(t, err)
	clock.Advance(45 * time.Minute)
	_, err = s.Create(CreateRequest{Code: "cd"})
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)

	n, err := s.ExpireAll(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cd", list[0].Code)

	n, err = s.ExpireAll(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestList_SkipsCorruptRecords(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Create(CreateRequest{Code: "ab"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path("cd"), []byte("{not json"), 0644))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ab", list[0].Code)

	entries, err := os.ReadDir(filepath.Join(s.dir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArchiveDrivers(t *testing.T) {
	for _, driver := range []string{"jsonl", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			root := t.TempDir()
			archive, err := OpenArchive(model.ArchiveConfig{Driver: driver}, root, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { archive.Close() })

			ctx := context.Background()
			for _, code := range []string{"ab", "cd", "ef"} {
				require.NoError(t, archive.Archive(ctx, &model.Session{
					Code:         code,
					Kind:         model.SessionKindChat,
					Status:       model.SessionEnded,
					CreatedAt:    "2026-05-01T09:00:00.000000Z",
					LastActivity: "2026-05-01T09:00:00.000000Z",
				}))
			}

			recent, err := archive.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "ef", recent[0].Code)
			assert.Equal(t, "cd", recent[1].Code)
		})
	}
}

func TestOpenArchive_UnknownDriver(t *testing.T) {
	_, err := OpenArchive(model.ArchiveConfig{Driver: "redis"}, t.TempDir(), zerolog.Nop())
	require.Error(t, err)

	a, err := OpenArchive(model.ArchiveConfig{Driver: "none"}, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, a.Archive(context.Background(), &model.Session{}))
}

func TestJSONLArchive_Rotates(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenJSONLArchive(filepath.Join(dir, "sessions.jsonl"), 200)
	require.NoError(t, err)
	defer a.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Archive(context.Background(), &model.Session{
			Code: "ab", Kind: model.SessionKindTask, Status: model.SessionExpired,
			CreatedAt: "2026-05-01T09:00:00.000000Z", LastActivity: "2026-05-01T09:00:00.000000Z",
		}))
	}
	entries, err := os.ReadDir(filepath.Join(dir, "rotated"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestArchiveFailureStillFreesCode(t *testing.T) {
	s, _ := newTestStore(t, failingArchive{})
	_, err := s.Create(CreateRequest{Code: "ab"})
	require.NoError(t, err)

	_, err = s.End("ab")
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Code: "ab"})
	assert.NoError(t, err)
}

type failingArchive struct{ NopArchive }

func (failingArchive) Archive(context.Context, *model.Session) error {
	return errors.New("disk full")
}
