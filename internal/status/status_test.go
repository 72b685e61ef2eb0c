package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/config"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
)

func workspace(t *testing.T) model.Config {
	t.Helper()
	cfg := config.Default()
	config.Resolve(&cfg, t.TempDir())
	return cfg
}

func TestCollect_Uninitialized(t *testing.T) {
	cfg := workspace(t)

	r, err := Collect(cfg, filepath.Join(cfg.Root, "switchboard.lock"))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if r.Daemon.Running || r.Daemon.PID != 0 {
		t.Errorf("daemon: got %+v, want stopped", r.Daemon)
	}
	if r.Queue != (queue.Counts{}) || r.Sessions != 0 {
		t.Errorf("expected empty report, got %+v", r)
	}
	if _, err := os.Stat(cfg.Queue.Dir); !os.IsNotExist(err) {
		t.Errorf("status created %s", cfg.Queue.Dir)
	}
}

func TestCollect_CountsAndLiveDaemon(t *testing.T) {
	cfg := workspace(t)
	q, err := queue.Open(cfg.Queue.Dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(&model.Job{Task: task}); err != nil {
			t.Fatal(err)
		}
	}
	next, err := q.NextJob()
	if err != nil || next == nil {
		t.Fatalf("NextJob: %v", err)
	}
	if _, err := q.MarkActive(next.ID); err != nil {
		t.Fatal(err)
	}

	sessDir := filepath.Join(cfg.Session.Dir, "active")
	if err := os.MkdirAll(sessDir, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(sessDir, "k7.json"), []byte(`{"code":"k7"}`), 0644)
	os.WriteFile(filepath.Join(sessDir, ".sb-tmp-1"), nil, 0644)

	lockPath := filepath.Join(cfg.Root, "switchboard.lock")
	os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600)

	r, err := Collect(cfg, lockPath)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !r.Daemon.Running || r.Daemon.PID != os.Getpid() {
		t.Errorf("daemon: got %+v", r.Daemon)
	}
	if r.Queue.Pending != 2 || r.Queue.Active != 1 {
		t.Errorf("queue: got %+v, want 2 pending 1 active", r.Queue)
	}
	if r.Sessions != 1 {
		t.Errorf("sessions: got %d, want 1", r.Sessions)
	}
}

func TestCollect_StaleLock(t *testing.T) {
	cfg := workspace(t)
	lockPath := filepath.Join(cfg.Root, "switchboard.lock")
	os.WriteFile(lockPath, []byte("99999999\n"), 0600)

	r, err := Collect(cfg, lockPath)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if r.Daemon.Running || !r.Daemon.Stale || r.Daemon.PID != 99999999 {
		t.Errorf("daemon: got %+v, want stale", r.Daemon)
	}
}

func TestWrite(t *testing.T) {
	r := Report{
		Daemon:   DaemonStatus{Running: true, PID: 42},
		Queue:    queue.Counts{Pending: 3, Failed: 1},
		Sessions: 2,
	}

	var text bytes.Buffer
	if err := Write(&text, r, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"running (pid 42)", "pending    3", "failed     1", "Sessions: 2"} {
		if !bytes.Contains(text.Bytes(), []byte(want)) {
			t.Errorf("output missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := Write(&js, r, true); err != nil {
		t.Fatal(err)
	}
	var back Report
	if err := json.Unmarshal(js.Bytes(), &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Queue.Pending != 3 || back.Daemon.PID != 42 {
		t.Errorf("json report: got %+v", back)
	}
}
