// Package status reports whether a daemon owns a workspace and how much work
// is queued, without taking the lock.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/lock"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
)

type Report struct {
	Root     string       `json:"root"`
	Daemon   DaemonStatus `json:"daemon"`
	Queue    queue.Counts `json:"queue"`
	Sessions int          `json:"sessions"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
	// Stale is set when the lock file names a process that is gone.
	Stale bool `json:"stale,omitempty"`
}

// Collect reads the lock file and the queue and session directories.
// A workspace that was never initialized reports zero counts.
func Collect(cfg model.Config, lockPath string) (Report, error) {
	r := Report{Root: cfg.Root, Daemon: checkDaemon(lockPath)}

	if _, err := os.Stat(cfg.Queue.Dir); err == nil {
		q, err := queue.Open(cfg.Queue.Dir, zerolog.Nop())
		if err != nil {
			return r, err
		}
		if r.Queue, err = q.Counts(); err != nil {
			return r, fmt.Errorf("count queue: %w", err)
		}
	}
	r.Sessions = countSessions(filepath.Join(cfg.Session.Dir, "active"))
	return r, nil
}

func checkDaemon(lockPath string) DaemonStatus {
	pid, err := lock.ReadPID(lockPath)
	if err != nil || pid <= 0 {
		return DaemonStatus{}
	}
	if !lock.ProcessAlive(pid) {
		return DaemonStatus{PID: pid, Stale: true}
	}
	return DaemonStatus{Running: true, PID: pid}
}

func countSessions(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

// Write prints r as indented JSON or as a short table.
func Write(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	switch {
	case r.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)
	case r.Daemon.Stale:
		fmt.Fprintf(w, "Daemon: stopped (stale lock from pid %d)\n", r.Daemon.PID)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}
	fmt.Fprintln(w, "\nQueue:")
	fmt.Fprintf(w, "  %-10s %d\n", "pending", r.Queue.Pending)
	fmt.Fprintf(w, "  %-10s %d\n", "active", r.Queue.Active)
	fmt.Fprintf(w, "  %-10s %d\n", "completed", r.Queue.Completed)
	fmt.Fprintf(w, "  %-10s %d\n", "failed", r.Queue.Failed)
	_, err := fmt.Fprintf(w, "\nSessions: %d\n", r.Sessions)
	return err
}
