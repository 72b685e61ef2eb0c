// Package lock provides the single-owner lock file and per-key in-process mutexes.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// KeyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them, so unbounded key spaces (job ids) do not leak.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("lock: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// HeldError reports that another live process owns the lock.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock %s held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("lock %s held by another process", e.Path)
}

// FileLock is an advisory lock file holding the owner's PID.
type FileLock struct {
	path string
	file *os.File

	// Reclaimed is the PID of a dead previous owner whose lock was taken over.
	Reclaimed int
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

// TryLock takes the lock without blocking. A lock file left by a process that
// is no longer alive is reclaimed.
func (fl *FileLock) TryLock() error {
	prev, _ := ReadPID(fl.path)

	err := fl.acquire()
	var held *HeldError
	if errors.As(err, &held) && held.PID > 0 && !ProcessAlive(held.PID) {
		// The holder is gone but the file is still locked, e.g. inherited by
		// an orphaned child. Unlink and lock a fresh inode.
		if rmErr := os.Remove(fl.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale lock: %w", rmErr)
		}
		prev = held.PID
		err = fl.acquire()
	}
	if err != nil {
		return err
	}
	if prev > 0 && prev != os.Getpid() && !ProcessAlive(prev) {
		fl.Reclaimed = prev
	}
	return nil
}

func (fl *FileLock) acquire() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			pid, _ := ReadPID(fl.path)
			return &HeldError{Path: fl.path, PID: pid}
		}
		return fmt.Errorf("flock %s: %w", fl.path, err)
	}

	fail := func(step string, err error) error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fail("write pid to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()

	// Remove while still holding the flock so a waiter never sees our PID
	// in a file it just locked.
	_ = os.Remove(fl.path)
	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// ReadPID returns the PID recorded in a lock file, or 0 when absent or empty.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse pid in %s: %w", path, err)
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a running process. EPERM means it
// exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
