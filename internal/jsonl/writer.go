// Package jsonl appends JSON records to a line-delimited file and rotates it
// into an archive directory once it grows past a size limit.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxSize = 64 * 1024 * 1024
	Extension      = ".jsonl"
	// RotatedDir is created next to the live file.
	RotatedDir = "rotated"
)

// Writer is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
	rotated int
	now     func() time.Time
}

func Open(path string, maxSize int64) (*Writer, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &Writer{path: path, maxSize: maxSize, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", w.path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *Writer) Path() string { return w.path }

// Append writes v as one line and syncs it to disk.
func (w *Writer) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("%s: writer closed", w.path)
	}
	if w.size > 0 && w.size+int64(len(line)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("rotate %s: %w", w.path, err)
		}
	}
	n, err := w.file.Write(line)
	if err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	w.size += int64(n)
	return nil
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	dir := filepath.Join(filepath.Dir(w.path), RotatedDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	w.rotated++
	base := strings.TrimSuffix(filepath.Base(w.path), Extension)
	name := fmt.Sprintf("%s.%s.%d%s", base, w.now().UTC().Format("20060102_150405"), w.rotated, Extension)
	if err := os.Rename(w.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return w.open()
}

// Each calls fn for every well-formed line of the live file, oldest first.
// Rotated files are not read.
func (w *Writer) Each(fn func(raw json.RawMessage) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ReadFile(w.path, fn)
}

// ReadFile calls fn for each well-formed line of path. A missing file has no
// lines.
func ReadFile(path string, fn func(raw json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !json.Valid(line) {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		if err := fn(raw); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
