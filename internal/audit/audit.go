// Package audit keeps an append-only JSON-lines log of remediation
// workflow transitions.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const filePrefix = "audit-"

// Entry is one audited event.
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Event      string          `json:"event"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Log appends entries to daily files in a directory. Sequence numbers keep
// increasing across files and restarts.
type Log struct {
	mu       sync.Mutex
	dir      string
	day      string
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	now      func() time.Time
}

// Open creates or opens the audit log in dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	l := &Log{dir: dir, now: time.Now}

	seq, err := lastSequence(dir)
	if err != nil {
		return nil, fmt.Errorf("load audit sequence: %w", err)
	}
	l.sequence = seq
	return l, nil
}

// Close flushes and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *Log) closeFile() error {
	if l.file == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file, l.writer = nil, nil
	return err
}

// Append writes e with the next sequence number and the current time,
// syncing the file before returning.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if err := l.rotate(now); err != nil {
		return Entry{}, err
	}

	e.Sequence = l.sequence + 1
	e.Timestamp = now

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return Entry{}, fmt.Errorf("flush audit log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync audit log: %w", err)
	}

	l.sequence = e.Sequence
	return e, nil
}

// Sequence returns the last written sequence number.
func (l *Log) Sequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

func (l *Log) rotate(now time.Time) error {
	day := now.Format("20060102")
	if l.file != nil && l.day == day {
		return nil
	}
	if err := l.closeFile(); err != nil {
		return fmt.Errorf("close audit file: %w", err)
	}

	path := filepath.Join(l.dir, filePrefix+day+".jsonl")
	if err := trimTornTail(path); err != nil {
		return fmt.Errorf("repair audit file: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.day = day
	return nil
}

func files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func lastSequence(dir string) (int64, error) {
	all, err := files(dir)
	if err != nil {
		return 0, err
	}
	var last int64
	for i := len(all) - 1; i >= 0 && last == 0; i-- {
		err := readFile(all[i], func(e Entry) error {
			last = max(last, e.Sequence)
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return last, nil
}

func readFile(path string, fn func(Entry) error) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				return fmt.Errorf("decode %s: %w", filepath.Base(path), jerr)
			}
			if ferr := fn(e); ferr != nil {
				return ferr
			}
		}
		// A torn final line is skipped.
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// trimTornTail drops a final line left incomplete by a crash, so the next
// append starts on a line of its own.
func trimTornTail(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) || len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(data, '\n')+1))
}

// Replay calls fn for every entry written after since, oldest first.
func Replay(dir string, since time.Time, fn func(Entry) error) error {
	all, err := files(dir)
	if err != nil {
		return fmt.Errorf("list audit files: %w", err)
	}
	for _, path := range all {
		err := readFile(path, func(e Entry) error {
			if e.Timestamp.After(since) {
				return fn(e)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes audit files whose day is older than the retention period.
func Cleanup(dir string, retention time.Duration, now time.Time) (int, error) {
	all, err := files(dir)
	if err != nil {
		return 0, fmt.Errorf("list audit files: %w", err)
	}
	cutoff := now.UTC().Add(-retention)

	removed := 0
	for _, path := range all {
		name := filepath.Base(path)
		day, err := time.Parse("20060102", name[len(filePrefix):len(name)-len(".jsonl")])
		if err != nil || !day.AddDate(0, 0, 1).Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
