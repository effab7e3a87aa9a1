// Package audit implements the append-only audit trail: one JSON entry per
// line, fsynced per write, totally ordered by (timestamp, seq).
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Default maximum log file size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// ErrWrite wraps every failure to persist an entry. Callers must treat it as
// fatal: the trail is the only ground truth of what happened.
var ErrWrite = errors.New("audit write failed")

// Entry is a single audit record. Details keys are free-form.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	EventID   string         `json:"event_id"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Recorder is the write side consumed by the other components.
type Recorder interface {
	Record(e Entry) (Entry, error)
}

// Logger appends entries to a JSONL file with size-based rotation.
type Logger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	seq         uint64
	lastTS      time.Time
	now         func() time.Time
}

// Open opens or creates the log at logPath and resumes the sequence from the
// existing trail, including rotated archives.
func Open(logPath string, maxSize int64) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &Logger{
		logPath: logPath,
		maxSize: maxSize,
		now:     time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	for e, err := range NewReader(logPath).Entries(0) {
		if err != nil {
			return nil, fmt.Errorf("resume audit sequence: %w", err)
		}
		l.seq = e.Seq
		if e.Timestamp.After(l.lastTS) {
			l.lastTS = e.Timestamp
		}
	}

	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	if err := l.terminatePartialLine(); err != nil {
		_ = l.file.Close()
		return nil, err
	}
	return l, nil
}

// SetClock replaces the timestamp source; tests use it to pin time.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Logger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// terminatePartialLine appends a newline when a crash cut the last write
// short, so the torn line stays isolated and readers skip it.
func (l *Logger) terminatePartialLine() error {
	if l.currentSize == 0 {
		return nil
	}
	f, err := os.Open(l.logPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, l.currentSize-1); err != nil {
		return fmt.Errorf("read audit tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	n, err := l.file.Write([]byte{'\n'})
	if err != nil {
		return fmt.Errorf("terminate torn audit line: %w", err)
	}
	l.currentSize += int64(n)
	return l.file.Sync()
}

// Record assigns the next sequence number, a timestamp no earlier than the
// previous entry's, an event id and a checksum, then appends and fsyncs.
func (l *Logger) Record(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return e, fmt.Errorf("%w: logger closed", ErrWrite)
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	ts = ts.UTC()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	e.Timestamp = ts
	e.Seq = l.seq + 1
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.Checksum = ""
	e.Checksum = checksum(e)

	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("%w: marshal: %w", ErrWrite, err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize && l.currentSize > 0 {
		if err := l.rotate(); err != nil {
			return e, fmt.Errorf("%w: rotate: %w", ErrWrite, err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return e, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := l.file.Sync(); err != nil {
		return e, fmt.Errorf("%w: sync: %w", ErrWrite, err)
	}

	l.currentSize += int64(n)
	l.seq = e.Seq
	l.lastTS = ts
	return e, nil
}

// rotate archives the current file under the last sequence number it holds,
// so archive names sort in replay order.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	archivePath := filepath.Join(archiveDir, archiveName(l.logPath, l.seq))
	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	return l.openLogFile()
}

func archiveName(logPath string, lastSeq uint64) string {
	base := filepath.Base(logPath)
	stem := base[:len(base)-len(filepath.Ext(base))]
	return fmt.Sprintf("%s.%012d%s", stem, lastSeq, LogFileExtension)
}

func checksum(e Entry) string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Seq returns the last sequence number written.
func (l *Logger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Logger) Path() string { return l.logPath }

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// VerifyIntegrity counts entries in one log file and how many carry a valid checksum.
func VerifyIntegrity(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	err = scanLines(f, func(line []byte) bool {
		var e Entry
		if json.Unmarshal(line, &e) != nil {
			return true
		}
		total++
		if e.Checksum != "" && e.Checksum == checksum(e) {
			valid++
		}
		return true
	})
	return total, valid, err
}

func scanLines(r io.Reader, fn func([]byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return sc.Err()
}
