package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Reader replays the trail forward: archived files in sequence order, then
// the live file. It holds no state, so a consumer restarts by passing the
// next sequence number it wants.
type Reader struct {
	logPath string
}

func NewReader(logPath string) *Reader {
	return &Reader{logPath: logPath}
}

func (r *Reader) files() ([]string, error) {
	base := filepath.Base(r.logPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	archiveDir := filepath.Join(filepath.Dir(r.logPath), ArchiveDir)

	entries, err := os.ReadDir(archiveDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read audit archive: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, stem+".") || !strings.HasSuffix(name, LogFileExtension) {
			continue
		}
		files = append(files, filepath.Join(archiveDir, name))
	}
	sort.Strings(files)
	return append(files, r.logPath), nil
}

// Entries yields entries with Seq >= from in (timestamp, seq) order. Torn or
// malformed lines are skipped.
func (r *Reader) Entries(from uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		files, err := r.files()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for _, path := range files {
			f, err := os.Open(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("open %s: %w", path, err))
				return
			}
			stopped := false
			scanErr := scanLines(f, func(line []byte) bool {
				var e Entry
				if json.Unmarshal(line, &e) != nil || e.Seq < from {
					return true
				}
				if !yield(e, nil) {
					stopped = true
					return false
				}
				return true
			})
			_ = f.Close()
			if stopped {
				return
			}
			if scanErr != nil {
				yield(Entry{}, fmt.Errorf("scan %s: %w", path, scanErr))
				return
			}
		}
	}
}

// ForTask returns every entry whose task_id is taskID, in trail order.
func (r *Reader) ForTask(taskID string) ([]Entry, error) {
	var out []Entry
	for e, err := range r.Entries(0) {
		if err != nil {
			return out, err
		}
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail returns the last n entries.
func (r *Reader) Tail(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Entry, 0, n)
	for e, err := range r.Entries(0) {
		if err != nil {
			return ring, err
		}
		if len(ring) == n {
			ring = append(ring[1:], e)
			continue
		}
		ring = append(ring, e)
	}
	return ring, nil
}

// IntDetail reads an integer detail that may have round-tripped through JSON.
func IntDetail(details map[string]any, key string) (int, bool) {
	switch v := details[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// StringDetail reads a string detail.
func StringDetail(details map[string]any, key string) string {
	s, _ := details[key].(string)
	return s
}
