package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/taskvault/internal/lock"
	tvyaml "github.com/msageha/taskvault/internal/yaml"
)

const recordExt = ".yaml"

// listBatch is how many directory entries List reads per ReadDir call.
const listBatch = 128

// FS stores each collection as a directory and each record as <id>.yaml.
// Writes within the process are serialized per id; cross-process safety
// comes from the daemon's vault lock plus the atomicity of link and rename.
type FS struct {
	root  string
	locks *lock.MutexMap
}

// OpenFS opens (creating if needed) a filesystem store rooted at root.
func OpenFS(root string, collections ...string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	s := &FS{root: root, locks: lock.NewMutexMap()}
	for _, c := range collections {
		if err := os.MkdirAll(s.dir(c), 0755); err != nil {
			return nil, fmt.Errorf("create collection %s: %w", c, err)
		}
	}
	return s, nil
}

func (s *FS) Root() string { return s.root }

func (s *FS) dir(collection string) string {
	return filepath.Join(s.root, collection)
}

func (s *FS) path(collection, id string) string {
	return filepath.Join(s.root, collection, id+recordExt)
}

func (s *FS) Create(_ context.Context, collection, id string, content []byte) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if err := os.MkdirAll(s.dir(collection), 0755); err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	err := tvyaml.AtomicCreateRaw(s.path(collection, id), content)
	if errors.Is(err, tvyaml.ErrExist) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	return err
}

func (s *FS) Replace(_ context.Context, collection, id string, content []byte) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	// Checked under the id lock so a concurrent Move cannot leave a copy behind.
	path := s.path(collection, id)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return err
	}
	return tvyaml.AtomicWriteRaw(path, content)
}

func (s *FS) Read(_ context.Context, collection, id string) ([]byte, error) {
	if err := validate(collection, id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	return data, nil
}

func (s *FS) Move(_ context.Context, id, from, to string) error {
	if err := validate(from, id); err != nil {
		return err
	}
	if err := validate(to, id); err != nil {
		return err
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if err := os.MkdirAll(s.dir(to), 0755); err != nil {
		return fmt.Errorf("create collection %s: %w", to, err)
	}
	if err := renameNoReplace(s.path(from, id), s.path(to, id)); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%s/%s: %w", from, id, ErrNotFound)
		case errors.Is(err, fs.ErrExist):
			return fmt.Errorf("%s/%s: %w", to, id, ErrAlreadyExists)
		}
		return fmt.Errorf("move %s %s→%s: %w", id, from, to, err)
	}
	if err := tvyaml.SyncDir(s.dir(to)); err != nil {
		return err
	}
	return tvyaml.SyncDir(s.dir(from))
}

func (s *FS) List(_ context.Context, collection string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !collectionRegex.MatchString(collection) {
			yield("", fmt.Errorf("invalid collection %q", collection))
			return
		}
		d, err := os.Open(s.dir(collection))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield("", fmt.Errorf("open collection %s: %w", collection, err))
			return
		}
		defer func() { _ = d.Close() }()

		seen := make(map[string]struct{})
		for {
			entries, err := d.ReadDir(listBatch)
			for _, e := range entries {
				id, ok := recordID(e.Name())
				if !ok || e.IsDir() {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("list collection %s: %w", collection, err))
				return
			}
		}
	}
}

func (s *FS) Delete(_ context.Context, collection, id string) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if err := os.Remove(s.path(collection, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return tvyaml.SyncDir(s.dir(collection))
}

// Recover removes temp files left behind by writes interrupted before their
// final link or rename. Those writes never became visible, so dropping them
// restores the last confirmed state.
func (s *FS) Recover(_ context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	collections, err := os.ReadDir(s.root)
	if err != nil {
		return report, fmt.Errorf("read store root: %w", err)
	}
	for _, c := range collections {
		if !c.IsDir() {
			continue
		}
		entries, err := os.ReadDir(s.dir(c.Name()))
		if err != nil {
			return report, fmt.Errorf("read collection %s: %w", c.Name(), err)
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), tvyaml.TempPrefix) {
				continue
			}
			if err := os.Remove(filepath.Join(s.dir(c.Name()), e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return report, fmt.Errorf("remove temp file: %w", err)
			}
			report.TempFilesRemoved++
		}
	}
	return report, nil
}

func (s *FS) Close() error { return nil }

func recordID(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
		return "", false
	}
	return strings.TrimSuffix(name, recordExt), true
}
