// Package yaml provides atomic YAML file I/O, schema headers and quarantine utilities.
package yaml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// TempPrefix marks in-flight temp files; Recover scans remove leftovers.
const TempPrefix = ".taskvault-tmp-"

// ErrExist is returned by AtomicCreateRaw when the destination already exists.
var ErrExist = fs.ErrExist

func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with content via temp file + fsync + rename.
func AtomicWriteRaw(path string, content []byte) error {
	tmpName, err := writeTemp(path, content)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// AtomicCreateRaw writes content to path only if path does not exist yet.
// The temp file is hard-linked into place, so a concurrent creator loses with ErrExist
// and a crash never exposes a partially written file.
func AtomicCreateRaw(path string, content []byte) error {
	tmpName, err := writeTemp(path, content)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExist
		}
		return fmt.Errorf("link into place: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func writeTemp(path string, content []byte) (string, error) {
	// Step 1: Validate before anything touches the destination directory
	if err := validateYAML(content); err != nil {
		return "", fmt.Errorf("yaml validation failed: %w", err)
	}

	// Step 2: Create temp file and write content
	tmp, err := os.CreateTemp(filepath.Dir(path), TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(format string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf(format, err)
	}

	if _, err := tmp.Write(content); err != nil {
		return fail("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpName, nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// syncDir flushes directory entries so a rename or link survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// SyncDir is exported for callers that rename files themselves.
func SyncDir(dir string) error {
	return syncDir(dir)
}
