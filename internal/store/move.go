package store

import (
	"errors"
	"io/fs"
	"os"
)

// renameChecked is the portable no-replace rename. The existence check and
// the rename are not one syscall; callers hold the per-id lock, and the
// daemon's vault lock keeps other processes from moving the same id.
func renameChecked(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(src, dst)
}
