//go:build !linux

package store

func renameNoReplace(src, dst string) error {
	return renameChecked(src, dst)
}
