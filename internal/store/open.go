package store

import (
	"fmt"
	"path/filepath"

	"github.com/msageha/taskvault/internal/model"
)

// Open returns the backend selected by cfg, rooted inside vaultDir.
func Open(vaultDir string, cfg model.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return OpenFS(filepath.Join(vaultDir, "records"), model.AllCollections()...)
	case "sqlite":
		path := cfg.SQLitePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(vaultDir, path)
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
