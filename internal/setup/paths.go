package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/taskvault/internal/uds"
)

// VaultDirName is the directory `taskvault init` creates in a project.
const VaultDirName = ".taskvault"

var ErrNoVault = errors.New("no " + VaultDirName + " directory found (run: taskvault init)")

// Layout names the files and directories inside a vault.
type Layout struct {
	Root string
}

func (l Layout) Config() string     { return filepath.Join(l.Root, "config.yaml") }
func (l Layout) Records() string    { return filepath.Join(l.Root, "records") }
func (l Layout) Inbox() string      { return filepath.Join(l.Root, "inbox") }
func (l Layout) Logs() string       { return filepath.Join(l.Root, "logs") }
func (l Layout) AuditLog() string   { return filepath.Join(l.Root, "logs", "audit.jsonl") }
func (l Layout) DaemonLog() string  { return filepath.Join(l.Root, "logs", "daemon.log") }
func (l Layout) Locks() string      { return filepath.Join(l.Root, "locks") }
func (l Layout) DaemonLock() string { return filepath.Join(l.Root, "locks", "daemon.lock") }
func (l Layout) Quarantine() string { return filepath.Join(l.Root, "quarantine") }
func (l Layout) Socket() string     { return filepath.Join(l.Root, uds.DefaultSocketName) }

// FindVault walks up from start until it finds a vault directory.
func FindVault(start string) (Layout, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(dir, VaultDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return Layout{Root: candidate}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Layout{}, ErrNoVault
		}
		dir = parent
	}
}
