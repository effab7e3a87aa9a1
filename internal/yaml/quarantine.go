package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a file that cannot be processed into <vaultDir>/quarantine,
// returning its new path. The original name is kept as a prefix for triage.
func Quarantine(vaultDir, filePath string, now time.Time) (string, error) {
	quarantineDir := filepath.Join(vaultDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, now.UTC().Format("20060102T150405.000000000"))
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}
