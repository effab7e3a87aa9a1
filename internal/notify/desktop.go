package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Desktop raises a macOS notification via osascript.
type Desktop struct {
	Title string
}

func (d Desktop) Notify(ctx context.Context, _ string, message string) error {
	title := d.Title
	if title == "" {
		title = "taskvault"
	}
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
