package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// BuildToolsISO packages a directory of guest-side agent scripts into a
// read-only ISO image the VM mounts as its third drive. Keeping tools on
// separate read-only media means the shared channel stays a pure data path.
func BuildToolsISO(sourceDir, imagePath, volumeLabel string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat tools directory %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("tools path %q is not a directory", sourceDir)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage tools directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, sanitizeVolumeLabel(volumeLabel)); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func sanitizeVolumeLabel(label string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range strings.ToUpper(label) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	if b.Len() == 0 {
		return "CINDER_TOOLS"
	}
	return b.String()
}
