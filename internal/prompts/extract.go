package prompts

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// SystemDir returns the path to the extracted prompts directory.
func SystemDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "system")
}

// ExtractToDataDir copies the embedded prompts to the data directory so
// the media player can stream them from disk. Files that already exist
// are skipped, preserving replacements an operator dropped in place.
// The target directory is $dataDir/prompts/system/.
func ExtractToDataDir(dataDir string) error {
	sysDir := SystemDir(dataDir)
	if err := os.MkdirAll(sysDir, 0750); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}

	for _, name := range Files {
		dest := filepath.Join(sysDir, name)

		if _, err := os.Stat(dest); err == nil {
			slog.Debug("prompt already exists, skipping", "file", name)
			continue
		}

		data, err := fs.ReadFile(FS, filepath.Join("system", name))
		if err != nil {
			return fmt.Errorf("reading embedded prompt %s: %w", name, err)
		}

		if err := os.WriteFile(dest, data, 0640); err != nil {
			return fmt.Errorf("writing prompt %s: %w", name, err)
		}

		slog.Info("extracted prompt", "file", name, "path", dest)
	}

	return nil
}
