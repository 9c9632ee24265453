package scaffold

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dyluth/tether/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ErrExists is returned by Initialize when the config file is already present
// and force is not set.
var ErrExists = errors.New("config file already exists")

// Template returns the annotated tether.yml written by Initialize.
func Template() ([]byte, error) {
	content, err := templatesFS.ReadFile("templates/tether.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read tether.yml template: %w", err)
	}
	return content, nil
}

// CheckExisting returns ErrExists when path is already present.
func CheckExisting(path string) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s\n\nUse 'tether init --force' to overwrite it", ErrExists, path)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
}

// Initialize writes the config template to path, creating parent directories.
// An existing file is only replaced when force is true. The written file is
// loaded back so a template that no longer validates fails here.
func Initialize(path string, force bool) error {
	if !force {
		if err := CheckExisting(path); err != nil {
			return err
		}
	}

	content, err := Template()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("created %s is not valid: %w", path, err)
	}
	return nil
}

// PrintSuccess prints the success message for a created config file.
func PrintSuccess(w io.Writer, path string) {
	fmt.Fprintf(w, "\n✅ Created %s\n", path)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Point transport.url at your push server")
	fmt.Fprintln(w, "  2. Set api.base_url for 'tether sync'")
	fmt.Fprintln(w, "  3. Run 'tether watch --feature <name>' to stream events")
}
