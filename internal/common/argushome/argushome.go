// Package argushome resolves the on-disk base directory shared by all
// argus processes: the registry file and the artifacts tree live here.
package argushome

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvHome overrides the base directory when set.
const EnvHome = "ARGUS_HOME"

// Base returns the argus home directory, creating it if needed.
// $ARGUS_HOME wins; otherwise the platform user config dir is used.
func Base() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return ensureDir(dir)
	}
	cfg, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("resolve argus home: %w", err)
		}
		cfg = filepath.Join(home, ".config")
	}
	return ensureDir(filepath.Join(cfg, "argus"))
}

// RegistryPath returns the registry file path under the base.
func RegistryPath() (string, error) {
	base, err := Base()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "registry.json"), nil
}

// LogsDir returns <base>/logs, creating it if needed.
func LogsDir() (string, error) { return artifactDir("logs") }

// TracesDir returns <base>/traces, creating it if needed.
func TracesDir() (string, error) { return artifactDir("traces") }

// ScreenshotsDir returns <base>/screenshots, creating it if needed.
func ScreenshotsDir() (string, error) { return artifactDir("screenshots") }

func artifactDir(name string) (string, error) {
	base, err := Base()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(base, name))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// WatcherLogFile builds the rotating file-log name for a watcher:
// watcher-<id>-<iso-safe-ts>-<seq>.log under the logs dir.
func WatcherLogFile(id string, now time.Time, seq int) (string, error) {
	dir, err := LogsDir()
	if err != nil {
		return "", err
	}
	ts := strings.ReplaceAll(now.UTC().Format("2006-01-02T15-04-05"), ":", "-")
	return filepath.Join(dir, fmt.Sprintf("watcher-%s-%s-%d.log", id, ts, seq)), nil
}
