// Package appdir locates the Candor data directory, which stores the
// persisted settings (settings.json) and the shared tab registry
// (tabs/ subdirectory) used for leader election.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the Candor data directory when set.
	DirEnv = "CANDOR_DIR"

	// SettingsFileName is the persisted settings file.
	SettingsFileName = "settings.json"

	// TabsDirName is the subdirectory holding one registration file per
	// live tab. All tabs of the same user watch this directory.
	TabsDirName = "tabs"

	// LogsDirName is the subdirectory for rotated log files.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the Candor data directory path without creating it:
//  1. CANDOR_DIR environment variable, if set
//  2. macOS: ~/Library/Application Support/Candor
//  3. Windows: %APPDATA%\Candor
//  4. elsewhere: $XDG_DATA_HOME/candor or ~/.local/share/candor
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "Candor"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Candor"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataDir, "candor"), nil
	}
}

// EnsureDir creates the data directory and its subdirectories if needed.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	for _, sub := range []string{"", TabsDirName, LogsDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return nil
}

// SettingsPath returns the full path to settings.json.
func SettingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SettingsFileName), nil
}

// TabsDir returns the full path to the tab registry directory.
func TabsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, TabsDirName), nil
}

// LogsDir returns the full path to the logs directory.
func LogsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName), nil
}

// ResetCacheForTest clears the cached directory. Tests that change
// CANDOR_DIR must call this before and after.
func ResetCacheForTest() {
	mu.Lock()
	cachedDir = ""
	mu.Unlock()
}
