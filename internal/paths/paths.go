// Package paths resolves where Larder keeps its configuration and its JSONL
// data files.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "larder"

// DataDirName is the working-directory-relative data directory used when
// nothing else names one.
const DataDirName = ".larder-db"

// Environment variables that override the defaults.
const (
	EnvConfigDir = "LARDER_CONFIG_DIR"
	EnvDataDir   = "LARDER_DATA_DIR"
)

// Replaced in tests.
var (
	homeDir       = os.UserHomeDir
	userConfigDir = os.UserConfigDir
	workingDir    = os.Getwd
)

// xdgDir returns $env/larder on Linux, falling back to ~/fallback/larder.
// Other platforms use os.UserConfigDir.
func xdgDir(env string, fallback ...string) (string, error) {
	if runtime.GOOS != "linux" {
		base, err := userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(base, appName), nil
	}
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appName)...), nil
}

// DefaultConfigDir returns the platform configuration directory:
// $XDG_CONFIG_HOME/larder or ~/.config/larder on Linux, and
// os.UserConfigDir()/larder elsewhere.
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory:
// $XDG_DATA_HOME/larder or ~/.local/share/larder on Linux, and
// os.UserConfigDir()/larder elsewhere. ResolveDataDir does not fall back to
// it; it is offered to callers that want a per-user store.
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ResolveConfigDir picks the configuration directory: flag, then
// LARDER_CONFIG_DIR, then DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	for _, dir := range []string{flag, os.Getenv(EnvConfigDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	return DefaultConfigDir()
}

// ResolveDataDir picks the data directory: flag, then the data_dir config
// value, then LARDER_DATA_DIR, then ./.larder-db.
func ResolveDataDir(flag, configured string) (string, error) {
	for _, dir := range []string{flag, configured, os.Getenv(EnvDataDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	cwd, err := workingDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DataDirName), nil
}
