// Package osutil resolves the user- and platform-specific default
// locations sunwet's binaries fall back to when not given an explicit
// path, grounded on perkeep's internal/osutil (trimmed to the
// directory-resolution logic sunwet's CLI tools actually need; the
// GPG/TLS/Let's-Encrypt/camlistore-migration helpers the teacher carries
// alongside it have no home in this domain).
package osutil

import (
	"os"
	"path/filepath"
	"runtime"
)

// HomeDir returns the current user's home directory, or "" if unknown.
func HomeDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}

// ConfigDir returns the directory sunwet's config file lives in by
// default: $SUNWET_CONFIG_DIR if set, else $XDG_CONFIG_HOME/sunwet, else
// ~/.config/sunwet (or %APPDATA%\sunwet on Windows).
func ConfigDir() string {
	if d := os.Getenv("SUNWET_CONFIG_DIR"); d != "" {
		return d
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "sunwet")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sunwet")
	}
	return filepath.Join(HomeDir(), ".config", "sunwet")
}

// DefaultConfigPath returns the default sunwet.json location used when
// a CLI tool's --config flag isn't set.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "sunwet.json")
}
