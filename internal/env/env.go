// Package env locates the per-user directories of nativebind.
package env

import (
	"os"
	"path/filepath"
)

// AppName names the per-user directories.
const AppName = "nativebind"

// CacheDir returns the default cache root: checkouts, build trees and
// install prefixes live below it.
func CacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userCacheDir, AppName), nil
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, AppName), nil
}
