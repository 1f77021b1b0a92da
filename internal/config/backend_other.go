//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "papermill-data"
		}
	}
	return filepath.Join(dir, "papermill")
}

func apiKeyHint() string {
	return " or " + secretsFilePath()
}

func secretHint(account string) string {
	return fmt.Sprintf(" or %q in %s", account, secretsFilePath())
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "papermill", "config.json")
}

