//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// errSecItemNotFound is the exit status of `security` for a missing item.
const errSecItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecItemNotFound {
		return nil, fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return out, err
}

func keychainSet(service, account, value string) error {
	return exec.Command(
		"security", "add-generic-password", "-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run()
}
