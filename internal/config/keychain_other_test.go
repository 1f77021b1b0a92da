//go:build !darwin

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	kc := NewKeychain()
	if _, err := kc.Get(keychainService, "archive_token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrSecretNotFound", err)
	}
	if err := kc.Set(keychainService, "archive_token", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := kc.Set(keychainService, "api_token", "api"); err != nil {
		t.Fatal(err)
	}
	got, err := kc.Get(keychainService, "archive_token")
	if err != nil || got != "tok" {
		t.Errorf("Get = %q, %v; want tok", got, err)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestSecretsFileCorruptIsNotOverwritten(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := secretsFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	kc := NewKeychain()
	if err := kc.Set(keychainService, "archive_token", "tok"); err == nil {
		t.Fatal("expected error writing into a corrupt secrets file")
	}
	if _, err := GetAPIToken(kc); err == nil {
		t.Fatal("expected GetAPIToken to surface the corrupt file")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "{not json" {
		t.Errorf("secrets file was modified: %q", data)
	}
}
