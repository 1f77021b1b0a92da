package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is an in-memory test double for the Keychain interface.
type mockKeychain struct {
	values map[string]string
	getErr error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	v, ok := m.values[service+"/"+account]
	if m.getErr != nil {
		return "", m.getErr
	}
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every PAPERMILL_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("LLM.Provider = %q, want gemini", cfg.LLM.Provider)
	}
	if cfg.Compiler.BaseURL != "https://latex.ytotech.com" || cfg.Compiler.Engine != "pdflatex" {
		t.Errorf("Compiler = %+v", cfg.Compiler)
	}
	if cfg.Pipeline.MaxIterations != 3 || cfg.Pipeline.Threshold != 8 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Retry.RotationCooldown != time.Minute {
		t.Errorf("Retry.RotationCooldown = %v, want 1m", cfg.Retry.RotationCooldown)
	}
	if cfg.Supervisor.Cooldown != 10*time.Minute {
		t.Errorf("Supervisor.Cooldown = %v, want 10m", cfg.Supervisor.Cooldown)
	}
	if len(cfg.LLM.APIKeys) != 0 {
		t.Errorf("LLM.APIKeys = %v, want none", cfg.LLM.APIKeys)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"server.port": 5000, "llm.model": "file-model"}`)

	t.Setenv("PAPERMILL_SERVER_PORT", "6000")
	t.Setenv("PAPERMILL_LLM_MODEL", "env-model")
	t.Setenv("PAPERMILL_LLM_API_KEYS", "k1, k2\nk1")
	t.Setenv("PAPERMILL_SUPERVISOR_FAILURE_PAUSE", "45s")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("LLM.Model = %q, want env-model", cfg.LLM.Model)
	}
	if got := strings.Join(cfg.LLM.APIKeys, ","); got != "k1,k2" {
		t.Errorf("LLM.APIKeys = %q, want k1,k2", got)
	}
	if cfg.Supervisor.FailurePause != 45*time.Second {
		t.Errorf("Supervisor.FailurePause = %v", cfg.Supervisor.FailurePause)
	}
}

// TestInvalidEnvKeepsDefault verifies unparsable values are ignored.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)
	t.Setenv("PAPERMILL_RETRY_PUBLISH_STEP", "soon")
	t.Setenv("PAPERMILL_PIPELINE_THRESHOLD", "high")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retry.PublishStep != 10*time.Second {
		t.Errorf("Retry.PublishStep = %v, want default", cfg.Retry.PublishStep)
	}
	if cfg.Pipeline.Threshold != 8 {
		t.Errorf("Pipeline.Threshold = %v, want default", cfg.Pipeline.Threshold)
	}
}

// TestFileParsing verifies that fields are correctly read from the JSON file.
func TestFileParsing(t *testing.T) {
	clearEnv(t)
	content := `{
  "server.port": 5000,
  "storage.data_dir": "/tmp/papermill-test",
  "llm.provider": "OpenAI",
  "llm.base_url": "http://localhost:8080/v1",
  "archive.base_url": "https://sandbox.zenodo.org",
  "pipeline.threshold": 7.5,
  "pipeline.topic": "distributed consensus",
  "retry.compile_delay": "2s",
  "supervisor.schedule": "at 09:00",
  "llm.api_keys": "ignored-secret"
}`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/papermill-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("LLM.Provider = %q, want openai", cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Archive.BaseURL != "https://sandbox.zenodo.org" {
		t.Errorf("Archive.BaseURL = %q", cfg.Archive.BaseURL)
	}
	if cfg.Pipeline.Threshold != 7.5 {
		t.Errorf("Pipeline.Threshold = %v", cfg.Pipeline.Threshold)
	}
	if cfg.Retry.CompileDelay != 2*time.Second {
		t.Errorf("Retry.CompileDelay = %v", cfg.Retry.CompileDelay)
	}
	if cfg.Supervisor.Schedule != "at 09:00" {
		t.Errorf("Supervisor.Schedule = %q", cfg.Supervisor.Schedule)
	}
	if len(cfg.LLM.APIKeys) != 0 {
		t.Errorf("secrets must not be read from the config file, got %v", cfg.LLM.APIKeys)
	}
}

// TestKeychainFallback verifies the secret store is consulted when no secret is in env.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)

	kc := &mockKeychain{}
	kc.Set("papermill", "llm_api_keys", "a,b")
	kc.Set("papermill", "archive_token", "keychain-token")
	t.Setenv("PAPERMILL_ARCHIVE_TOKEN", "env-token")

	cfg, err := loadFromPath(path, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := strings.Join(cfg.LLM.APIKeys, ","); got != "a,b" {
		t.Errorf("LLM.APIKeys = %q, want a,b", got)
	}
	if cfg.Archive.Token != "env-token" {
		t.Errorf("Archive.Token = %q, env must win over keychain", cfg.Archive.Token)
	}
}

func TestValidate(t *testing.T) {
	valid := defaults()
	valid.LLM.APIKeys = []string{"k"}
	valid.Archive.Token = "tok"
	valid.Pipeline.Topic = "queues"
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	keysFile := filepath.Join(t.TempDir(), "keys.txt")
	if err := os.WriteFile(keysFile, []byte("k\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fromFile := valid
	fromFile.LLM.APIKeys = nil
	fromFile.LLM.KeysFile = keysFile
	if err := fromFile.Validate(); err != nil {
		t.Errorf("keys file should satisfy credentials: %v", err)
	}

	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "credentials"), []byte("k\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fromDataDir := valid
	fromDataDir.LLM.APIKeys = nil
	fromDataDir.Storage.DataDir = dataDir
	if got := fromDataDir.KeysPath(); got != filepath.Join(dataDir, "credentials") {
		t.Errorf("KeysPath() = %q", got)
	}
	if err := fromDataDir.Validate(); err != nil {
		t.Errorf("default credentials file should satisfy credentials: %v", err)
	}

	broken := defaults()
	broken.Storage.DataDir = t.TempDir()
	broken.LLM.Provider = "anthropic"
	broken.Pipeline.Threshold = 11
	err := broken.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"llm.provider", "no LLM credentials", "archive token", "pipeline.topic", "pipeline.threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	kc := &mockKeychain{}

	if err := setKeyWith(b, kc, "server.port", "4200"); err != nil {
		t.Fatalf("set server.port: %v", err)
	}
	if err := setKeyWith(b, kc, "supervisor.cooldown", "15m"); err != nil {
		t.Fatalf("set supervisor.cooldown: %v", err)
	}
	if err := setKeyWith(b, kc, "pipeline.threshold", "8.25"); err != nil {
		t.Fatalf("set pipeline.threshold: %v", err)
	}
	if err := setKeyWith(b, kc, "archive.token", "secret"); err != nil {
		t.Fatalf("set archive.token: %v", err)
	}
	if err := setKeyWith(b, kc, "supervisor.cooldown", "later"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, kc, "nope", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var stored map[string]any
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if _, ok := stored["archive.token"]; ok {
		t.Error("secret written to the config file")
	}
	if th, ok := stored["pipeline.threshold"].(float64); !ok || th != 8.25 {
		t.Errorf("threshold stored as %#v, want a JSON number", stored["pipeline.threshold"])
	}
	if tok, _ := kc.Get("papermill", "archive_token"); tok != "secret" {
		t.Errorf("keychain token = %q", tok)
	}

	clearEnv(t)
	cfg, err := loadFromPath(path, kc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4200 || cfg.Supervisor.Cooldown != 15*time.Minute || cfg.Archive.Token != "secret" {
		t.Errorf("round trip: port=%d cooldown=%v token=%q", cfg.Server.Port, cfg.Supervisor.Cooldown, cfg.Archive.Token)
	}
	if cfg.Pipeline.Threshold != 8.25 {
		t.Errorf("threshold = %v, want 8.25", cfg.Pipeline.Threshold)
	}
}

func TestFileBackendFloat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"a": 7.5, "b": "6", "c": true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b := newFileBackend(path)

	if v, ok, err := b.GetFloat("a"); err != nil || !ok || v != 7.5 {
		t.Errorf("GetFloat(a) = %v, %v, %v", v, ok, err)
	}
	if v, ok, err := b.GetFloat("b"); err != nil || !ok || v != 6 {
		t.Errorf("GetFloat(b) = %v, %v, %v", v, ok, err)
	}
	if _, ok, err := b.GetFloat("c"); !ok || err == nil {
		t.Error("expected type error for a bool value")
	}
	if _, ok, err := b.GetFloat("missing"); ok || err != nil {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Archive.Token = "super-secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "super-secret") {
			t.Errorf("%s leaks secret", k.Key)
		}
		if k.Key == "archive.token" && k.Value != "(set)" {
			t.Errorf("archive.token = %q, want (set)", k.Value)
		}
		if k.Key == "llm.api_keys" && k.Value != "(unset)" {
			t.Errorf("llm.api_keys = %q, want (unset)", k.Value)
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys() = %d keys, want %d", len(ValidKeys()), len(specs))
	}
	if !IsSecret("archive.token") || IsSecret("server.port") || IsSecret("no.such.key") {
		t.Error("IsSecret misreports archive.token, server.port or an unknown key")
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}
	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("token must be stable once generated")
	}

	broken := &mockKeychain{getErr: errors.New("keychain locked")}
	if _, err := GetAPIToken(broken); err == nil {
		t.Error("expected error when the secret store fails")
	}
	if len(broken.values) != 0 {
		t.Error("token must not be regenerated when the secret store fails")
	}
}
