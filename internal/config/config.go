package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	LLM        LLMConfig
	Compiler   CompilerConfig
	Archive    ArchiveConfig
	Pipeline   PipelineConfig
	Retry      RetryConfig
	Supervisor SupervisorConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LLMConfig struct {
	Provider string
	Model    string
	BaseURL  string
	KeysFile string
	APIKeys  []string
}

type CompilerConfig struct {
	BaseURL string
	Engine  string
}

type ArchiveConfig struct {
	BaseURL string
	Token   string
	Creator string
	License string
}

type PipelineConfig struct {
	MaxIterations   int
	Threshold       float64
	Language        string
	TargetLength    int
	TopicsFile      string
	Topic           string
	PublishAttempts int
}

type RetryConfig struct {
	RotationCooldown time.Duration
	CompileDelay     time.Duration
	PublishDelay     time.Duration
	PublishStep      time.Duration
}

type SupervisorConfig struct {
	Cooldown     time.Duration
	FailurePause time.Duration
	NetworkPause time.Duration
	// BatchSize is the number of units per continuous or scheduled batch.
	BatchSize int
	Schedule  string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
		},
		Compiler: CompilerConfig{
			BaseURL: "https://latex.ytotech.com",
			Engine:  "pdflatex",
		},
		Archive: ArchiveConfig{
			BaseURL: "https://zenodo.org",
			Creator: "Papermill",
			License: "cc-by-4.0",
		},
		Pipeline: PipelineConfig{
			MaxIterations:   3,
			Threshold:       8,
			Language:        "English",
			TargetLength:    3000,
			PublishAttempts: 5,
		},
		Retry: RetryConfig{
			RotationCooldown: 60 * time.Second,
			CompileDelay:     5 * time.Second,
			PublishDelay:     10 * time.Second,
			PublishStep:      10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Cooldown:     10 * time.Minute,
			FailurePause: 30 * time.Second,
			NetworkPause: 2 * time.Minute,
			BatchSize:    1,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.papermill.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/papermill/config.json
// and secrets fall back to $XDG_DATA_HOME/papermill/secrets.json.
//
// Environment variables (PAPERMILL_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	return cfg, nil
}

// Validate checks the settings needed to run the pipeline. Commands that
// only read local state skip it.
func (c Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "gemini", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be gemini, openai or ollama, got %q", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if len(c.LLM.APIKeys) == 0 && !fileExists(c.KeysPath()) {
		errs = append(errs, errors.New("no LLM credentials: set PAPERMILL_LLM_API_KEYS or llm.keys_file"+apiKeyHint()))
	}
	if c.Compiler.BaseURL == "" {
		errs = append(errs, errors.New("compiler.base_url is required"))
	}
	if c.Archive.BaseURL == "" {
		errs = append(errs, errors.New("archive.base_url is required"))
	}
	if c.Archive.Token == "" {
		errs = append(errs, errors.New("missing archive token: set PAPERMILL_ARCHIVE_TOKEN"+secretHint("archive_token")))
	}
	if c.Pipeline.Topic == "" && c.Pipeline.TopicsFile == "" {
		errs = append(errs, errors.New("set pipeline.topic or pipeline.topics_file"))
	}
	if c.Pipeline.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_iterations must be at least 1, got %d", c.Pipeline.MaxIterations))
	}
	if c.Pipeline.Threshold < 0 || c.Pipeline.Threshold > 10 {
		errs = append(errs, fmt.Errorf("pipeline.threshold must be between 0 and 10, got %g", c.Pipeline.Threshold))
	}
	return errors.Join(errs...)
}

// KeysPath is the credentials file, one key per line. It defaults to
// "credentials" under the data directory.
func (c Config) KeysPath() string {
	if c.LLM.KeysFile != "" {
		return c.LLM.KeysFile
	}
	return filepath.Join(c.Storage.DataDir, "credentials")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
