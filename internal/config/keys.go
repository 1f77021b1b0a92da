package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kalambet/papermill/internal/credentials"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "number"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // keychain account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PAPERMILL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PAPERMILL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PAPERMILL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.provider", typ: kString, env: "PAPERMILL_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "PAPERMILL_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "PAPERMILL_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.keys_file", typ: kString, env: "PAPERMILL_LLM_KEYS_FILE",
		apply:   func(cfg *Config, v any) { cfg.LLM.KeysFile = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.KeysFile },
	},
	{
		key: "llm.api_keys", typ: kString, env: "PAPERMILL_LLM_API_KEYS",
		secret: true, account: "llm_api_keys",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKeys = credentials.ParseList(v.(string)) },
		extract: func(cfg Config) any { return cfg.LLM.APIKeys },
	},
	{
		key: "compiler.base_url", typ: kString, env: "PAPERMILL_COMPILER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Compiler.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Compiler.BaseURL },
	},
	{
		key: "compiler.engine", typ: kString, env: "PAPERMILL_COMPILER_ENGINE",
		apply:   func(cfg *Config, v any) { cfg.Compiler.Engine = v.(string) },
		extract: func(cfg Config) any { return cfg.Compiler.Engine },
	},
	{
		key: "archive.base_url", typ: kString, env: "PAPERMILL_ARCHIVE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Archive.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.BaseURL },
	},
	{
		key: "archive.token", typ: kString, env: "PAPERMILL_ARCHIVE_TOKEN",
		secret: true, account: "archive_token",
		apply:   func(cfg *Config, v any) { cfg.Archive.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Token },
	},
	{
		key: "archive.creator", typ: kString, env: "PAPERMILL_ARCHIVE_CREATOR",
		apply:   func(cfg *Config, v any) { cfg.Archive.Creator = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Creator },
	},
	{
		key: "archive.license", typ: kString, env: "PAPERMILL_ARCHIVE_LICENSE",
		apply:   func(cfg *Config, v any) { cfg.Archive.License = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.License },
	},
	{
		key: "pipeline.max_iterations", typ: kInt, env: "PAPERMILL_PIPELINE_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxIterations },
	},
	{
		key: "pipeline.threshold", typ: kFloat, env: "PAPERMILL_PIPELINE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Threshold },
	},
	{
		key: "pipeline.language", typ: kString, env: "PAPERMILL_PIPELINE_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Language },
	},
	{
		key: "pipeline.target_length", typ: kInt, env: "PAPERMILL_PIPELINE_TARGET_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TargetLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.TargetLength },
	},
	{
		key: "pipeline.topics_file", typ: kString, env: "PAPERMILL_PIPELINE_TOPICS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TopicsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.TopicsFile },
	},
	{
		key: "pipeline.topic", typ: kString, env: "PAPERMILL_PIPELINE_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Topic },
	},
	{
		key: "pipeline.publish_attempts", typ: kInt, env: "PAPERMILL_PIPELINE_PUBLISH_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PublishAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PublishAttempts },
	},
	{
		key: "retry.rotation_cooldown", typ: kDuration, env: "PAPERMILL_RETRY_ROTATION_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Retry.RotationCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.RotationCooldown },
	},
	{
		key: "retry.compile_delay", typ: kDuration, env: "PAPERMILL_RETRY_COMPILE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.CompileDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.CompileDelay },
	},
	{
		key: "retry.publish_delay", typ: kDuration, env: "PAPERMILL_RETRY_PUBLISH_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.PublishDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.PublishDelay },
	},
	{
		key: "retry.publish_step", typ: kDuration, env: "PAPERMILL_RETRY_PUBLISH_STEP",
		apply:   func(cfg *Config, v any) { cfg.Retry.PublishStep = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.PublishStep },
	},
	{
		key: "supervisor.cooldown", typ: kDuration, env: "PAPERMILL_SUPERVISOR_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.Cooldown },
	},
	{
		key: "supervisor.failure_pause", typ: kDuration, env: "PAPERMILL_SUPERVISOR_FAILURE_PAUSE",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.FailurePause = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.FailurePause },
	},
	{
		key: "supervisor.network_pause", typ: kDuration, env: "PAPERMILL_SUPERVISOR_NETWORK_PAUSE",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.NetworkPause = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.NetworkPause },
	},
	{
		key: "supervisor.batch_size", typ: kInt, env: "PAPERMILL_SUPERVISOR_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Supervisor.BatchSize },
	},
	{
		key: "supervisor.schedule", typ: kString, env: "PAPERMILL_SUPERVISOR_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Supervisor.Schedule },
	},
}

// parseValue converts raw to the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets still empty after env overrides from the
// platform secret store.
func applySecrets(cfg *Config, kc Keychain) {
	for _, s := range specs {
		if !s.secret || s.account == "" {
			continue
		}
		if !isEmpty(s.extract(*cfg)) {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	}
	return v == nil
}
