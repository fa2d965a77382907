package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Config is the full configuration tree for the commentatord process.
type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Broadcast   BroadcastConfig  `yaml:"broadcast"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig carries the per-game configuration surface: cadence,
// context thresholds, refresh cadence, pool size, queue sizing, and
// per-collaborator timeouts.
type PipelineConfig struct {
	GameID                  string  `yaml:"game_id"`
	SnapshotCadenceSeconds  int     `yaml:"snapshot_cadence_seconds"`
	ContextSoftTokens       int     `yaml:"context_soft_tokens"`
	ContextHardTokens       int     `yaml:"context_hard_tokens"`
	RefreshEveryNSnapshots  int     `yaml:"refresh_every_n_snapshots"`
	StagePoolSize           int     `yaml:"stage_pool_size"`
	PerSubscriberQueue      int     `yaml:"per_subscriber_queue"`
	SkipAfterMultiplier     float64 `yaml:"skip_after_multiplier"`
	LLMTimeoutSeconds       int     `yaml:"llm_timeout_seconds"`
	TTSTimeoutSeconds       int     `yaml:"tts_timeout_seconds"`
	FSTimeoutSeconds        int     `yaml:"fs_timeout_seconds"`
	MomentumFillerMax       int     `yaml:"momentum_filler_max"`
	MomentumPlayByPlayMin   int     `yaml:"momentum_play_by_play_min"`
	IngestDirectory         string  `yaml:"ingest_directory"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, exec, http
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelAnalyze  string  `yaml:"model_analyze"`
	ModelNarrate  string  `yaml:"model_narrate"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Language   string `yaml:"language"` // one narration language per session
}

type BroadcastConfig struct {
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	PerSubscriberQueue int    `yaml:"per_subscriber_queue"`
}

type PersistenceConfig struct {
	Root string `yaml:"root"`
}

func Default() Config {
	return Config{
		RuntimeName: "commentary-pipeline",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/commentary-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pipeline: PipelineConfig{
			GameID:                 "GAME1",
			SnapshotCadenceSeconds: 5,
			ContextSoftTokens:      30000,
			ContextHardTokens:      48000,
			RefreshEveryNSnapshots: 15,
			StagePoolSize:          3,
			PerSubscriberQueue:     64,
			SkipAfterMultiplier:    2.0,
			LLMTimeoutSeconds:      12,
			TTSTimeoutSeconds:      8,
			FSTimeoutSeconds:       2,
			MomentumFillerMax:      30,
			MomentumPlayByPlayMin:  70,
			IngestDirectory:        "./data/snapshots",
		},
		LLM: LLMConfig{
			Enabled:      true,
			Mode:         "mock",
			ModelAnalyze: "analyze-balanced",
			ModelNarrate: "narrate-balanced",
			MaxTokens:    512,
			Temperature:  0.7,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
			Language:   "en",
		},
		Broadcast: BroadcastConfig{
			Bind:               "0.0.0.0",
			Port:               8765,
			PerSubscriberQueue: 64,
		},
		Persistence: PersistenceConfig{
			Root: "./data/games",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COMMENTARY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COMMENTARY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COMMENTARY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COMMENTARY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COMMENTARY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COMMENTARY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COMMENTARY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COMMENTARY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "COMMENTARY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COMMENTARY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "COMMENTARY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COMMENTARY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COMMENTARY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COMMENTARY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COMMENTARY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COMMENTARY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "COMMENTARY_BUS_STORE_DIR")
	overrideString(&cfg.EventStore.Path, "COMMENTARY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COMMENTARY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COMMENTARY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COMMENTARY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COMMENTARY_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Pipeline.GameID, "COMMENTARY_GAME_ID")
	overrideInt(&cfg.Pipeline.SnapshotCadenceSeconds, "COMMENTARY_SNAPSHOT_CADENCE_SECONDS")
	overrideInt(&cfg.Pipeline.ContextSoftTokens, "COMMENTARY_CONTEXT_SOFT_TOKENS")
	overrideInt(&cfg.Pipeline.ContextHardTokens, "COMMENTARY_CONTEXT_HARD_TOKENS")
	overrideInt(&cfg.Pipeline.RefreshEveryNSnapshots, "COMMENTARY_REFRESH_EVERY_N_SNAPSHOTS")
	overrideInt(&cfg.Pipeline.StagePoolSize, "COMMENTARY_STAGE_POOL_SIZE")
	overrideInt(&cfg.Pipeline.PerSubscriberQueue, "COMMENTARY_PER_SUBSCRIBER_QUEUE")
	overrideFloat(&cfg.Pipeline.SkipAfterMultiplier, "COMMENTARY_SKIP_AFTER_MULTIPLIER")
	overrideInt(&cfg.Pipeline.LLMTimeoutSeconds, "COMMENTARY_LLM_TIMEOUT_SECONDS")
	overrideInt(&cfg.Pipeline.TTSTimeoutSeconds, "COMMENTARY_TTS_TIMEOUT_SECONDS")
	overrideInt(&cfg.Pipeline.FSTimeoutSeconds, "COMMENTARY_FS_TIMEOUT_SECONDS")
	overrideString(&cfg.Pipeline.IngestDirectory, "COMMENTARY_INGEST_DIRECTORY")
	overrideBool(&cfg.LLM.Enabled, "COMMENTARY_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "COMMENTARY_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "COMMENTARY_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "COMMENTARY_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "COMMENTARY_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "COMMENTARY_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "COMMENTARY_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "COMMENTARY_TTS_MODE")
	overrideString(&cfg.TTS.Command, "COMMENTARY_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "COMMENTARY_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "COMMENTARY_TTS_CHANNELS")
	overrideString(&cfg.Broadcast.Bind, "COMMENTARY_BROADCAST_BIND")
	overrideInt(&cfg.Broadcast.Port, "COMMENTARY_BROADCAST_PORT")
	overrideInt(&cfg.Broadcast.PerSubscriberQueue, "COMMENTARY_BROADCAST_QUEUE")
	overrideString(&cfg.Persistence.Root, "COMMENTARY_PERSISTENCE_ROOT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	p := cfg.Pipeline
	if p.GameID == "" {
		return errors.New("pipeline.game_id must not be empty")
	}
	if p.SnapshotCadenceSeconds <= 0 {
		return errors.New("pipeline.snapshot_cadence_seconds must be positive")
	}
	if p.ContextSoftTokens <= 0 || p.ContextHardTokens <= p.ContextSoftTokens {
		return errors.New("pipeline.context_hard_tokens must be greater than context_soft_tokens")
	}
	if p.RefreshEveryNSnapshots <= 0 {
		return errors.New("pipeline.refresh_every_n_snapshots must be positive")
	}
	if p.StagePoolSize <= 0 {
		return errors.New("pipeline.stage_pool_size must be positive")
	}
	if p.PerSubscriberQueue <= 0 {
		return errors.New("pipeline.per_subscriber_queue must be positive")
	}
	if p.SkipAfterMultiplier <= 0 {
		return errors.New("pipeline.skip_after_multiplier must be positive")
	}
	if p.MomentumFillerMax >= p.MomentumPlayByPlayMin {
		return errors.New("pipeline.momentum_filler_max must be less than momentum_play_by_play_min")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("llm.mode must be one of mock|exec|http")
		}
		if cfg.LLM.Mode == "http" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=http")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Broadcast.PerSubscriberQueue <= 0 {
		return errors.New("broadcast.per_subscriber_queue must be positive")
	}
	if cfg.Persistence.Root == "" {
		return errors.New("persistence.root must not be empty")
	}
	return nil
}
