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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SessionConfig covers capacity and lifecycle knobs for the session manager.
type SessionConfig struct {
	MaxSessions       int `yaml:"max_sessions"`
	DrainGraceMS      int `yaml:"drain_grace_ms"`
	FinalityTimeoutMS int `yaml:"finality_timeout_ms"`
	HistoryLimit      int `yaml:"history_limit"`
}

// PipelineConfig covers coordinator timing and buffering.
type PipelineConfig struct {
	FlushTimeoutMS       int `yaml:"flush_timeout_ms"`
	GenerationDeadlineMS int `yaml:"generation_deadline_ms"`
	SynthesisDeadlineMS  int `yaml:"synthesis_deadline_ms"`
	RetryBackoffMS       int `yaml:"retry_backoff_ms"`
	AudioRingSize        int `yaml:"audio_ring_size"`
	QueueDepth           int `yaml:"queue_depth"`
}

// BargeInConfig tunes interruption detection during assistant playback.
type BargeInConfig struct {
	Enabled                      bool    `yaml:"enabled"`
	DebounceMS                   int     `yaml:"debounce_ms"`
	EnergyThreshold              float64 `yaml:"energy_threshold"`
	ClientCancelBypassesDebounce bool    `yaml:"client_cancel_bypasses_debounce"`
}

type ASRConfig struct {
	Mode            string `yaml:"mode"` // mock, bus
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, bus
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, bus
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Session     SessionConfig    `yaml:"session"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	BargeIn     BargeInConfig    `yaml:"barge_in"`
	ASR         ASRConfig        `yaml:"asr"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-gateway",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Session: SessionConfig{
			MaxSessions:       256,
			DrainGraceMS:      10000,
			FinalityTimeoutMS: 10000,
			HistoryLimit:      20,
		},
		Pipeline: PipelineConfig{
			FlushTimeoutMS:       300,
			GenerationDeadlineMS: 30000,
			SynthesisDeadlineMS:  15000,
			RetryBackoffMS:       250,
			AudioRingSize:        64,
			QueueDepth:           32,
		},
		BargeIn: BargeInConfig{
			Enabled:                      true,
			DebounceMS:                   200,
			EnergyThreshold:              500,
			ClientCancelBypassesDebounce: true,
		},
		ASR: ASRConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-gateway.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "LOQA_GW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_GW_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_GW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_GW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_GW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_GW_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_GW_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_GW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_GW_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_GW_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_GW_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_GW_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_GW_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_GW_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_GW_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_GW_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxSessions, "LOQA_GW_SESSION_MAX_SESSIONS")
	overrideInt(&cfg.Session.DrainGraceMS, "LOQA_GW_SESSION_DRAIN_GRACE_MS")
	overrideInt(&cfg.Session.FinalityTimeoutMS, "LOQA_GW_SESSION_FINALITY_TIMEOUT_MS")
	overrideInt(&cfg.Session.HistoryLimit, "LOQA_GW_SESSION_HISTORY_LIMIT")
	overrideInt(&cfg.Pipeline.FlushTimeoutMS, "LOQA_GW_PIPELINE_FLUSH_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.GenerationDeadlineMS, "LOQA_GW_PIPELINE_GENERATION_DEADLINE_MS")
	overrideInt(&cfg.Pipeline.SynthesisDeadlineMS, "LOQA_GW_PIPELINE_SYNTHESIS_DEADLINE_MS")
	overrideInt(&cfg.Pipeline.RetryBackoffMS, "LOQA_GW_PIPELINE_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Pipeline.AudioRingSize, "LOQA_GW_PIPELINE_AUDIO_RING_SIZE")
	overrideInt(&cfg.Pipeline.QueueDepth, "LOQA_GW_PIPELINE_QUEUE_DEPTH")
	overrideBool(&cfg.BargeIn.Enabled, "LOQA_GW_BARGE_IN_ENABLED")
	overrideInt(&cfg.BargeIn.DebounceMS, "LOQA_GW_BARGE_IN_DEBOUNCE_MS")
	overrideFloat(&cfg.BargeIn.EnergyThreshold, "LOQA_GW_BARGE_IN_ENERGY_THRESHOLD")
	overrideBool(&cfg.BargeIn.ClientCancelBypassesDebounce, "LOQA_GW_BARGE_IN_CLIENT_CANCEL_BYPASSES_DEBOUNCE")
	overrideString(&cfg.ASR.Mode, "LOQA_GW_ASR_MODE")
	overrideInt(&cfg.ASR.SampleRate, "LOQA_GW_ASR_SAMPLE_RATE")
	overrideInt(&cfg.ASR.Channels, "LOQA_GW_ASR_CHANNELS")
	overrideInt(&cfg.ASR.FrameDurationMS, "LOQA_GW_ASR_FRAME_DURATION_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_GW_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_GW_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "LOQA_GW_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_GW_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_GW_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "LOQA_GW_TTS_MODE")
	overrideString(&cfg.TTS.Voice, "LOQA_GW_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_GW_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_GW_TTS_CHANNELS")
	overrideString(&cfg.EventStore.Path, "LOQA_GW_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_GW_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_GW_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_GW_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_GW_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Session.MaxSessions <= 0 {
		return errors.New("session.max_sessions must be >= 1")
	}
	if cfg.Session.DrainGraceMS < 0 {
		return errors.New("session.drain_grace_ms must be >= 0")
	}
	if cfg.Session.FinalityTimeoutMS <= 0 {
		return errors.New("session.finality_timeout_ms must be positive")
	}
	if cfg.Session.HistoryLimit < 0 {
		return errors.New("session.history_limit must be >= 0")
	}
	if cfg.Pipeline.FlushTimeoutMS <= 0 {
		return errors.New("pipeline.flush_timeout_ms must be positive")
	}
	if cfg.Pipeline.GenerationDeadlineMS <= 0 || cfg.Pipeline.SynthesisDeadlineMS <= 0 {
		return errors.New("pipeline deadlines must be positive")
	}
	if cfg.Pipeline.AudioRingSize <= 0 {
		return errors.New("pipeline.audio_ring_size must be >= 1")
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be >= 1")
	}
	if cfg.BargeIn.Enabled {
		if cfg.BargeIn.DebounceMS <= 0 {
			return errors.New("barge_in.debounce_ms must be positive")
		}
		if cfg.BargeIn.EnergyThreshold <= 0 {
			return errors.New("barge_in.energy_threshold must be positive")
		}
	}
	switch cfg.ASR.Mode {
	case "mock", "bus":
	default:
		return errors.New("asr.mode must be one of mock|bus")
	}
	if cfg.ASR.SampleRate <= 0 || cfg.ASR.Channels <= 0 {
		return errors.New("asr.sample_rate and asr.channels must be positive")
	}
	if cfg.ASR.FrameDurationMS <= 0 {
		return errors.New("asr.frame_duration_ms must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "bus":
	default:
		return errors.New("llm.mode must be one of mock|ollama|bus")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "bus":
	default:
		return errors.New("tts.mode must be one of mock|bus")
	}
	if cfg.TTS.SampleRate <= 0 || cfg.TTS.Channels <= 0 {
		return errors.New("tts.sample_rate and tts.channels must be positive")
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
	return nil
}
