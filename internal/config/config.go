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
	PrometheusBind string `yaml:"prometheus_bind"` // extra listener for /metrics, empty to serve it on the main port only
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	TTS         TTSConfig        `yaml:"tts"`
	Targets     TargetsConfig    `yaml:"targets"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	LLM         LLMConfig        `yaml:"llm"`
	Chat        ChatConfig       `yaml:"chat"`
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
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig drives the playback sequencer.
type SpeechConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Engine            string  `yaml:"engine"` // target, synth
	Target            string  `yaml:"target"`
	MaxChunkLength    int     `yaml:"max_chunk_length"`
	ChunkGapMS        int     `yaml:"chunk_gap_ms"`
	Rate              float64 `yaml:"rate"`
	Pitch             float64 `yaml:"pitch"`
	Volume            float64 `yaml:"volume"`
	Language          string  `yaml:"language"`
	PreferredProvider string  `yaml:"preferred_provider"`
	VoicesTimeoutMS   int     `yaml:"voices_timeout_ms"`
}

type VoiceConfig struct {
	Name string `yaml:"name"`
	Lang string `yaml:"lang"`
}

type TTSConfig struct {
	Mode            string        `yaml:"mode"` // mock, exec
	Command         string        `yaml:"command"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	ChunkDurationMS int           `yaml:"chunk_duration_ms"`
	TimeoutMS       int           `yaml:"timeout_ms"`
	Voices          []VoiceConfig `yaml:"voices"`
}

// TargetsConfig controls tracking of remote playback targets.
type TargetsConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout_ms"`
	SweepInterval    int `yaml:"sweep_interval_ms"`
	UtteranceTimeout int `yaml:"utterance_timeout_ms"`
}

type GatewayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	WriteTimeoutMS int      `yaml:"write_timeout_ms"`
	PingIntervalMS int      `yaml:"ping_interval_ms"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"` // openai-compatible endpoint, empty for api.openai.com
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	System        string  `yaml:"system"`
}

type ChatConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Speak     bool   `yaml:"speak"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Tier      string `yaml:"tier"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speech.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Enabled:           true,
			Engine:            "target",
			Target:            "default",
			MaxChunkLength:    200,
			ChunkGapMS:        100,
			Rate:              0.9,
			Pitch:             1.0,
			Volume:            0.8,
			Language:          "en",
			PreferredProvider: "Google",
			VoicesTimeoutMS:   2000,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			TimeoutMS:       45000,
			Voices: []VoiceConfig{
				{Name: "en_US-lessac-medium", Lang: "en-US"},
			},
		},
		Targets: TargetsConfig{
			HeartbeatTimeout: 15000,
			SweepInterval:    1000,
			UtteranceTimeout: 60000,
		},
		Gateway: GatewayConfig{
			Enabled:        true,
			Path:           "/ws",
			WriteTimeoutMS: 5000,
			PingIntervalMS: 5000,
		},
		LLM: LLMConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     256,
			Temperature:   0.7,
		},
		Chat: ChatConfig{
			Enabled:   true,
			Speak:     true,
			TimeoutMS: 60000,
			Tier:      "balanced",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Engine, "LOQA_SPEECH_ENGINE")
	overrideString(&cfg.Speech.Target, "LOQA_SPEECH_TARGET")
	overrideInt(&cfg.Speech.MaxChunkLength, "LOQA_SPEECH_MAX_CHUNK_LENGTH")
	overrideInt(&cfg.Speech.ChunkGapMS, "LOQA_SPEECH_CHUNK_GAP_MS")
	overrideFloat(&cfg.Speech.Rate, "LOQA_SPEECH_RATE")
	overrideFloat(&cfg.Speech.Pitch, "LOQA_SPEECH_PITCH")
	overrideFloat(&cfg.Speech.Volume, "LOQA_SPEECH_VOLUME")
	overrideString(&cfg.Speech.Language, "LOQA_SPEECH_LANGUAGE")
	overrideString(&cfg.Speech.PreferredProvider, "LOQA_SPEECH_PREFERRED_PROVIDER")
	overrideInt(&cfg.Speech.VoicesTimeoutMS, "LOQA_SPEECH_VOICES_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Targets.HeartbeatTimeout, "LOQA_TARGETS_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Targets.SweepInterval, "LOQA_TARGETS_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Targets.UtteranceTimeout, "LOQA_TARGETS_UTTERANCE_TIMEOUT_MS")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideStringSlice(&cfg.Gateway.AllowedOrigins, "LOQA_GATEWAY_ALLOWED_ORIGINS")
	overrideInt(&cfg.Gateway.WriteTimeoutMS, "LOQA_GATEWAY_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.PingIntervalMS, "LOQA_GATEWAY_PING_INTERVAL_MS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "LOQA_LLM_BASE_URL")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideBool(&cfg.Chat.Enabled, "LOQA_CHAT_ENABLED")
	overrideBool(&cfg.Chat.Speak, "LOQA_CHAT_SPEAK")
	overrideInt(&cfg.Chat.TimeoutMS, "LOQA_CHAT_TIMEOUT_MS")
	overrideString(&cfg.Chat.Tier, "LOQA_CHAT_TIER")
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
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Speech.Engine {
	case "target":
		if cfg.Speech.Target == "" {
			return errors.New("speech.target must be set when engine=target")
		}
	case "synth":
	default:
		return errors.New("speech.engine must be one of target|synth")
	}
	if cfg.Speech.MaxChunkLength <= 0 {
		return errors.New("speech.max_chunk_length must be positive")
	}
	if cfg.Speech.ChunkGapMS < 0 {
		return errors.New("speech.chunk_gap_ms must be >= 0")
	}
	if cfg.Speech.Rate <= 0 {
		return errors.New("speech.rate must be positive")
	}
	if cfg.Speech.Volume < 0 || cfg.Speech.Volume > 1 {
		return errors.New("speech.volume must be between 0 and 1")
	}
	if cfg.Speech.Engine == "synth" {
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
	if cfg.Speech.Engine == "target" && cfg.Targets.HeartbeatTimeout <= 0 {
		return errors.New("targets.heartbeat_timeout_ms must be positive")
	}
	if cfg.Gateway.Enabled && !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.Chat.Enabled && !cfg.LLM.Enabled {
		return errors.New("chat requires llm.enabled")
	}
	return nil
}
