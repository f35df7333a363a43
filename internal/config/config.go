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

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Node          NodeConfig          `yaml:"node"`
	Store         StoreConfig         `yaml:"store"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Formatter     FormatterConfig     `yaml:"formatter"`
	Ink           InkConfig           `yaml:"ink"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
}

// Identity names this node to bus peers and telemetry backends.
type Identity struct {
	Service     string
	Environment string
	NodeID      string
	Role        string
}

func (c Config) Identity() Identity {
	return Identity{
		Service:     c.RuntimeName,
		Environment: c.Environment,
		NodeID:      c.Node.ID,
		Role:        c.Node.Role,
	}
}

// ServerName is the NATS server name for this node.
func (id Identity) ServerName() string {
	if id.NodeID == "" {
		return id.Service
	}
	return id.Service + "-" + id.NodeID
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// StoreConfig controls the sqlite database holding the meeting snapshot and
// the activity journal.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	SnapshotKey   string `yaml:"snapshot_key"`
	SeedOnEmpty   bool   `yaml:"seed_on_empty"`
}

type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FrameDurationMS int `yaml:"frame_duration_ms"`
}

type TranscriptionConfig struct {
	Locale         string            `yaml:"locale"`
	DefaultSpeaker string            `yaml:"default_speaker"`
	Advanced       AdvancedSTTConfig `yaml:"advanced"`
	Fallback       FallbackSTTConfig `yaml:"fallback"`
}

type AdvancedSTTConfig struct {
	Mode       string `yaml:"mode"` // none, mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type FallbackSTTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	SegmentMS      int    `yaml:"segment_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type FormatterConfig struct {
	TopicPhrases      []string `yaml:"topic_phrases"`
	AnswerTokens      []string `yaml:"answer_tokens"`
	MaxFragments      int      `yaml:"max_fragments"`
	WordThreshold     int      `yaml:"word_threshold"`
	LongFragmentCount int      `yaml:"long_fragment_count"`
}

// InkDebounceFloorMS is the lowest automatic recognition debounce accepted.
const InkDebounceFloorMS = 2000

type InkConfig struct {
	Mode              string   `yaml:"mode"` // mock, exec
	Command           string   `yaml:"command"`
	Languages         []string `yaml:"languages"`
	ConfidenceFloor   float64  `yaml:"confidence_floor"`
	CacheSize         int      `yaml:"cache_size"`
	RenderScale       float64  `yaml:"render_scale"`
	MinDimension      int      `yaml:"min_dimension"`
	DebounceMS        int      `yaml:"debounce_ms"`
	MinDebounceMS     int      `yaml:"min_debounce_ms"`
	ActiveThresholdMS int      `yaml:"active_threshold_ms"`
}

type AnalysisConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// AutoKinds are requested whenever a recording completes.
	AutoKinds []string `yaml:"auto_kinds"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
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
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "scribe",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Store: StoreConfig{
			Path:          "./data/scribe.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxSessions:   10000,
			SnapshotKey:   "loqa.scribe.meetings.v1",
			SeedOnEmpty:   true,
		},
		Audio: AudioConfig{
			SampleRate:      48000,
			Channels:        1,
			FrameDurationMS: 20,
		},
		Transcription: TranscriptionConfig{
			Locale:         "en-US",
			DefaultSpeaker: "Speaker 1",
			Advanced: AdvancedSTTConfig{
				Mode:       "mock",
				SampleRate: 16000,
				Channels:   1,
			},
			Fallback: FallbackSTTConfig{
				Mode:           "mock",
				SampleRate:     16000,
				Channels:       1,
				PartialEveryMS: 800,
				SegmentMS:      5000,
				PublishInterim: true,
			},
		},
		Formatter: FormatterConfig{
			TopicPhrases: []string{
				"however", "moving on", "regarding", "next", "on another note",
				"speaking of", "let's talk about", "another thing", "finally", "so anyway",
			},
			AnswerTokens:      []string{"yes", "no", "yeah", "yep", "nope", "sure", "right", "correct", "exactly", "absolutely", "not"},
			MaxFragments:      4,
			WordThreshold:     30,
			LongFragmentCount: 2,
		},
		Ink: InkConfig{
			Mode:              "mock",
			Languages:         []string{"en-US"},
			ConfidenceFloor:   0.3,
			CacheSize:         256,
			RenderScale:       2,
			MinDimension:      512,
			DebounceMS:        2000,
			MinDebounceMS:     2000,
			ActiveThresholdMS: 1000,
		},
		Analysis: AnalysisConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   1024,
			Temperature: 0.3,
			AutoKinds:   []string{"summary", "action_items"},
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SCRIBE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "SCRIBE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "SCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Store.SnapshotKey, "SCRIBE_STORE_SNAPSHOT_KEY")
	overrideBool(&cfg.Store.SeedOnEmpty, "SCRIBE_STORE_SEED_ON_EMPTY")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "SCRIBE_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Transcription.Locale, "SCRIBE_STT_LOCALE")
	overrideString(&cfg.Transcription.DefaultSpeaker, "SCRIBE_STT_DEFAULT_SPEAKER")
	overrideString(&cfg.Transcription.Advanced.Mode, "SCRIBE_STT_ADVANCED_MODE")
	overrideString(&cfg.Transcription.Advanced.Command, "SCRIBE_STT_ADVANCED_COMMAND")
	overrideString(&cfg.Transcription.Advanced.ModelPath, "SCRIBE_STT_ADVANCED_MODEL_PATH")
	overrideString(&cfg.Transcription.Fallback.Mode, "SCRIBE_STT_FALLBACK_MODE")
	overrideString(&cfg.Transcription.Fallback.Command, "SCRIBE_STT_FALLBACK_COMMAND")
	overrideString(&cfg.Transcription.Fallback.ModelPath, "SCRIBE_STT_FALLBACK_MODEL_PATH")
	overrideInt(&cfg.Transcription.Fallback.PartialEveryMS, "SCRIBE_STT_FALLBACK_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Transcription.Fallback.SegmentMS, "SCRIBE_STT_FALLBACK_SEGMENT_MS")
	overrideBool(&cfg.Transcription.Fallback.PublishInterim, "SCRIBE_STT_FALLBACK_PUBLISH_INTERIM")
	overrideStringSlice(&cfg.Formatter.TopicPhrases, "SCRIBE_FORMATTER_TOPIC_PHRASES")
	overrideInt(&cfg.Formatter.MaxFragments, "SCRIBE_FORMATTER_MAX_FRAGMENTS")
	overrideInt(&cfg.Formatter.WordThreshold, "SCRIBE_FORMATTER_WORD_THRESHOLD")
	overrideString(&cfg.Ink.Mode, "SCRIBE_INK_MODE")
	overrideString(&cfg.Ink.Command, "SCRIBE_INK_COMMAND")
	overrideStringSlice(&cfg.Ink.Languages, "SCRIBE_INK_LANGUAGES")
	overrideFloat(&cfg.Ink.ConfidenceFloor, "SCRIBE_INK_CONFIDENCE_FLOOR")
	overrideInt(&cfg.Ink.CacheSize, "SCRIBE_INK_CACHE_SIZE")
	overrideInt(&cfg.Ink.DebounceMS, "SCRIBE_INK_DEBOUNCE_MS")
	overrideInt(&cfg.Ink.ActiveThresholdMS, "SCRIBE_INK_ACTIVE_THRESHOLD_MS")
	overrideBool(&cfg.Analysis.Enabled, "SCRIBE_ANALYSIS_ENABLED")
	overrideString(&cfg.Analysis.Mode, "SCRIBE_ANALYSIS_MODE")
	overrideString(&cfg.Analysis.Endpoint, "SCRIBE_ANALYSIS_ENDPOINT")
	overrideString(&cfg.Analysis.Command, "SCRIBE_ANALYSIS_COMMAND")
	overrideString(&cfg.Analysis.Model, "SCRIBE_ANALYSIS_MODEL")
	overrideString(&cfg.Analysis.APIKey, "SCRIBE_ANALYSIS_API_KEY")
	overrideInt(&cfg.Analysis.MaxTokens, "SCRIBE_ANALYSIS_MAX_TOKENS")
	overrideFloat(&cfg.Analysis.Temperature, "SCRIBE_ANALYSIS_TEMPERATURE")
	overrideStringSlice(&cfg.Analysis.AutoKinds, "SCRIBE_ANALYSIS_AUTO_KINDS")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.SnapshotKey == "" {
		return errors.New("store.snapshot_key must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 || cfg.Audio.Channels <= 0 {
		return errors.New("audio.sample_rate and audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Transcription.Locale == "" {
		return errors.New("transcription.locale must not be empty")
	}
	switch cfg.Transcription.Advanced.Mode {
	case "none", "mock":
	case "exec":
		if cfg.Transcription.Advanced.Command == "" {
			return errors.New("transcription.advanced.command must be set when mode=exec")
		}
	default:
		return errors.New("transcription.advanced.mode must be one of none|mock|exec")
	}
	switch cfg.Transcription.Fallback.Mode {
	case "mock":
	case "exec":
		if cfg.Transcription.Fallback.Command == "" {
			return errors.New("transcription.fallback.command must be set when mode=exec")
		}
	default:
		return errors.New("transcription.fallback.mode must be one of mock|exec")
	}
	if cfg.Transcription.Fallback.SampleRate <= 0 || cfg.Transcription.Fallback.Channels <= 0 {
		return errors.New("transcription.fallback sample_rate and channels must be positive")
	}
	if cfg.Formatter.MaxFragments <= 0 {
		return errors.New("formatter.max_fragments must be positive")
	}
	if cfg.Formatter.WordThreshold <= 0 {
		return errors.New("formatter.word_threshold must be positive")
	}
	switch cfg.Ink.Mode {
	case "mock":
	case "exec":
		if cfg.Ink.Command == "" {
			return errors.New("ink.command must be set when mode=exec")
		}
	default:
		return errors.New("ink.mode must be one of mock|exec")
	}
	if cfg.Ink.ConfidenceFloor < 0 || cfg.Ink.ConfidenceFloor > 1 {
		return errors.New("ink.confidence_floor must be within [0,1]")
	}
	if cfg.Ink.CacheSize <= 0 {
		return errors.New("ink.cache_size must be >= 1")
	}
	if cfg.Ink.MinDebounceMS < InkDebounceFloorMS {
		return fmt.Errorf("ink.min_debounce_ms must be >= %d", InkDebounceFloorMS)
	}
	if cfg.Analysis.Enabled {
		switch cfg.Analysis.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("analysis.mode must be one of mock|ollama|exec")
		}
		if cfg.Analysis.Mode == "ollama" && cfg.Analysis.Endpoint == "" {
			return errors.New("analysis.endpoint must be set when mode=ollama")
		}
		if cfg.Analysis.Mode == "exec" && cfg.Analysis.Command == "" {
			return errors.New("analysis.command must be set when mode=exec")
		}
		if cfg.Analysis.MaxTokens < 0 {
			return errors.New("analysis.max_tokens must be >= 0")
		}
		for _, kind := range cfg.Analysis.AutoKinds {
			switch kind {
			case "summary", "notes", "action_items":
			default:
				return fmt.Errorf("analysis.auto_kinds: unknown kind %q", kind)
			}
		}
	}
	return nil
}
