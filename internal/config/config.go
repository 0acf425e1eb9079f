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

type Config struct {
	DaemonName  string          `yaml:"daemon_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	Store       StoreConfig     `yaml:"store"`
	Worker      WorkerConfig    `yaml:"worker"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	AudioDir        string `yaml:"audio_dir"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	WriteRetries    int    `yaml:"write_retries"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type WorkerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"` // mock, exec
	Command        string  `yaml:"command"`
	ModelPath      string  `yaml:"model_path"`
	Language       string  `yaml:"language"`
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	MaxAttempts    int     `yaml:"max_attempts"`
	RetryBackoffMS int     `yaml:"retry_backoff_ms"`
	MaxBackoffMS   int     `yaml:"max_backoff_ms"`
	Temperature    float64 `yaml:"temperature"`
}

func Default() Config {
	return Config{
		DaemonName:  "scribed",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8385,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			AudioDir:        "./data/audio",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 32000,
			WriteRetries:    3,
		},
		Store: StoreConfig{
			Path:          "./data/scribed.db",
			RetentionDays: 0,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			Mode:           "mock",
			PollIntervalMS: 500,
			MaxAttempts:    3,
			RetryBackoffMS: 2000,
			MaxBackoffMS:   60000,
			Temperature:    0,
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
	overrideString(&cfg.DaemonName, "SCRIBED_DAEMON_NAME")
	overrideString(&cfg.Environment, "SCRIBED_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBED_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBED_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBED_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBED_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBED_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SCRIBED_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBED_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBED_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBED_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBED_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBED_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBED_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.AudioDir, "SCRIBED_CAPTURE_AUDIO_DIR")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBED_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBED_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkDurationMS, "SCRIBED_CAPTURE_CHUNK_DURATION_MS")
	overrideInt(&cfg.Capture.WriteRetries, "SCRIBED_CAPTURE_WRITE_RETRIES")
	overrideString(&cfg.Store.Path, "SCRIBED_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBED_STORE_RETENTION_DAYS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBED_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Worker.Enabled, "SCRIBED_WORKER_ENABLED")
	overrideString(&cfg.Worker.Mode, "SCRIBED_WORKER_MODE")
	overrideString(&cfg.Worker.Command, "SCRIBED_WORKER_COMMAND")
	overrideString(&cfg.Worker.ModelPath, "SCRIBED_WORKER_MODEL_PATH")
	overrideString(&cfg.Worker.Language, "SCRIBED_WORKER_LANGUAGE")
	overrideInt(&cfg.Worker.PollIntervalMS, "SCRIBED_WORKER_POLL_INTERVAL_MS")
	overrideInt(&cfg.Worker.MaxAttempts, "SCRIBED_WORKER_MAX_ATTEMPTS")
	overrideInt(&cfg.Worker.RetryBackoffMS, "SCRIBED_WORKER_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Worker.MaxBackoffMS, "SCRIBED_WORKER_MAX_BACKOFF_MS")
	overrideFloat(&cfg.Worker.Temperature, "SCRIBED_WORKER_TEMPERATURE")
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
	if cfg.DaemonName == "" {
		return errors.New("daemon_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is enabled")
	}
	if cfg.Capture.AudioDir == "" {
		return errors.New("capture.audio_dir must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels != 1 {
		return errors.New("capture.channels must be 1 (mono PCM)")
	}
	if cfg.Capture.ChunkDurationMS <= 0 {
		return errors.New("capture.chunk_duration_ms must be positive")
	}
	if cfg.Capture.WriteRetries < 0 {
		return errors.New("capture.write_retries must be >= 0")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Worker.Enabled {
		switch cfg.Worker.Mode {
		case "mock", "exec":
		default:
			return errors.New("worker.mode must be one of mock|exec")
		}
		if cfg.Worker.Mode == "exec" && cfg.Worker.Command == "" {
			return errors.New("worker.command must be set when mode=exec")
		}
		if cfg.Worker.PollIntervalMS <= 0 {
			return errors.New("worker.poll_interval_ms must be positive")
		}
		if cfg.Worker.MaxAttempts <= 0 {
			return errors.New("worker.max_attempts must be >= 1")
		}
		if cfg.Worker.RetryBackoffMS < 0 {
			return errors.New("worker.retry_backoff_ms must be >= 0")
		}
	}
	return nil
}
