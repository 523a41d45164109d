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
	LogFormat      string `yaml:"log_format"` // json, console
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Settings    SettingsConfig  `yaml:"settings"`
	Speech      SpeechConfig    `yaml:"speech"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	Source      SourceConfig    `yaml:"source"`
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

type SettingsConfig struct {
	Path          string `yaml:"path"`
	Mode          string `yaml:"mode"` // ephemeral, persistent
	MaxLogEntries int    `yaml:"max_log_entries"`
}

type SpeechConfig struct {
	Mode             string `yaml:"mode"` // mock, shim, exec
	Command          string `yaml:"command"`
	MockDurationMS   int    `yaml:"mock_duration_ms"`
	Bridge           bool   `yaml:"bridge"`
	ServeBridge      bool   `yaml:"serve_bridge"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type MonitorConfig struct {
	ContainerRetries  int    `yaml:"container_retries"`
	ContainerDelayMS  int    `yaml:"container_delay_ms"`
	LoadRetries       int    `yaml:"load_retries"`
	LoadDelayMS       int    `yaml:"load_delay_ms"`
	RetryStrategy     string `yaml:"retry_strategy"` // none, linear, exponential
	URLPollIntervalMS int    `yaml:"url_poll_interval_ms"`
	DedupeCacheSize   int    `yaml:"dedupe_cache_size"`
}

type SourceConfig struct {
	Mode     string         `yaml:"mode"` // testpage, twitch, none
	TestPage TestPageConfig `yaml:"test_page"`
	Twitch   TwitchConfig   `yaml:"twitch"`
}

type TestPageConfig struct {
	AutoPostMS  int `yaml:"auto_post_ms"`
	MaxMessages int `yaml:"max_messages"`
}

type TwitchConfig struct {
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	OAuthToken string `yaml:"oauth_token"`
}

func Default() Config {
	return Config{
		RuntimeName: "chatreader",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Settings: SettingsConfig{
			Path:          "./data/chatreader-settings.db",
			Mode:          "persistent",
			MaxLogEntries: 1000,
		},
		Speech: SpeechConfig{
			Mode:             "mock",
			MockDurationMS:   500,
			Bridge:           true,
			ServeBridge:      true,
			RequestTimeoutMS: 600000,
		},
		Monitor: MonitorConfig{
			ContainerRetries:  50,
			ContainerDelayMS:  100,
			LoadRetries:       0,
			LoadDelayMS:       500,
			RetryStrategy:     "none",
			URLPollIntervalMS: 1000,
			DedupeCacheSize:   1024,
		},
		Source: SourceConfig{
			Mode: "testpage",
			TestPage: TestPageConfig{
				AutoPostMS:  3000,
				MaxMessages: 20,
			},
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
	overrideString(&cfg.RuntimeName, "CHATREADER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CHATREADER_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CHATREADER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CHATREADER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CHATREADER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "CHATREADER_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CHATREADER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CHATREADER_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CHATREADER_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CHATREADER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CHATREADER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CHATREADER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CHATREADER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CHATREADER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CHATREADER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CHATREADER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CHATREADER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CHATREADER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Settings.Path, "CHATREADER_SETTINGS_PATH")
	overrideString(&cfg.Settings.Mode, "CHATREADER_SETTINGS_MODE")
	overrideInt(&cfg.Settings.MaxLogEntries, "CHATREADER_SETTINGS_MAX_LOG_ENTRIES")
	overrideString(&cfg.Speech.Mode, "CHATREADER_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "CHATREADER_SPEECH_COMMAND")
	overrideInt(&cfg.Speech.MockDurationMS, "CHATREADER_SPEECH_MOCK_DURATION_MS")
	overrideBool(&cfg.Speech.Bridge, "CHATREADER_SPEECH_BRIDGE")
	overrideBool(&cfg.Speech.ServeBridge, "CHATREADER_SPEECH_SERVE_BRIDGE")
	overrideInt(&cfg.Speech.RequestTimeoutMS, "CHATREADER_SPEECH_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Monitor.ContainerRetries, "CHATREADER_MONITOR_CONTAINER_RETRIES")
	overrideInt(&cfg.Monitor.ContainerDelayMS, "CHATREADER_MONITOR_CONTAINER_DELAY_MS")
	overrideInt(&cfg.Monitor.LoadRetries, "CHATREADER_MONITOR_LOAD_RETRIES")
	overrideInt(&cfg.Monitor.LoadDelayMS, "CHATREADER_MONITOR_LOAD_DELAY_MS")
	overrideString(&cfg.Monitor.RetryStrategy, "CHATREADER_MONITOR_RETRY_STRATEGY")
	overrideInt(&cfg.Monitor.URLPollIntervalMS, "CHATREADER_MONITOR_URL_POLL_INTERVAL_MS")
	overrideInt(&cfg.Monitor.DedupeCacheSize, "CHATREADER_MONITOR_DEDUPE_CACHE_SIZE")
	overrideString(&cfg.Source.Mode, "CHATREADER_SOURCE_MODE")
	overrideInt(&cfg.Source.TestPage.AutoPostMS, "CHATREADER_SOURCE_TEST_PAGE_AUTO_POST_MS")
	overrideInt(&cfg.Source.TestPage.MaxMessages, "CHATREADER_SOURCE_TEST_PAGE_MAX_MESSAGES")
	overrideString(&cfg.Source.Twitch.Channel, "CHATREADER_SOURCE_TWITCH_CHANNEL")
	overrideString(&cfg.Source.Twitch.Username, "CHATREADER_SOURCE_TWITCH_USERNAME")
	overrideString(&cfg.Source.Twitch.OAuthToken, "CHATREADER_SOURCE_TWITCH_OAUTH_TOKEN")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
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
	switch cfg.Settings.Mode {
	case "ephemeral":
	case "persistent":
		if cfg.Settings.Path == "" {
			return errors.New("settings.path must not be empty when mode=persistent")
		}
	default:
		return errors.New("settings.mode must be one of ephemeral|persistent")
	}
	if cfg.Settings.MaxLogEntries <= 0 {
		return errors.New("settings.max_log_entries must be positive")
	}
	switch cfg.Speech.Mode {
	case "mock", "shim":
	case "exec":
		if cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
	default:
		return errors.New("speech.mode must be one of mock|shim|exec")
	}
	if cfg.Speech.RequestTimeoutMS < 0 {
		return errors.New("speech.request_timeout_ms must be >= 0")
	}
	if cfg.Monitor.ContainerRetries < 1 {
		return errors.New("monitor.container_retries must be >= 1")
	}
	if cfg.Monitor.ContainerDelayMS <= 0 || cfg.Monitor.LoadDelayMS <= 0 {
		return errors.New("monitor retry delays must be positive")
	}
	if cfg.Monitor.LoadRetries < 0 {
		return errors.New("monitor.load_retries must be >= 0")
	}
	switch cfg.Monitor.RetryStrategy {
	case "none", "linear", "exponential":
	default:
		return errors.New("monitor.retry_strategy must be one of none|linear|exponential")
	}
	if cfg.Monitor.URLPollIntervalMS <= 0 {
		return errors.New("monitor.url_poll_interval_ms must be positive")
	}
	switch cfg.Source.Mode {
	case "testpage", "none":
	case "twitch":
		if cfg.Source.Twitch.Channel == "" {
			return errors.New("source.twitch.channel must be set when mode=twitch")
		}
	default:
		return errors.New("source.mode must be one of testpage|twitch|none")
	}
	return nil
}
