package config

import (
	"os"
	"regexp"
	"time"

	"github.com/fithublabs/gatekeeper/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// AgentConfig is the top-level configuration of the gate agent.
	AgentConfig struct {
		Server  ServerConfig  `yaml:"server"`
		Session SessionConfig `yaml:"session"`
		Channel ChannelConfig `yaml:"channel"`
		Alerts  AlertsConfig  `yaml:"alerts"`
		Logger  LoggerConfig  `yaml:"logger"`
		Metrics MetricsConfig `yaml:"metrics"`
		Trace   TraceConfig   `yaml:"trace"`
	}

	// ServerConfig points the agent at the backend resource API and the
	// persistent event endpoint.
	ServerConfig struct {
		BaseURL   string        `yaml:"base_url"`   // e.g. http://localhost:5000
		SocketURL string        `yaml:"socket_url"` // defaults to BaseURL when empty
		Timeout   time.Duration `yaml:"timeout"`    // per-request HTTP timeout
	}

	// SessionConfig controls where the credential and profile are persisted
	// between restarts.
	SessionConfig struct {
		StatePath string `yaml:"state_path"` // path of the session state file
	}

	// ChannelConfig controls the event channel transports.
	ChannelConfig struct {
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		ReconnectMin     time.Duration `yaml:"reconnect_min"`      // initial redial backoff
		ReconnectMax     time.Duration `yaml:"reconnect_max"`      // backoff ceiling
		FallbackAfter    int           `yaml:"fallback_after"`     // failed dials before polling fallback
		PollInterval     time.Duration `yaml:"poll_interval"`      // polling transport cadence
		DisableFallback  bool          `yaml:"disable_fallback"`   // websocket only
	}

	// AlertsConfig controls the notification aggregator.
	AlertsConfig struct {
		PollInterval time.Duration     `yaml:"poll_interval"` // fallback poll cadence
		Window       int               `yaml:"window"`        // bounded recent-alert set size
		Store        AlertStoreConfig  `yaml:"store"`
	}

	// AlertStoreConfig selects the alert read-model backend.
	AlertStoreConfig struct {
		Type  string           `yaml:"type"` // "memory" or "redis"
		Redis AlertRedisConfig `yaml:"redis"`
	}

	// AlertRedisConfig configures the shared redis backend used when several
	// kiosk agents should see one unread set.
	AlertRedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}

	// MetricsConfig configures the prometheus endpoint of the agent.
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Addr      string    `yaml:"addr"` // listen address for /metrics
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// TraceConfig configures OpenTelemetry tracing for outbound API calls.
	TraceConfig struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Endpoint    string  `yaml:"endpoint"` // OTLP http endpoint, host:port
		Insecure    bool    `yaml:"insecure"`
		SamplerRate float64 `yaml:"sampler_rate"` // 0.0~1.0
		Environment string  `yaml:"environment"`
	}
)

// MockServerConfig is the configuration of the development backend fixture.
type MockServerConfig struct {
	Port      int          `yaml:"port"`
	JWTSecret string       `yaml:"jwt_secret"`
	Database  string       `yaml:"database"` // sqlite path, ":memory:" for ephemeral
	Logger    LoggerConfig `yaml:"logger"`
}

type Type interface {
	AgentConfig | MockServerConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	if agentCfg, ok := any(&cfg).(*AgentConfig); ok {
		agentCfg.SetDefaults()
	}

	return &cfg, cfgPath, nil
}

// SetDefaults fills zero values with working defaults.
func (c *AgentConfig) SetDefaults() {
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 15 * time.Second
	}
	if c.Server.SocketURL == "" {
		c.Server.SocketURL = c.Server.BaseURL
	}
	if c.Channel.DialTimeout <= 0 {
		c.Channel.DialTimeout = 10 * time.Second
	}
	if c.Channel.PingInterval <= 0 {
		c.Channel.PingInterval = 30 * time.Second
	}
	if c.Channel.ReconnectMin <= 0 {
		c.Channel.ReconnectMin = time.Second
	}
	if c.Channel.ReconnectMax <= 0 {
		c.Channel.ReconnectMax = 30 * time.Second
	}
	if c.Channel.FallbackAfter <= 0 {
		c.Channel.FallbackAfter = 3
	}
	if c.Channel.PollInterval <= 0 {
		c.Channel.PollInterval = 5 * time.Second
	}
	if c.Alerts.PollInterval <= 0 {
		c.Alerts.PollInterval = 30 * time.Second
	}
	if c.Alerts.Window <= 0 {
		c.Alerts.Window = 100
	}
	if c.Alerts.Store.Type == "" {
		c.Alerts.Store.Type = "memory"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
