package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

// Prefix is the environment prefix of every setting.
const Prefix = "SENTINEL"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Server
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":7420"`
	DBPath         string        `envconfig:"DB_PATH" default:"sentinel.db"`
	JWTSecret      string        `envconfig:"JWT_SECRET"`
	OutboxSize     int           `envconfig:"OUTBOX_SIZE" default:"256"`
	ReplayPageSize int           `envconfig:"REPLAY_PAGE_SIZE" default:"500"`
	RetentionEvery time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
	EventRetention time.Duration `envconfig:"EVENT_RETENTION" default:"168h"`
	ReplayLogTTL   time.Duration `envconfig:"REPLAY_LOG_RETENTION" default:"720h"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtReadOnlyKey string `envconfig:"MGMT_READONLY_KEY"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateLimit   int    `envconfig:"MGMT_RATE_LIMIT" default:"600"`

	// Execution control
	CircuitBreakerMax    int           `envconfig:"CIRCUIT_BREAKER_MAX" default:"120"`
	CircuitBreakerWindow time.Duration `envconfig:"CIRCUIT_BREAKER_WINDOW" default:"1m"`
	RiskThreshold        string        `envconfig:"RISK_THRESHOLD" default:"critical"`

	// Interceptor
	ProjectID         string        `envconfig:"PROJECT_ID"`
	ProjectRoot       string        `envconfig:"PROJECT_ROOT" default:"."`
	ServerURL         string        `envconfig:"SERVER_URL" default:"ws://localhost:7420/ws"`
	ClientID          string        `envconfig:"CLIENT_ID"`
	AuthToken         string        `envconfig:"AUTH_TOKEN"`
	LocalDBPath       string        `envconfig:"LOCAL_DB_PATH" default:".sentinel/sentinel.db"`
	Debounce          time.Duration `envconfig:"DEBOUNCE" default:"300ms"`
	CorrelationWindow time.Duration `envconfig:"CORRELATION_WINDOW" default:"100ms"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" default:"500ms"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	QueueCapacity     int           `envconfig:"QUEUE_CAPACITY" default:"1000"`
	IgnorePatterns    []string      `envconfig:"IGNORE" default:".git/**,node_modules/**,.sentinel/history.git/**,.sentinel/sentinel.db*"`
	EnforceMode       string        `envconfig:"ENFORCE_MODE" default:"observe"`
	ZonesFile         string        `envconfig:"ZONES_FILE"`
	ClientRateMax     int           `envconfig:"CLIENT_RATE_MAX" default:"60"`
	ClientRateWindow  time.Duration `envconfig:"CLIENT_RATE_WINDOW" default:"1m"`
	AgentPID          int           `envconfig:"AGENT_PID"`
	MetricsAddr       string        `envconfig:"METRICS_ADDR"`

	// Integrations (optional)
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string   `envconfig:"KAFKA_TOPIC" default:"sentinel.file-events"`
	SlackWebhookURL string   `envconfig:"SLACK_WEBHOOK_URL"`
}

// KafkaEnabled returns true if brokers are configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// SlackEnabled returns true if an alert webhook is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

// AuthEnabled returns true if client tokens are verified.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// Risk returns the parsed auto-stop risk threshold.
func (c *Config) Risk() models.RiskLevel {
	level, _ := models.ParseRiskLevel(c.RiskThreshold)
	return level
}

// CORSOrigins returns the parsed list of allowed origins.
func (c *Config) CORSOrigins() []string {
	if c.MgmtCORSOrigins == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(c.MgmtCORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate rejects malformed settings.
func (c *Config) Validate() error {
	var problems []string
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL: %v", err))
	}
	if _, err := models.ParseRiskLevel(c.RiskThreshold); err != nil {
		problems = append(problems, fmt.Sprintf("RISK_THRESHOLD: %v", err))
	}
	switch c.EnforceMode {
	case "observe", "remediate":
	default:
		problems = append(problems, fmt.Sprintf("ENFORCE_MODE: %q is not observe or remediate", c.EnforceMode))
	}
	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		problems = append(problems, fmt.Sprintf("SERVER_URL: %q is not a ws:// or wss:// URL", c.ServerURL))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"DEBOUNCE", c.Debounce},
		{"CORRELATION_WINDOW", c.CorrelationWindow},
		{"RECONCILE_INTERVAL", c.ReconcileInterval},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"BACKOFF_BASE", c.BackoffBase},
		{"CIRCUIT_BREAKER_WINDOW", c.CircuitBreakerWindow},
		{"CLIENT_RATE_WINDOW", c.ClientRateWindow},
	} {
		if d.v <= 0 {
			problems = append(problems, fmt.Sprintf("%s: must be positive", d.name))
		}
	}
	if c.BackoffMax < c.BackoffBase {
		problems = append(problems, "BACKOFF_MAX: must not be below BACKOFF_BASE")
	}
	if c.QueueCapacity <= 0 {
		problems = append(problems, "QUEUE_CAPACITY: must be positive")
	}
	if c.MgmtReadOnlyKey != "" && c.MgmtAPIKey == "" {
		problems = append(problems, "MGMT_READONLY_KEY: requires MGMT_API_KEY")
	}
	if c.CircuitBreakerMax < 0 || c.ClientRateMax < 0 || c.MgmtRateLimit < 0 {
		problems = append(problems, "rate limits must not be negative")
	}
	for _, p := range c.IgnorePatterns {
		if !doublestar.ValidatePattern(p) {
			problems = append(problems, fmt.Sprintf("IGNORE: malformed pattern %q", p))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", serrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from SENTINEL_* environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a prefix and validates it.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
