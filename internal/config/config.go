package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the top-level holdline configuration.
type Config struct {
	API        APIConfig       `json:"api"`
	Store      StoreConfig     `json:"store"`
	Relay      RelayConfig     `json:"relay"`
	Issuer     IssuerConfig    `json:"issuer"`
	Poll       PollConfig      `json:"poll"`
	Fanout     FanoutConfig    `json:"fanout"`
	Client     ClientConfig    `json:"client"`
	Telemetry  TelemetryConfig `json:"telemetry"`
	Connectors ConnectorConfig `json:"connectors"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Key       string  `json:"api_key"`
	RateLimit float64 `json:"rate_limit,omitempty"` // requests/second per client, 0 = off
	Burst     int     `json:"burst,omitempty"`
}

// StoreConfig selects the Ticket Store backend.
type StoreConfig struct {
	Driver string `json:"driver"` // sqlite (default), postgres, memory
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// RelayConfig selects the relay transport and its envelope codec.
type RelayConfig struct {
	Driver   string         `json:"driver"` // redis (default), postgres, memory
	Addr     string         `json:"addr,omitempty"`
	Password string         `json:"password,omitempty"`
	DB       int            `json:"db,omitempty"`
	DSN      string         `json:"dsn,omitempty"`
	Codec    string         `json:"codec,omitempty"` // json (default) or cbor
	Channels ChannelsConfig `json:"channels"`
	Backoff  BackoffConfig  `json:"backoff"`
}

// ChannelsConfig names the relay channels per envelope family.
type ChannelsConfig struct {
	Approval string `json:"approval"`
	Job      string `json:"job"`
	Status   string `json:"status"`
}

// BackoffConfig bounds consumer reconnects.
type BackoffConfig struct {
	Base        Duration `json:"base"`
	MaxAttempts int      `json:"max_attempts"`
}

// IssuerConfig holds ticket issuer settings.
type IssuerConfig struct {
	OutboxSize     int      `json:"outbox_size"`
	FlushSchedule  string   `json:"flush_schedule"`
	PublishTimeout Duration `json:"publish_timeout"`
}

// PollConfig is the single poll policy shared by every long-running tool.
type PollConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	Interval    Duration `json:"interval"`
}

// FanoutConfig sizes subscriber queues and the SSE stream.
type FanoutConfig struct {
	QueueSize        int      `json:"queue_size"`
	BacklogThreshold int      `json:"backlog_threshold"`
	SweepSchedule    string   `json:"sweep_schedule"`
	Heartbeat        Duration `json:"heartbeat"`
}

// ClientConfig points the CLI and poller at a Resolution API.
type ClientConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

// TelemetryConfig enables OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
}

// ConnectorConfig holds settings for external platform connectors.
type ConnectorConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string  `json:"token"`
	AllowFrom   []int64 `json:"allow_from,omitempty"`
	NotifyChats []int64 `json:"notify_chats,omitempty"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	BotToken       string   `json:"bot_token"`
	AppToken       string   `json:"app_token"`
	Channels       []string `json:"channels,omitempty"` // accepted command channels, empty = all
	NotifyChannels []string `json:"notify_channels,omitempty"`
}

// WebhookConfig holds inbound job-runner callback endpoints.
type WebhookConfig struct {
	Endpoints map[string]WebhookEndpoint `json:"endpoints"`
}

// WebhookEndpoint holds per-endpoint auth.
type WebhookEndpoint struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
}

// Duration is a time.Duration written as a string like "2s" in JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are milliseconds.
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			return fmt.Errorf("duration must be a string like \"2s\": %s", b)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		API:   APIConfig{Host: "0.0.0.0", Port: 8080},
		Store: StoreConfig{Driver: "sqlite", Path: "holdline.db"},
		Relay: RelayConfig{
			Driver: "redis",
			Addr:   "localhost:6379",
			Codec:  "json",
			Channels: ChannelsConfig{
				Approval: "approval:requests",
				Job:      "code_interpreter:actions",
				Status:   "tickets:status",
			},
			Backoff: BackoffConfig{Base: Duration(time.Second), MaxAttempts: 5},
		},
		Issuer: IssuerConfig{
			OutboxSize:     1000,
			FlushSchedule:  "@every 30s",
			PublishTimeout: Duration(5 * time.Second),
		},
		Poll: PollConfig{MaxAttempts: 15, Interval: Duration(2 * time.Second)},
		Fanout: FanoutConfig{
			QueueSize:        256,
			BacklogThreshold: 128,
			SweepSchedule:    "@every 60s",
			Heartbeat:        Duration(30 * time.Second),
		},
		Client:    ClientConfig{BaseURL: "http://localhost:8080"},
		Telemetry: TelemetryConfig{ServiceName: "holdline"},
	}
}

// Load reads configuration from a JSON file. Comments and trailing commas
// are allowed. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes JSONC data over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from environment variables with HOLDLINE_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	var errs []error

	cfg.API.Host = getenv("HOLDLINE_API_HOST", cfg.API.Host)
	cfg.API.Port = getenvInt("HOLDLINE_API_PORT", cfg.API.Port)
	cfg.API.Key = os.Getenv("HOLDLINE_API_KEY")

	cfg.Store.Driver = getenv("HOLDLINE_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = getenv("HOLDLINE_STORE_PATH", cfg.Store.Path)
	cfg.Store.DSN = os.Getenv("HOLDLINE_STORE_DSN")

	cfg.Relay.Driver = getenv("HOLDLINE_RELAY_DRIVER", cfg.Relay.Driver)
	cfg.Relay.Addr = getenv("HOLDLINE_RELAY_ADDR", cfg.Relay.Addr)
	cfg.Relay.Password = os.Getenv("HOLDLINE_RELAY_PASSWORD")
	cfg.Relay.DSN = os.Getenv("HOLDLINE_RELAY_DSN")
	cfg.Relay.Codec = getenv("HOLDLINE_RELAY_CODEC", cfg.Relay.Codec)

	cfg.Poll.MaxAttempts = getenvInt("HOLDLINE_POLL_MAX_ATTEMPTS", cfg.Poll.MaxAttempts)
	if v, err := getenvDuration("HOLDLINE_POLL_INTERVAL", cfg.Poll.Interval); err != nil {
		errs = append(errs, err)
	} else {
		cfg.Poll.Interval = v
	}
	if v, err := getenvDuration("HOLDLINE_FANOUT_HEARTBEAT", cfg.Fanout.Heartbeat); err != nil {
		errs = append(errs, err)
	} else {
		cfg.Fanout.Heartbeat = v
	}

	cfg.Client.BaseURL = getenv("HOLDLINE_URL", cfg.Client.BaseURL)
	cfg.Client.APIKey = getenv("HOLDLINE_CLIENT_API_KEY", cfg.API.Key)

	cfg.Telemetry.OTLPEndpoint = os.Getenv("HOLDLINE_OTLP_ENDPOINT")
	cfg.Telemetry.Insecure = os.Getenv("HOLDLINE_OTLP_INSECURE") == "true"

	// Telegram connector from env
	if token := os.Getenv("HOLDLINE_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{Token: token}
		if ids := os.Getenv("HOLDLINE_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				errs = append(errs, fmt.Errorf("HOLDLINE_TELEGRAM_ALLOW_FROM: %w", err))
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
		if ids := os.Getenv("HOLDLINE_TELEGRAM_NOTIFY_CHATS"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				errs = append(errs, fmt.Errorf("HOLDLINE_TELEGRAM_NOTIFY_CHATS: %w", err))
			}
			cfg.Connectors.Telegram.NotifyChats = parsed
		}
	}

	if bot := os.Getenv("HOLDLINE_SLACK_BOT_TOKEN"); bot != "" {
		cfg.Connectors.Slack = &SlackConfig{
			BotToken:       bot,
			AppToken:       os.Getenv("HOLDLINE_SLACK_APP_TOKEN"),
			NotifyChannels: splitList(os.Getenv("HOLDLINE_SLACK_NOTIFY_CHANNELS")),
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate collects every violation into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			add("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		add("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	}

	switch c.Relay.Driver {
	case "redis":
		if c.Relay.Addr == "" {
			add("relay.addr is required for the redis driver")
		}
	case "postgres":
		if c.Relay.DSN == "" {
			add("relay.dsn is required for the postgres driver")
		}
		if c.Relay.Codec == "cbor" {
			add("relay.codec cbor cannot be carried by postgres notifications")
		}
	case "memory":
	default:
		add("relay.driver %q is not one of redis, postgres, memory", c.Relay.Driver)
	}
	if c.Relay.Codec != "" && c.Relay.Codec != "json" && c.Relay.Codec != "cbor" {
		add("relay.codec %q is not one of json, cbor", c.Relay.Codec)
	}
	ch := c.Relay.Channels
	if ch.Approval == "" || ch.Job == "" || ch.Status == "" {
		add("relay.channels.approval, job and status are required")
	}
	if c.Relay.Backoff.Base <= 0 {
		add("relay.backoff.base must be positive")
	}
	if c.Relay.Backoff.MaxAttempts < 1 {
		add("relay.backoff.max_attempts must be at least 1")
	}

	if c.Issuer.OutboxSize < 1 {
		add("issuer.outbox_size must be at least 1")
	}
	if c.Issuer.PublishTimeout <= 0 {
		add("issuer.publish_timeout must be positive")
	}

	if c.Poll.MaxAttempts < 1 || c.Poll.MaxAttempts > 15 {
		add("poll.max_attempts must be in [1,15], got %d", c.Poll.MaxAttempts)
	}
	if c.Poll.Interval <= 0 {
		add("poll.interval must be positive")
	}

	if c.Fanout.QueueSize < 1 {
		add("fanout.queue_size must be at least 1")
	}
	if c.Fanout.BacklogThreshold < 1 || c.Fanout.BacklogThreshold > c.Fanout.QueueSize {
		add("fanout.backlog_threshold must be in [1, queue_size]")
	}
	if c.Fanout.Heartbeat <= 0 {
		add("fanout.heartbeat must be positive")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		add("api.port %d out of range", c.API.Port)
	}
	if c.API.RateLimit < 0 {
		add("api.rate_limit must not be negative")
	}

	if t := c.Connectors.Telegram; t != nil && t.Token == "" {
		add("connectors.telegram.token is required")
	}
	if s := c.Connectors.Slack; s != nil {
		if s.BotToken == "" {
			add("connectors.slack.bot_token is required")
		}
		if s.AppToken == "" {
			add("connectors.slack.app_token is required")
		}
	}
	if w := c.Connectors.Webhook; w != nil {
		for name, ep := range w.Endpoints {
			if ep.Secret == "" && ep.BearerToken == "" {
				add("connectors.webhook.endpoints.%s needs a secret or bearer_token", name)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback Duration) (Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return Duration(d), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(s string) ([]int64, error) {
	parts := splitList(s)
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
