package internal

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSecretEnv is the environment variable the webhook secret is read
	// from when the config does not set one.
	DefaultSecretEnv = "GITHUB_WEBHOOK_SECRET"

	VerificationEnforced = "enforced"
	VerificationDisabled = "disabled"

	DispatchModeExec  = "exec"
	DispatchModeQueue = "queue"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		MaxConnections int    `yaml:"max_connections"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		TrustProxy     bool   `yaml:"trust_proxy"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		HealthPath     string `yaml:"health_path"`
	} `yaml:"server"`
	// Webhook configures the receiving endpoint and signature verification.
	Webhook WebhookConfig `yaml:"webhook"`
	// Dispatch selects how relevant events reach the action.
	Dispatch DispatchConfig `yaml:"dispatch"`
	// Action describes the executable run for each relevant event.
	Action ActionConfig `yaml:"action"`
	// Events configures where dispatch reports are published.
	Events EventsConfig `yaml:"events"`
	// Worker configures the queued-trigger consumer.
	Worker WorkerConfig `yaml:"worker"`
	// Watermill holds configuration for the message drivers.
	Watermill WatermillConfig `yaml:"watermill"`
}

// Config is the loaded configuration. It embeds AppConfig so the YAML layout
// stays flat.
type Config struct {
	AppConfig `yaml:",inline"`
}

// WebhookConfig configures the webhook endpoint.
type WebhookConfig struct {
	Path      string `yaml:"path"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	// Verification is "enforced", "disabled" or empty. Empty resolves to
	// enforced when a secret is present and disabled otherwise.
	Verification string `yaml:"verification"`
	DebugEvents  bool   `yaml:"debug_events"`
}

// DispatchConfig configures relevance and the dispatch mode.
type DispatchConfig struct {
	Mode          string   `yaml:"mode"`
	QueueTopic    string   `yaml:"queue_topic"`
	Filters       []string `yaml:"filters"`
	FiltersStrict bool     `yaml:"filters_strict"`
}

// ActionConfig describes the downstream executable.
type ActionConfig struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	Dir         string   `yaml:"dir"`
	Env         []string `yaml:"env"`
	EventEnv    bool     `yaml:"event_env"`
	TimeoutMS   int64    `yaml:"timeout_ms"`
	WaitDelayMS int64    `yaml:"wait_delay_ms"`
}

// Timeout returns the action timeout as a duration.
func (c ActionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// WaitDelay returns how long to wait for output pipes after the process is killed.
func (c ActionConfig) WaitDelay() time.Duration {
	return time.Duration(c.WaitDelayMS) * time.Millisecond
}

// Warnings lists configuration that loads but will not behave as the
// operator likely expects.
func (c AppConfig) Warnings() []string {
	var warnings []string
	if c.Events.Enabled && c.Watermill.InMemoryOnly() {
		warnings = append(warnings, "events are enabled but watermill only uses gochannel; reports have no subscriber and are dropped")
	}
	return warnings
}

// EventsConfig configures dispatch report publishing.
type EventsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Topic       string `yaml:"topic"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// WorkerConfig configures the trigger worker.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	// InProcess runs the worker inside the server when the queue driver is
	// gochannel. Pointer so an explicit false survives defaults.
	InProcess *bool `yaml:"in_process"`
}

// RunsInProcess reports whether the server should host the worker itself.
func (c WorkerConfig) RunsInProcess() bool {
	return c.InProcess == nil || *c.InProcess
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// InMemoryOnly reports whether every configured driver is gochannel, so
// nothing published leaves the process.
func (c WatermillConfig) InMemoryOnly() bool {
	if len(c.Drivers) == 0 {
		return c.Driver == "gochannel"
	}
	for _, driver := range c.Drivers {
		if driver != "gochannel" {
			return false
		}
	}
	return true
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID      string `yaml:"cluster_id"`
	ClientID       string `yaml:"client_id"`
	ClientIDSuffix string `yaml:"client_id_suffix"`
	URL            string `yaml:"url"`
	Durable        string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	ConsumerGroup        string `yaml:"consumer_group"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the RiverQueue publisher.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables, applies defaults and validates the result.
// An empty path yields the defaults, with the secret taken from the environment.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, err
		}
	}

	applyDefaults(&cfg.AppConfig)
	filters, err := normalizeFilters(cfg.Dispatch.Filters)
	if err != nil {
		return cfg, err
	}
	cfg.Dispatch.Filters = filters
	rules, err := normalizeRules(cfg.Events.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Events.Rules = rules

	if err := validate(&cfg.AppConfig); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RulesConfig represents a set of rules and how missing fields are treated.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 25 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/healthz"
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/api/webhook"
	}
	if cfg.Webhook.SecretEnv == "" {
		cfg.Webhook.SecretEnv = DefaultSecretEnv
	}
	if cfg.Webhook.Secret == "" {
		cfg.Webhook.Secret = os.Getenv(cfg.Webhook.SecretEnv)
	}
	cfg.Webhook.Verification = strings.ToLower(strings.TrimSpace(cfg.Webhook.Verification))
	if cfg.Webhook.Verification == "" {
		if cfg.Webhook.Secret != "" {
			cfg.Webhook.Verification = VerificationEnforced
		} else {
			cfg.Webhook.Verification = VerificationDisabled
		}
	}
	cfg.Dispatch.Mode = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Mode))
	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = DispatchModeExec
	}
	if cfg.Dispatch.QueueTopic == "" {
		cfg.Dispatch.QueueTopic = "gitagent.trigger"
	}
	if cfg.Action.Command == "" {
		cfg.Action.Command = "python3"
		if cfg.Action.Args == nil {
			cfg.Action.Args = []string{"gitagent.py"}
		}
	}
	if cfg.Action.TimeoutMS == 0 {
		cfg.Action.TimeoutMS = 10 * 60 * 1000
	}
	if cfg.Action.WaitDelayMS == 0 {
		cfg.Action.WaitDelayMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = cfg.Action.TimeoutMS + 30000
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "gitagent.dispatch"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Watermill.Driver == "" && len(cfg.Watermill.Drivers) == 0 {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.NATS.ClientIDSuffix == "" {
		cfg.Watermill.NATS.ClientIDSuffix = "-worker"
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Table == "" {
		cfg.Watermill.RiverQueue.Table = "river_job"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.Kind == "" {
		cfg.Watermill.RiverQueue.Kind = "gitagent.trigger"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = 25
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
}

func validate(cfg *AppConfig) error {
	var err error
	switch cfg.Webhook.Verification {
	case VerificationEnforced:
		if cfg.Webhook.Secret == "" {
			err = errors.Join(err, fmt.Errorf("webhook verification is enforced but no secret is set (%s)", cfg.Webhook.SecretEnv))
		}
	case VerificationDisabled:
	default:
		err = errors.Join(err, fmt.Errorf("unsupported webhook verification: %s", cfg.Webhook.Verification))
	}
	switch cfg.Dispatch.Mode {
	case DispatchModeExec, DispatchModeQueue:
	default:
		err = errors.Join(err, fmt.Errorf("unsupported dispatch mode: %s", cfg.Dispatch.Mode))
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		err = errors.Join(err, fmt.Errorf("webhook path must start with /: %q", cfg.Webhook.Path))
	}
	if cfg.Action.TimeoutMS < 0 {
		err = errors.Join(err, fmt.Errorf("action timeout_ms must not be negative"))
	}
	if cfg.Worker.Concurrency < 0 {
		err = errors.Join(err, fmt.Errorf("worker concurrency must not be negative"))
	}
	return err
}

func normalizeFilters(filters []string) ([]string, error) {
	out := make([]string, 0, len(filters))
	for i, filter := range filters {
		filter = strings.TrimSpace(filter)
		if filter == "" {
			return nil, fmt.Errorf("dispatch filter %d is empty", i)
		}
		out = append(out, filter)
	}
	return out, nil
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = strings.TrimSpace(rule.Emit)
		if rule.When == "" || rule.Emit == "" {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
