package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all control-plane configuration from environment variables.
type Config struct {
	// HTTP server
	ListenAddr     string
	AllowedOrigins []string

	// Storage
	DBPath        string
	InventoryPath string

	// Local execution shortcut
	LocalHostID   string
	ExecTimeout   time.Duration
	SystemctlPath string

	// Sessions and rate limits
	SessionTTL      time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	LoginLimitMax   int

	// Bootstrap admin account, created at startup when missing
	AdminUser     string
	AdminPassword string

	// Retention pruning
	PruneSchedule  string
	PruneRetention time.Duration
	PruneBatch     int
	PruneDryRun    bool

	// Metrics textfile exposition (empty = disabled)
	TextfilePath     string
	TextfileInterval time.Duration

	// Notifications
	WebhookURL   string
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:       envStr("WARDEN_LISTEN_ADDR", ":8080"),
		AllowedOrigins:   envList("WARDEN_ALLOWED_ORIGINS"),
		DBPath:           envStr("WARDEN_DB_PATH", "/data/warden.db"),
		InventoryPath:    envStr("WARDEN_INVENTORY", ""),
		LocalHostID:      envStr("WARDEN_LOCAL_HOST_ID", ""),
		ExecTimeout:      envDuration("WARDEN_EXEC_TIMEOUT", 60*time.Second),
		SystemctlPath:    envStr("WARDEN_SYSTEMCTL_PATH", "systemctl"),
		SessionTTL:       envDuration("WARDEN_SESSION_TTL", 12*time.Hour),
		RateLimitMax:     envInt("WARDEN_RATE_LIMIT_MAX", 30),
		RateLimitWindow:  envDuration("WARDEN_RATE_LIMIT_WINDOW", time.Minute),
		LoginLimitMax:    envInt("WARDEN_LOGIN_LIMIT_MAX", 10),
		AdminUser:        envStr("WARDEN_ADMIN_USER", ""),
		AdminPassword:    envStr("WARDEN_ADMIN_PASSWORD", ""),
		PruneSchedule:    envStr("WARDEN_PRUNE_SCHEDULE", "0 3 * * *"),
		PruneRetention:   envDuration("WARDEN_PRUNE_RETENTION", 90*24*time.Hour),
		PruneBatch:       envInt("WARDEN_PRUNE_BATCH", 500),
		PruneDryRun:      envBool("WARDEN_PRUNE_DRY_RUN", false),
		TextfilePath:     envStr("WARDEN_TEXTFILE_PATH", ""),
		TextfileInterval: envDuration("WARDEN_TEXTFILE_INTERVAL", time.Minute),
		WebhookURL:       envStr("WARDEN_WEBHOOK_URL", ""),
		MQTTBroker:       envStr("WARDEN_MQTT_BROKER", ""),
		MQTTTopic:        envStr("WARDEN_MQTT_TOPIC", "warden/actions"),
		MQTTClientID:     envStr("WARDEN_MQTT_CLIENT_ID", "warden"),
		MQTTUsername:     envStr("WARDEN_MQTT_USERNAME", ""),
		MQTTPassword:     envStr("WARDEN_MQTT_PASSWORD", ""),
		MQTTQoS:          envInt("WARDEN_MQTT_QOS", 0),
		LogJSON:          envBool("WARDEN_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("WARDEN_LISTEN_ADDR must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("WARDEN_DB_PATH must not be empty"))
	}
	if c.ExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_EXEC_TIMEOUT must be > 0, got %s", c.ExecTimeout))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_SESSION_TTL must be > 0, got %s", c.SessionTTL))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_RATE_LIMIT_MAX must be > 0, got %d", c.RateLimitMax))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow))
	}
	if c.PruneRetention <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_PRUNE_RETENTION must be > 0, got %s", c.PruneRetention))
	}
	if c.PruneBatch <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_PRUNE_BATCH must be > 0, got %d", c.PruneBatch))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("WARDEN_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	if (c.AdminUser == "") != (c.AdminPassword == "") {
		errs = append(errs, fmt.Errorf("WARDEN_ADMIN_USER and WARDEN_ADMIN_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

// AgentConfig holds all agent configuration from environment variables.
type AgentConfig struct {
	ServerURL      string
	Token          string
	PollInterval   time.Duration
	RestartRetries int
	RetryDelay     time.Duration
	ExecTimeout    time.Duration
	SystemctlPath  string
	LogJSON        bool
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() *AgentConfig {
	return &AgentConfig{
		ServerURL:      envStr("WARDEN_AGENT_SERVER", ""),
		Token:          envStr("WARDEN_AGENT_TOKEN", ""),
		PollInterval:   envDuration("WARDEN_AGENT_POLL_INTERVAL", 5*time.Second),
		RestartRetries: envInt("WARDEN_AGENT_RESTART_RETRIES", 1),
		RetryDelay:     envDuration("WARDEN_AGENT_RETRY_DELAY", 2*time.Second),
		ExecTimeout:    envDuration("WARDEN_AGENT_EXEC_TIMEOUT", 60*time.Second),
		SystemctlPath:  envStr("WARDEN_AGENT_SYSTEMCTL_PATH", "systemctl"),
		LogJSON:        envBool("WARDEN_AGENT_LOG_JSON", true),
	}
}

// Validate checks agent configuration for invalid values.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("WARDEN_AGENT_SERVER is required"))
	} else if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		errs = append(errs, fmt.Errorf("WARDEN_AGENT_SERVER must be an http(s) URL, got %q", c.ServerURL))
	}
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("WARDEN_AGENT_TOKEN is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_AGENT_POLL_INTERVAL must be > 0, got %s", c.PollInterval))
	}
	if c.RestartRetries < 0 {
		errs = append(errs, fmt.Errorf("WARDEN_AGENT_RESTART_RETRIES must be >= 0, got %d", c.RestartRetries))
	}
	if c.ExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_AGENT_EXEC_TIMEOUT must be > 0, got %s", c.ExecTimeout))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
