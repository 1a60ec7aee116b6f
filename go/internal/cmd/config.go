package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full tunable surface of the roundsync service. Values load
// from an optional YAML file first, then environment variables override.
type Config struct {
	Port     string   `yaml:"port"`
	Upstream []string `yaml:"upstream"`
	ClientID string   `yaml:"client_id"`
	NATSURL  string   `yaml:"nats_url"`

	PollInterval time.Duration `yaml:"poll_interval"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`

	PushEnabled        bool          `yaml:"push_enabled"`
	PushReconnectDelay time.Duration `yaml:"push_reconnect_delay"`
	PushIncludeBids    bool          `yaml:"push_include_bids"`
	PushAPIKey         string        `yaml:"push_api_key"`

	HealthEnabled          bool          `yaml:"health_enabled"`
	HealthInterval         time.Duration `yaml:"health_interval"`
	HealthRecoveryInterval time.Duration `yaml:"health_recovery_interval"`
	HealthRecencyWindow    time.Duration `yaml:"health_recency_window"`
	HealthThreshold        int           `yaml:"health_threshold"`

	SpinDuration  time.Duration `yaml:"spin_duration"`
	ResultDisplay time.Duration `yaml:"result_display"`
	MaxWait       time.Duration `yaml:"max_wait"`
	LateBehavior  string        `yaml:"late_behavior"`

	Retention     int           `yaml:"retention"`
	MaxClients    int           `yaml:"max_clients"`
	BufferSize    int           `yaml:"buffer_size"`
	DropPolicy    string        `yaml:"drop_policy"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ClientTimeout time.Duration `yaml:"client_timeout"`
}

func loadConfig() (*Config, error) {
	cfg := &Config{}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", orDefault(cfg.Port, "8080"))
	if upstream := getEnv("UPSTREAM_URLS", ""); upstream != "" {
		cfg.Upstream = splitList(upstream)
	}
	cfg.ClientID = getEnv("CLIENT_ID", orDefault(cfg.ClientID, "roundsync"))
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)

	cfg.PollInterval = getEnvAsDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.BackoffBase = getEnvAsDuration("BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffCap = getEnvAsDuration("BACKOFF_CAP", cfg.BackoffCap)

	cfg.PushEnabled = getEnvAsBool("PUSH_ENABLED", cfg.PushEnabled)
	cfg.PushReconnectDelay = getEnvAsDuration("PUSH_RECONNECT_DELAY", cfg.PushReconnectDelay)
	cfg.PushIncludeBids = getEnvAsBool("PUSH_INCLUDE_BIDS", cfg.PushIncludeBids)
	cfg.PushAPIKey = getEnv("PUSH_API_KEY", cfg.PushAPIKey)

	cfg.HealthEnabled = getEnvAsBool("HEALTH_ENABLED", cfg.HealthEnabled)
	cfg.HealthInterval = getEnvAsDuration("HEALTH_INTERVAL", cfg.HealthInterval)
	cfg.HealthRecoveryInterval = getEnvAsDuration("HEALTH_RECOVERY_INTERVAL", cfg.HealthRecoveryInterval)
	cfg.HealthRecencyWindow = getEnvAsDuration("HEALTH_RECENCY_WINDOW", cfg.HealthRecencyWindow)
	cfg.HealthThreshold = getEnvAsInt("HEALTH_THRESHOLD", cfg.HealthThreshold)

	cfg.SpinDuration = getEnvAsDuration("SPIN_DURATION", cfg.SpinDuration)
	cfg.ResultDisplay = getEnvAsDuration("RESULT_DISPLAY", cfg.ResultDisplay)
	cfg.MaxWait = getEnvAsDuration("MAX_WAIT", cfg.MaxWait)
	cfg.LateBehavior = getEnv("LATE_BEHAVIOR", cfg.LateBehavior)

	cfg.Retention = getEnvAsInt("RETENTION", cfg.Retention)
	cfg.MaxClients = getEnvAsInt("MAX_CLIENTS", cfg.MaxClients)
	cfg.BufferSize = getEnvAsInt("BUFFER_SIZE", cfg.BufferSize)
	cfg.DropPolicy = getEnv("DROP_POLICY", cfg.DropPolicy)
	cfg.PingInterval = getEnvAsDuration("PING_INTERVAL", cfg.PingInterval)
	cfg.ClientTimeout = getEnvAsDuration("CLIENT_TIMEOUT", cfg.ClientTimeout)

	if len(cfg.Upstream) == 0 {
		return nil, fmt.Errorf("no upstream endpoints configured (set UPSTREAM_URLS)")
	}
	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
