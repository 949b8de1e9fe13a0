package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the daemon
type Config struct {
	// Identity and transport
	APIBaseURL string
	DeviceID   string
	AuthToken  string
	LogLevel   string

	// Local state
	DBPath      string
	CallLogPath string
	DiagAddr    string

	// Command poller
	PollWait        time.Duration // long-poll server-side wait
	BurstInterval   time.Duration
	BurstMaxCycles  int
	BurstMaxElapsed time.Duration
	BurstCooldown   time.Duration
	DegradedBackoff []time.Duration

	// Correlation
	MatchWindowBefore time.Duration
	MatchWindowAfter  time.Duration
	ExactProximity    time.Duration

	// Watcher
	ScanInterval   time.Duration
	SweepInterval  time.Duration
	ResolveTimeout time.Duration

	// Delivery queue
	FlushInterval      time.Duration
	FlushLimit         int
	MaxRetries         int
	RetryBackoff       []time.Duration
	StuckAlertInterval time.Duration
	QueueGCHorizon     time.Duration

	// Telemetry
	TelemetryBufferSize    int
	TelemetryFlushInterval time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		APIBaseURL:  getEnv("API_BASE_URL", "https://api.proficrm.example"),
		DeviceID:    getEnv("DEVICE_ID", ""),
		AuthToken:   getEnv("AUTH_TOKEN", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DBPath:      getEnv("DB_PATH", "dialer.db"),
		CallLogPath: getEnv("CALL_LOG_PATH", "call_log.json"),
		DiagAddr:    getEnv("DIAG_ADDR", "127.0.0.1:8954"),
	}

	if config.DeviceID == "" {
		return nil, fmt.Errorf("DEVICE_ID is required")
	}

	var err error
	if config.PollWait, err = getDuration("POLL_WAIT", 25*time.Second); err != nil {
		return nil, err
	}
	if config.BurstInterval, err = getDuration("BURST_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}
	if config.BurstMaxCycles, err = getInt("BURST_MAX_CYCLES", 10); err != nil {
		return nil, err
	}
	if config.BurstMaxElapsed, err = getDuration("BURST_MAX_ELAPSED", 45*time.Second); err != nil {
		return nil, err
	}
	if config.BurstCooldown, err = getDuration("BURST_COOLDOWN", 2*time.Minute); err != nil {
		return nil, err
	}
	if config.DegradedBackoff, err = getDurations("DEGRADED_BACKOFF", "30s,1m,2m,5m"); err != nil {
		return nil, err
	}

	if config.MatchWindowBefore, err = getDuration("MATCH_WINDOW_BEFORE", 2*time.Minute); err != nil {
		return nil, err
	}
	if config.MatchWindowAfter, err = getDuration("MATCH_WINDOW_AFTER", 15*time.Minute); err != nil {
		return nil, err
	}
	if config.ExactProximity, err = getDuration("EXACT_PROXIMITY", 90*time.Second); err != nil {
		return nil, err
	}

	if config.ScanInterval, err = getDuration("SCAN_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if config.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if config.ResolveTimeout, err = getDuration("RESOLVE_TIMEOUT", 20*time.Minute); err != nil {
		return nil, err
	}

	if config.FlushInterval, err = getDuration("FLUSH_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if config.FlushLimit, err = getInt("FLUSH_LIMIT", 20); err != nil {
		return nil, err
	}
	if config.MaxRetries, err = getInt("MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if config.RetryBackoff, err = getDurations("RETRY_BACKOFF", "5s,15s,45s"); err != nil {
		return nil, err
	}
	if config.StuckAlertInterval, err = getDuration("STUCK_ALERT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.QueueGCHorizon, err = getDuration("QUEUE_GC_HORIZON", 7*24*time.Hour); err != nil {
		return nil, err
	}

	if config.TelemetryBufferSize, err = getInt("TELEMETRY_BUFFER_SIZE", 25); err != nil {
		return nil, err
	}
	if config.TelemetryFlushInterval, err = getDuration("TELEMETRY_FLUSH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if config.HeartbeatInterval, err = getDuration("HEARTBEAT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// getDurations parses a comma-separated list of durations (e.g. "5s,15s,45s")
func getDurations(key, defaultValue string) ([]time.Duration, error) {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		v, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("invalid %s: empty list", key)
	}
	return out, nil
}
