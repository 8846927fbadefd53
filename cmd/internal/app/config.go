package app

import (
	"fmt"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// DeviceTokens holds the relay's device credential map, parsed from
	// TETHER_DEVICE_TOKENS ("deviceId=token,deviceId=token").
	// With RequireTokenHMAC the values are token digests, not plaintext.
	DeviceTokens map[string]string

	// ExecutorDevices lists device ids whose disconnect ends their sessions.
	ExecutorDevices []string

	// Security policy:
	// If true, TETHER_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and device
	// tokens are compared as HMAC digests.
	RequireTokenHMAC bool

	// Backbone notifier (optional). When the broker socket is set, relay
	// lifecycle events are published as side-effects.
	NotifyBrokerSocket string
	NotifyBrokerToken  string
	NotifyDeviceID     string
	NotifyChannel      string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("TETHER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TETHER_LOG_LEVEL", "info"),
		LogFormat: EnvString("TETHER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TETHER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TETHER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TETHER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TETHER_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("TETHER_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("TETHER_REQUIRE_TOKEN_HMAC", false),

		NotifyBrokerSocket: EnvString("TETHER_NOTIFY_BROKER_SOCKET", ""),
		NotifyBrokerToken:  EnvString("TETHER_NOTIFY_BROKER_TOKEN", ""),
		NotifyDeviceID:     EnvString("TETHER_NOTIFY_DEVICE_ID", "relay"),
		NotifyChannel:      EnvString("TETHER_NOTIFY_CHANNEL", "device-sync"),
	}

	tokens, err := parseDeviceTokens(EnvString("TETHER_DEVICE_TOKENS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.DeviceTokens = tokens
	cfg.ExecutorDevices = splitCSV(EnvString("TETHER_EXECUTOR_DEVICES", ""))

	return cfg, nil
}

// parseDeviceTokens parses "deviceId=token" pairs separated by commas.
func parseDeviceTokens(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		deviceID, tok, ok := strings.Cut(pair, "=")
		deviceID = strings.TrimSpace(deviceID)
		tok = strings.TrimSpace(tok)
		if !ok || deviceID == "" || tok == "" {
			return nil, fmt.Errorf("invalid TETHER_DEVICE_TOKENS entry %q", pair)
		}
		out[deviceID] = tok
	}
	return out, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
