// Package sidecar is the per-device daemon that owns the backbone
// connections. Local processes talk to it over the IPC socket; it talks to
// the token broker for credentials and to the backbone for sync traffic.
package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultSocketName    = "sidecar.sock"
	defaultBaseDir       = ".tether"
	defaultSyncChannel   = "device-sync"
	defaultPresenceEvent = "presence_updated"

	defaultPresenceInterval = 30 * time.Second
	defaultShutdownTimeout  = 2 * time.Second

	// Broker audiences for the two backbone connections.
	AudiencePublisher = "sidecar_publisher"
	AudienceConsumer  = "sidecar_consumer"
)

// Environment variables understood by the sidecar.
const (
	EnvBaseDir             = "TETHER_BASE_DIR"
	EnvSidecarSocket       = "TETHER_SIDECAR_SOCKET"
	EnvBrokerSocket        = "TETHER_BROKER_SOCKET"
	EnvBrokerPubToken      = "TETHER_BROKER_TOKEN_PUBLISHER"
	EnvBrokerConToken      = "TETHER_BROKER_TOKEN_CONSUMER"
	EnvMaxFrameBytes       = "TETHER_SIDECAR_MAX_FRAME_BYTES"
	EnvPresenceIntervalSec = "TETHER_SIDECAR_PRESENCE_INTERVAL"
	EnvShutdownTimeoutSec  = "TETHER_SIDECAR_SHUTDOWN_TIMEOUT"
	EnvSyncChannel         = "TETHER_SIDECAR_SYNC_CHANNEL"
)

// Config holds the sidecar's runtime settings.
type Config struct {
	DeviceID string
	UserID   string

	SocketPath       string
	BrokerSocketPath string
	BrokerPubToken   string
	BrokerConToken   string
	MaxFrameBytes    int

	PresenceInterval time.Duration
	ShutdownTimeout  time.Duration

	// SyncChannel is the default channel for outbound side-effects.
	SyncChannel string

	// PresenceChannel carries presence heartbeats; derived from the user.
	PresenceChannel string
	PresenceEvent   string
}

// NewConfig builds a config from the environment for one device identity.
func NewConfig(deviceID, userID string) (*Config, error) {
	cfg := &Config{
		DeviceID:         deviceID,
		UserID:           userID,
		PresenceInterval: defaultPresenceInterval,
		ShutdownTimeout:  defaultShutdownTimeout,
		SyncChannel:      defaultSyncChannel,
		PresenceEvent:    defaultPresenceEvent,
	}

	if socketPath := os.Getenv(EnvSidecarSocket); socketPath != "" {
		cfg.SocketPath = socketPath
	} else {
		baseDir := os.Getenv(EnvBaseDir)
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			baseDir = filepath.Join(homeDir, defaultBaseDir)
		}
		cfg.SocketPath = filepath.Join(baseDir, defaultSocketName)
	}

	cfg.BrokerSocketPath = os.Getenv(EnvBrokerSocket)
	cfg.BrokerPubToken = os.Getenv(EnvBrokerPubToken)
	cfg.BrokerConToken = os.Getenv(EnvBrokerConToken)
	cfg.PresenceChannel = fmt.Sprintf("presence:%s", userID)

	if channel := os.Getenv(EnvSyncChannel); channel != "" {
		cfg.SyncChannel = channel
	}

	if raw := os.Getenv(EnvMaxFrameBytes); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMaxFrameBytes, err)
		}
		cfg.MaxFrameBytes = size
	}
	if raw := os.Getenv(EnvPresenceIntervalSec); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPresenceIntervalSec, err)
		}
		cfg.PresenceInterval = time.Duration(seconds) * time.Second
	}
	if raw := os.Getenv(EnvShutdownTimeoutSec); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvShutdownTimeoutSec, err)
		}
		cfg.ShutdownTimeout = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

// Validate checks the fields a running sidecar cannot do without.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device id is required")
	}
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	if c.SocketPath == "" {
		return errors.New("socket path is required")
	}
	if c.BrokerSocketPath == "" {
		return fmt.Errorf("%s is required", EnvBrokerSocket)
	}
	if c.BrokerPubToken == "" {
		return fmt.Errorf("%s is required", EnvBrokerPubToken)
	}
	if c.BrokerConToken == "" {
		return fmt.Errorf("%s is required", EnvBrokerConToken)
	}
	if c.PresenceInterval <= 0 {
		return errors.New("presence interval must be positive")
	}
	return nil
}
