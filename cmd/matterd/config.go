package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"

	"github.com/hearthlink/matter/pkg/session"
)

// fileConfig is the matterd.toml schema.
type fileConfig struct {
	Passcode   uint32 `toml:"passcode"`
	Port       int    `toml:"port"`
	DisableUDP bool   `toml:"disable_udp"`
	DisableTCP bool   `toml:"disable_tcp"`
	LogLevel   string `toml:"log_level"`

	// Commissioning window lifetime in seconds; 0 keeps the default.
	WindowTimeoutSec int `toml:"window_timeout_sec"`

	// MRP intervals in milliseconds; 0 keeps the defaults.
	IdleIntervalMs    int `toml:"mrp_idle_interval_ms"`
	ActiveIntervalMs  int `toml:"mrp_active_interval_ms"`
	ActiveThresholdMs int `toml:"mrp_active_threshold_ms"`
}

// daemonConfig is the resolved runtime configuration.
type daemonConfig struct {
	Passcode      uint32
	Port          int
	DisableUDP    bool
	DisableTCP    bool
	WindowTimeout time.Duration
	Params        session.Params
	LoggerFactory *logging.DefaultLoggerFactory
}

func loadConfig(path string) (*daemonConfig, error) {
	var raw fileConfig
	if path != "" {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	level, err := parseLogLevel(raw.LogLevel)
	if err != nil {
		return nil, err
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = level

	return &daemonConfig{
		Passcode:      raw.Passcode,
		Port:          raw.Port,
		DisableUDP:    raw.DisableUDP,
		DisableTCP:    raw.DisableTCP,
		WindowTimeout: time.Duration(raw.WindowTimeoutSec) * time.Second,
		Params: session.Params{
			IdleInterval:    time.Duration(raw.IdleIntervalMs) * time.Millisecond,
			ActiveInterval:  time.Duration(raw.ActiveIntervalMs) * time.Millisecond,
			ActiveThreshold: time.Duration(raw.ActiveThresholdMs) * time.Millisecond,
		},
		LoggerFactory: lf,
	}, nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return logging.LogLevelInfo, nil
	case "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
