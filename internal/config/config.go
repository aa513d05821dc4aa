package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultConfigFile is read when present; ATPNEUMATICS_CONFIG overrides it.
const DefaultConfigFile = "config/default.yaml"

// StatusTopics is the number of event topics sent as the connect-time
// status burst.
const StatusTopics = 10

// Offline policies for events generated while no client is connected.
const (
	OfflineDrop   = "drop"
	OfflineBuffer = "buffer"
)

// Config represents the complete configuration for the pneumatics simulator
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Simulation SimulationConfig `yaml:"simulation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
}

// NetworkConfig holds the command/event/telemetry TCP endpoint settings
type NetworkConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxFrameBytes  int    `yaml:"maxFrameBytes"`
	WriteTimeoutMs int    `yaml:"writeTimeoutMs"`
	OutboundQueue  int    `yaml:"outboundQueue"`
}

// ProtocolConfig holds wire behavior switches
type ProtocolConfig struct {
	StrictSequence    bool   `yaml:"strictSequence"`
	SendInitialEvents bool   `yaml:"sendInitialEvents"`
	ValidateOutbound  bool   `yaml:"validateOutbound"`
	OfflinePolicy     string `yaml:"offlinePolicy"`
	OfflineBufferSize int    `yaml:"offlineBufferSize"`
	InboxSize         int    `yaml:"inboxSize"`
}

// SimulationConfig holds the hardware model parameters
type SimulationConfig struct {
	MaxPressure   float64      `yaml:"maxPressure"`
	MainPressure  float64      `yaml:"mainPressure"`
	M1SetPressure float64      `yaml:"m1SetPressure"`
	M2SetPressure float64      `yaml:"m2SetPressure"`
	CellLoad      float64      `yaml:"cellLoad"`
	Travel        TravelConfig `yaml:"travel"`
}

// TravelConfig holds actuator travel durations in seconds
type TravelConfig struct {
	M1CoverOpenSec  float64 `yaml:"m1CoverOpenSec"`
	M1CoverCloseSec float64 `yaml:"m1CoverCloseSec"`
	M1VentsOpenSec  float64 `yaml:"m1VentsOpenSec"`
	M1VentsCloseSec float64 `yaml:"m1VentsCloseSec"`
}

// TelemetryConfig holds telemetry publisher settings
type TelemetryConfig struct {
	IntervalMs int `yaml:"intervalMs"`
}

// AdminConfig holds the optional HTTP admin surface settings
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwtSecret"`
}

// LoggingConfig holds process logger settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AuditConfig holds command audit log settings
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load loads configuration from file, .env and environment variables
func Load() (*Config, error) {
	cfg := getDefaultConfig()

	// .env is optional; real environment variables still win
	_ = godotenv.Load()

	if err := loadFromFile(cfg, DefaultConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DefaultConfigFile, err)
	}

	if path := os.Getenv("ATPNEUMATICS_CONFIG"); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading files or environment
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig returns the default configuration
func getDefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:           "127.0.0.1",
			Port:           5000,
			MaxFrameBytes:  64 * 1024,
			WriteTimeoutMs: 2000,
			OutboundQueue:  1024,
		},
		Protocol: ProtocolConfig{
			StrictSequence:    true,
			SendInitialEvents: true,
			ValidateOutbound:  true,
			OfflinePolicy:     OfflineDrop,
			OfflineBufferSize: 256,
			InboxSize:         100,
		},
		Simulation: SimulationConfig{
			MaxPressure:   20.0,
			MainPressure:  10.0,
			M1SetPressure: 5.0,
			M2SetPressure: 6.0,
			CellLoad:      100.0,
			Travel: TravelConfig{
				M1CoverOpenSec:  20.0,
				M1CoverCloseSec: 20.0,
				M1VentsOpenSec:  1.0,
				M1VentsCloseSec: 5.0,
			},
		},
		Telemetry: TelemetryConfig{
			IntervalMs: 1000,
		},
		Admin: AdminConfig{
			Enabled: false,
			Port:    8081,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Audit: AuditConfig{
			Enabled: false,
			Dir:     "logs",
		},
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("ATPNEUMATICS_HOST"); host != "" {
		cfg.Network.Host = host
	}

	if port := os.Getenv("ATPNEUMATICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Network.Port = p
		}
	}

	if interval := os.Getenv("ATPNEUMATICS_TELEMETRY_INTERVAL_MS"); interval != "" {
		if ms, err := strconv.Atoi(interval); err == nil {
			cfg.Telemetry.IntervalMs = ms
		}
	}

	if policy := os.Getenv("ATPNEUMATICS_OFFLINE_POLICY"); policy != "" {
		cfg.Protocol.OfflinePolicy = policy
	}

	if level := os.Getenv("ATPNEUMATICS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if secret := os.Getenv("ATPNEUMATICS_ADMIN_JWT_SECRET"); secret != "" {
		cfg.Admin.JWTSecret = secret
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Network.Port < 0 || cfg.Network.Port > 65535 {
		return fmt.Errorf("invalid port %d (must be 0-65535)", cfg.Network.Port)
	}

	if cfg.Network.MaxFrameBytes < 256 {
		return fmt.Errorf("maxFrameBytes %d is too small (minimum 256)", cfg.Network.MaxFrameBytes)
	}

	if cfg.Network.WriteTimeoutMs <= 0 {
		return fmt.Errorf("writeTimeoutMs must be positive, got %d", cfg.Network.WriteTimeoutMs)
	}

	if cfg.Network.OutboundQueue <= 0 || cfg.Protocol.InboxSize <= 0 {
		return fmt.Errorf("queue sizes must be positive (outbound=%d, inbox=%d)", cfg.Network.OutboundQueue, cfg.Protocol.InboxSize)
	}

	validPolicies := []string{OfflineDrop, OfflineBuffer}
	if !contains(validPolicies, cfg.Protocol.OfflinePolicy) {
		return fmt.Errorf("invalid offline policy %s, must be one of: %v", cfg.Protocol.OfflinePolicy, validPolicies)
	}

	if cfg.Protocol.OfflinePolicy == OfflineBuffer {
		if cfg.Protocol.OfflineBufferSize <= 0 {
			return fmt.Errorf("offlineBufferSize must be positive when buffering, got %d", cfg.Protocol.OfflineBufferSize)
		}
		// The backlog and the status burst are queued together on connect
		if need := cfg.Protocol.OfflineBufferSize + StatusTopics; need > cfg.Network.OutboundQueue {
			return fmt.Errorf("outboundQueue %d cannot hold offlineBufferSize %d plus %d status events",
				cfg.Network.OutboundQueue, cfg.Protocol.OfflineBufferSize, StatusTopics)
		}
	}

	sim := cfg.Simulation
	if !isFinite(sim.MaxPressure) || sim.MaxPressure <= 0 {
		return fmt.Errorf("maxPressure must be positive, got %v", sim.MaxPressure)
	}

	pressures := map[string]float64{
		"mainPressure":  sim.MainPressure,
		"m1SetPressure": sim.M1SetPressure,
		"m2SetPressure": sim.M2SetPressure,
	}
	for name, value := range pressures {
		if !isFinite(value) || value < 0 || value > sim.MaxPressure {
			return fmt.Errorf("%s %v is outside [0, %v]", name, value, sim.MaxPressure)
		}
	}

	if !isFinite(sim.CellLoad) || sim.CellLoad < 0 {
		return fmt.Errorf("cellLoad must be non-negative, got %v", sim.CellLoad)
	}

	travel := map[string]float64{
		"m1CoverOpenSec":  sim.Travel.M1CoverOpenSec,
		"m1CoverCloseSec": sim.Travel.M1CoverCloseSec,
		"m1VentsOpenSec":  sim.Travel.M1VentsOpenSec,
		"m1VentsCloseSec": sim.Travel.M1VentsCloseSec,
	}
	for name, sec := range travel {
		if !isFinite(sec) || sec < 0 || sec > 600 {
			return fmt.Errorf("travel %s %v seconds is outside reasonable range [0, 600]", name, sec)
		}
	}

	if cfg.Telemetry.IntervalMs < 10 || cfg.Telemetry.IntervalMs > 60000 {
		return fmt.Errorf("telemetry interval %dms is outside reasonable range [10, 60000]", cfg.Telemetry.IntervalMs)
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port < 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port %d", cfg.Admin.Port)
	}

	return nil
}

// TelemetryInterval returns the telemetry period as a duration
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.IntervalMs) * time.Millisecond
}

// WriteTimeout returns the per-message socket write deadline
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Network.WriteTimeoutMs) * time.Millisecond
}

// Seconds converts a configured travel time to a duration
func Seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
