// Package config holds all Agent-Courier configuration from environment
// variables, plus the optional pre-registration defaults file an operator
// or deployment tool can drop next to the data directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// RegistryFileName is the on-disk connection registry inside DataDir.
const RegistryFileName = "registered_connections.json"

// LegacyPullMarkerFileName is the sibling marker file whose existence (not
// content) switches the pull listener to plaintext legacy mode when the
// registry is empty.
const LegacyPullMarkerFileName = "allow-legacy-pull"

// RegistrationDefaultsFileName is the optional pre-seeded registration
// parameters file inside DataDir.
const RegistrationDefaultsFileName = "registration_defaults.yaml"

// Config holds all Agent-Courier configuration from environment variables.
type Config struct {
	// Storage
	DataDir string // registry, marker file, pre-registration defaults

	// Logging
	LogJSON bool

	// Pull listener
	PullPort            uint16
	AllowedIPs          []string // CIDR networks or single addresses; junk entries ignored
	ConnectionTimeout   time.Duration
	MaxConnectionsPerIP int

	// Local agent channel (UNIX domain socket path)
	AgentSocket string

	// Push loop
	PushInterval time.Duration

	// Certificate renewal: empty = daily loop with random splay,
	// otherwise a cron expression in the robfig/cron standard format.
	RenewalSchedule string

	// Metrics: node_exporter textfile collector output, empty = disabled.
	MetricsTextfile string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	pullPort := envInt("COURIER_PULL_PORT", 6556)
	if pullPort < 0 || pullPort > 65535 {
		pullPort = 0 // rejected by Validate
	}
	return &Config{
		DataDir:             envStr("COURIER_DATA_DIR", "/var/lib/courier"),
		LogJSON:             envBool("COURIER_LOG_JSON", false),
		PullPort:            uint16(pullPort), //nolint:gosec // range checked above, 0 rejected by Validate
		AllowedIPs:          splitFields(envStr("COURIER_ALLOWED_IP", "")),
		ConnectionTimeout:   envDuration("COURIER_CONNECTION_TIMEOUT", 20*time.Second),
		MaxConnectionsPerIP: envInt("COURIER_MAX_CONNECTIONS", 3),
		AgentSocket:         envStr("COURIER_AGENT_SOCKET", "/run/courier/agent-output.sock"),
		PushInterval:        envDuration("COURIER_PUSH_INTERVAL", time.Minute),
		RenewalSchedule:     envStr("COURIER_RENEWAL_SCHEDULE", ""),
		MetricsTextfile:     envStr("COURIER_METRICS_TEXTFILE", ""),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("COURIER_DATA_DIR must not be empty"))
	}
	if c.PullPort == 0 {
		errs = append(errs, fmt.Errorf("COURIER_PULL_PORT must be in the range 1 - 65535"))
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COURIER_CONNECTION_TIMEOUT must be > 0, got %s", c.ConnectionTimeout))
	}
	if c.MaxConnectionsPerIP <= 0 {
		errs = append(errs, fmt.Errorf("COURIER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnectionsPerIP))
	}
	if c.PushInterval <= 0 {
		errs = append(errs, fmt.Errorf("COURIER_PUSH_INTERVAL must be > 0, got %s", c.PushInterval))
	}
	if c.RenewalSchedule != "" {
		if _, err := cron.ParseStandard(c.RenewalSchedule); err != nil {
			errs = append(errs, fmt.Errorf("COURIER_RENEWAL_SCHEDULE is not a valid cron expression: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegistryPath returns the path of the connection registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, RegistryFileName)
}

// LegacyPullMarkerPath returns the path of the legacy-pull marker file.
func (c *Config) LegacyPullMarkerPath() string {
	return filepath.Join(c.DataDir, LegacyPullMarkerFileName)
}

// RegistrationDefaultsPath returns the path of the pre-seeded
// registration parameters file.
func (c *Config) RegistrationDefaultsPath() string {
	return filepath.Join(c.DataDir, RegistrationDefaultsFileName)
}

// Credentials are the site API credentials used during registration.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RegistrationDefaults are pre-seeded registration parameters, typically
// dropped into DataDir by a deployment tool so that a later `courier
// register` needs no arguments.
type RegistrationDefaults struct {
	SiteAddress     string            `yaml:"site_address"` // "server/site" or "server:port/site"
	Credentials     *Credentials      `yaml:"credentials"`
	RootCertificate string            `yaml:"root_certificate"`
	HostName        string            `yaml:"host_name"`
	AgentLabels     map[string]string `yaml:"agent_labels"`
}

// LoadRegistrationDefaults reads the defaults file at path. A missing file
// yields empty defaults; a malformed file is an error.
func LoadRegistrationDefaults(path string) (*RegistrationDefaults, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &RegistrationDefaults{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registration defaults %s: %w", path, err)
	}
	var defaults RegistrationDefaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("parse registration defaults %s: %w", path, err)
	}
	return &defaults, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

// splitFields splits a whitespace-separated list, dropping empty entries.
func splitFields(s string) []string {
	return strings.Fields(s)
}
