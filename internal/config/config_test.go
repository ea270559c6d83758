package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"COURIER_DATA_DIR", "COURIER_PULL_PORT", "COURIER_CONNECTION_TIMEOUT",
		"COURIER_MAX_CONNECTIONS", "COURIER_ALLOWED_IP", "COURIER_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DataDir != "/var/lib/courier" {
		t.Errorf("DataDir = %q, want /var/lib/courier", cfg.DataDir)
	}
	if cfg.PullPort != 6556 {
		t.Errorf("PullPort = %d, want 6556", cfg.PullPort)
	}
	if cfg.ConnectionTimeout != 20*time.Second {
		t.Errorf("ConnectionTimeout = %s, want 20s", cfg.ConnectionTimeout)
	}
	if cfg.MaxConnectionsPerIP != 3 {
		t.Errorf("MaxConnectionsPerIP = %d, want 3", cfg.MaxConnectionsPerIP)
	}
	if len(cfg.AllowedIPs) != 0 {
		t.Errorf("AllowedIPs = %v, want empty", cfg.AllowedIPs)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COURIER_PULL_PORT", "7788")
	t.Setenv("COURIER_CONNECTION_TIMEOUT", "5s")
	t.Setenv("COURIER_ALLOWED_IP", "192.168.1.0/24 127.0.0.1")
	t.Setenv("COURIER_LOG_JSON", "true")

	cfg := Load()
	if cfg.PullPort != 7788 {
		t.Errorf("PullPort = %d, want 7788", cfg.PullPort)
	}
	if cfg.ConnectionTimeout != 5*time.Second {
		t.Errorf("ConnectionTimeout = %s, want 5s", cfg.ConnectionTimeout)
	}
	if len(cfg.AllowedIPs) != 2 || cfg.AllowedIPs[0] != "192.168.1.0/24" || cfg.AllowedIPs[1] != "127.0.0.1" {
		t.Errorf("AllowedIPs = %v, want [192.168.1.0/24 127.0.0.1]", cfg.AllowedIPs)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero port", func(c *Config) { c.PullPort = 0 }, true},
		{"zero timeout", func(c *Config) { c.ConnectionTimeout = 0 }, true},
		{"zero max connections", func(c *Config) { c.MaxConnectionsPerIP = 0 }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"valid cron schedule", func(c *Config) { c.RenewalSchedule = "0 3 * * *" }, false},
		{"invalid cron schedule", func(c *Config) { c.RenewalSchedule = "whenever" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				DataDir:             "/tmp/courier",
				PullPort:            6556,
				ConnectionTimeout:   20 * time.Second,
				MaxConnectionsPerIP: 3,
				PushInterval:        time.Minute,
			}
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.RegistryPath(); got != "/data/registered_connections.json" {
		t.Errorf("RegistryPath = %q", got)
	}
	if got := cfg.LegacyPullMarkerPath(); got != "/data/allow-legacy-pull" {
		t.Errorf("LegacyPullMarkerPath = %q", got)
	}
}

func TestLoadRegistrationDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, RegistrationDefaultsFileName)

	// Missing file yields empty defaults.
	defaults, err := LoadRegistrationDefaults(path)
	if err != nil {
		t.Fatalf("LoadRegistrationDefaults on missing file: %v", err)
	}
	if defaults.SiteAddress != "" || defaults.Credentials != nil {
		t.Errorf("missing file should yield empty defaults, got %+v", defaults)
	}

	content := `site_address: monitoring.example.com/central
credentials:
  username: registrar
  password: hunter2
host_name: db-host-17
agent_labels:
  rack: r12
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	defaults, err = LoadRegistrationDefaults(path)
	if err != nil {
		t.Fatalf("LoadRegistrationDefaults: %v", err)
	}
	if defaults.SiteAddress != "monitoring.example.com/central" {
		t.Errorf("SiteAddress = %q", defaults.SiteAddress)
	}
	if defaults.Credentials == nil || defaults.Credentials.Username != "registrar" || defaults.Credentials.Password != "hunter2" {
		t.Errorf("Credentials = %+v", defaults.Credentials)
	}
	if defaults.HostName != "db-host-17" {
		t.Errorf("HostName = %q", defaults.HostName)
	}
	if defaults.AgentLabels["rack"] != "r12" {
		t.Errorf("AgentLabels = %v", defaults.AgentLabels)
	}

	// Malformed YAML is an error, not silently empty.
	if err := os.WriteFile(path, []byte("\t: nope"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRegistrationDefaults(path); err == nil {
		t.Error("malformed defaults file should be an error")
	}
}
