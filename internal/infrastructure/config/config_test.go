package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
persistence:
  enabled: true
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
  flush_interval_ms: 250
schema:
  dir: "/etc/resdb/types"
  watch: true
mqtt:
  enabled: true
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
  publish_paths: ["*"]
api:
  host: "0.0.0.0"
  port: 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Persistence.Path != "/tmp/test.db" {
		t.Errorf("Persistence.Path = %q, want %q", cfg.Persistence.Path, "/tmp/test.db")
	}
	if cfg.FlushInterval() != 250*time.Millisecond {
		t.Errorf("FlushInterval() = %v, want 250ms", cfg.FlushInterval())
	}
	if !cfg.Schema.Watch {
		t.Error("Schema.Watch = false, want true")
	}
	if len(cfg.MQTT.PublishPaths) != 1 || cfg.MQTT.PublishPaths[0] != "*" {
		t.Errorf("MQTT.PublishPaths = %v, want [*]", cfg.MQTT.PublishPaths)
	}
	// Unset keys keep their defaults.
	if cfg.Persistence.CompactThreshold != 10000 {
		t.Errorf("Persistence.CompactThreshold = %d, want default 10000", cfg.Persistence.CompactThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
persistence:
  path: "/tmp/test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "persistence path required when enabled",
			mutate:  func(c *Config) { c.Persistence.Path = "" },
			wantErr: "persistence.path",
		},
		{
			name: "persistence path ignored when disabled",
			mutate: func(c *Config) {
				c.Persistence.Enabled = false
				c.Persistence.Path = ""
			},
		},
		{
			name:    "non-positive flush interval",
			mutate:  func(c *Config) { c.Persistence.FlushIntervalMS = 0 },
			wantErr: "flush_interval_ms",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "topic root required when mqtt enabled",
			mutate:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.TopicRoot = "" },
			wantErr: "mqtt.topic_root",
		},
		{
			name:    "invalid API port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name: "API port ignored when API disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
		{
			name:    "influx bucket required when enabled",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true; c.InfluxDB.URL = "http://influx:8086" },
			wantErr: "influxdb.bucket",
		},
		{
			name:    "backup bucket required when enabled",
			mutate:  func(c *Config) { c.Backup.Enabled = true },
			wantErr: "backup.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_CollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.MQTT.QoS = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "configuration errors: ") {
		t.Errorf("error prefix = %q", msg)
	}
	if !strings.Contains(msg, "site.id") || !strings.Contains(msg, "mqtt.qos") {
		t.Errorf("error %q should mention both failures", msg)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("RESDB_PERSISTENCE_PATH", "/custom/path.db")
	t.Setenv("RESDB_PERSISTENCE_ENABLED", "false")
	t.Setenv("RESDB_SCHEMA_DIR", "/custom/types")
	t.Setenv("RESDB_MQTT_HOST", "mqtt.example.com")
	t.Setenv("RESDB_MQTT_USERNAME", "testuser")
	t.Setenv("RESDB_MQTT_PASSWORD", "testpass")
	t.Setenv("RESDB_API_HOST", "192.168.1.1")
	t.Setenv("RESDB_API_PORT", "9191")
	t.Setenv("RESDB_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("RESDB_BACKUP_BUCKET", "resdb-backups")
	t.Setenv("RESDB_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Persistence.Path", cfg.Persistence.Path, "/custom/path.db"},
		{"Persistence.Enabled", cfg.Persistence.Enabled, false},
		{"Schema.Dir", cfg.Schema.Dir, "/custom/types"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"API.Port", cfg.API.Port, 9191},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Backup.Bucket", cfg.Backup.Bucket, "resdb-backups"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("RESDB_API_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 8090 {
		t.Errorf("API.Port = %d, want default 8090", cfg.API.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Site.ID == "" {
		t.Error("Default should have non-empty Site.ID")
	}
	if !cfg.Persistence.Enabled || cfg.Persistence.Path == "" {
		t.Error("Default should enable persistence with a path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("Default MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8090 {
		t.Errorf("Default API.Port = %d, want 8090", cfg.API.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}
