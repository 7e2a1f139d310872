package am

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative rate", func(c *Config) { c.Server.RequestsPerMinute = -1 }, "requests_per_minute"},
		{"scan interval", func(c *Config) { c.Scheduler.ScanIntervalSeconds = 0 }, "scan_interval_seconds"},
		{"batch size", func(c *Config) { c.Scheduler.BatchSize = 0 }, "batch_size"},
		{"recovery timeout", func(c *Config) { c.Scheduler.RecoveryTimeoutMinutes = 0 }, "recovery_timeout_minutes"},
		{"negative margin", func(c *Config) { c.Recording.EndDelaySeconds = -5 }, "delays"},
		{"empty record dir", func(c *Config) { c.Recording.RecordDir = "  " }, "record_dir"},
		{"bad timezone", func(c *Config) { c.Recording.Timezone = "Mars/Olympus" }, "timezone"},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"retry order", func(c *Config) { c.Retry.MaxDelayMS = 10 }, "retry delays"},
		{"pacer", func(c *Config) { c.Pacer.JitterMS = -1 }, "pacer"},
		{"base url scheme", func(c *Config) { c.Source.BaseURL = "ftp://example.com" }, "base_url"},
		{"base url ok", func(c *Config) { c.Source.BaseURL = "https://resolver.example.com/v1" }, ""},
		{"no services", func(c *Config) { c.Source.ServiceKinds = nil }, "service_kinds"},
		{"mirror endpoint", func(c *Config) { c.Mirror.Enabled = true }, "mirror.endpoint"},
		{"mirror bucket", func(c *Config) {
			c.Mirror.Enabled = true
			c.Mirror.Endpoint = "localhost:9000"
			c.Mirror.Bucket = ""
		}, "mirror.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
