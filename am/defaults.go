package am

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/teranos/onair/version"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("scheduler.scan_interval_seconds", 30)
	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.error_backoff_seconds", 5)
	v.SetDefault("scheduler.recovery_timeout_minutes", 120)

	v.SetDefault("recording.start_delay_seconds", 0)
	v.SetDefault("recording.end_delay_seconds", 0)
	v.SetDefault("recording.record_dir", DefaultRecordDir)
	v.SetDefault("recording.temp_dir", "")
	v.SetDefault("recording.file_extension", ".m4a")
	v.SetDefault("recording.min_free_mb", 512)
	v.SetDefault("recording.timezone", "")
	v.SetDefault("recording.ffmpeg_path", "ffmpeg")
	v.SetDefault("recording.ffmpeg_args", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 200)
	v.SetDefault("retry.max_delay_ms", 1000)

	v.SetDefault("pacer.interval_ms", 150)
	v.SetDefault("pacer.jitter_ms", 100)

	v.SetDefault("source.base_url", "")
	v.SetDefault("source.service_kinds", []string{"radiko", "radiru"})
	v.SetDefault("source.user_agent", version.Get().UserAgent())
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("source.allow_private", false)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})
	v.SetDefault("server.requests_per_minute", 60)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.bucket", "recordings")
	v.SetDefault("mirror.use_ssl", true)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "ONAIR_DATABASE_PATH")
	v.BindEnv("mirror.access_key", "ONAIR_MIRROR_ACCESS_KEY", "MINIO_ACCESS_KEY")
	v.BindEnv("mirror.secret_key", "ONAIR_MIRROR_SECRET_KEY", "MINIO_SECRET_KEY")
	v.BindEnv("mirror.endpoint", "ONAIR_MIRROR_ENDPOINT", "MINIO_ENDPOINT")
}

// sensitiveKeys are redacted by Redacted.
var sensitiveKeys = map[string]bool{
	"mirror.access_key": true,
	"mirror.secret_key": true,
}

// IsSensitive reports whether key holds a credential.
func IsSensitive(key string) bool {
	return sensitiveKeys[key]
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, RecordDir: %s, Server: {Port: %d}, Mirror: {Enabled: %t}}",
		c.Database.Path, c.Recording.RecordDir, c.Server.Port, c.Mirror.Enabled)
}

// defaultsViper holds only the defaults; used to type user input.
func defaultsViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}
