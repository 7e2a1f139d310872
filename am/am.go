// Package am loads onair configuration from defaults, TOML files and
// ONAIR_* environment variables, and persists user overrides.
package am

import "time"

// Config is the complete daemon configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Recording RecordingConfig `mapstructure:"recording"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Pacer     PacerConfig     `mapstructure:"pacer"`
	Source    SourceConfig    `mapstructure:"source"`
	Server    ServerConfig    `mapstructure:"server"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig tunes the scan loop and startup recovery.
type SchedulerConfig struct {
	ScanIntervalSeconds    int `mapstructure:"scan_interval_seconds"`
	BatchSize              int `mapstructure:"batch_size"`
	ErrorBackoffSeconds    int `mapstructure:"error_backoff_seconds"`
	RecoveryTimeoutMinutes int `mapstructure:"recovery_timeout_minutes"`
}

// RecordingConfig controls margins, file placement and the capturer.
type RecordingConfig struct {
	StartDelaySeconds int    `mapstructure:"start_delay_seconds"` // global default start margin
	EndDelaySeconds   int    `mapstructure:"end_delay_seconds"`   // global default end margin
	RecordDir         string `mapstructure:"record_dir"`
	TempDir           string `mapstructure:"temp_dir"` // empty = <record_dir>/.work
	FileExtension     string `mapstructure:"file_extension"`
	MinFreeMB         int    `mapstructure:"min_free_mb"`
	Timezone          string `mapstructure:"timezone"` // IANA name for file name timestamps, empty = local
	FFmpegPath        string `mapstructure:"ffmpeg_path"`
	FFmpegArgs        string `mapstructure:"ffmpeg_args"` // extra args, shell-quoted
}

// RetryConfig configures transient-failure retries for source requests.
type RetryConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	InitialDelayMS int `mapstructure:"initial_delay_ms"`
	MaxDelayMS     int `mapstructure:"max_delay_ms"`
}

// PacerConfig spaces out source requests.
type PacerConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
	JitterMS   int `mapstructure:"jitter_ms"`
}

// SourceConfig locates the programme and stream resolver.
type SourceConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	ServiceKinds   []string `mapstructure:"service_kinds"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	// AllowPrivate permits resolvers and streams on private networks
	AllowPrivate bool `mapstructure:"allow_private"`
}

// ServerConfig configures the control server
type ServerConfig struct {
	Port              int      `mapstructure:"port"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
}

// MirrorConfig configures the optional S3-compatible upload of finished files.
type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Default values shared with SetDefaults.
const (
	DefaultServerPort   = 8787
	DefaultDatabasePath = "onair.db"
	DefaultRecordDir    = "recordings"
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ScanInterval is the periodic scan interval.
func (c SchedulerConfig) ScanInterval() time.Duration { return seconds(c.ScanIntervalSeconds) }

// ErrorBackoff is the pause after a failed scan.
func (c SchedulerConfig) ErrorBackoff() time.Duration { return seconds(c.ErrorBackoffSeconds) }

// RecoveryTimeout bounds how stale an interrupted job may be and still resume.
func (c SchedulerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMinutes) * time.Minute
}

func (c RecordingConfig) StartDelay() time.Duration { return seconds(c.StartDelaySeconds) }
func (c RecordingConfig) EndDelay() time.Duration   { return seconds(c.EndDelaySeconds) }

// Location resolves Timezone, falling back to time.Local.
func (c RecordingConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c RetryConfig) InitialDelay() time.Duration { return millis(c.InitialDelayMS) }
func (c RetryConfig) MaxDelay() time.Duration     { return millis(c.MaxDelayMS) }

func (c PacerConfig) Interval() time.Duration { return millis(c.IntervalMS) }
func (c PacerConfig) Jitter() time.Duration   { return millis(c.JitterMS) }

func (c SourceConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
