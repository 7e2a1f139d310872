package am

import (
	"net/url"
	"strings"

	"github.com/teranos/onair/errors"
)

// Validate checks that the configuration is usable by the daemon.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RequestsPerMinute < 0 {
		return errors.Newf("server.requests_per_minute must be >= 0, got %d", c.Server.RequestsPerMinute)
	}

	if c.Scheduler.ScanIntervalSeconds <= 0 {
		return errors.Newf("scheduler.scan_interval_seconds must be > 0, got %d", c.Scheduler.ScanIntervalSeconds)
	}
	if c.Scheduler.BatchSize <= 0 {
		return errors.Newf("scheduler.batch_size must be > 0, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.ErrorBackoffSeconds < 0 {
		return errors.Newf("scheduler.error_backoff_seconds must be >= 0, got %d", c.Scheduler.ErrorBackoffSeconds)
	}
	if c.Scheduler.RecoveryTimeoutMinutes <= 0 {
		return errors.Newf("scheduler.recovery_timeout_minutes must be > 0, got %d", c.Scheduler.RecoveryTimeoutMinutes)
	}

	if c.Recording.StartDelaySeconds < 0 || c.Recording.EndDelaySeconds < 0 {
		return errors.New("recording start and end delays must be >= 0")
	}
	if strings.TrimSpace(c.Recording.RecordDir) == "" {
		return errors.New("recording.record_dir cannot be empty")
	}
	if c.Recording.MinFreeMB < 0 {
		return errors.Newf("recording.min_free_mb must be >= 0, got %d", c.Recording.MinFreeMB)
	}
	if _, err := c.Recording.Location(); err != nil {
		return errors.Newf("recording.timezone %q: %v", c.Recording.Timezone, err)
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.Newf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelayMS < 0 || c.Retry.MaxDelayMS < c.Retry.InitialDelayMS {
		return errors.Newf("retry delays must satisfy 0 <= initial_delay_ms (%d) <= max_delay_ms (%d)",
			c.Retry.InitialDelayMS, c.Retry.MaxDelayMS)
	}
	if c.Pacer.IntervalMS < 0 || c.Pacer.JitterMS < 0 {
		return errors.New("pacer interval and jitter must be >= 0")
	}

	if c.Source.BaseURL != "" {
		u, err := url.Parse(c.Source.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Newf("source.base_url must be an http(s) URL, got %q", c.Source.BaseURL)
		}
	}
	if len(c.Source.ServiceKinds) == 0 {
		return errors.New("source.service_kinds cannot be empty")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return errors.Newf("source.timeout_seconds must be > 0, got %d", c.Source.TimeoutSeconds)
	}

	if c.Mirror.Enabled {
		if c.Mirror.Endpoint == "" {
			return errors.New("mirror.endpoint cannot be empty when enabled")
		}
		if c.Mirror.Bucket == "" {
			return errors.New("mirror.bucket cannot be empty when enabled")
		}
	}
	return nil
}
