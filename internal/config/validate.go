package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks structural constraints that do not need external resources.
// Schedules and timezones are checked by the summary package through the
// manager's validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "mongo":
		if strings.TrimSpace(cfg.Storage.Mongo.URI) == "" {
			errs = append(errs, errors.New("storage.mongo.uri is required"))
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Mailer.Driver)); d {
	case "resend":
		if strings.TrimSpace(cfg.Mailer.Resend.APIKey) == "" {
			errs = append(errs, errors.New("mailer.resend.api_key is required"))
		}
	case "smtp":
		if strings.TrimSpace(cfg.Mailer.SMTP.Host) == "" {
			errs = append(errs, errors.New("mailer.smtp.host is required"))
		}
	case "none", "":
	default:
		errs = append(errs, fmt.Errorf("mailer.driver: unsupported %q", cfg.Mailer.Driver))
	}

	b := cfg.Mailer.Breaker
	if b.MinVolume < 0 {
		errs = append(errs, errors.New("mailer.breaker.min_volume must be >= 0"))
	}
	if b.ErrorThresholdPercent < 0 || b.ErrorThresholdPercent > 100 {
		errs = append(errs, errors.New("mailer.breaker.error_threshold_percent must be within 0..100"))
	}
	if b.Buckets < 0 {
		errs = append(errs, errors.New("mailer.breaker.buckets must be >= 0"))
	}
	if cfg.Mailer.Limiter.MaxConcurrent < 0 {
		errs = append(errs, errors.New("mailer.limiter.max_concurrent must be >= 0"))
	}
	if cfg.Pipeline.MaxConcurrentEvents < 0 {
		errs = append(errs, errors.New("pipeline.max_concurrent_events must be >= 0"))
	}

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"storage.mongo.connect_timeout", cfg.Storage.Mongo.ConnectTimeout},
		{"storage.sqlite.busy_timeout", cfg.Storage.SQLite.BusyTimeout},
		{"lookup.timeout", cfg.Lookup.Timeout},
		{"mailer.send_timeout", cfg.Mailer.SendTimeout},
		{"mailer.breaker.cooldown", b.Cooldown},
		{"mailer.breaker.rolling_window", b.RollingWindow},
		{"mailer.limiter.min_spacing", cfg.Mailer.Limiter.MinSpacing},
		{"pipeline.event_timeout", cfg.Pipeline.EventTimeout},
		{"summary.weekly.window", cfg.Summary.Weekly.Window},
		{"summary.daily.window", cfg.Summary.Daily.Window},
		{"summary.run_timeout", cfg.Summary.RunTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Summary.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("summary.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

// IsEnabled resolves an optional schedule toggle against its default.
func (s SummarySchedule) IsEnabled(def bool) bool {
	if s.Enabled == nil {
		return def
	}
	return *s.Enabled
}
