package config

import (
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// Sections that only take effect after a process restart.
var restartSections = map[string]bool{
	"http":     true,
	"storage":  true,
	"redis":    true,
	"lookup":   true,
	"pipeline": true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets), and
// (3) the subset of changed sections that require a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.auth_enabled", strings.TrimSpace(newCfg.HTTP.AuthSecret) != ""),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Redis.URL != newCfg.Redis.URL || !reflect.DeepEqual(oldCfg.Redis.Channels, newCfg.Redis.Channels) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Int("redis.direct_channels", len(newCfg.Redis.Channels.Direct)))
	}

	if oldCfg.Lookup != newCfg.Lookup {
		changed = append(changed, "lookup")
		attrs = append(attrs,
			logx.String("lookup.users_url", newCfg.Lookup.UsersURL),
			logx.String("lookup.timeout", newCfg.Lookup.Timeout),
		)
	}

	// Mailer (never log api keys or smtp passwords)
	om, nm := oldCfg.Mailer, newCfg.Mailer
	if om != nm {
		changed = append(changed, "mailer")
		attrs = append(attrs,
			logx.String("mailer.driver", nm.Driver),
			logx.String("mailer.send_timeout", nm.SendTimeout),
			logx.Int("mailer.breaker.min_volume", nm.Breaker.MinVolume),
			logx.Int("mailer.breaker.error_threshold_percent", nm.Breaker.ErrorThresholdPercent),
			logx.String("mailer.breaker.cooldown", nm.Breaker.Cooldown),
			logx.String("mailer.limiter.min_spacing", nm.Limiter.MinSpacing),
			logx.Int("mailer.limiter.max_concurrent", nm.Limiter.MaxConcurrent),
			logx.Bool("mailer.credentials_changed", om.Resend.APIKey != nm.Resend.APIKey || om.SMTP != nm.SMTP),
		)
	}

	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.max_concurrent_events", newCfg.Pipeline.MaxConcurrentEvents),
			logx.String("pipeline.event_timeout", newCfg.Pipeline.EventTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Summary, newCfg.Summary) {
		changed = append(changed, "summary")
		attrs = append(attrs,
			logx.Bool("summary.enabled", newCfg.Summary.Enabled),
			logx.String("summary.timezone", newCfg.Summary.Timezone),
			logx.String("summary.weekly.schedule", newCfg.Summary.Weekly.Schedule),
			logx.String("summary.daily.schedule", newCfg.Summary.Daily.Schedule),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
