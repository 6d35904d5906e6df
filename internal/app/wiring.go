package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/events"
	"notifyd/internal/httpapi"
	"notifyd/internal/mailer"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/pipeline"
	"notifyd/internal/storage"
	"notifyd/internal/summary"
	logx "notifyd/pkg/logx"
)

// Default channel names shared with the producing services.
const (
	defaultFlatChannel           = "events"
	defaultEnvelopeChannel       = "group-events"
	defaultUserDeletedChannel    = "user.deleted"
	defaultUserRegisteredChannel = "user.registered"
)

var defaultDirectChannels = []string{
	string(events.TypeExpenseCreated),
	string(events.TypeMemberAdded),
	string(events.TypeBalanceChanged),
}

const (
	defaultWeeklySchedule = "0 18 * * 5"
	defaultDailySchedule  = "0 8 * * *"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "mongo":
		connect, err := config.ParseDurationOrDefault("storage.mongo.connect_timeout", sc.Mongo.ConnectTimeout, 10*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		db := strings.TrimSpace(sc.Mongo.Database)
		if db == "" {
			db = "notifications"
		}
		return storage.Config{Driver: driver, MongoURI: sc.Mongo.URI, MongoDatabase: db, ConnectTimeout: connect}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.SQLite.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.sqlite.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.sqlite.busy_timeout", sc.SQLite.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", SQLitePath: sc.SQLite.Path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapChannels resolves channel names to roles. A name listed twice keeps its
// first role. The user lifecycle channels carry bare payloads, so they are
// direct channels; when renamed, the second map pins their event type.
func mapChannels(rc config.RedisChannels) (map[string]events.Role, map[string]events.Type) {
	pick := func(v, def string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return def
	}
	out := map[string]events.Role{}
	types := map[string]events.Type{}
	add := func(name string, role events.Role) bool {
		if _, dup := out[name]; !dup && name != "" {
			out[name] = role
			return true
		}
		return false
	}
	add(pick(rc.Flat, defaultFlatChannel), events.RoleFlat)
	add(pick(rc.Envelope, defaultEnvelopeChannel), events.RoleEnvelope)
	for _, uc := range []struct {
		name string
		typ  events.Type
	}{
		{pick(rc.UserDeleted, defaultUserDeletedChannel), events.TypeUserDeleted},
		{pick(rc.UserRegistered, defaultUserRegisteredChannel), events.TypeUserRegistered},
	} {
		if add(uc.name, events.RoleDirect) && uc.name != string(uc.typ) {
			types[uc.name] = uc.typ
		}
	}

	direct := rc.Direct
	if len(direct) == 0 {
		direct = defaultDirectChannels
	}
	for _, name := range direct {
		add(strings.TrimSpace(name), events.RoleDirect)
	}
	return out, types
}

func mapTransportConfig(cfg *config.Config) mailer.TransportConfig {
	m := cfg.Mailer
	return mailer.TransportConfig{
		Driver:        m.Driver,
		ResendAPIKey:  m.Resend.APIKey,
		ResendBaseURL: m.Resend.BaseURL,
		SMTPHost:      m.SMTP.Host,
		SMTPPort:      m.SMTP.Port,
		SMTPUsername:  m.SMTP.Username,
		SMTPPassword:  m.SMTP.Password,
	}
}

// mapMailerConfig leaves zero values in place for fields the dispatcher
// defaults itself.
func mapMailerConfig(cfg *config.Config) (mailer.Config, error) {
	m := cfg.Mailer
	send, err := config.ParseDurationOrDefault("mailer.send_timeout", m.SendTimeout, 5*time.Second)
	if err != nil {
		return mailer.Config{}, err
	}
	cooldown, err := config.ParseDurationField("mailer.breaker.cooldown", m.Breaker.Cooldown)
	if err != nil {
		return mailer.Config{}, err
	}
	window, err := config.ParseDurationField("mailer.breaker.rolling_window", m.Breaker.RollingWindow)
	if err != nil {
		return mailer.Config{}, err
	}
	spacing, err := config.ParseDurationOrDefault("mailer.limiter.min_spacing", m.Limiter.MinSpacing, 600*time.Millisecond)
	if err != nil {
		return mailer.Config{}, err
	}
	return mailer.Config{
		From:        m.From,
		SendTimeout: send,
		Breaker: mailer.BreakerConfig{
			MinVolume:             m.Breaker.MinVolume,
			ErrorThresholdPercent: float64(m.Breaker.ErrorThresholdPercent),
			Cooldown:              cooldown,
			RollingWindow:         window,
			Buckets:               m.Breaker.Buckets,
		},
		Gate: mailer.GateConfig{
			MinSpacing:    spacing,
			MaxConcurrent: m.Limiter.MaxConcurrent,
		},
	}, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	timeout, err := config.ParseDurationOrDefault("pipeline.event_timeout", cfg.Pipeline.EventTimeout, 30*time.Second)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{MaxConcurrent: cfg.Pipeline.MaxConcurrentEvents, EventTimeout: timeout}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, time.Duration, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	return httpapi.Config{
		Addr:         h.Addr,
		AuthSecret:   h.AuthSecret,
		CORSOrigins:  h.CORSOrigins,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, shutdown, nil
}

// mapSchedulerConfig builds the digest entries. Weekly is on unless disabled;
// daily is off unless enabled. Schedules are parsed here so a bad reload is
// rejected before commit.
func mapSchedulerConfig(cfg *config.Config) (summary.SchedulerConfig, error) {
	s := cfg.Summary
	runTimeout, err := config.ParseDurationOrDefault("summary.run_timeout", s.RunTimeout, 10*time.Minute)
	if err != nil {
		return summary.SchedulerConfig{}, err
	}
	out := summary.SchedulerConfig{Enabled: s.Enabled, Timezone: s.Timezone, RunTimeout: runTimeout}

	type slot struct {
		name    string
		sc      config.SummarySchedule
		on      bool
		job     summary.Job
		defSpec string
	}
	for _, sl := range []slot{
		{"weekly", s.Weekly, true, summary.WeeklyJob, defaultWeeklySchedule},
		{"daily", s.Daily, false, summary.DailyJob, defaultDailySchedule},
	} {
		if !sl.sc.IsEnabled(sl.on) {
			continue
		}
		spec := strings.TrimSpace(sl.sc.Schedule)
		if spec == "" {
			spec = sl.defSpec
		}
		if err := summary.ValidateSchedule(spec); err != nil {
			return summary.SchedulerConfig{}, fmt.Errorf("summary.%s.schedule: %w", sl.name, err)
		}
		job := sl.job
		if job.Window, err = config.ParseDurationOrDefault("summary."+sl.name+".window", sl.sc.Window, job.Window); err != nil {
			return summary.SchedulerConfig{}, err
		}
		out.Entries = append(out.Entries, summary.Entry{Job: job, Schedule: spec})
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{Enabled: d.Enabled, Addr: d.Addr, Token: d.Token, AllowInsecure: d.AllowInsecure}
}
