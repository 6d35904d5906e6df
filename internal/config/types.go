package config

// Config is the root of the notifyd config file.
//
// All durations are Go duration strings (e.g. "600ms", "10s", "168h").
// Omitted or zero fields fall back to the defaults documented per section;
// components resolve them when the section is applied.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Redis    RedisConfig    `json:"redis"`
	Lookup   LookupConfig   `json:"lookup"`
	Mailer   MailerConfig   `json:"mailer"`
	Pipeline PipelineConfig `json:"pipeline"`
	Summary  SummaryConfig  `json:"summary"`
	Debug    DebugConfig    `json:"debug"`
}

// HTTPConfig controls the REST surface.
//
// AuthSecret enables an HS256 bearer-token guard on every route except /health.
// Leave it empty for deployments behind a gateway that already authenticates.
type HTTPConfig struct {
	Addr        string   `json:"addr,omitempty"` // default ":3000"
	AuthSecret  string   `json:"auth_secret,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`     // default "10s"
	WriteTimeout    string `json:"write_timeout,omitempty"`    // default "15s"
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // default "5s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "mongo", "mongo": { "uri": "${DATABASE_URL}" } }
type StorageConfig struct {
	Driver string       `json:"driver"` // "mongo" | "sqlite"
	Mongo  MongoConfig  `json:"mongo,omitempty"`
	SQLite SQLiteConfig `json:"sqlite,omitempty"`
}

type MongoConfig struct {
	URI            string `json:"uri"`
	Database       string `json:"database,omitempty"`        // default "notifications"
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default "10s"
}

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "1s"
}

type RedisConfig struct {
	URL      string        `json:"url"`
	Channels RedisChannels `json:"channels"`
}

// RedisChannels maps channel roles to concrete channel names.
// Empty names fall back to the defaults; an empty Direct list keeps the default set.
type RedisChannels struct {
	Flat           string   `json:"flat,omitempty"`            // default "events"
	Envelope       string   `json:"envelope,omitempty"`        // default "group-events"
	UserDeleted    string   `json:"user_deleted,omitempty"`    // default "user.deleted"
	UserRegistered string   `json:"user_registered,omitempty"` // default "user.registered"
	Direct         []string `json:"direct,omitempty"`
}

type LookupConfig struct {
	UsersURL       string `json:"users_url,omitempty"`        // default "http://users-service:3000"
	Timeout        string `json:"timeout,omitempty"`          // default "2s"
	GroupKeyPrefix string `json:"group_key_prefix,omitempty"` // default "group_summary:"
}

// MailerConfig controls the protected email dispatcher.
type MailerConfig struct {
	Driver      string        `json:"driver"` // "resend" | "smtp" | "none"
	From        string        `json:"from"`
	AppURL      string        `json:"app_url,omitempty"`      // links in email bodies; empty omits them
	SendTimeout string        `json:"send_timeout,omitempty"` // default "5s"
	Resend      ResendConfig  `json:"resend,omitempty"`
	SMTP        SMTPConfig    `json:"smtp,omitempty"`
	Breaker     BreakerConfig `json:"breaker"`
	Limiter     LimiterConfig `json:"limiter"`
}

type ResendConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"` // default "https://api.resend.com"
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// BreakerConfig tunes the circuit breaker around the email transport.
//
// Defaults:
//   - min_volume: 10
//   - error_threshold_percent: 50 (trip when strictly above)
//   - cooldown: "60s"
//   - rolling_window: "10s" split into buckets (default 10)
type BreakerConfig struct {
	MinVolume             int    `json:"min_volume,omitempty"`
	ErrorThresholdPercent int    `json:"error_threshold_percent,omitempty"`
	Cooldown              string `json:"cooldown,omitempty"`
	RollingWindow         string `json:"rolling_window,omitempty"`
	Buckets               int    `json:"buckets,omitempty"`
}

type LimiterConfig struct {
	MinSpacing    string `json:"min_spacing,omitempty"`    // default "600ms"
	MaxConcurrent int    `json:"max_concurrent,omitempty"` // default 1
}

type PipelineConfig struct {
	MaxConcurrentEvents int    `json:"max_concurrent_events,omitempty"` // default 32
	EventTimeout        string `json:"event_timeout,omitempty"`         // default "30s"
}

// SummaryConfig controls the digest jobs.
//
// Schedules use cron syntax with an optional seconds field and descriptors
// (e.g. "@weekly"). Timezone is an IANA name; empty means local time.
type SummaryConfig struct {
	Enabled    bool            `json:"enabled"`
	Timezone   string          `json:"timezone,omitempty"`
	Weekly     SummarySchedule `json:"weekly"`
	Daily      SummarySchedule `json:"daily"`
	RunTimeout string          `json:"run_timeout,omitempty"` // default "10m"
}

// SummarySchedule describes one digest frequency.
//
// Enabled is a pointer so an omitted weekly block stays on while daily
// stays off unless explicitly enabled.
type SummarySchedule struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Window   string `json:"window,omitempty"`
}

// DebugConfig controls the profiling listener. It is off by default and binds
// to 127.0.0.1:6060 when enabled without an addr.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
