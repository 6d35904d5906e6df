package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/events"
	"notifyd/internal/summary"
	logx "notifyd/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func TestMapChannelsDefaults(t *testing.T) {
	t.Parallel()

	got, types := mapChannels(config.RedisChannels{})
	want := map[string]events.Role{
		"events":             events.RoleFlat,
		"group-events":       events.RoleEnvelope,
		"user.deleted":       events.RoleDirect,
		"user.registered":    events.RoleDirect,
		"expense.created":    events.RoleDirect,
		"group.member.added": events.RoleDirect,
		"balance.changed":    events.RoleDirect,
	}
	if len(got) != len(want) {
		t.Fatalf("channels = %v, want %v", got, want)
	}
	for name, role := range want {
		if got[name] != role {
			t.Fatalf("role[%s] = %v, want %v", name, got[name], role)
		}
	}
	if len(types) != 0 {
		t.Fatalf("direct types = %v, want none for default names", types)
	}
}

func TestDefaultChannelsNormalizeUserSignals(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      config.RedisChannels
		channel string
		want    events.Type
	}{
		{"deleted default", config.RedisChannels{}, "user.deleted", events.TypeUserDeleted},
		{"registered default", config.RedisChannels{}, "user.registered", events.TypeUserRegistered},
		{"deleted renamed", config.RedisChannels{UserDeleted: "accounts.removed"}, "accounts.removed", events.TypeUserDeleted},
		{"registered renamed", config.RedisChannels{UserRegistered: "accounts.created"}, "accounts.created", events.TypeUserRegistered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			channels, types := mapChannels(tc.in)
			n := events.NewNormalizer(events.Options{Channels: channels, DirectTypes: types}, logx.Nop())
			evs, err := n.Normalize(context.Background(), tc.channel, []byte(`{"userId":"u1","email":"a@example.com"}`))
			if err != nil {
				t.Fatalf("Normalize(%s) error = %v, want nil", tc.channel, err)
			}
			if len(evs) != 1 {
				t.Fatalf("len(events) = %d, want 1", len(evs))
			}
			if evs[0].Type != tc.want || evs[0].AffectedUserID != "u1" {
				t.Fatalf("event = %s/%s, want %s/u1", evs[0].Type, evs[0].AffectedUserID, tc.want)
			}
		})
	}
}

func TestMapChannelsOverrides(t *testing.T) {
	t.Parallel()

	got, _ := mapChannels(config.RedisChannels{
		Flat:     "legacy",
		Envelope: "legacy",
		Direct:   []string{" expense.created ", ""},
	})
	if got["legacy"] != events.RoleFlat {
		t.Fatalf("role[legacy] = %v, want flat (first role wins)", got["legacy"])
	}
	if _, ok := got["group-events"]; ok {
		t.Fatalf("default envelope channel kept after override")
	}
	if got["expense.created"] != events.RoleDirect {
		t.Fatalf("direct channel not trimmed: %v", got)
	}
	if _, ok := got["balance.changed"]; ok {
		t.Fatalf("explicit direct list should replace defaults")
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      config.SummaryConfig
		jobs    []string
		windows []time.Duration
		wantErr bool
	}{
		{
			name:    "weekly by default",
			in:      config.SummaryConfig{Enabled: true},
			jobs:    []string{"weekly"},
			windows: []time.Duration{7 * 24 * time.Hour},
		},
		{
			name: "daily opt in with custom window",
			in: config.SummaryConfig{
				Enabled: true,
				Daily:   config.SummarySchedule{Enabled: boolPtr(true), Window: "12h"},
			},
			jobs:    []string{"weekly", "daily"},
			windows: []time.Duration{7 * 24 * time.Hour, 12 * time.Hour},
		},
		{
			name: "weekly off",
			in:   config.SummaryConfig{Weekly: config.SummarySchedule{Enabled: boolPtr(false)}},
		},
		{
			name:    "bad schedule",
			in:      config.SummaryConfig{Weekly: config.SummarySchedule{Schedule: "every friday"}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapSchedulerConfig(&config.Config{Summary: tc.in})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapSchedulerConfig: %v", err)
			}
			if got.RunTimeout != 10*time.Minute {
				t.Fatalf("RunTimeout = %v, want 10m", got.RunTimeout)
			}
			if len(got.Entries) != len(tc.jobs) {
				t.Fatalf("entries = %d, want %d", len(got.Entries), len(tc.jobs))
			}
			for i, e := range got.Entries {
				if e.Job.Name != tc.jobs[i] || e.Job.Window != tc.windows[i] {
					t.Fatalf("entry[%d] = %s/%v, want %s/%v", i, e.Job.Name, e.Job.Window, tc.jobs[i], tc.windows[i])
				}
				if err := summary.ValidateSchedule(e.Schedule); err != nil {
					t.Fatalf("default schedule invalid: %v", err)
				}
			}
		})
	}
}

func TestMapMailerConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Mailer.Breaker.ErrorThresholdPercent = 25
	cfg.Mailer.Breaker.Cooldown = "30s"
	got, err := mapMailerConfig(cfg)
	if err != nil {
		t.Fatalf("mapMailerConfig: %v", err)
	}
	if got.SendTimeout != 5*time.Second {
		t.Fatalf("SendTimeout = %v, want 5s", got.SendTimeout)
	}
	if got.Gate.MinSpacing != 600*time.Millisecond {
		t.Fatalf("MinSpacing = %v, want 600ms", got.Gate.MinSpacing)
	}
	if got.Breaker.ErrorThresholdPercent != 25 || got.Breaker.Cooldown != 30*time.Second {
		t.Fatalf("Breaker = %+v", got.Breaker)
	}

	cfg.Mailer.Limiter.MinSpacing = "soon"
	if _, err := mapMailerConfig(cfg); err == nil {
		t.Fatalf("expected error for bad min_spacing")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Storage.Driver = "mongo"
	cfg.Storage.Mongo.URI = "mongodb://db:27017"
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.MongoDatabase != "notifications" || sc.ConnectTimeout != 10*time.Second {
		t.Fatalf("mongo defaults = %+v", sc)
	}

	cfg.Storage.Driver = "sqlite"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("expected error for sqlite without path")
	}
	cfg.Storage.Driver = "postgres"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestNewAppWiresComponents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
http:
  addr: "127.0.0.1:0"
logging:
  level: error
storage:
  driver: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "notifyd.db") + `
redis:
  url: redis://127.0.0.1:1/0
mailer:
  driver: none
  from: noreply@example.com
summary:
  enabled: true
  daily:
    enabled: true
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() {
		_ = a.rdb.Close()
		_ = a.store.Close()
	})

	if got := len(a.sub.Channels()); got != 7 {
		t.Fatalf("subscribed channels = %d, want 7", got)
	}
	if got := a.mailer.Snapshot().Transport; got != "none" {
		t.Fatalf("transport = %q, want none", got)
	}
	st := a.status()
	for _, key := range []string{"pipeline", "subscriber", "digests", "bus_dropped"} {
		if _, ok := st[key]; !ok {
			t.Fatalf("status missing %q: %v", key, st)
		}
	}
}

func TestNewAppRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{"storage":{"driver":"sqlite","sqlite":{"path":":memory:"}},"summary":{"weekly":{"schedule":"whenever"}}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatalf("expected error for bad schedule")
	}
}
