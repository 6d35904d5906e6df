package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notifyd/pkg/logx"
)

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, userID, message string, at time.Time) (Notification, error)
	// MarkNotificationRead sets read=true. It returns ErrNotFound only when no
	// record has the id; marking an already-read record succeeds.
	MarkNotificationRead(ctx context.Context, id string) (Notification, error)
	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string) ([]Notification, error)
	// ListUnreadSince returns unread notifications created at or after since, oldest first.
	ListUnreadSince(ctx context.Context, userID string, since time.Time) ([]Notification, error)
	DeleteNotifications(ctx context.Context, userID string) (int64, error)
}

// PreferenceStore persists per-user delivery preferences keyed by user id.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string) (Preference, bool, error)
	// UpsertPreference applies patch, creating a default record first when absent.
	UpsertPreference(ctx context.Context, userID string, patch PreferencePatch) (Preference, error)
	// InitPreference inserts pref only if no record exists for pref.UserID.
	InitPreference(ctx context.Context, pref Preference) (created bool, err error)
	DeletePreference(ctx context.Context, userID string) (bool, error)
	ListPreferencesByFrequency(ctx context.Context, freq SummaryFrequency) ([]Preference, error)
	MarkSummarySent(ctx context.Context, userID string, at time.Time) error
}

// Store is the persistence API used by the notifyd components.
type Store interface {
	NotificationStore
	PreferenceStore
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and verifies it is reachable.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "mongo", "mongodb":
		return openMongo(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
