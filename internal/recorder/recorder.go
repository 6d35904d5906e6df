// Package recorder creates and updates in-app notification records.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// ErrNotFound is returned by MarkRead for an unknown id.
var ErrNotFound = storage.ErrNotFound

type Recorder struct {
	store storage.NotificationStore
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Recorder)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store storage.NotificationStore, log logx.Logger, opts ...Option) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: store, log: log.With(logx.String("comp", "recorder")), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record stores an unread notification for userID. Storage errors are returned
// to the caller unchanged in kind.
func (r *Recorder) Record(ctx context.Context, userID, message string) (storage.Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(message) == "" {
		return storage.Notification{}, fmt.Errorf("record notification: %w", storage.ErrInvalid)
	}
	n, err := r.store.CreateNotification(ctx, userID, message, r.now().UTC())
	if err != nil {
		return storage.Notification{}, fmt.Errorf("record notification for %s: %w", userID, err)
	}
	r.log.Debug("notification recorded", logx.String("user_id", userID), logx.String("id", n.ID))
	return n, nil
}

// MarkRead sets read=true. Calling it again, or concurrently, succeeds.
func (r *Recorder) MarkRead(ctx context.Context, id string) (storage.Notification, error) {
	n, err := r.store.MarkNotificationRead(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Notification{}, ErrNotFound
		}
		return storage.Notification{}, fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return n, nil
}

// ListFor returns the user's notifications, newest first.
func (r *Recorder) ListFor(ctx context.Context, userID string) ([]storage.Notification, error) {
	out, err := r.store.ListNotifications(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	if out == nil {
		out = []storage.Notification{}
	}
	return out, nil
}
