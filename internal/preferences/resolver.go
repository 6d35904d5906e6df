// Package preferences decides which delivery channels fire for a user.
package preferences

import (
	"context"
	"fmt"

	"notifyd/internal/events"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Channel is a delivery channel.
type Channel string

const (
	InApp Channel = "in_app"
	Email Channel = "email"
)

// Resolver loads preference records.
type Resolver struct {
	store storage.PreferenceStore
	log   logx.Logger
}

func NewResolver(store storage.PreferenceStore, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, log: log.With(logx.String("comp", "preferences"))}
}

// Resolve returns the user's record. ok is false when the user has none, in
// which case no channel may fire.
func (r *Resolver) Resolve(ctx context.Context, userID string) (pref storage.Preference, ok bool, err error) {
	pref, ok, err = r.store.GetPreference(ctx, userID)
	if err != nil {
		return storage.Preference{}, false, fmt.Errorf("resolve preferences for %s: %w", userID, err)
	}
	if !ok {
		r.log.Warn("no preferences on record; skipping delivery", logx.String("user_id", userID))
	}
	return pref, ok, nil
}

// ChannelEnabled evaluates one channel for an event type. In-app is always on
// for a user with a record. Email needs the global switch plus the type's own
// flag when the type has one.
func ChannelEnabled(pref storage.Preference, typ events.Type, ch Channel) bool {
	switch ch {
	case InApp:
		return true
	case Email:
		if !pref.GlobalEmailNotifications {
			return false
		}
		switch typ {
		case events.TypeExpenseCreated:
			return pref.AlertOnExpenseCreation
		case events.TypeBalanceChanged:
			return pref.AlertOnBalanceChange
		case events.TypeMemberAdded:
			return pref.AlertOnNewGroup
		}
		return true
	}
	return false
}
