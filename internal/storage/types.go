package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrInvalid  = errors.New("storage: invalid input")
)

// PlaceholderEmail is stored when a preference record is created without an address.
const PlaceholderEmail = "pending@notifyd.invalid"

// Config configures storage.
//
// Driver values:
//   - "mongo": URI + Database (ConnectTimeout bounds the initial dial and ping)
//   - "sqlite": Path (":memory:" for an ephemeral store)
type Config struct {
	Driver string

	MongoURI       string
	MongoDatabase  string
	ConnectTimeout time.Duration

	SQLitePath  string
	BusyTimeout time.Duration
}

// Notification is an in-app alert shown to one user.
type Notification struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type SummaryFrequency string

const (
	FrequencyDaily  SummaryFrequency = "daily"
	FrequencyWeekly SummaryFrequency = "weekly"
	FrequencyNever  SummaryFrequency = "never"
)

func (f SummaryFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyNever:
		return true
	}
	return false
}

// Preference holds a user's delivery settings. A missing record means the
// user receives nothing.
type Preference struct {
	UserID                   string           `json:"userId"`
	Email                    string           `json:"email"`
	GlobalEmailNotifications bool             `json:"globalEmailNotifications"`
	AlertOnExpenseCreation   bool             `json:"alertOnExpenseCreation"`
	AlertOnBalanceChange     bool             `json:"alertOnBalanceChange"`
	AlertOnNewGroup          bool             `json:"alertOnNewGroup"`
	SummaryFrequency         SummaryFrequency `json:"summaryFrequency"`
	LastSummarySent          time.Time        `json:"lastSummarySent"`
}

// DefaultPreference returns a record with every flag on and a weekly digest.
func DefaultPreference(userID, email string) Preference {
	if email == "" {
		email = PlaceholderEmail
	}
	return Preference{
		UserID:                   userID,
		Email:                    email,
		GlobalEmailNotifications: true,
		AlertOnExpenseCreation:   true,
		AlertOnBalanceChange:     true,
		AlertOnNewGroup:          true,
		SummaryFrequency:         FrequencyWeekly,
		LastSummarySent:          time.Unix(0, 0).UTC(),
	}
}

// PreferencePatch is a partial update; nil fields are left untouched.
type PreferencePatch struct {
	Email                    *string
	GlobalEmailNotifications *bool
	AlertOnExpenseCreation   *bool
	AlertOnBalanceChange     *bool
	AlertOnNewGroup          *bool
	SummaryFrequency         *SummaryFrequency
}

// Apply writes the set fields of p onto pref.
func (p PreferencePatch) Apply(pref *Preference) {
	if p.Email != nil {
		pref.Email = *p.Email
	}
	if p.GlobalEmailNotifications != nil {
		pref.GlobalEmailNotifications = *p.GlobalEmailNotifications
	}
	if p.AlertOnExpenseCreation != nil {
		pref.AlertOnExpenseCreation = *p.AlertOnExpenseCreation
	}
	if p.AlertOnBalanceChange != nil {
		pref.AlertOnBalanceChange = *p.AlertOnBalanceChange
	}
	if p.AlertOnNewGroup != nil {
		pref.AlertOnNewGroup = *p.AlertOnNewGroup
	}
	if p.SummaryFrequency != nil {
		pref.SummaryFrequency = *p.SummaryFrequency
	}
}

func (p PreferencePatch) validate() error {
	if p.SummaryFrequency != nil && !p.SummaryFrequency.Valid() {
		return errors.Join(ErrInvalid, errors.New("summaryFrequency must be daily, weekly or never"))
	}
	if p.Email != nil && *p.Email == "" {
		return errors.Join(ErrInvalid, errors.New("email must not be empty"))
	}
	return nil
}
