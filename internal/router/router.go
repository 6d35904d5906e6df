// Package router applies the business rules for each canonical event.
package router

import (
	"context"
	"fmt"

	"notifyd/internal/events"
	"notifyd/internal/mailer"
	"notifyd/internal/preferences"
	"notifyd/internal/storage"
	"notifyd/internal/templates"
	logx "notifyd/pkg/logx"
)

// Mailer is the protected email path.
type Mailer interface {
	Dispatch(ctx context.Context, to, subject, html string) mailer.Result
}

// Recorder stores in-app notifications.
type Recorder interface {
	Record(ctx context.Context, userID, message string) (storage.Notification, error)
}

// Resolver loads a user's preferences; ok=false means opted out.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (storage.Preference, bool, error)
}

// Accounts covers user lifecycle writes.
type Accounts interface {
	InitPreference(ctx context.Context, pref storage.Preference) (bool, error)
	DeletePreference(ctx context.Context, userID string) (bool, error)
	DeleteNotifications(ctx context.Context, userID string) (int64, error)
}

type Deps struct {
	Resolver  Resolver
	Recorder  Recorder
	Accounts  Accounts
	Mailer    Mailer
	Templates *templates.Renderer
}

type Router struct {
	d   Deps
	log logx.Logger
}

func New(d Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Templates == nil {
		d.Templates = templates.MustNew("")
	}
	return &Router{d: d, log: log.With(logx.String("comp", "router"))}
}

// Route handles one event. Failures are logged here and never returned.
func (r *Router) Route(ctx context.Context, ev events.Event) {
	log := r.log.With(
		logx.String("type", string(ev.Type)),
		logx.String("user_id", ev.AffectedUserID),
	)
	if ev.AffectedUserID == "" {
		log.Warn("event without affected user dropped")
		return
	}

	var err error
	switch p := ev.Payload.(type) {
	case events.UserDeleted:
		err = r.userDeleted(ctx, log, ev.AffectedUserID)
	case events.UserRegistered:
		err = r.userRegistered(ctx, log, ev.AffectedUserID, p)
	case events.ExpenseCreated:
		err = r.withPreference(ctx, log, ev, func(pref storage.Preference) error {
			return r.expenseCreated(ctx, log, pref, p)
		})
	case events.MemberAdded:
		err = r.withPreference(ctx, log, ev, func(pref storage.Preference) error {
			return r.memberAdded(ctx, log, pref, p)
		})
	case events.BalanceChanged:
		err = r.withPreference(ctx, log, ev, func(pref storage.Preference) error {
			return r.balanceChanged(ctx, log, pref, p)
		})
	default:
		log.Debug("no handler for event; dropped")
		return
	}
	if err != nil {
		log.Error("event handling failed", logx.Err(err))
	}
}

func (r *Router) withPreference(ctx context.Context, log logx.Logger, ev events.Event, fn func(storage.Preference) error) error {
	pref, ok, err := r.d.Resolver.Resolve(ctx, ev.AffectedUserID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return fn(pref)
}

// ExpenseMessage is the in-app text for a recorded expense.
func ExpenseMessage(e events.ExpenseCreated) string {
	return fmt.Sprintf("Expense recorded: %.2f %s in %s.", e.Amount, e.Currency, e.GroupName)
}

// MemberAddedMessage is the in-app text for a group membership.
func MemberAddedMessage(m events.MemberAdded) string {
	return "You were added to the group " + m.GroupName
}

func (r *Router) expenseCreated(ctx context.Context, log logx.Logger, pref storage.Preference, p events.ExpenseCreated) error {
	if !p.HasReceiver(pref.UserID) {
		log.Debug("user is not a receiver of the expense; skipped")
		return nil
	}
	if preferences.ChannelEnabled(pref, events.TypeExpenseCreated, preferences.InApp) {
		if _, err := r.d.Recorder.Record(ctx, pref.UserID, ExpenseMessage(p)); err != nil {
			// Email still goes out; channels are independent.
			log.Error("in-app notification not stored", logx.Err(err))
		}
	}
	if !preferences.ChannelEnabled(pref, events.TypeExpenseCreated, preferences.Email) {
		return nil
	}
	mail, err := r.d.Templates.Expense(templates.Expense{
		GroupID:     p.GroupID,
		GroupName:   p.GroupName,
		PayerName:   p.PayerName,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: p.Description,
	})
	if err != nil {
		return err
	}
	r.send(ctx, log, pref.Email, mail)
	return nil
}

func (r *Router) memberAdded(ctx context.Context, log logx.Logger, pref storage.Preference, p events.MemberAdded) error {
	if p.InvitedUserEmail != "" && preferences.ChannelEnabled(pref, events.TypeMemberAdded, preferences.Email) {
		mail, err := r.d.Templates.Invitation(templates.Invitation{GroupID: p.GroupID, GroupName: p.GroupName, InvitedBy: p.InvitedBy})
		if err != nil {
			return err
		}
		r.send(ctx, log, p.InvitedUserEmail, mail)
	}
	// Recorded regardless of the per-event flags.
	if _, err := r.d.Recorder.Record(ctx, pref.UserID, MemberAddedMessage(p)); err != nil {
		log.Error("in-app notification not stored", logx.Err(err))
	}
	return nil
}

func (r *Router) balanceChanged(ctx context.Context, log logx.Logger, pref storage.Preference, p events.BalanceChanged) error {
	if !preferences.ChannelEnabled(pref, events.TypeBalanceChanged, preferences.Email) {
		return nil
	}
	mail, err := r.d.Templates.Balance(templates.Balance{GroupID: p.GroupID, GroupName: p.GroupName})
	if err != nil {
		return err
	}
	r.send(ctx, log, pref.Email, mail)
	return nil
}

func (r *Router) userDeleted(ctx context.Context, log logx.Logger, userID string) error {
	hadPrefs, err := r.d.Accounts.DeletePreference(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete preferences: %w", err)
	}
	n, err := r.d.Accounts.DeleteNotifications(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	log.Info("user data removed", logx.Bool("preferences", hadPrefs), logx.Int64("notifications", n))
	return nil
}

func (r *Router) userRegistered(ctx context.Context, log logx.Logger, userID string, p events.UserRegistered) error {
	pref := storage.DefaultPreference(userID, p.Email)
	created, err := r.d.Accounts.InitPreference(ctx, pref)
	if err != nil {
		return fmt.Errorf("init preferences: %w", err)
	}
	if !created {
		log.Debug("preferences already initialized")
		return nil
	}
	log.Info("preferences initialized")
	if pref.Email == storage.PlaceholderEmail || !preferences.ChannelEnabled(pref, events.TypeUserRegistered, preferences.Email) {
		return nil
	}
	mail, err := r.d.Templates.Welcome(templates.Welcome{Name: p.Name})
	if err != nil {
		return err
	}
	r.send(ctx, log, pref.Email, mail)
	return nil
}

func (r *Router) send(ctx context.Context, log logx.Logger, to string, mail templates.Email) {
	res := r.d.Mailer.Dispatch(ctx, to, mail.Subject, mail.HTML)
	if res.OK() {
		log.Debug("email dispatched", logx.String("message_id", res.ID))
		return
	}
	// The dispatcher already logged the failure with its own severity.
	log.Debug("email not sent", logx.String("status", string(res.Status)), logx.Err(res.Err))
}
