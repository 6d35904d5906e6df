// Package summary builds periodic digests of unread notifications.
package summary

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/mailer"
	"notifyd/internal/storage"
	"notifyd/internal/templates"
	logx "notifyd/pkg/logx"
)

// Store is the storage surface a digest run needs.
type Store interface {
	ListPreferencesByFrequency(ctx context.Context, freq storage.SummaryFrequency) ([]storage.Preference, error)
	ListUnreadSince(ctx context.Context, userID string, since time.Time) ([]storage.Notification, error)
	MarkSummarySent(ctx context.Context, userID string, at time.Time) error
}

type Mailer interface {
	Dispatch(ctx context.Context, to, subject, html string) mailer.Result
}

// Job describes one digest cadence.
type Job struct {
	Name      string
	Frequency storage.SummaryFrequency
	Window    time.Duration
	// Period is the human label used in the email ("week", "day").
	Period string
}

var (
	WeeklyJob = Job{Name: "weekly", Frequency: storage.FrequencyWeekly, Window: 7 * 24 * time.Hour, Period: "week"}
	DailyJob  = Job{Name: "daily", Frequency: storage.FrequencyDaily, Window: 24 * time.Hour, Period: "day"}
)

// Report is the outcome of one run.
type Report struct {
	Job      string
	Users    int
	Sent     int
	Skipped  int
	Failed   int
	Duration time.Duration
	Err      error
}

type Aggregator struct {
	store  Store
	mailer Mailer
	tmpl   *templates.Renderer
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithTemplates(r *templates.Renderer) Option {
	return func(a *Aggregator) {
		if r != nil {
			a.tmpl = r
		}
	}
}

func NewAggregator(store Store, m Mailer, log logx.Logger, opts ...Option) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Aggregator{store: store, mailer: m, log: log.With(logx.String("comp", "summary")), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.tmpl == nil {
		a.tmpl = templates.MustNew("")
	}
	return a
}

// Run sends one digest to every user on job's frequency that has unread
// notifications inside the window. One user's failure does not stop the run.
func (a *Aggregator) Run(ctx context.Context, job Job) Report {
	start := a.now()
	rep := Report{Job: job.Name}
	defer func() { rep.Duration = a.now().Sub(start) }()

	prefs, err := a.store.ListPreferencesByFrequency(ctx, job.Frequency)
	if err != nil {
		rep.Err = fmt.Errorf("list %s subscribers: %w", job.Frequency, err)
		a.log.Error("digest run aborted", logx.String("job", job.Name), logx.Err(rep.Err))
		return rep
	}
	since := start.Add(-job.Window)
	for _, pref := range prefs {
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			a.log.Warn("digest run interrupted", logx.String("job", job.Name), logx.Int("remaining", len(prefs)-rep.Users))
			break
		}
		rep.Users++
		sent, err := a.digestOne(ctx, job, pref, since)
		switch {
		case err != nil:
			rep.Failed++
			a.log.Warn("digest failed for user", logx.String("job", job.Name), logx.String("user_id", pref.UserID), logx.Err(err))
		case sent:
			rep.Sent++
		default:
			rep.Skipped++
		}
	}
	return rep
}

func (a *Aggregator) digestOne(ctx context.Context, job Job, pref storage.Preference, since time.Time) (bool, error) {
	if pref.Email == "" || pref.Email == storage.PlaceholderEmail {
		return false, nil
	}
	notes, err := a.store.ListUnreadSince(ctx, pref.UserID, since)
	if err != nil {
		return false, err
	}
	if len(notes) == 0 {
		return false, nil
	}
	items := make([]templates.SummaryItem, 0, len(notes))
	for _, n := range notes {
		items = append(items, templates.SummaryItem{Message: n.Message, CreatedAt: n.CreatedAt})
	}
	mail, err := a.tmpl.Summary(templates.Summary{Period: job.Period, Items: items})
	if err != nil {
		return false, err
	}
	res := a.mailer.Dispatch(ctx, pref.Email, mail.Subject, mail.HTML)
	if !res.OK() {
		return false, res.Err
	}
	if err := a.store.MarkSummarySent(ctx, pref.UserID, a.now()); err != nil {
		return true, fmt.Errorf("digest sent but not marked: %w", err)
	}
	return true, nil
}
