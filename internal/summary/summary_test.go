package summary

import (
	"context"
	"sync"
	"testing"
	"time"

	"notifyd/internal/mailer"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type sentMail struct{ to, subject, html string }

type fakeMailer struct {
	mu     sync.Mutex
	sent   []sentMail
	failTo map[string]bool
}

func (f *fakeMailer) Dispatch(_ context.Context, to, subject, html string) mailer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to] {
		return mailer.Result{Status: mailer.StatusRejected, Err: mailer.ErrCircuitOpen}
	}
	f.sent = append(f.sent, sentMail{to, subject, html})
	return mailer.Result{ID: "m", Status: mailer.StatusSent}
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", SQLitePath: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addUser(t *testing.T, st storage.Store, userID string, freq storage.SummaryFrequency) {
	t.Helper()
	email := userID + "@example.com"
	if _, err := st.UpsertPreference(context.Background(), userID, storage.PreferencePatch{Email: &email, SummaryFrequency: &freq}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func addNote(t *testing.T, st storage.Store, userID, msg string, at time.Time) storage.Notification {
	t.Helper()
	n, err := st.CreateNotification(context.Background(), userID, msg, at)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

func TestWeeklyDigest(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	now := time.Date(2026, 6, 5, 18, 0, 0, 0, time.UTC)
	ctx := context.Background()

	addUser(t, st, "u1", storage.FrequencyWeekly)
	addNote(t, st, "u1", "Expense recorded: 10.00 EUR in Trip.", now.Add(-2*24*time.Hour))
	addNote(t, st, "u1", "Expense recorded: 20.00 EUR in Trip.", now.Add(-26*time.Hour))
	addNote(t, st, "u1", "You were added to the group Flat", now.Add(-time.Hour))
	read := addNote(t, st, "u1", "already read", now.Add(-time.Hour))
	if _, err := st.MarkNotificationRead(ctx, read.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	addNote(t, st, "u1", "too old", now.Add(-8*24*time.Hour))

	addUser(t, st, "quiet", storage.FrequencyWeekly)
	addUser(t, st, "daily", storage.FrequencyDaily)
	addNote(t, st, "daily", "daily only", now.Add(-time.Hour))

	fm := &fakeMailer{}
	agg := NewAggregator(st, fm, logx.Nop(), WithClock(func() time.Time { return now }))
	rep := agg.Run(ctx, WeeklyJob)

	if rep.Err != nil || rep.Users != 2 || rep.Sent != 1 || rep.Skipped != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(fm.sent) != 1 || fm.sent[0].to != "u1@example.com" {
		t.Fatalf("sent = %+v", fm.sent)
	}
	if fm.sent[0].subject != "You have 3 pending notifications" {
		t.Fatalf("subject = %q", fm.sent[0].subject)
	}

	pref, _, _ := st.GetPreference(ctx, "u1")
	if !pref.LastSummarySent.Equal(now) {
		t.Fatalf("LastSummarySent = %v, want %v", pref.LastSummarySent, now)
	}
	quiet, _, _ := st.GetPreference(ctx, "quiet")
	if !quiet.LastSummarySent.Equal(time.Unix(0, 0)) {
		t.Fatalf("quiet user marked at %v", quiet.LastSummarySent)
	}
}

func TestDigestIsolatesFailures(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, u := range []string{"a", "b", "c"} {
		addUser(t, st, u, storage.FrequencyDaily)
		addNote(t, st, u, "hello "+u, now.Add(-time.Minute))
	}
	fm := &fakeMailer{failTo: map[string]bool{"b@example.com": true}}
	agg := NewAggregator(st, fm, logx.Nop(), WithClock(func() time.Time { return now }))

	rep := agg.Run(context.Background(), DailyJob)
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want 2 sent 1 failed", rep)
	}
	b, _, _ := st.GetPreference(context.Background(), "b")
	if !b.LastSummarySent.Equal(time.Unix(0, 0)) {
		t.Fatal("failed send still marked as sent")
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"0 18 * * 5", "@weekly", "30 0 8 * * *"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Fatalf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	if err := ValidateSchedule("every friday"); err == nil {
		t.Fatal("ValidateSchedule accepted garbage")
	}
}

type countingRunner struct {
	mu   sync.Mutex
	runs int
}

func (r *countingRunner) Run(_ context.Context, job Job) Report {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return Report{Job: job.Name}
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func TestSchedulerFires(t *testing.T) {
	t.Parallel()
	runner := &countingRunner{}
	s := NewScheduler(SchedulerConfig{
		Enabled:  true,
		Timezone: "UTC",
		Entries:  []Entry{{Job: WeeklyJob, Schedule: "@every 1s"}},
	}, runner, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if next := s.Next()["weekly"]; next.IsZero() {
		t.Fatal("no next activation reported")
	}

	deadline := time.Now().Add(3 * time.Second)
	for runner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runner.count() == 0 {
		t.Fatal("job never fired")
	}
	if _, ok := s.Last()["weekly"]; !ok {
		t.Fatal("no report recorded")
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := NewScheduler(SchedulerConfig{Enabled: true, Entries: []Entry{{Job: DailyJob, Schedule: "nope"}}}, &countingRunner{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start accepted an invalid schedule")
	}
	if err := s.Apply(SchedulerConfig{Enabled: false}); err != nil {
		t.Fatalf("Apply disabled: %v", err)
	}
}

type slowRunner struct {
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (r *slowRunner) Run(_ context.Context, job Job) Report {
	r.once.Do(func() { close(r.started) })
	time.Sleep(r.delay)
	return Report{Job: job.Name}
}

func TestSchedulerApplyDuringRun(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		next SchedulerConfig
	}{
		{"reschedule", SchedulerConfig{Enabled: true, Timezone: "UTC", Entries: []Entry{{Job: WeeklyJob, Schedule: "@weekly"}}}},
		{"disable", SchedulerConfig{Enabled: false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := &slowRunner{delay: 300 * time.Millisecond, started: make(chan struct{})}
			s := NewScheduler(SchedulerConfig{
				Enabled:  true,
				Timezone: "UTC",
				Entries:  []Entry{{Job: WeeklyJob, Schedule: "* * * * * *"}},
			}, runner, logx.Nop())
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer func() { _ = s.Stop(context.Background()) }()

			select {
			case <-runner.started:
			case <-time.After(3 * time.Second):
				t.Fatal("job never fired")
			}

			done := make(chan error, 1)
			go func() { done <- s.Apply(tc.next) }()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Apply = %v, want nil", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Apply did not return while a run was in flight")
			}

			if _, ok := s.Last()["weekly"]; !ok {
				t.Fatalf("Last()[weekly] missing, want the in-flight run recorded")
			}
			if got, want := len(s.Next()), len(tc.next.Entries); got != want {
				t.Fatalf("len(Next()) = %d, want %d", got, want)
			}
		})
	}
}
