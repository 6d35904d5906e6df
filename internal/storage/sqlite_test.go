package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", SQLitePath: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNotificationsLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := st.CreateNotification(ctx, "u1", "first", base)
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if _, err := st.CreateNotification(ctx, "u1", "second", base.Add(time.Minute)); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if _, err := st.CreateNotification(ctx, "u2", "other", base); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	list, err := st.ListNotifications(ctx, "u1")
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 2 || list[0].Message != "second" || list[1].Message != "first" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if first.Read {
		t.Fatal("new notification should be unread")
	}

	for i := 0; i < 2; i++ {
		n, err := st.MarkNotificationRead(ctx, first.ID)
		if err != nil {
			t.Fatalf("MarkNotificationRead #%d: %v", i+1, err)
		}
		if !n.Read {
			t.Fatalf("MarkNotificationRead #%d: read = false", i+1)
		}
	}
	if _, err := st.MarkNotificationRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id err = %v, want ErrNotFound", err)
	}

	unread, err := st.ListUnreadSince(ctx, "u1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListUnreadSince: %v", err)
	}
	if len(unread) != 1 || unread[0].Message != "second" {
		t.Fatalf("unread = %+v", unread)
	}

	n, err := st.DeleteNotifications(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteNotifications = %d, %v", n, err)
	}
	if n, _ := st.DeleteNotifications(ctx, "u1"); n != 0 {
		t.Fatalf("second delete removed %d", n)
	}
}

func TestCreateNotificationRequiresFields(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	if _, err := st.CreateNotification(context.Background(), "", "x", time.Time{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestPreferencesUpsertAndInit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	if _, ok, err := st.GetPreference(ctx, "u1"); err != nil || ok {
		t.Fatalf("GetPreference on empty store = %v, %v", ok, err)
	}

	off := false
	email := "ana@example.com"
	p, err := st.UpsertPreference(ctx, "u1", PreferencePatch{Email: &email, AlertOnBalanceChange: &off})
	if err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}
	if p.Email != email || p.AlertOnBalanceChange || !p.AlertOnExpenseCreation || p.SummaryFrequency != FrequencyWeekly {
		t.Fatalf("unexpected upsert result: %+v", p)
	}

	daily := FrequencyDaily
	if _, err := st.UpsertPreference(ctx, "u1", PreferencePatch{SummaryFrequency: &daily}); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}
	got, ok, err := st.GetPreference(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("GetPreference = %v, %v", ok, err)
	}
	if got.Email != email || got.AlertOnBalanceChange || got.SummaryFrequency != FrequencyDaily {
		t.Fatalf("patch did not merge: %+v", got)
	}

	bad := SummaryFrequency("hourly")
	if _, err := st.UpsertPreference(ctx, "u1", PreferencePatch{SummaryFrequency: &bad}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid frequency err = %v", err)
	}

	created, err := st.InitPreference(ctx, DefaultPreference("u1", "other@example.com"))
	if err != nil || created {
		t.Fatalf("InitPreference on existing = %v, %v", created, err)
	}
	got, _, _ = st.GetPreference(ctx, "u1")
	if got.Email != email {
		t.Fatalf("init overwrote existing record: %+v", got)
	}

	created, err = st.InitPreference(ctx, DefaultPreference("u2", ""))
	if err != nil || !created {
		t.Fatalf("InitPreference new = %v, %v", created, err)
	}
	u2, _, _ := st.GetPreference(ctx, "u2")
	if u2.Email != PlaceholderEmail || !u2.LastSummarySent.Equal(time.Unix(0, 0)) {
		t.Fatalf("unexpected defaults: %+v", u2)
	}

	weekly, err := st.ListPreferencesByFrequency(ctx, FrequencyWeekly)
	if err != nil || len(weekly) != 1 || weekly[0].UserID != "u2" {
		t.Fatalf("ListPreferencesByFrequency = %+v, %v", weekly, err)
	}

	at := time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC)
	if err := st.MarkSummarySent(ctx, "u2", at); err != nil {
		t.Fatalf("MarkSummarySent: %v", err)
	}
	u2, _, _ = st.GetPreference(ctx, "u2")
	if !u2.LastSummarySent.Equal(at) {
		t.Fatalf("LastSummarySent = %v, want %v", u2.LastSummarySent, at)
	}
	if err := st.MarkSummarySent(ctx, "ghost", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkSummarySent ghost err = %v", err)
	}

	deleted, err := st.DeletePreference(ctx, "u1")
	if err != nil || !deleted {
		t.Fatalf("DeletePreference = %v, %v", deleted, err)
	}
	if deleted, _ := st.DeletePreference(ctx, "u1"); deleted {
		t.Fatal("second delete reported a removal")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "file"}, logx.Logger{}); err == nil {
		t.Fatal("expected error")
	}
}
