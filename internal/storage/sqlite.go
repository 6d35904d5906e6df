package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "notifyd/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.SQLitePath)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite prefers a single writer, and ":memory:" databases
	// live only as long as their connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if path != ":memory:" {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- notifications ----

func (s *sqliteStore) CreateNotification(ctx context.Context, userID, message string, at time.Time) (Notification, error) {
	if userID == "" || message == "" {
		return Notification{}, fmt.Errorf("%w: userId and message are required", ErrInvalid)
	}
	if at.IsZero() {
		at = time.Now()
	}
	n := Notification{ID: uuid.NewString(), UserID: userID, Message: message, CreatedAt: at.UTC().Truncate(time.Millisecond)}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, message, read, created_at) VALUES(?,?,?,0,?)`,
		n.ID, n.UserID, n.Message, n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id); err != nil {
		return Notification{}, fmt.Errorf("mark read: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, message, read, created_at FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	return s.queryNotifications(ctx,
		`SELECT id, user_id, message, read, created_at FROM notifications
		 WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
}

func (s *sqliteStore) ListUnreadSince(ctx context.Context, userID string, since time.Time) ([]Notification, error) {
	return s.queryNotifications(ctx,
		`SELECT id, user_id, message, read, created_at FROM notifications
		 WHERE user_id = ? AND read = 0 AND created_at >= ? ORDER BY created_at ASC, rowid ASC`,
		userID, since.UnixMilli())
}

func (s *sqliteStore) DeleteNotifications(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) queryNotifications(ctx context.Context, q string, args ...any) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Notification, 0, 8)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanNotification(sc scanner) (Notification, error) {
	var (
		n  Notification
		ms int64
	)
	if err := sc.Scan(&n.ID, &n.UserID, &n.Message, &n.Read, &ms); err != nil {
		return Notification{}, err
	}
	n.CreatedAt = time.UnixMilli(ms).UTC()
	return n, nil
}

// ---- preferences ----

const prefColumns = `user_id, email, global_email_notifications, alert_on_expense_creation,
	alert_on_balance_change, alert_on_new_group, summary_frequency, last_summary_sent`

func scanPreference(sc scanner) (Preference, error) {
	var (
		p    Preference
		freq string
		ms   int64
	)
	err := sc.Scan(&p.UserID, &p.Email, &p.GlobalEmailNotifications, &p.AlertOnExpenseCreation,
		&p.AlertOnBalanceChange, &p.AlertOnNewGroup, &freq, &ms)
	if err != nil {
		return Preference{}, err
	}
	p.SummaryFrequency = SummaryFrequency(freq)
	p.LastSummarySent = time.UnixMilli(ms).UTC()
	return p, nil
}

func (s *sqliteStore) GetPreference(ctx context.Context, userID string) (Preference, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prefColumns+` FROM preferences WHERE user_id = ?`, userID)
	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) UpsertPreference(ctx context.Context, userID string, patch PreferencePatch) (Preference, error) {
	if userID == "" {
		return Preference{}, fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	if err := patch.validate(); err != nil {
		return Preference{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Preference{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPreference(tx.QueryRowContext(ctx, `SELECT `+prefColumns+` FROM preferences WHERE user_id = ?`, userID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p = DefaultPreference(userID, "")
	case err != nil:
		return Preference{}, err
	}
	patch.Apply(&p)
	if err := writePreference(ctx, tx, p); err != nil {
		return Preference{}, err
	}
	return p, tx.Commit()
}

func (s *sqliteStore) InitPreference(ctx context.Context, pref Preference) (bool, error) {
	if pref.UserID == "" {
		return false, fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(`+prefColumns+`) VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(user_id) DO NOTHING`,
		prefArgs(pref)...)
	if err != nil {
		return false, fmt.Errorf("init preference: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DeletePreference(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("delete preference: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListPreferencesByFrequency(ctx context.Context, freq SummaryFrequency) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefColumns+` FROM preferences WHERE summary_frequency = ? ORDER BY user_id`, string(freq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSummarySent(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE preferences SET last_summary_sent = ? WHERE user_id = ?`, at.UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("mark summary sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func writePreference(ctx context.Context, tx *sql.Tx, p Preference) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO preferences(`+prefColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			global_email_notifications = excluded.global_email_notifications,
			alert_on_expense_creation = excluded.alert_on_expense_creation,
			alert_on_balance_change = excluded.alert_on_balance_change,
			alert_on_new_group = excluded.alert_on_new_group,
			summary_frequency = excluded.summary_frequency,
			last_summary_sent = excluded.last_summary_sent`,
		prefArgs(p)...)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func prefArgs(p Preference) []any {
	if p.SummaryFrequency == "" {
		p.SummaryFrequency = FrequencyWeekly
	}
	var lastSent int64
	if !p.LastSummarySent.IsZero() {
		lastSent = p.LastSummarySent.UnixMilli()
	}
	return []any{
		p.UserID, p.Email, p.GlobalEmailNotifications, p.AlertOnExpenseCreation,
		p.AlertOnBalanceChange, p.AlertOnNewGroup, string(p.SummaryFrequency), lastSent,
	}
}
