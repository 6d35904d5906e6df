package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

type fakeGroups struct {
	names map[string]string
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeGroups) GroupName(ctx context.Context, id string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.names[id], nil
}

type fakeUsers map[string]string

func (f fakeUsers) DisplayName(_ context.Context, id string) (string, error) {
	name, ok := f[id]
	if !ok {
		return "", errors.New("not found")
	}
	return name, nil
}

func newTestNormalizer(groups GroupNames, users UserNames) *Normalizer {
	return NewNormalizer(Options{
		Channels: map[string]Role{
			"events":             RoleFlat,
			"group-events":       RoleEnvelope,
			"user.deleted":       RoleDirect,
			"user.registered":    RoleDirect,
			"expense.created":    RoleDirect,
			"group.member.added": RoleDirect,
		},
		Groups:        groups,
		Users:         users,
		LookupTimeout: 50 * time.Millisecond,
	}, logx.Nop())
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(nil, nil)
	tests := []struct {
		name    string
		channel string
		raw     string
	}{
		{name: "not json", channel: "events", raw: "{oops"},
		{name: "empty", channel: "group-events", raw: ""},
		{name: "envelope without type", channel: "group-events", raw: `{"payload":{}}`},
		{name: "flat expense without amount", channel: "events", raw: `{"type":"expense.created","data":{"groupId":"g1","payerId":"u1"}}`},
		{name: "bad invitee email", channel: "group.member.added", raw: `{"userId":"u1","invitedUserEmail":"nope"}`},
		{name: "deleted without id", channel: "user.deleted", raw: `{}`},
		{name: "bad currency", channel: "expense.created", raw: `{"amount":1,"currency":"EURO","receivers":["u1"]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evs, err := n.Normalize(context.Background(), tt.channel, []byte(tt.raw))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
			if evs != nil {
				t.Fatalf("events = %+v, want nil", evs)
			}
		})
	}
}

func TestNormalizeIgnorable(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(nil, nil)

	_, err := n.Normalize(context.Background(), "unrelated", []byte(`{}`))
	if !errors.Is(err, ErrUnknownChannel) || !Ignorable(err) {
		t.Fatalf("unknown channel err = %v", err)
	}
	_, err = n.Normalize(context.Background(), "group-events", []byte(`{"type":"group.renamed","payload":{}}`))
	if !errors.Is(err, ErrUnknownType) || !Ignorable(err) {
		t.Fatalf("unknown type err = %v", err)
	}
	_, err = n.Normalize(context.Background(), "events", []byte(`{"type":"expense.deleted","data":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown flat type err = %v", err)
	}
}

func TestNormalizeFlatExpenseEnriches(t *testing.T) {
	t.Parallel()
	groups := &fakeGroups{names: map[string]string{"g1": "Trip"}}
	n := newTestNormalizer(groups, fakeUsers{"u1": "Ana"})

	raw := `{"type":"expense.created","data":{"groupId":"g1","payerId":"u1","amount":20,"description":"Dinner"}}`
	evs, err := n.Normalize(context.Background(), "events", []byte(raw))
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Type != TypeExpenseCreated || ev.AffectedUserID != "u1" || ev.Channel != "events" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	p, ok := ev.Payload.(ExpenseCreated)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if p.GroupName != "Trip" || p.PayerName != "Ana" || p.Currency != "EUR" || p.Amount != 20 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if !p.HasReceiver("u1") || len(p.Receivers) != 1 {
		t.Fatalf("flat expense should target the payer: %+v", p.Receivers)
	}
}

func TestNormalizeLookupFallbacks(t *testing.T) {
	t.Parallel()
	groups := &fakeGroups{delay: time.Second}
	n := newTestNormalizer(groups, fakeUsers{})

	start := time.Now()
	raw := `{"type":"expense.created","data":{"groupId":"g9","payerId":"u9","amount":5}}`
	evs, err := n.Normalize(context.Background(), "events", []byte(raw))
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("lookup was not capped: took %v", took)
	}
	p := evs[0].Payload.(ExpenseCreated)
	if p.GroupName != "Group g9" || p.PayerName != "Someone" {
		t.Fatalf("placeholders not applied: %+v", p)
	}
}

func TestNormalizeEnvelopeUnwraps(t *testing.T) {
	t.Parallel()
	groups := &fakeGroups{}
	n := newTestNormalizer(groups, nil)

	raw := `{"type":"group.member.added","payload":{"memberId":"u2","groupName":"Flat","invitedUserEmail":"bo@example.com"}}`
	evs, err := n.Normalize(context.Background(), "group-events", []byte(raw))
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	ev := evs[0]
	if ev.Type != TypeMemberAdded || ev.AffectedUserID != "u2" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	p := ev.Payload.(MemberAdded)
	if p.GroupName != "Flat" || p.InvitedUserEmail != "bo@example.com" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if groups.calls.Load() != 0 {
		t.Fatal("lookup should be skipped when the producer sends a name")
	}
}

func TestNormalizeAffectedUserPrecedence(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(nil, nil)
	raw := `{"type":"balance.changed","payload":{"targetUserId":"t","memberId":"m","userId":"u","groupId":"g"}}`
	evs, err := n.Normalize(context.Background(), "group-events", []byte(raw))
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if evs[0].AffectedUserID != "u" {
		t.Fatalf("AffectedUserID = %q, want u", evs[0].AffectedUserID)
	}

	_, err = n.Normalize(context.Background(), "group-events", []byte(`{"type":"balance.changed","payload":{"groupId":"g"}}`))
	if !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("err = %v, want ErrNoRecipient", err)
	}
}

func TestNormalizeTypedExpenseFansOutToReceivers(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(nil, nil)
	raw := `{"receivers":["u1","u2","u1"],"payerName":"Ana","amount":20,"currency":"eur","groupName":"Trip"}`
	evs, err := n.Normalize(context.Background(), "expense.created", []byte(raw))
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if len(evs) != 2 || evs[0].AffectedUserID != "u1" || evs[1].AffectedUserID != "u2" {
		t.Fatalf("unexpected fan-out: %+v", evs)
	}
	if p := evs[0].Payload.(ExpenseCreated); p.Currency != "EUR" || p.PayerName != "Ana" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	_, err = n.Normalize(context.Background(), "expense.created", []byte(`{"amount":1}`))
	if !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("err = %v, want ErrNoRecipient", err)
	}
}

func TestNormalizeTypedExpenseBlankReceivers(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(nil, nil)

	cases := []struct {
		name string
		raw  string
	}{
		{"whitespace entries", `{"receivers":[" ","\t"],"amount":1}`},
		{"empty list", `{"receivers":[],"amount":1}`},
	}
	for _, tc := range cases {
		evs, err := n.Normalize(context.Background(), "expense.created", []byte(tc.raw))
		if !errors.Is(err, ErrNoRecipient) {
			t.Fatalf("%s: err = %v, want ErrNoRecipient", tc.name, err)
		}
		if evs != nil {
			t.Fatalf("%s: events = %v, want nil", tc.name, evs)
		}
	}
}

func TestNormalizeUserSignals(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(nil, nil)

	evs, err := n.Normalize(context.Background(), "user.deleted", []byte(`{"userId":"u1"}`))
	if err != nil || evs[0].Type != TypeUserDeleted || evs[0].AffectedUserID != "u1" {
		t.Fatalf("user.deleted = %+v, %v", evs, err)
	}

	evs, err = n.Normalize(context.Background(), "user.registered", []byte(`{"userId":"u3","email":"c@example.com","name":"Cy"}`))
	if err != nil {
		t.Fatalf("user.registered error: %v", err)
	}
	if p := evs[0].Payload.(UserRegistered); p.Email != "c@example.com" || p.Name != "Cy" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
