package templates

import (
	"strings"
	"testing"
	"time"
)

func TestRenderers(t *testing.T) {
	t.Parallel()
	r := MustNew("https://app.example.com/")

	cases := []struct {
		name        string
		render      func() (Email, error)
		subject     string
		contains    []string
		notContains []string
	}{
		{
			name: "expense",
			render: func() (Email, error) {
				return r.Expense(Expense{GroupID: "g1", GroupName: "Trip", PayerName: "Ana", Amount: 20, Currency: "EUR", Description: "Dinner"})
			},
			subject:  "New expense in Trip",
			contains: []string{"20.00 EUR", "Ana", "Dinner", "https://app.example.com/expenses?group=g1"},
		},
		{
			name:     "invitation",
			render:   func() (Email, error) { return r.Invitation(Invitation{GroupID: "g1", GroupName: "Flat", InvitedBy: "Bo"}) },
			subject:  "You've been invited to Flat!",
			contains: []string{"Flat", "by Bo"},
		},
		{
			name:     "balance",
			render:   func() (Email, error) { return r.Balance(Balance{GroupID: "g1", GroupName: "Flat"}) },
			subject:  "Your balance changed in Flat",
			contains: []string{"balance in <strong>Flat</strong>"},
		},
		{
			name:     "welcome",
			render:   func() (Email, error) { return r.Welcome(Welcome{Name: "Ana"}) },
			subject:  "Welcome, Ana!",
			contains: []string{"Welcome, Ana!", "/groups"},
		},
		{
			name: "generic escapes content",
			render: func() (Email, error) {
				return r.Generic("Heads up", "first\n\n<script>alert(1)</script>", "Manual notification")
			},
			subject:     "Heads up",
			contains:    []string{"<p>first</p>", "&lt;script&gt;", "Manual notification"},
			notContains: []string{"<script>"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.render()
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if got.Subject != tc.subject {
				t.Fatalf("Subject = %q, want %q", got.Subject, tc.subject)
			}
			for _, s := range tc.contains {
				if !strings.Contains(got.HTML, s) {
					t.Fatalf("HTML missing %q", s)
				}
			}
			for _, s := range tc.notContains {
				if strings.Contains(got.HTML, s) {
					t.Fatalf("HTML contains %q", s)
				}
			}
		})
	}
}

func TestSummaryListsItems(t *testing.T) {
	t.Parallel()
	r := MustNew("")
	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	got, err := r.Summary(Summary{Items: []SummaryItem{
		{Message: "one", CreatedAt: at},
		{Message: "two", CreatedAt: at},
		{Message: "three", CreatedAt: at},
	}})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.Subject != "You have 3 pending notifications" {
		t.Fatalf("Subject = %q", got.Subject)
	}
	for _, s := range []string{"one", "two", "three", "04 May 2026 09:30", "last week"} {
		if !strings.Contains(got.HTML, s) {
			t.Fatalf("HTML missing %q", s)
		}
	}
	if strings.Contains(got.HTML, "class=\"btn\"") {
		t.Fatal("link rendered without an app url")
	}
}
