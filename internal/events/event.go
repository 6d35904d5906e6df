// Package events turns raw pub/sub messages into canonical events.
//
// Producers publish three envelope shapes. The Normalizer knows each channel's
// role and applies the matching adapter; anything it cannot reconcile is
// reported with a sentinel error and never reaches the router.
package events

import (
	"errors"
	"strings"
)

// Type identifies a canonical event.
type Type string

const (
	TypeExpenseCreated Type = "expense.created"
	TypeMemberAdded    Type = "group.member.added"
	TypeBalanceChanged Type = "balance.changed"
	TypeUserDeleted    Type = "user.deleted"
	TypeUserRegistered Type = "user.registered"
)

func (t Type) Known() bool {
	switch t {
	case TypeExpenseCreated, TypeMemberAdded, TypeBalanceChanged, TypeUserDeleted, TypeUserRegistered:
		return true
	}
	return false
}

var (
	// ErrMalformed: body is not valid JSON or violates the payload schema.
	ErrMalformed = errors.New("events: malformed message")
	// ErrNoRecipient: no affected user could be resolved.
	ErrNoRecipient = errors.New("events: no affected user")
	// ErrUnknownChannel and ErrUnknownType are steady-state drops, not failures.
	ErrUnknownChannel = errors.New("events: unknown channel")
	ErrUnknownType    = errors.New("events: unknown event type")
)

// Ignorable reports whether err is a steady-state drop that needs no warning.
func Ignorable(err error) bool {
	return errors.Is(err, ErrUnknownChannel) || errors.Is(err, ErrUnknownType)
}

// Event is the canonical in-memory shape handed to the router.
type Event struct {
	Type           Type
	AffectedUserID string
	Payload        Payload
	// Channel the message arrived on, for logging.
	Channel string
}

// Payload is one of ExpenseCreated, MemberAdded, BalanceChanged, UserDeleted, UserRegistered.
type Payload interface{ isPayload() }

type ExpenseCreated struct {
	GroupID     string
	GroupName   string
	PayerID     string
	PayerName   string
	Amount      float64
	Currency    string
	Description string
	Receivers   []string
}

// HasReceiver reports whether userID is among the expense receivers.
func (e ExpenseCreated) HasReceiver(userID string) bool {
	for _, r := range e.Receivers {
		if strings.TrimSpace(r) == userID {
			return true
		}
	}
	return false
}

type MemberAdded struct {
	GroupID          string
	GroupName        string
	InvitedUserEmail string
	InvitedBy        string
}

type BalanceChanged struct {
	GroupID   string
	GroupName string
}

type UserDeleted struct{}

type UserRegistered struct {
	Email string
	Name  string
}

func (ExpenseCreated) isPayload() {}
func (MemberAdded) isPayload()    {}
func (BalanceChanged) isPayload() {}
func (UserDeleted) isPayload()    {}
func (UserRegistered) isPayload() {}
