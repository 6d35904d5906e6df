package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "notifyd/pkg/logx"
)

// Role says which envelope shape a channel carries.
type Role int

const (
	// RoleFlat: {type, data} with producer field names (groupId, payerId).
	RoleFlat Role = iota + 1
	// RoleEnvelope: {type, payload}; the payload uses the typed schema of type.
	RoleEnvelope
	// RoleDirect: the body is the typed payload; the channel name is the type.
	RoleDirect
)

func (r Role) String() string {
	switch r {
	case RoleFlat:
		return "flat"
	case RoleEnvelope:
		return "envelope"
	case RoleDirect:
		return "direct"
	}
	return "unknown"
}

const (
	defaultCurrency  = "EUR"
	defaultPayerName = "Someone"
	defaultLookupTTL = 2 * time.Second
)

// GroupNames resolves a group id to its display name.
type GroupNames interface {
	GroupName(ctx context.Context, groupID string) (string, error)
}

// UserNames resolves a user id to a display name.
type UserNames interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// GroupPlaceholder is the label used when a group's name is unknown.
func GroupPlaceholder(groupID string) string {
	if groupID == "" {
		return "your group"
	}
	return "Group " + groupID
}

type Options struct {
	// Channels maps channel names to roles. Direct channels are only accepted
	// when the channel name, or its DirectTypes entry, is a known event type.
	Channels map[string]Role
	// DirectTypes names the event type of a direct channel whose name is not
	// the type itself, e.g. a renamed user.deleted channel.
	DirectTypes map[string]Type

	Groups GroupNames
	Users  UserNames
	// LookupTimeout caps each enrichment lookup.
	LookupTimeout time.Duration
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	channels map[string]Role
	direct   map[string]Type
	groups   GroupNames
	users    UserNames
	timeout  time.Duration
	log      logx.Logger
}

func NewNormalizer(opts Options, log logx.Logger) *Normalizer {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTTL
	}
	ch := make(map[string]Role, len(opts.Channels))
	for name, role := range opts.Channels {
		if name = strings.TrimSpace(name); name != "" {
			ch[name] = role
		}
	}
	direct := make(map[string]Type, len(opts.DirectTypes))
	for name, typ := range opts.DirectTypes {
		if name = strings.TrimSpace(name); name != "" {
			direct[name] = typ
		}
	}
	return &Normalizer{
		channels: ch,
		direct:   direct,
		groups:   opts.Groups,
		users:    opts.Users,
		timeout:  opts.LookupTimeout,
		log:      log.With(logx.String("comp", "events")),
	}
}

// Channels returns the subscribed channel names.
func (n *Normalizer) Channels() []string {
	out := make([]string, 0, len(n.channels))
	for name := range n.channels {
		out = append(out, name)
	}
	return out
}

// Normalize converts one raw message into canonical events.
//
// Most messages yield exactly one event. A typed expense that names no
// affected user yields one event per receiver. A nil slice is always paired
// with a non-nil error.
func (n *Normalizer) Normalize(ctx context.Context, channel string, raw []byte) ([]Event, error) {
	role, ok := n.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	var (
		evs []Event
		err error
	)
	switch role {
	case RoleFlat:
		evs, err = n.fromFlat(ctx, raw)
	case RoleEnvelope:
		var env typedEnvelope
		if err := decode(raw, &env); err != nil {
			return nil, err
		}
		evs, err = n.fromTyped(ctx, env.Type, env.Payload)
	case RoleDirect:
		typ, ok := n.direct[channel]
		if !ok {
			typ = Type(channel)
		}
		evs, err = n.fromTyped(ctx, typ, raw)
	default:
		return nil, fmt.Errorf("%w: %s has no adapter", ErrUnknownChannel, channel)
	}
	if err != nil {
		return nil, err
	}
	for i := range evs {
		evs[i].Channel = channel
	}
	return evs, nil
}

func (n *Normalizer) fromTyped(ctx context.Context, typ Type, raw []byte) ([]Event, error) {
	switch typ {
	case TypeExpenseCreated:
		var b expenseBody
		if err := decode(raw, &b); err != nil {
			return nil, err
		}
		p := ExpenseCreated{
			GroupID:     b.GroupID,
			GroupName:   b.GroupName,
			PayerID:     b.PayerID,
			PayerName:   b.PayerName,
			Amount:      *b.Amount,
			Currency:    b.Currency,
			Description: b.Description,
			Receivers:   b.Receivers,
		}
		n.enrichExpense(ctx, &p)
		if id := b.resolve(); id != "" {
			return single(typ, id, p), nil
		}
		if len(p.Receivers) == 0 {
			return nil, ErrNoRecipient
		}
		evs := make([]Event, 0, len(p.Receivers))
		seen := make(map[string]bool, len(p.Receivers))
		for _, r := range p.Receivers {
			if r = strings.TrimSpace(r); r == "" || seen[r] {
				continue
			}
			seen[r] = true
			evs = append(evs, Event{Type: typ, AffectedUserID: r, Payload: p})
		}
		if len(evs) == 0 {
			return nil, ErrNoRecipient
		}
		return evs, nil

	case TypeMemberAdded:
		var b memberBody
		if err := decode(raw, &b); err != nil {
			return nil, err
		}
		p := MemberAdded{GroupID: b.GroupID, GroupName: b.GroupName, InvitedUserEmail: b.InvitedUserEmail, InvitedBy: b.InvitedBy}
		p.GroupName = n.groupName(ctx, p.GroupID, p.GroupName)
		return withSubject(typ, b.resolve(), p)

	case TypeBalanceChanged:
		var b balanceBody
		if err := decode(raw, &b); err != nil {
			return nil, err
		}
		p := BalanceChanged{GroupID: b.GroupID, GroupName: n.groupName(ctx, b.GroupID, b.GroupName)}
		return withSubject(typ, b.resolve(), p)

	case TypeUserDeleted:
		var b userDeletedBody
		if err := decode(raw, &b); err != nil {
			return nil, err
		}
		return single(typ, b.UserID, UserDeleted{}), nil

	case TypeUserRegistered:
		var b userRegisteredBody
		if err := decode(raw, &b); err != nil {
			return nil, err
		}
		return single(typ, b.UserID, UserRegistered{Email: b.Email, Name: b.Name}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// fromFlat adapts the {type, data} producer. It cannot enumerate receivers,
// so an expense is confirmed to its payer.
func (n *Normalizer) fromFlat(ctx context.Context, raw []byte) ([]Event, error) {
	var env flatEnvelope
	if err := decode(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeExpenseCreated:
		var d flatExpenseData
		if err := decode(env.Data, &d); err != nil {
			return nil, err
		}
		p := ExpenseCreated{
			GroupID:     d.GroupID,
			PayerID:     d.PayerID,
			Amount:      *d.Amount,
			Currency:    d.Currency,
			Description: d.Description,
			Receivers:   []string{d.PayerID},
		}
		n.enrichExpense(ctx, &p)
		return single(env.Type, d.PayerID, p), nil

	case TypeBalanceChanged:
		var d flatBalanceData
		if err := decode(env.Data, &d); err != nil {
			return nil, err
		}
		p := BalanceChanged{GroupID: d.GroupID, GroupName: n.groupName(ctx, d.GroupID, "")}
		return single(env.Type, d.UserID, p), nil
	}
	return nil, fmt.Errorf("%w: %q on flat channel", ErrUnknownType, env.Type)
}

func (n *Normalizer) enrichExpense(ctx context.Context, p *ExpenseCreated) {
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	p.Currency = strings.ToUpper(p.Currency)
	p.GroupName = n.groupName(ctx, p.GroupID, p.GroupName)
	if strings.TrimSpace(p.PayerName) == "" {
		p.PayerName = n.payerName(ctx, p.PayerID)
	}
}

func (n *Normalizer) groupName(ctx context.Context, groupID, given string) string {
	if given = strings.TrimSpace(given); given != "" {
		return given
	}
	if n.groups == nil || groupID == "" {
		return GroupPlaceholder(groupID)
	}
	lctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	name, err := n.groups.GroupName(lctx, groupID)
	if err != nil || strings.TrimSpace(name) == "" {
		if err != nil {
			n.log.Debug("group name lookup failed", logx.String("group_id", groupID), logx.Err(err))
		}
		return GroupPlaceholder(groupID)
	}
	return name
}

func (n *Normalizer) payerName(ctx context.Context, userID string) string {
	if n.users == nil || userID == "" {
		return defaultPayerName
	}
	lctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	name, err := n.users.DisplayName(lctx, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		if err != nil {
			n.log.Debug("display name lookup failed", logx.String("user_id", userID), logx.Err(err))
		}
		return defaultPayerName
	}
	return name
}

func single(typ Type, userID string, p Payload) []Event {
	return []Event{{Type: typ, AffectedUserID: strings.TrimSpace(userID), Payload: p}}
}

func withSubject(typ Type, userID string, p Payload) ([]Event, error) {
	if userID == "" {
		return nil, ErrNoRecipient
	}
	return single(typ, userID, p), nil
}
