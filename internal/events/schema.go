package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// subject carries the id fields producers use to name the affected user.
// Resolution order: userId, memberId, targetUserId.
type subject struct {
	UserID       string `json:"userId"`
	MemberID     string `json:"memberId"`
	TargetUserID string `json:"targetUserId"`
}

func (s subject) resolve() string {
	for _, id := range []string{s.UserID, s.MemberID, s.TargetUserID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

// Typed payloads: direct channels and the {type, payload} envelope.

type expenseBody struct {
	subject
	GroupID     string   `json:"groupId"`
	GroupName   string   `json:"groupName"`
	PayerID     string   `json:"payerId"`
	PayerName   string   `json:"payerName"`
	Amount      *float64 `json:"amount" validate:"required"`
	Currency    string   `json:"currency" validate:"omitempty,alpha,len=3"`
	Description string   `json:"description" validate:"max=500"`
	Receivers   []string `json:"receivers" validate:"omitempty,dive,required"`
}

type memberBody struct {
	subject
	GroupID          string `json:"groupId"`
	GroupName        string `json:"groupName"`
	InvitedUserEmail string `json:"invitedUserEmail" validate:"omitempty,email"`
	InvitedBy        string `json:"invitedBy"`
}

type balanceBody struct {
	subject
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

type userDeletedBody struct {
	UserID string `json:"userId" validate:"required"`
}

type userRegisteredBody struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
	Name   string `json:"name"`
}

// Flat {type, data} producer: ids only, no receiver list.

type flatExpenseData struct {
	GroupID     string   `json:"groupId" validate:"required"`
	PayerID     string   `json:"payerId" validate:"required"`
	Amount      *float64 `json:"amount" validate:"required"`
	Currency    string   `json:"currency" validate:"omitempty,alpha,len=3"`
	Description string   `json:"description" validate:"max=500"`
}

type flatBalanceData struct {
	GroupID string `json:"groupId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
}

type typedEnvelope struct {
	Type    Type            `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

type flatEnvelope struct {
	Type Type            `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

// decode unmarshals raw into v and validates its schema tags.
// Every failure wraps ErrMalformed.
func decode(raw []byte, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed on '%s'", ErrMalformed, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
