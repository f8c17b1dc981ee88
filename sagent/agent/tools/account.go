package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// UpdateContactSchema defines the parameters of update_contact.
const UpdateContactSchema = `{
  "type": "object",
  "properties": {
    "new_email": {
      "type": "string",
      "format": "email",
      "maxLength": 254
    },
    "new_phone_e164": {
      "type": "string",
      "pattern": "^\\+[1-9][0-9]{6,14}$",
      "description": "Phone number in E.164 format, e.g. +14155552671"
    }
  },
  "anyOf": [
    {"required": ["new_email"]},
    {"required": ["new_phone_e164"]}
  ],
  "additionalProperties": false
}`

// PasswordResetSchema defines the parameters of initiate_password_reset.
const PasswordResetSchema = `{
  "type": "object",
  "properties": {
    "email": {
      "type": "string",
      "format": "email",
      "description": "Email address on file for the account"
    }
  },
  "required": ["email"],
  "additionalProperties": false
}`

// ContactOutput is the output of update_contact.
type ContactOutput struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// UpdateContactTool implements update_contact. Setting the same values again
// is a no-op, so the tool is naturally idempotent.
type UpdateContactTool struct {
	store *CommerceStore
}

func NewUpdateContactTool(store *CommerceStore) *UpdateContactTool {
	return &UpdateContactTool{store: store}
}

func (t *UpdateContactTool) Name() string { return "update_contact" }

func (t *UpdateContactTool) Description() string {
	return "Update the email address and/or phone number on the customer's account."
}

func (t *UpdateContactTool) Schema() []byte { return []byte(UpdateContactSchema) }

func (t *UpdateContactTool) Mutating() bool { return true }

func (t *UpdateContactTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		NewEmail string `json:"new_email"`
		NewPhone string `json:"new_phone_e164"`
	}
	if err := decodeArgs(t.Name(), args, &params); err != nil {
		return nil, err
	}
	if params.NewEmail == "" && params.NewPhone == "" {
		return nil, errx.Validation(t.Name(), "one of new_email or new_phone_e164 is required")
	}
	user, err := currentUser(ctx, t.Name())
	if err != nil {
		return nil, err
	}

	u, err := t.store.UpdateContact(user, strings.ToLower(strings.TrimSpace(params.NewEmail)), params.NewPhone)
	if err != nil {
		return nil, errx.Validation(t.Name(), err.Error())
	}
	return ContactOutput{
		UserID:  u.ID,
		Email:   u.Email,
		Phone:   u.Phone,
		Message: "Contact details updated.",
	}, nil
}

// PasswordResetTool implements initiate_password_reset.
type PasswordResetTool struct {
	store *CommerceStore
}

func NewPasswordResetTool(store *CommerceStore) *PasswordResetTool {
	return &PasswordResetTool{store: store}
}

func (t *PasswordResetTool) Name() string { return "initiate_password_reset" }

func (t *PasswordResetTool) Description() string {
	return "Send a password reset link to the email address on file."
}

func (t *PasswordResetTool) Schema() []byte { return []byte(PasswordResetSchema) }

// Mutating is false: re-sending a reset link has no lasting effect.
func (t *PasswordResetTool) Mutating() bool { return false }

func (t *PasswordResetTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Email string `json:"email"`
	}
	if err := decodeArgs(t.Name(), args, &params); err != nil {
		return nil, err
	}
	user, err := currentUser(ctx, t.Name())
	if err != nil {
		return nil, err
	}
	u, ok := t.store.User(user)
	if !ok {
		return nil, errx.Validation(t.Name(), "user not found")
	}
	if !strings.EqualFold(strings.TrimSpace(params.Email), u.Email) {
		return nil, policyError(t.Name(), "email does not match the account on file")
	}

	t.store.RecordPasswordReset(u.ID)
	return map[string]any{
		"status":  "sent",
		"message": "A password reset link was sent to the email on file.",
	}, nil
}

var (
	_ tooling.Tool = (*UpdateContactTool)(nil)
	_ tooling.Tool = (*PasswordResetTool)(nil)
)
