package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// User is the identity record. Optional feature groups (tracking, two-factor,
// unified sign-in) are embedded and only populated when the matching
// security flag is enabled.
type User struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email" validate:"required,email,max=255"`
	Username             *string    `json:"username,omitempty" validate:"omitempty,min=2,max=64"`
	Password             *string    `json:"-"` // NULL for passwordless accounts
	Active               bool       `json:"active"`
	FsUniquifier         string     `json:"-" validate:"required,min=64,max=255"`
	FsTokenUniquifier    *string    `json:"-" validate:"omitempty,min=64,max=255"`
	FsWebAuthnUserHandle *string    `json:"-" validate:"omitempty,max=64"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`

	Trackable
	TwoFactor
	UnifiedSignin

	MfRecoveryCodes []string `json:"-"` // bcrypt hashes, plaintext never stored
	Roles           []*Role  `json:"roles,omitempty"`

	CreateDatetime time.Time `json:"create_datetime"`
	UpdateDatetime time.Time `json:"update_datetime"`

	credentials []*WebAuthnCredential
}

// Trackable holds sign-in tracking fields
type Trackable struct {
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CurrentLoginAt *time.Time `json:"current_login_at,omitempty"`
	LastLoginIP    *string    `json:"last_login_ip,omitempty" validate:"omitempty,ip"`
	CurrentLoginIP *string    `json:"current_login_ip,omitempty" validate:"omitempty,ip"`
	LoginCount     int        `json:"login_count" validate:"gte=0"`
}

// Two-factor primary methods
const (
	TwoFactorMethodAuthenticator = "authenticator"
	TwoFactorMethodEmail         = "email"
	TwoFactorMethodSMS           = "sms"
)

// TwoFactor holds second-factor configuration
type TwoFactor struct {
	TfTOTPSecret    *string `json:"-"` // AES-GCM sealed, base64
	TfPrimaryMethod *string `json:"tf_primary_method,omitempty" validate:"omitempty,oneof=authenticator email sms"`
	TfPhoneNumber   *string `json:"tf_phone_number,omitempty" validate:"omitempty,max=128"`
}

// UnifiedSignin holds per-method TOTP secrets for passwordless sign-in
type UnifiedSignin struct {
	UsTOTPSecrets map[string]string `json:"-"`
	UsPhoneNumber *string           `json:"us_phone_number,omitempty" validate:"omitempty,max=128"`
}

// IsActive reports whether the account may sign in
func (u *User) IsActive() bool {
	return u.Active
}

// IsConfirmed reports whether the account's email has been confirmed
func (u *User) IsConfirmed() bool {
	return u.ConfirmedAt != nil
}

// HasRole checks role membership by name
func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// HasPermission checks whether any of the user's roles grants the permission
func (u *User) HasPermission(permission string) bool {
	for _, r := range u.Roles {
		if r.HasPermission(permission) {
			return true
		}
	}
	return false
}

// Permissions returns the union of all role permissions
func (u *User) Permissions() map[string]struct{} {
	perms := make(map[string]struct{})
	for _, r := range u.Roles {
		for _, p := range r.Permissions {
			perms[p] = struct{}{}
		}
	}
	return perms
}

// Credentials returns the credentials loaded onto this user. The set is
// maintained by the WebAuthn manager; other code must treat it as read-only.
// Link and unlink build a new slice, so a returned slice never changes.
func (u *User) Credentials() []*WebAuthnCredential {
	return u.credentials
}

// LinkCredential attaches a credential to the user's in-memory set.
// Only the WebAuthn manager calls this.
func (u *User) LinkCredential(cred *WebAuthnCredential) {
	next := make([]*WebAuthnCredential, 0, len(u.credentials)+1)
	for _, c := range u.credentials {
		if c.ID != cred.ID {
			next = append(next, c)
		}
	}
	u.credentials = append(next, cred)
}

// UnlinkCredential detaches a credential from the user's in-memory set.
// Only the WebAuthn manager calls this.
func (u *User) UnlinkCredential(id string) {
	kept := make([]*WebAuthnCredential, 0, len(u.credentials))
	for _, c := range u.credentials {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	u.credentials = kept
}

// SetCredentials replaces the in-memory set after a load from the store.
func (u *User) SetCredentials(creds []*WebAuthnCredential) {
	u.credentials = creds
}

// WebAuthnID implements webauthn.User
func (u *User) WebAuthnID() []byte {
	if u.FsWebAuthnUserHandle == nil {
		return nil
	}
	return []byte(*u.FsWebAuthnUserHandle)
}

// WebAuthnName implements webauthn.User
func (u *User) WebAuthnName() string {
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	return u.Email
}

// WebAuthnDisplayName implements webauthn.User
func (u *User) WebAuthnDisplayName() string {
	return u.WebAuthnName()
}

// WebAuthnCredentials implements webauthn.User
func (u *User) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.credentials))
	for i, c := range u.credentials {
		creds[i] = c.ToWebAuthn()
	}
	return creds
}

var _ webauthn.User = (*User)(nil)

// PayloadHook extends the base security payload returned to API clients.
type PayloadHook func(user *User, base map[string]any) map[string]any

// SecurityPayload returns the base payload exposed in API responses
func (u *User) SecurityPayload() map[string]any {
	return map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"confirmed": u.IsConfirmed(),
	}
}
