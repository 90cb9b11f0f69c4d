package models

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// CredentialUsage states which factor a credential may serve as
type CredentialUsage string

const (
	UsageFirst     CredentialUsage = "first"
	UsageSecondary CredentialUsage = "secondary"
)

// DeviceType mirrors the authenticator's backup eligibility flag
type DeviceType string

const (
	DeviceTypeSingle DeviceType = "single_device"
	DeviceTypeMulti  DeviceType = "multi_device"
)

// WebAuthnCredential is a registered public-key credential
type WebAuthnCredential struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id" validate:"required"`
	CredentialID    []byte          `json:"-" validate:"required,min=1,max=1024"`
	PublicKey       []byte          `json:"-" validate:"required,min=1,max=1024"`
	SignCount       uint32          `json:"sign_count"`
	Transports      []string        `json:"transports,omitempty" validate:"dive,required,max=32"`
	Extensions      string          `json:"extensions,omitempty" validate:"max=255"`
	LastUseDatetime time.Time       `json:"lastuse_datetime"`
	Name            string          `json:"name" validate:"required,max=64"`
	Usage           CredentialUsage `json:"usage" validate:"required,oneof=first secondary"`
	BackupState     bool            `json:"backup_state"`
	DeviceType      DeviceType      `json:"device_type" validate:"required,oneof=single_device multi_device"`
	CreateDatetime  time.Time       `json:"create_datetime"`
}

// BackupEligible reports whether the authenticator allows the credential to be synced
func (c *WebAuthnCredential) BackupEligible() bool {
	return c.DeviceType == DeviceTypeMulti
}

// ToWebAuthn converts to the go-webauthn credential used during ceremonies
func (c *WebAuthnCredential) ToWebAuthn() webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
	for i, t := range c.Transports {
		transports[i] = protocol.AuthenticatorTransport(t)
	}

	return webauthn.Credential{
		ID:        c.CredentialID,
		PublicKey: c.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible(),
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}
}

// DeviceTypeFromFlags derives the device type from the authenticator's BE flag
func DeviceTypeFromFlags(flags webauthn.CredentialFlags) DeviceType {
	if flags.BackupEligible {
		return DeviceTypeMulti
	}
	return DeviceTypeSingle
}

// TransportStrings flattens go-webauthn transports to their wire names
func TransportStrings(transports []protocol.AuthenticatorTransport) []string {
	if len(transports) == 0 {
		return nil
	}
	out := make([]string, len(transports))
	for i, t := range transports {
		out[i] = string(t)
	}
	return out
}
