package mongostore

import (
	"time"

	"github.com/BradenHooton/keystone/internal/models"
)

type userDoc struct {
	ID                   string            `bson:"_id"`
	Email                string            `bson:"email"`
	Username             *string           `bson:"username"`
	Password             *string           `bson:"password"`
	Active               bool              `bson:"active"`
	FsUniquifier         string            `bson:"fs_uniquifier"`
	FsTokenUniquifier    *string           `bson:"fs_token_uniquifier"`
	FsWebAuthnUserHandle *string           `bson:"fs_webauthn_user_handle"`
	ConfirmedAt          *time.Time        `bson:"confirmed_at"`
	LastLoginAt          *time.Time        `bson:"last_login_at"`
	CurrentLoginAt       *time.Time        `bson:"current_login_at"`
	LastLoginIP          *string           `bson:"last_login_ip"`
	CurrentLoginIP       *string           `bson:"current_login_ip"`
	LoginCount           int               `bson:"login_count"`
	TfTOTPSecret         *string           `bson:"tf_totp_secret"`
	TfPrimaryMethod      *string           `bson:"tf_primary_method"`
	TfPhoneNumber        *string           `bson:"tf_phone_number"`
	UsTOTPSecrets        map[string]string `bson:"us_totp_secrets"`
	UsPhoneNumber        *string           `bson:"us_phone_number"`
	MfRecoveryCodes      []string          `bson:"mf_recovery_codes"`
	RoleIDs              []string          `bson:"role_ids"`
	CreateDatetime       time.Time         `bson:"create_datetime"`
	UpdateDatetime       time.Time         `bson:"update_datetime"`
}

func toUserDoc(u *models.User) userDoc {
	return userDoc{
		ID:                   u.ID,
		Email:                u.Email,
		Username:             u.Username,
		Password:             u.Password,
		Active:               u.Active,
		FsUniquifier:         u.FsUniquifier,
		FsTokenUniquifier:    u.FsTokenUniquifier,
		FsWebAuthnUserHandle: u.FsWebAuthnUserHandle,
		ConfirmedAt:          u.ConfirmedAt,
		LastLoginAt:          u.LastLoginAt,
		CurrentLoginAt:       u.CurrentLoginAt,
		LastLoginIP:          u.LastLoginIP,
		CurrentLoginIP:       u.CurrentLoginIP,
		LoginCount:           u.LoginCount,
		TfTOTPSecret:         u.TfTOTPSecret,
		TfPrimaryMethod:      u.TfPrimaryMethod,
		TfPhoneNumber:        u.TfPhoneNumber,
		UsTOTPSecrets:        u.UsTOTPSecrets,
		UsPhoneNumber:        u.UsPhoneNumber,
		MfRecoveryCodes:      u.MfRecoveryCodes,
		RoleIDs:              []string{},
		CreateDatetime:       u.CreateDatetime,
		UpdateDatetime:       u.UpdateDatetime,
	}
}

func (d *userDoc) toModel() *models.User {
	u := &models.User{
		ID:                   d.ID,
		Email:                d.Email,
		Username:             d.Username,
		Password:             d.Password,
		Active:               d.Active,
		FsUniquifier:         d.FsUniquifier,
		FsTokenUniquifier:    d.FsTokenUniquifier,
		FsWebAuthnUserHandle: d.FsWebAuthnUserHandle,
		ConfirmedAt:          d.ConfirmedAt,
		MfRecoveryCodes:      d.MfRecoveryCodes,
		CreateDatetime:       d.CreateDatetime,
		UpdateDatetime:       d.UpdateDatetime,
	}
	u.Trackable = models.Trackable{
		LastLoginAt:    d.LastLoginAt,
		CurrentLoginAt: d.CurrentLoginAt,
		LastLoginIP:    d.LastLoginIP,
		CurrentLoginIP: d.CurrentLoginIP,
		LoginCount:     d.LoginCount,
	}
	u.TwoFactor = models.TwoFactor{
		TfTOTPSecret:    d.TfTOTPSecret,
		TfPrimaryMethod: d.TfPrimaryMethod,
		TfPhoneNumber:   d.TfPhoneNumber,
	}
	u.UnifiedSignin = models.UnifiedSignin{
		UsTOTPSecrets: d.UsTOTPSecrets,
		UsPhoneNumber: d.UsPhoneNumber,
	}
	if len(u.MfRecoveryCodes) == 0 {
		u.MfRecoveryCodes = nil
	}
	if len(u.UsTOTPSecrets) == 0 {
		u.UsTOTPSecrets = nil
	}
	return u
}

type roleDoc struct {
	ID             string    `bson:"_id"`
	Name           string    `bson:"name"`
	Description    *string   `bson:"description"`
	Permissions    []string  `bson:"permissions"`
	UpdateDatetime time.Time `bson:"update_datetime"`
}

func toRoleDoc(r *models.Role) roleDoc {
	return roleDoc{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Permissions:    r.Permissions,
		UpdateDatetime: r.UpdateDatetime,
	}
}

func (d *roleDoc) toModel() *models.Role {
	r := &models.Role{
		ID:             d.ID,
		Name:           d.Name,
		Description:    d.Description,
		Permissions:    d.Permissions,
		UpdateDatetime: d.UpdateDatetime,
	}
	if len(r.Permissions) == 0 {
		r.Permissions = nil
	}
	return r
}

type credentialDoc struct {
	ID              string    `bson:"_id"`
	UserID          string    `bson:"user_id"`
	CredentialID    []byte    `bson:"credential_id"`
	PublicKey       []byte    `bson:"public_key"`
	SignCount       int64     `bson:"sign_count"`
	Transports      []string  `bson:"transports"`
	Extensions      string    `bson:"extensions,omitempty"`
	LastUseDatetime time.Time `bson:"lastuse_datetime"`
	Name            string    `bson:"name"`
	Usage           string    `bson:"usage"`
	BackupState     bool      `bson:"backup_state"`
	DeviceType      string    `bson:"device_type"`
	CreateDatetime  time.Time `bson:"create_datetime"`
}

func toCredentialDoc(c *models.WebAuthnCredential) credentialDoc {
	return credentialDoc{
		ID:              c.ID,
		UserID:          c.UserID,
		CredentialID:    c.CredentialID,
		PublicKey:       c.PublicKey,
		SignCount:       int64(c.SignCount),
		Transports:      c.Transports,
		Extensions:      c.Extensions,
		LastUseDatetime: c.LastUseDatetime,
		Name:            c.Name,
		Usage:           string(c.Usage),
		BackupState:     c.BackupState,
		DeviceType:      string(c.DeviceType),
		CreateDatetime:  c.CreateDatetime,
	}
}

func (d *credentialDoc) toModel() *models.WebAuthnCredential {
	return &models.WebAuthnCredential{
		ID:              d.ID,
		UserID:          d.UserID,
		CredentialID:    d.CredentialID,
		PublicKey:       d.PublicKey,
		SignCount:       uint32(d.SignCount),
		Transports:      d.Transports,
		Extensions:      d.Extensions,
		LastUseDatetime: d.LastUseDatetime,
		Name:            d.Name,
		Usage:           models.CredentialUsage(d.Usage),
		BackupState:     d.BackupState,
		DeviceType:      models.DeviceType(d.DeviceType),
		CreateDatetime:  d.CreateDatetime,
	}
}
