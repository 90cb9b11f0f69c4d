package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// CredentialRegistration is the verified output of a registration ceremony
type CredentialRegistration struct {
	CredentialID   []byte
	PublicKey      []byte
	SignCount      uint32
	Transports     []string
	Extensions     string
	Name           string
	Usage          models.CredentialUsage
	BackupEligible bool
	BackupState    bool
}

// WebAuthnManager is the only writer of credentials. It keeps the store and
// each user's in-memory credential set in step.
type WebAuthnManager struct {
	store   repositories.Store
	handles *pkgauth.UniquifierGenerator
	auditor *logger.SecurityAuditor
	logger  *slog.Logger
	config  config.SecurityConfig
	now     func() time.Time
}

func NewWebAuthnManager(store repositories.Store, auditor *logger.SecurityAuditor, logger *slog.Logger, cfg config.SecurityConfig) (*WebAuthnManager, error) {
	handles, err := pkgauth.NewUniquifierGenerator(webAuthnHandleLength)
	if err != nil {
		return nil, err
	}

	return &WebAuthnManager{
		store:   store,
		handles: handles,
		auditor: auditor,
		logger:  logger,
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// bind returns a copy of the manager that works inside tx
func (m *WebAuthnManager) bind(tx repositories.Store) *WebAuthnManager {
	c := *m
	c.store = tx
	return &c
}

// RegisterCredential stores a new credential for user. The user gets a
// WebAuthn handle first if it has none. A credential id already registered
// anywhere fails with models.ErrDuplicateCredential.
func (m *WebAuthnManager) RegisterCredential(ctx context.Context, user *models.User, reg CredentialRegistration) (*models.WebAuthnCredential, error) {
	if !m.config.WebAuthn {
		return nil, models.ErrFeatureDisabled
	}

	if reg.Usage == "" {
		reg.Usage = models.UsageFirst
	}
	deviceType := models.DeviceTypeFromFlags(webauthn.CredentialFlags{BackupEligible: reg.BackupEligible})

	cred := &models.WebAuthnCredential{
		UserID:          user.ID,
		CredentialID:    bytes.Clone(reg.CredentialID),
		PublicKey:       bytes.Clone(reg.PublicKey),
		SignCount:       reg.SignCount,
		Transports:      reg.Transports,
		Extensions:      reg.Extensions,
		LastUseDatetime: m.now(),
		Name:            reg.Name,
		Usage:           reg.Usage,
		BackupState:     reg.BackupState,
		DeviceType:      deviceType,
	}
	if err := models.Validate(cred); err != nil {
		return nil, err
	}

	var handle *string
	var created *models.WebAuthnCredential
	err := m.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		if user.FsWebAuthnUserHandle == nil {
			h, err := generateUniquifier(ctx, m.handles, m.auditor, user.ID)
			if err != nil {
				return err
			}
			stored, err := tx.Users().SetWebAuthnHandle(ctx, user.ID, h)
			if err != nil {
				return err
			}
			handle = &stored
		}

		var err error
		created, err = tx.Credentials().Create(ctx, cred)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateCredential) {
			m.logger.Warn("credential id already registered", slog.String("user_id", user.ID))
		}
		return nil, err
	}

	if handle != nil {
		user.FsWebAuthnUserHandle = handle
	}
	user.LinkCredential(created)

	m.auditor.Record(ctx, logger.EventCredentialRegistered, user.ID,
		slog.String("credential", created.ID),
		slog.String("usage", string(created.Usage)),
		slog.String("device_type", string(created.DeviceType)),
	)
	return created, nil
}

// RegisterFromCeremony stores the credential produced by webauthn.CreateCredential
func (m *WebAuthnManager) RegisterFromCeremony(ctx context.Context, user *models.User, wc *webauthn.Credential, name string, usage models.CredentialUsage) (*models.WebAuthnCredential, error) {
	return m.RegisterCredential(ctx, user, CredentialRegistration{
		CredentialID:   wc.ID,
		PublicKey:      wc.PublicKey,
		SignCount:      wc.Authenticator.SignCount,
		Transports:     models.TransportStrings(wc.Transport),
		Name:           name,
		Usage:          usage,
		BackupEligible: wc.Flags.BackupEligible,
		BackupState:    wc.Flags.BackupState,
	})
}

// FindUserByCredentialID resolves the owner of a credential presented during
// authentication. Unknown ids fail with models.ErrUnknownCredential.
func (m *WebAuthnManager) FindUserByCredentialID(ctx context.Context, credentialID []byte) (*models.User, *models.WebAuthnCredential, error) {
	cred, err := m.store.Credentials().GetByCredentialID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrUnknownCredential
		}
		return nil, nil, err
	}

	user, err := m.store.Users().GetByID(ctx, cred.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrUnknownCredential
		}
		return nil, nil, err
	}

	if _, err := m.ListCredentials(ctx, user); err != nil {
		return nil, nil, err
	}
	return user, cred, nil
}

// FindUserByHandle resolves a user from the userHandle of a discoverable
// credential assertion
func (m *WebAuthnManager) FindUserByHandle(ctx context.Context, handle []byte) (*models.User, error) {
	user, err := m.store.Users().GetByWebAuthnHandle(ctx, string(handle))
	if err != nil {
		return nil, err
	}
	if _, err := m.ListCredentials(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ListCredentials loads the user's credentials and refreshes the in-memory set
func (m *WebAuthnManager) ListCredentials(ctx context.Context, user *models.User) ([]*models.WebAuthnCredential, error) {
	creds, err := m.store.Credentials().ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.SetCredentials(creds)
	return creds, nil
}

// RecordAuthentication stores the counter and backup state from a successful
// assertion. A sign count that does not strictly increase is rejected with
// models.ErrCounterRegression and raised as a possible cloned authenticator.
func (m *WebAuthnManager) RecordAuthentication(ctx context.Context, cred *models.WebAuthnCredential, signCount uint32, backupState bool) error {
	usedAt := m.now()

	err := m.store.Credentials().UpdateAfterAuthentication(ctx, cred.ID, signCount, backupState, usedAt)
	if err != nil {
		if errors.Is(err, models.ErrCounterRegression) {
			m.auditor.Alert(ctx, logger.EventCounterRegression, cred.UserID,
				slog.String("credential", cred.ID),
				slog.Uint64("stored", uint64(cred.SignCount)),
				slog.Uint64("presented", uint64(signCount)),
			)
		}
		return err
	}

	cred.SignCount = signCount
	cred.BackupState = backupState
	cred.LastUseDatetime = usedAt
	return nil
}

// RecordCeremony applies the authenticator state returned by webauthn.ValidateLogin
func (m *WebAuthnManager) RecordCeremony(ctx context.Context, cred *models.WebAuthnCredential, wc *webauthn.Credential) error {
	return m.RecordAuthentication(ctx, cred, wc.Authenticator.SignCount, wc.Flags.BackupState)
}

// DeleteCredential removes one of the user's credentials. Credentials owned
// by someone else are reported as unknown.
func (m *WebAuthnManager) DeleteCredential(ctx context.Context, user *models.User, credentialID []byte) error {
	cred, err := m.store.Credentials().GetByCredentialID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrUnknownCredential
		}
		return err
	}
	if cred.UserID != user.ID {
		return models.ErrUnknownCredential
	}

	if err := m.store.Credentials().Delete(ctx, cred.ID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	user.UnlinkCredential(cred.ID)
	m.auditor.Record(ctx, logger.EventCredentialDeleted, user.ID, slog.String("credential", cred.ID))
	return nil
}

// DeleteAllCredentialsForUser removes every credential the user owns
func (m *WebAuthnManager) DeleteAllCredentialsForUser(ctx context.Context, user *models.User) (int64, error) {
	n, err := m.store.Credentials().DeleteByUserID(ctx, user.ID)
	if err != nil {
		return 0, err
	}

	user.SetCredentials(nil)
	if n > 0 {
		m.auditor.Record(ctx, logger.EventCredentialDeleted, user.ID, slog.Int64("count", n))
	}
	return n, nil
}
