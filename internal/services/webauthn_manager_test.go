package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/pkg/logger"
)

func testRegistration(id []byte, signCount uint32) CredentialRegistration {
	return CredentialRegistration{
		CredentialID: id,
		PublicKey:    []byte{0xA5, 0x01, 0x02},
		SignCount:    signCount,
		Transports:   []string{"usb"},
		Name:         "security key",
	}
}

func TestWebAuthnManager_RegisterCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	cred, err := env.svc.WebAuthn.RegisterCredential(ctx, user, testRegistration([]byte{1}, 7))
	require.NoError(t, err)

	assert.Equal(t, user.ID, cred.UserID)
	assert.Equal(t, uint32(7), cred.SignCount)
	assert.Equal(t, models.UsageFirst, cred.Usage)
	assert.Equal(t, models.DeviceTypeSingle, cred.DeviceType)
	require.Len(t, user.Credentials(), 1)
	assert.Equal(t, cred.ID, user.Credentials()[0].ID)
	assert.Len(t, user.WebAuthnCredentials(), 1)
}

func TestWebAuthnManager_RegisterAssignsMissingHandle(t *testing.T) {
	// user created while WebAuthn was off has no handle
	plain := newTestEnv(t, func(c *config.SecurityConfig) { c.WebAuthn = false })
	user := plain.createUser(t, "a@x.com")
	require.Nil(t, user.FsWebAuthnUserHandle)

	env := newTestEnvWithStore(t, plain.store)
	ctx := context.Background()

	_, err := env.svc.WebAuthn.RegisterCredential(ctx, user, testRegistration([]byte{1}, 0))
	require.NoError(t, err)
	require.NotNil(t, user.FsWebAuthnUserHandle)

	found, err := env.svc.WebAuthn.FindUserByHandle(ctx, user.WebAuthnID())
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
	assert.Len(t, found.Credentials(), 1)
}

func TestWebAuthnManager_DuplicateCredentialID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice@x.com")
	bob := env.createUser(t, "bob@x.com")

	_, err := env.svc.WebAuthn.RegisterCredential(ctx, alice, testRegistration([]byte{9, 9}, 0))
	require.NoError(t, err)

	_, err = env.svc.WebAuthn.RegisterCredential(ctx, bob, testRegistration([]byte{9, 9}, 0))
	assert.ErrorIs(t, err, models.ErrDuplicateCredential)
	assert.Empty(t, bob.Credentials())
}

func TestWebAuthnManager_Disabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.SecurityConfig) { c.WebAuthn = false })
	user := env.createUser(t, "a@x.com")

	_, err := env.svc.WebAuthn.RegisterCredential(context.Background(), user, testRegistration([]byte{1}, 0))
	assert.ErrorIs(t, err, models.ErrFeatureDisabled)
}

func TestWebAuthnManager_RegisterFromCeremony(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "a@x.com")

	wc := &webauthn.Credential{
		ID:        []byte("ceremony-id"),
		PublicKey: []byte("cose-key"),
		Transport: []protocol.AuthenticatorTransport{protocol.Internal, protocol.Hybrid},
		Flags:     webauthn.CredentialFlags{BackupEligible: true, BackupState: true},
		Authenticator: webauthn.Authenticator{
			SignCount: 3,
		},
	}

	cred, err := env.svc.WebAuthn.RegisterFromCeremony(context.Background(), user, wc, "phone", models.UsageSecondary)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceTypeMulti, cred.DeviceType)
	assert.True(t, cred.BackupState)
	assert.Equal(t, models.UsageSecondary, cred.Usage)
	assert.Equal(t, []string{"internal", "hybrid"}, cred.Transports)
	assert.Equal(t, uint32(3), cred.SignCount)
}

func TestWebAuthnManager_FindUserByCredentialID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	_, err := env.svc.WebAuthn.RegisterCredential(ctx, user, testRegistration([]byte{4, 2}, 0))
	require.NoError(t, err)

	found, cred, err := env.svc.WebAuthn.FindUserByCredentialID(ctx, []byte{4, 2})
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
	assert.Equal(t, []byte{4, 2}, cred.CredentialID)
	assert.Len(t, found.Credentials(), 1)

	_, _, err = env.svc.WebAuthn.FindUserByCredentialID(ctx, []byte{0xFF})
	assert.ErrorIs(t, err, models.ErrUnknownCredential)
}

func TestWebAuthnManager_RecordAuthentication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	cred, err := env.svc.WebAuthn.RegisterCredential(ctx, user, testRegistration([]byte{5}, 10))
	require.NoError(t, err)
	registeredAt := cred.LastUseDatetime

	regressions := env.auditor.Counter().WithLabelValues(string(logger.EventCounterRegression))

	for _, count := range []uint32{0, 9, 10} {
		err := env.svc.WebAuthn.RecordAuthentication(ctx, cred, count, true)
		assert.ErrorIs(t, err, models.ErrCounterRegression, "count %d", count)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(regressions))

	_, stored, err := env.svc.WebAuthn.FindUserByCredentialID(ctx, []byte{5})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), stored.SignCount)
	assert.False(t, stored.BackupState)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, env.svc.WebAuthn.RecordAuthentication(ctx, cred, 11, true))
	assert.Equal(t, uint32(11), cred.SignCount)

	_, stored, err = env.svc.WebAuthn.FindUserByCredentialID(ctx, []byte{5})
	require.NoError(t, err)
	assert.Equal(t, uint32(11), stored.SignCount)
	assert.True(t, stored.BackupState)
	assert.True(t, stored.LastUseDatetime.After(registeredAt))

	// replaying the same assertion fails
	assert.ErrorIs(t, env.svc.WebAuthn.RecordCeremony(ctx, cred, &webauthn.Credential{
		Authenticator: webauthn.Authenticator{SignCount: 11},
	}), models.ErrCounterRegression)
}

func TestWebAuthnManager_DeleteCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice@x.com")
	bob := env.createUser(t, "bob@x.com")

	_, err := env.svc.WebAuthn.RegisterCredential(ctx, alice, testRegistration([]byte{1}, 0))
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.WebAuthn.DeleteCredential(ctx, bob, []byte{1}), models.ErrUnknownCredential)
	assert.ErrorIs(t, env.svc.WebAuthn.DeleteCredential(ctx, alice, []byte{2}), models.ErrUnknownCredential)

	require.NoError(t, env.svc.WebAuthn.DeleteCredential(ctx, alice, []byte{1}))
	assert.Empty(t, alice.Credentials())

	creds, err := env.svc.WebAuthn.ListCredentials(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, creds)
}
