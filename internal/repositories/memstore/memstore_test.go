package memstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
)

func strPtr(s string) *string { return &s }

func newUser(email, uniq string) *models.User {
	return &models.User{Email: email, Active: true, FsUniquifier: strings.Repeat(uniq, 64)}
}

func TestUsers_UniqueConstraints(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		user  *models.User
		field string
	}{
		{name: "email", user: newUser("a@x.com", "b"), field: models.FieldEmail},
		{name: "uniquifier", user: newUser("b@x.com", "a"), field: models.FieldUniquifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Users().Create(ctx, tt.user)
			assert.ErrorIs(t, err, models.ErrDuplicateKey)
			assert.Equal(t, tt.field, models.DuplicateField(err))
		})
	}
}

func TestUsers_NullUsernamesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)
	_, err = s.Users().Create(ctx, newUser("b@x.com", "b"))
	require.NoError(t, err)

	u := newUser("c@x.com", "c")
	u.Username = strPtr("carol")
	_, err = s.Users().Create(ctx, u)
	require.NoError(t, err)

	dup := newUser("d@x.com", "d")
	dup.Username = strPtr("carol")
	_, err = s.Users().Create(ctx, dup)
	assert.ErrorIs(t, err, models.ErrDuplicateKey)
}

func TestUsers_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)
	created.Email = "mutated@x.com"

	got, err := s.Users().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		if _, err := tx.Users().Create(ctx, newUser("a@x.com", "a")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Users().GetByEmail(ctx, "a@x.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWithTransaction_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		return tx.WithTransaction(ctx, func(ctx context.Context, inner repositories.Store) error {
			_, err := inner.Users().Create(ctx, newUser("a@x.com", "a"))
			return err
		})
	})
	require.NoError(t, err)

	_, err = s.Users().GetByEmail(ctx, "a@x.com")
	assert.NoError(t, err)
}

func TestRotateUniquifiers_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	next := strings.Repeat("b", 64)
	rot := repositories.UniquifierRotation{ExpectedUniquifier: u.FsUniquifier, NewUniquifier: &next}
	require.NoError(t, s.Users().RotateUniquifiers(ctx, u.ID, rot))

	// same expectation again is now stale
	assert.ErrorIs(t, s.Users().RotateUniquifiers(ctx, u.ID, rot), models.ErrStaleUpdate)

	got, err := s.Users().GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.FsUniquifier)
}

func TestRemoveRecoveryCode_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)
	require.NoError(t, s.Users().ReplaceRecoveryCodes(ctx, u.ID, []string{"h1", "h2"}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Users().RemoveRecoveryCode(ctx, u.ID, "h1")
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	got, err := s.Users().GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, got.MfRecoveryCodes)
}

func TestCredentials_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	cred := &models.WebAuthnCredential{
		UserID:       u.ID,
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pk"),
		Name:         "key",
		Usage:        models.UsageFirst,
		DeviceType:   models.DeviceTypeSingle,
		SignCount:    5,
	}
	created, err := s.Credentials().Create(ctx, cred)
	require.NoError(t, err)

	_, err = s.Credentials().Create(ctx, cred)
	assert.ErrorIs(t, err, models.ErrDuplicateCredential)

	now := time.Now()
	assert.ErrorIs(t, s.Credentials().UpdateAfterAuthentication(ctx, created.ID, 5, false, now), models.ErrCounterRegression)
	assert.ErrorIs(t, s.Credentials().UpdateAfterAuthentication(ctx, created.ID, 4, false, now), models.ErrCounterRegression)
	require.NoError(t, s.Credentials().UpdateAfterAuthentication(ctx, created.ID, 6, true, now))

	got, err := s.Credentials().GetByCredentialID(ctx, []byte("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.SignCount)
	assert.True(t, got.BackupState)

	// the owner cannot be deleted while it has credentials
	assert.ErrorIs(t, s.Users().Delete(ctx, u.ID), models.ErrConflict)
	_, err = s.Credentials().GetByCredentialID(ctx, []byte("cred-1"))
	require.NoError(t, err)

	n, err := s.Credentials().DeleteByUserID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.Users().Delete(ctx, u.ID))
	_, err = s.Users().GetByID(ctx, u.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUsers_RecordLoginShiftsAndCounts(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	first := time.Now().Add(-time.Hour)
	tracked, err := s.Users().RecordLogin(ctx, u.ID, strPtr("10.0.0.1"), first)
	require.NoError(t, err)
	assert.Equal(t, 1, tracked.LoginCount)
	assert.Nil(t, tracked.LastLoginAt)

	tracked, err = s.Users().RecordLogin(ctx, u.ID, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, tracked.LoginCount)
	require.NotNil(t, tracked.LastLoginAt)
	assert.True(t, first.UTC().Equal(*tracked.LastLoginAt))
	assert.Equal(t, strPtr("10.0.0.1"), tracked.LastLoginIP)
	assert.Nil(t, tracked.CurrentLoginIP)

	_, err = s.Users().RecordLogin(ctx, "missing", nil, time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUsers_RecordLoginConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Users().RecordLogin(ctx, u.ID, nil, time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Users().GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.LoginCount)
}

func TestUsers_SetWebAuthnHandleKeepsFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)
	other, err := s.Users().Create(ctx, newUser("b@x.com", "b"))
	require.NoError(t, err)

	h, err := s.Users().SetWebAuthnHandle(ctx, u.ID, "handle-1")
	require.NoError(t, err)
	assert.Equal(t, "handle-1", h)

	h, err = s.Users().SetWebAuthnHandle(ctx, u.ID, "handle-2")
	require.NoError(t, err)
	assert.Equal(t, "handle-1", h)

	_, err = s.Users().SetWebAuthnHandle(ctx, other.ID, "handle-1")
	var dup *models.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, models.FieldWebAuthnUserHandle, dup.Field)
}

func TestUsers_ConfirmedAtIsSetOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	first := time.Now().Add(-time.Minute).UTC()
	at, err := s.Users().SetConfirmedAt(ctx, u.ID, first)
	require.NoError(t, err)
	assert.True(t, first.Equal(at))

	at, err = s.Users().SetConfirmedAt(ctx, u.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, first.Equal(at))
}

func TestUsers_UnifiedSigninSecretsPerMethod(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)

	secrets, err := s.Users().SetUnifiedSigninSecret(ctx, u.ID, "email", "e")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "e"}, secrets)

	secrets, err = s.Users().SetUnifiedSigninSecret(ctx, u.ID, "sms", "s")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "e", "sms": "s"}, secrets)

	// callers get a copy
	secrets["email"] = "tampered"

	secrets, err = s.Users().RemoveUnifiedSigninSecret(ctx, u.ID, "sms")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "e"}, secrets)

	secrets, err = s.Users().RemoveUnifiedSigninSecret(ctx, u.ID, "email")
	require.NoError(t, err)
	assert.Nil(t, secrets)
}

func TestRoles_AssignmentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.Users().Create(ctx, newUser("a@x.com", "a"))
	require.NoError(t, err)
	role, err := s.Roles().Create(ctx, &models.Role{Name: "admin"})
	require.NoError(t, err)

	_, err = s.Roles().Create(ctx, &models.Role{Name: "admin"})
	assert.ErrorIs(t, err, models.ErrDuplicateKey)

	require.NoError(t, s.Roles().AddUserRole(ctx, u.ID, role.ID))
	require.NoError(t, s.Roles().AddUserRole(ctx, u.ID, role.ID))

	roles, err := s.Roles().ListForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, roles, 1)

	require.NoError(t, s.Roles().RemoveUserRole(ctx, u.ID, role.ID))
	require.NoError(t, s.Roles().RemoveUserRole(ctx, u.ID, role.ID))

	roles, err = s.Roles().ListForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)
}
