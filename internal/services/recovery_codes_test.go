package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestRecoveryCodeManager_IssueCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	codes, err := env.svc.RecoveryCodes.IssueCodes(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, codes, 5)

	seen := make(map[string]struct{})
	for _, code := range codes {
		assert.Regexp(t, `^[2-9A-HJKMNP-Z]{5}-[2-9A-HJKMNP-Z]{5}$`, code)
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 5)

	reloaded, err := env.svc.Identity.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.MfRecoveryCodes, 5)
	for i, hash := range reloaded.MfRecoveryCodes {
		assert.NotContains(t, hash, strings.ReplaceAll(codes[i], "-", ""), "plaintext must not be stored")
		assert.True(t, strings.HasPrefix(hash, "$2"), "expected bcrypt hash")
	}

	remaining, err := env.svc.RecoveryCodes.RemainingCodes(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestRecoveryCodeManager_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	codes, err := env.svc.RecoveryCodes.IssueCodes(ctx, user, 5)
	require.NoError(t, err)

	require.NoError(t, env.svc.RecoveryCodes.ConsumeCode(ctx, user, codes[2]))
	assert.ErrorIs(t, env.svc.RecoveryCodes.ConsumeCode(ctx, user, codes[2]), models.ErrInvalidCode)

	for i, code := range codes {
		if i == 2 {
			continue
		}
		assert.NoError(t, env.svc.RecoveryCodes.ConsumeCode(ctx, user, code), "code %d", i)
	}

	remaining, err := env.svc.RecoveryCodes.RemainingCodes(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestRecoveryCodeManager_ForgivingEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	codes, err := env.svc.RecoveryCodes.IssueCodes(ctx, user, 1)
	require.NoError(t, err)

	typed := " " + strings.ToLower(strings.ReplaceAll(codes[0], "-", " ")) + " "
	assert.NoError(t, env.svc.RecoveryCodes.ConsumeCode(ctx, user, typed))
}

func TestRecoveryCodeManager_ReissueInvalidatesOldCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	old, err := env.svc.RecoveryCodes.IssueCodes(ctx, user, 2)
	require.NoError(t, err)
	_, err = env.svc.RecoveryCodes.IssueCodes(ctx, user, 2)
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.RecoveryCodes.ConsumeCode(ctx, user, old[0]), models.ErrInvalidCode)
}

func TestRecoveryCodeManager_ConcurrentConsume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	codes, err := env.svc.RecoveryCodes.IssueCodes(ctx, user, 3)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each goroutine works on its own copy of the user
			u := *user
			err := env.svc.RecoveryCodes.ConsumeCode(ctx, &u, codes[1])
			if err == nil {
				successes.Add(1)
			} else if !errors.Is(err, models.ErrInvalidCode) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	remaining, err := env.svc.RecoveryCodes.RemainingCodes(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRecoveryCodeManager_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	_, err := env.svc.RecoveryCodes.IssueCodes(ctx, user, 51)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	assert.ErrorIs(t, env.svc.RecoveryCodes.ConsumeCode(ctx, user, "AAAAA-AAAAA"), models.ErrInvalidCode)

	env.svc.RecoveryCodes.rand = brokenReader{}
	_, err = env.svc.RecoveryCodes.IssueCodes(ctx, user, 1)
	assert.ErrorIs(t, err, pkgauth.ErrEntropySourceUnavailable)

	disabled := newTestEnv(t, func(c *config.SecurityConfig) { c.RecoveryCodes = false })
	_, err = disabled.svc.RecoveryCodes.IssueCodes(ctx, user, 1)
	assert.ErrorIs(t, err, models.ErrFeatureDisabled)
}
