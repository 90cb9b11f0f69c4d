package services

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
)

func TestTwoFactorService_SetupAndVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	prov, err := env.svc.TwoFactor.SetupTOTP(ctx, user, models.TwoFactorMethodAuthenticator, nil)
	require.NoError(t, err)
	assert.Contains(t, prov.URI, "otpauth://totp/")
	assert.Contains(t, prov.QRCodeDataURL, "data:image/png;base64,")

	reloaded, err := env.svc.Identity.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.TfTOTPSecret)
	assert.NotEqual(t, prov.Secret, *reloaded.TfTOTPSecret, "secret must be stored sealed")
	require.NotNil(t, reloaded.TfPrimaryMethod)
	assert.Equal(t, models.TwoFactorMethodAuthenticator, *reloaded.TfPrimaryMethod)

	code, err := totp.GenerateCode(prov.Secret, time.Now())
	require.NoError(t, err)

	ok, err := env.svc.TwoFactor.VerifyTOTP(ctx, reloaded, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.svc.TwoFactor.VerifyTOTP(ctx, reloaded, "000000x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTwoFactorService_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	_, err := env.svc.TwoFactor.SetupTOTP(ctx, user, "carrier-pigeon", nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = env.svc.TwoFactor.SetupTOTP(ctx, user, models.TwoFactorMethodSMS, nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = env.svc.TwoFactor.VerifyTOTP(ctx, user, "123456")
	assert.ErrorIs(t, err, models.ErrTwoFactorNotSetup)

	_, err = env.svc.TwoFactor.SetupTOTP(ctx, user, models.TwoFactorMethodSMS, strPtr("+15555550100"))
	require.NoError(t, err)
	require.NotNil(t, user.TfPhoneNumber)
}

func TestTwoFactorService_Reset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	_, err := env.svc.TwoFactor.SetupTOTP(ctx, user, models.TwoFactorMethodEmail, nil)
	require.NoError(t, err)

	require.NoError(t, env.svc.TwoFactor.ResetTwoFactor(ctx, user))

	reloaded, err := env.svc.Identity.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.TfTOTPSecret)
	assert.Nil(t, reloaded.TfPrimaryMethod)

	_, err = env.svc.TwoFactor.VerifyTOTP(ctx, reloaded, "123456")
	assert.ErrorIs(t, err, models.ErrTwoFactorNotSetup)
}

func TestTwoFactorService_UnifiedSignin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	emailProv, err := env.svc.TwoFactor.SetUnifiedSigninSecret(ctx, user, models.TwoFactorMethodEmail)
	require.NoError(t, err)
	_, err = env.svc.TwoFactor.SetUnifiedSigninSecret(ctx, user, models.TwoFactorMethodSMS)
	require.NoError(t, err)

	reloaded, err := env.svc.Identity.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.UsTOTPSecrets, 2)

	code, err := totp.GenerateCode(emailProv.Secret, time.Now())
	require.NoError(t, err)
	ok, err := env.svc.TwoFactor.VerifyUnifiedSignin(ctx, reloaded, models.TwoFactorMethodEmail, code)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, env.svc.TwoFactor.ClearUnifiedSigninSecret(ctx, reloaded, models.TwoFactorMethodEmail))
	_, err = env.svc.TwoFactor.VerifyUnifiedSignin(ctx, reloaded, models.TwoFactorMethodEmail, code)
	assert.ErrorIs(t, err, models.ErrTwoFactorNotSetup)

	reloaded, err = env.svc.Identity.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.UsTOTPSecrets, 1)
	assert.Contains(t, reloaded.UsTOTPSecrets, models.TwoFactorMethodSMS)
}

func TestTwoFactorService_Disabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.SecurityConfig) {
		c.TwoFactor = false
		c.UnifiedSignin = false
	})
	ctx := context.Background()
	user := env.createUser(t, "a@x.com")

	_, err := env.svc.TwoFactor.SetupTOTP(ctx, user, models.TwoFactorMethodAuthenticator, nil)
	assert.ErrorIs(t, err, models.ErrFeatureDisabled)
	_, err = env.svc.TwoFactor.SetUnifiedSigninSecret(ctx, user, models.TwoFactorMethodEmail)
	assert.ErrorIs(t, err, models.ErrFeatureDisabled)
}
