package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// TwoFactorService manages TOTP secrets for two-factor and unified sign-in
type TwoFactorService struct {
	store   repositories.Store
	totp    *auth.TOTPManager
	delay   *auth.TimingDelay
	auditor *logger.SecurityAuditor
	logger  *slog.Logger
	config  config.SecurityConfig
	now     func() time.Time
}

func NewTwoFactorService(store repositories.Store, totp *auth.TOTPManager, auditor *logger.SecurityAuditor, logger *slog.Logger, cfg config.SecurityConfig) *TwoFactorService {
	return &TwoFactorService{
		store:   store,
		totp:    totp,
		delay:   auth.NewTimingDelay(cfg.FailureDelay, cfg.FailureDelay/4),
		auditor: auditor,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
	}
}

func validMethod(method string) bool {
	switch method {
	case models.TwoFactorMethodAuthenticator, models.TwoFactorMethodEmail, models.TwoFactorMethodSMS:
		return true
	}
	return false
}

// SetupTOTP provisions a new second-factor secret and stores it sealed.
// The plaintext secret and QR code are only available in the result.
func (s *TwoFactorService) SetupTOTP(ctx context.Context, user *models.User, method string, phone *string) (*auth.TOTPProvisioning, error) {
	if !s.config.TwoFactor {
		return nil, models.ErrFeatureDisabled
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("%w: unknown two-factor method %q", models.ErrBadRequest, method)
	}
	if method == models.TwoFactorMethodSMS && (phone == nil || *phone == "") {
		return nil, fmt.Errorf("%w: sms requires a phone number", models.ErrBadRequest)
	}

	prov, err := s.totp.Provision(user.Email)
	if err != nil {
		s.logger.Error("failed to provision totp", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, err
	}

	tf := models.TwoFactor{
		TfTOTPSecret:    &prov.Sealed,
		TfPrimaryMethod: &method,
		TfPhoneNumber:   phone,
	}
	if err := s.saveTwoFactor(ctx, user, tf); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, logger.EventTwoFactorChanged, user.ID, slog.String("method", method))
	return prov, nil
}

// VerifyTOTP checks a second-factor code
func (s *TwoFactorService) VerifyTOTP(ctx context.Context, user *models.User, code string) (bool, error) {
	if !s.config.TwoFactor {
		return false, models.ErrFeatureDisabled
	}
	if user.TfTOTPSecret == nil {
		return false, models.ErrTwoFactorNotSetup
	}
	return s.verify(ctx, *user.TfTOTPSecret, code)
}

func (s *TwoFactorService) verify(ctx context.Context, sealed, code string) (bool, error) {
	start := time.Now()
	ok, err := s.totp.Validate(sealed, code, s.now())
	if err != nil {
		return false, err
	}
	if err := s.delay.WaitFrom(ctx, start, ok); err != nil {
		return false, err
	}
	return ok, nil
}

// ResetTwoFactor clears every second-factor field
func (s *TwoFactorService) ResetTwoFactor(ctx context.Context, user *models.User) error {
	if err := s.saveTwoFactor(ctx, user, models.TwoFactor{}); err != nil {
		return err
	}

	s.auditor.Record(ctx, logger.EventTwoFactorChanged, user.ID, slog.String("method", "none"))
	return nil
}

// SetUnifiedSigninSecret provisions a per-method secret for passwordless sign-in
func (s *TwoFactorService) SetUnifiedSigninSecret(ctx context.Context, user *models.User, method string) (*auth.TOTPProvisioning, error) {
	if !s.config.UnifiedSignin {
		return nil, models.ErrFeatureDisabled
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("%w: unknown sign-in method %q", models.ErrBadRequest, method)
	}

	prov, err := s.totp.Provision(user.Email)
	if err != nil {
		return nil, err
	}

	secrets, err := s.store.Users().SetUnifiedSigninSecret(ctx, user.ID, method, prov.Sealed)
	if err != nil {
		return nil, err
	}
	user.UsTOTPSecrets = secrets

	s.auditor.Record(ctx, logger.EventTwoFactorChanged, user.ID, slog.String("us_method", method))
	return prov, nil
}

// ClearUnifiedSigninSecret removes one method's secret
func (s *TwoFactorService) ClearUnifiedSigninSecret(ctx context.Context, user *models.User, method string) error {
	if _, ok := user.UsTOTPSecrets[method]; !ok {
		return nil
	}

	secrets, err := s.store.Users().RemoveUnifiedSigninSecret(ctx, user.ID, method)
	if err != nil {
		return err
	}
	user.UsTOTPSecrets = secrets
	return nil
}

// VerifyUnifiedSignin checks a passwordless sign-in code for method
func (s *TwoFactorService) VerifyUnifiedSignin(ctx context.Context, user *models.User, method, code string) (bool, error) {
	if !s.config.UnifiedSignin {
		return false, models.ErrFeatureDisabled
	}
	sealed, ok := user.UsTOTPSecrets[method]
	if !ok {
		return false, models.ErrTwoFactorNotSetup
	}
	return s.verify(ctx, sealed, code)
}

// saveTwoFactor writes only the second-factor fields and copies them onto user
func (s *TwoFactorService) saveTwoFactor(ctx context.Context, user *models.User, tf models.TwoFactor) error {
	if err := models.Validate(tf); err != nil {
		return err
	}
	if err := s.store.Users().UpdateTwoFactor(ctx, user.ID, tf); err != nil {
		return err
	}
	user.TwoFactor = tf
	return nil
}
