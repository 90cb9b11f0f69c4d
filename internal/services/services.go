package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// Dependencies collects what New needs. TOTP and Notifier are optional.
type Dependencies struct {
	Store    repositories.Store
	Hasher   pkgauth.PasswordHasher
	Tokens   *auth.TokenManager
	TOTP     *auth.TOTPManager
	Notifier Notifier
	Auditor  *logger.SecurityAuditor
	Logger   *slog.Logger
	Security config.SecurityConfig
	BaseURL  string
}

// Services is the wired identity core
type Services struct {
	Identity      *IdentityService
	Tokens        *TokenPolicy
	WebAuthn      *WebAuthnManager
	RecoveryCodes *RecoveryCodeManager
	TwoFactor     *TwoFactorService
	Notices       *NoticeService

	// compared against when there is no stored hash, so failed sign-ins
	// cost one hash comparison whether or not the account exists
	dummyOnce sync.Once
	dummyHash string
}

func New(deps Dependencies) (*Services, error) {
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Logger: deps.Logger}
	}

	tokens, err := NewTokenPolicy(deps.Store, deps.Tokens, deps.Hasher, deps.Auditor, deps.Logger, deps.Security)
	if err != nil {
		return nil, err
	}

	webauthn, err := NewWebAuthnManager(deps.Store, deps.Auditor, deps.Logger, deps.Security)
	if err != nil {
		return nil, err
	}

	notices := NewNoticeService(deps.Notifier, tokens, deps.Security, deps.BaseURL, deps.Logger)

	identity, err := NewIdentityService(deps.Store, deps.Hasher, webauthn, notices, deps.Auditor, deps.Logger, deps.Security)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Identity:      identity,
		Tokens:        tokens,
		WebAuthn:      webauthn,
		RecoveryCodes: NewRecoveryCodeManager(deps.Store, deps.Auditor, deps.Logger, deps.Security),
		Notices:       notices,
	}
	if deps.TOTP != nil {
		s.TwoFactor = NewTwoFactorService(deps.Store, deps.TOTP, deps.Auditor, deps.Logger, deps.Security)
	}
	return s, nil
}

// Register creates a user and, when confirmation is required, sends the
// confirmation instructions. A failed send does not undo the registration.
func (s *Services) Register(ctx context.Context, in NewUser) (*models.User, error) {
	user, err := s.Identity.CreateUser(ctx, in)
	if err != nil {
		return nil, err
	}

	if s.Identity.config.Confirmable && !user.IsConfirmed() {
		if err := s.Notices.SendConfirmationInstructions(ctx, user); err != nil {
			s.Identity.logger.Warn("failed to send confirmation instructions",
				slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}
	return user, nil
}

// ConfirmEmail redeems a confirmation token
func (s *Services) ConfirmEmail(ctx context.Context, token string) (*models.User, error) {
	user, _, err := s.Tokens.Resolve(ctx, token, auth.TokenConfirm)
	if err != nil {
		return nil, err
	}
	if err := s.Identity.ConfirmUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies a password sign-in and records it. Every failure is
// models.ErrInvalidCredentials so callers cannot tell unknown users from bad passwords.
func (s *Services) Authenticate(ctx context.Context, identity, password, ip string) (*models.User, error) {
	user, err := s.Identity.FindUserByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.compareDummy(password)
			return nil, models.ErrInvalidCredentials
		}
		return nil, err
	}

	if user.Password == nil {
		s.compareDummy(password)
		return nil, models.ErrInvalidCredentials
	}
	if s.Identity.hasher.Compare(*user.Password, password) != nil || !user.IsActive() {
		return nil, models.ErrInvalidCredentials
	}

	if err := s.Identity.RecordLogin(ctx, user, ip); err != nil {
		return nil, err
	}
	return user, nil
}

// compareDummy runs one comparison against a throwaway hash and discards the result
func (s *Services) compareDummy(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.Identity.hasher.Hash("keystone-dummy-password")
		if err != nil {
			s.Identity.logger.Error("failed to build dummy password hash", slog.Any("error", err))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash == "" {
		return
	}
	_ = s.Identity.hasher.Compare(s.dummyHash, password)
}
