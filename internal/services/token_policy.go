package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// Rejection reasons reported by Validate
const (
	ReasonMalformed          = "malformed"
	ReasonSignature          = "signature"
	ReasonExpired            = "expired"
	ReasonWrongType          = "wrong_type"
	ReasonUserMismatch       = "user_mismatch"
	ReasonUniquifierMismatch = "uniquifier_mismatch"
	ReasonPasswordChanged    = "password_changed"
)

// Validation is the outcome of checking a token against a user
type Validation struct {
	Valid  bool
	Reason string
	Claims *auth.Claims
}

// Err returns nil for a valid token and models.ErrTokenInvalid otherwise
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrTokenInvalid, v.Reason)
}

func reject(reason string, claims *auth.Claims) Validation {
	return Validation{Reason: reason, Claims: claims}
}

// TokenPolicy issues tokens anchored on a user's uniquifiers and invalidates
// them by rotating those uniquifiers. Nothing is stored per token.
type TokenPolicy struct {
	store   repositories.Store
	tokens  *auth.TokenManager
	uniq    *pkgauth.UniquifierGenerator
	hasher  pkgauth.PasswordHasher
	auditor *logger.SecurityAuditor
	logger  *slog.Logger
	config  config.SecurityConfig
}

func NewTokenPolicy(
	store repositories.Store,
	tokens *auth.TokenManager,
	hasher pkgauth.PasswordHasher,
	auditor *logger.SecurityAuditor,
	logger *slog.Logger,
	cfg config.SecurityConfig,
) (*TokenPolicy, error) {
	uniq, err := pkgauth.NewUniquifierGenerator(cfg.UniquifierLength)
	if err != nil {
		return nil, err
	}

	return &TokenPolicy{
		store:   store,
		tokens:  tokens,
		uniq:    uniq,
		hasher:  hasher,
		auditor: auditor,
		logger:  logger,
		config:  cfg,
	}, nil
}

// separateDomain reports whether auth tokens for user anchor on
// fs_token_uniquifier. Users created before the flag was enabled have no
// token uniquifier and fall back to fs_uniquifier.
func (p *TokenPolicy) separateDomain(user *models.User) bool {
	if !p.config.SeparateTokenDomain {
		return false
	}
	if user.FsTokenUniquifier == nil {
		p.logger.Warn("user has no token uniquifier, using fs_uniquifier",
			slog.String("user_id", user.ID))
		return false
	}
	return true
}

// IssueSessionToken issues a session token anchored on fs_uniquifier
func (p *TokenPolicy) IssueSessionToken(user *models.User) (string, error) {
	return p.tokens.Issue(auth.TokenSession, user.ID, user.FsUniquifier, auth.AnchorUniquifier, "")
}

// IssueAuthToken issues a long-lived API token. In separate-domain mode it is
// anchored on fs_token_uniquifier.
func (p *TokenPolicy) IssueAuthToken(user *models.User) (string, error) {
	if p.separateDomain(user) {
		return p.tokens.Issue(auth.TokenAuth, user.ID, *user.FsTokenUniquifier, auth.AnchorTokenUniquifier, "")
	}
	return p.tokens.Issue(auth.TokenAuth, user.ID, user.FsUniquifier, auth.AnchorUniquifier, "")
}

// IssueResetToken issues a password reset token. It also carries a password
// fingerprint so it dies once the password changes.
func (p *TokenPolicy) IssueResetToken(user *models.User) (string, error) {
	if !p.config.Recoverable {
		return "", models.ErrFeatureDisabled
	}
	return p.tokens.Issue(auth.TokenReset, user.ID, user.FsUniquifier, auth.AnchorUniquifier,
		auth.PasswordFingerprint(user.Password))
}

// IssueConfirmToken issues an email confirmation token
func (p *TokenPolicy) IssueConfirmToken(user *models.User) (string, error) {
	if !p.config.Confirmable {
		return "", models.ErrFeatureDisabled
	}
	return p.tokens.Issue(auth.TokenConfirm, user.ID, user.FsUniquifier, auth.AnchorUniquifier, "")
}

// Validate checks token against the user's current uniquifiers. A token is
// valid only if the uniquifier it carries equals the current value of the
// field it was anchored on.
func (p *TokenPolicy) Validate(token string, user *models.User) Validation {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			return reject(ReasonExpired, nil)
		case errors.Is(err, auth.ErrTokenSignature):
			return reject(ReasonSignature, nil)
		default:
			return reject(ReasonMalformed, nil)
		}
	}

	if claims.Subject != user.ID {
		return reject(ReasonUserMismatch, claims)
	}

	var current string
	switch claims.Anchor {
	case auth.AnchorUniquifier:
		current = user.FsUniquifier
	case auth.AnchorTokenUniquifier:
		if user.FsTokenUniquifier == nil {
			return reject(ReasonUniquifierMismatch, claims)
		}
		current = *user.FsTokenUniquifier
	default:
		return reject(ReasonMalformed, claims)
	}

	if subtle.ConstantTimeCompare([]byte(claims.Uniquifier), []byte(current)) != 1 {
		return reject(ReasonUniquifierMismatch, claims)
	}

	if claims.Type == auth.TokenReset {
		fpr := auth.PasswordFingerprint(user.Password)
		if subtle.ConstantTimeCompare([]byte(claims.Fingerprint), []byte(fpr)) != 1 {
			return reject(ReasonPasswordChanged, claims)
		}
	}

	return Validation{Valid: true, Claims: claims}
}

// ValidateAs is Validate plus a check that the token is of type typ
func (p *TokenPolicy) ValidateAs(token string, typ auth.TokenType, user *models.User) Validation {
	v := p.Validate(token, user)
	if v.Valid && v.Claims.Type != typ {
		return reject(ReasonWrongType, v.Claims)
	}
	return v
}

// Resolve loads the token's subject and validates the token against it.
// An empty typ accepts any token type. Unknown subjects are reported as a
// user mismatch.
func (p *TokenPolicy) Resolve(ctx context.Context, token string, typ auth.TokenType) (*models.User, Validation, error) {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		v := p.Validate(token, &models.User{})
		return nil, v, v.Err()
	}

	user, err := p.store.Users().GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			v := reject(ReasonUserMismatch, claims)
			return nil, v, v.Err()
		}
		return nil, Validation{}, err
	}

	var v Validation
	if typ == "" {
		v = p.Validate(token, user)
	} else {
		v = p.ValidateAs(token, typ, user)
	}
	if !v.Valid {
		return nil, v, v.Err()
	}
	return user, v, nil
}

// ChangePassword stores a new password hash and rotates the uniquifier for the
// active mode in one transaction. In standard mode every token dies; in
// separate-domain mode only auth tokens do.
func (p *TokenPolicy) ChangePassword(ctx context.Context, user *models.User, newPassword string) error {
	hash, err := p.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	rot := repositories.UniquifierRotation{
		ExpectedUniquifier:      user.FsUniquifier,
		ExpectedTokenUniquifier: user.FsTokenUniquifier,
	}

	fresh, err := generateUniquifier(ctx, p.uniq, p.auditor, user.ID)
	if err != nil {
		return err
	}
	mode := "standard"
	if p.separateDomain(user) {
		mode = "separate"
		rot.NewTokenUniquifier = &fresh
	} else {
		rot.NewUniquifier = &fresh
	}

	err = p.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		if err := tx.Users().UpdatePassword(ctx, user.ID, &hash); err != nil {
			return err
		}
		return tx.Users().RotateUniquifiers(ctx, user.ID, rot)
	})
	if err != nil {
		p.logger.Error("password change failed", slog.String("user_id", user.ID), slog.Any("error", err))
		return err
	}

	user.Password = &hash
	applyRotation(user, rot)

	p.auditor.Record(ctx, logger.EventPasswordChanged, user.ID, slog.String("mode", mode))
	return nil
}

// ResetPassword redeems a reset token and sets the new password
func (p *TokenPolicy) ResetPassword(ctx context.Context, token, newPassword string) (*models.User, error) {
	if !p.config.Recoverable {
		return nil, models.ErrFeatureDisabled
	}

	user, _, err := p.Resolve(ctx, token, auth.TokenReset)
	if err != nil {
		return nil, err
	}
	if err := p.ChangePassword(ctx, user, newPassword); err != nil {
		return nil, err
	}
	return user, nil
}

// LogoutEverywhere rotates every uniquifier the user has, killing all tokens
func (p *TokenPolicy) LogoutEverywhere(ctx context.Context, user *models.User) error {
	rot := repositories.UniquifierRotation{
		ExpectedUniquifier:      user.FsUniquifier,
		ExpectedTokenUniquifier: user.FsTokenUniquifier,
	}

	fresh, err := generateUniquifier(ctx, p.uniq, p.auditor, user.ID)
	if err != nil {
		return err
	}
	rot.NewUniquifier = &fresh

	if user.FsTokenUniquifier != nil {
		freshToken, err := generateUniquifier(ctx, p.uniq, p.auditor, user.ID)
		if err != nil {
			return err
		}
		rot.NewTokenUniquifier = &freshToken
	}

	if err := p.store.Users().RotateUniquifiers(ctx, user.ID, rot); err != nil {
		return err
	}
	applyRotation(user, rot)

	p.auditor.Record(ctx, logger.EventLogoutEverywhere, user.ID)
	return nil
}

// applyRotation mirrors a committed rotation onto the in-memory user
func applyRotation(user *models.User, rot repositories.UniquifierRotation) {
	if rot.NewUniquifier != nil {
		user.FsUniquifier = *rot.NewUniquifier
	}
	if rot.NewTokenUniquifier != nil {
		v := *rot.NewTokenUniquifier
		user.FsTokenUniquifier = &v
	}
}
