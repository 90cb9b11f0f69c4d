package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// webAuthnHandleLength is the size of fs_webauthn_user_handle in hex characters
const webAuthnHandleLength = 64

// NewUser is the input to CreateUser. Password is plaintext; nil creates a
// passwordless account.
type NewUser struct {
	Email     string
	Username  *string
	Password  *string
	Inactive  bool
	Confirmed bool
	Roles     []string
}

// IdentityService owns users and roles
type IdentityService struct {
	store       repositories.Store
	uniq        *pkgauth.UniquifierGenerator
	handles     *pkgauth.UniquifierGenerator
	hasher      pkgauth.PasswordHasher
	emails      pkgauth.Normalizer
	usernames   pkgauth.Normalizer
	webauthn    *WebAuthnManager
	notices     *NoticeService
	auditor     *logger.SecurityAuditor
	logger      *slog.Logger
	config      config.SecurityConfig
	payloadHook models.PayloadHook
}

// NewIdentityService creates a new IdentityService. webauthn is required so
// user deletion can remove credentials; notices may be nil.
func NewIdentityService(
	store repositories.Store,
	hasher pkgauth.PasswordHasher,
	webauthn *WebAuthnManager,
	notices *NoticeService,
	auditor *logger.SecurityAuditor,
	logger *slog.Logger,
	cfg config.SecurityConfig,
) (*IdentityService, error) {
	uniq, err := pkgauth.NewUniquifierGenerator(cfg.UniquifierLength)
	if err != nil {
		return nil, err
	}
	handles, err := pkgauth.NewUniquifierGenerator(webAuthnHandleLength)
	if err != nil {
		return nil, err
	}

	return &IdentityService{
		store:     store,
		uniq:      uniq,
		handles:   handles,
		hasher:    hasher,
		emails:    pkgauth.NewNormalizer(cfg.EmailFold),
		usernames: pkgauth.NewNormalizer(cfg.UsernameFold),
		webauthn:  webauthn,
		notices:   notices,
		auditor:   auditor,
		logger:    logger,
		config:    cfg,
	}, nil
}

// SetPayloadHook installs a hook that extends SecurityPayload
func (s *IdentityService) SetPayloadHook(hook models.PayloadHook) {
	s.payloadHook = hook
}

// NormalizeEmail applies the configured email fold
func (s *IdentityService) NormalizeEmail(email string) string {
	return s.emails.Normalize(email)
}

// NormalizeUsername applies the configured username fold
func (s *IdentityService) NormalizeUsername(username string) string {
	return s.usernames.Normalize(username)
}

// CreateUser registers a new account. Collisions on any unique field are
// reported as models.ErrDuplicateKey with no hint about which field matched.
func (s *IdentityService) CreateUser(ctx context.Context, in NewUser) (*models.User, error) {
	user := &models.User{
		Email:  s.emails.Normalize(in.Email),
		Active: !in.Inactive,
	}

	if in.Username != nil {
		if !s.config.UsernameEnable {
			return nil, fmt.Errorf("%w: username", models.ErrFeatureDisabled)
		}
		username := s.usernames.Normalize(*in.Username)
		user.Username = &username
	}

	if in.Confirmed {
		now := time.Now().UTC()
		user.ConfirmedAt = &now
	}

	if in.Password != nil {
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrBadRequest, err)
		}
		user.Password = &hash
	}

	var err error
	if user.FsUniquifier, err = s.generate(ctx, s.uniq, ""); err != nil {
		return nil, err
	}
	if s.config.SeparateTokenDomain {
		tokenUniq, err := s.generate(ctx, s.uniq, "")
		if err != nil {
			return nil, err
		}
		user.FsTokenUniquifier = &tokenUniq
	}
	if s.config.WebAuthn {
		handle, err := s.generate(ctx, s.handles, "")
		if err != nil {
			return nil, err
		}
		user.FsWebAuthnUserHandle = &handle
	}

	if err := models.Validate(user); err != nil {
		return nil, err
	}

	var created *models.User
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		var err error
		created, err = tx.Users().Create(ctx, user)
		if err != nil {
			return err
		}

		for _, name := range in.Roles {
			role, err := tx.Roles().GetByName(ctx, name)
			if err != nil {
				return fmt.Errorf("role %q: %w", name, err)
			}
			if err := tx.Roles().AddUserRole(ctx, created.ID, role.ID); err != nil {
				return err
			}
			created.Roles = append(created.Roles, role)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateKey) {
			s.auditor.Record(ctx, logger.EventDuplicateAccount, "",
				slog.String("field", models.DuplicateField(err)),
				logger.EmailAttr(user.Email),
			)
			s.noticeExistingAccount(ctx, user.Email)
			return nil, models.ErrDuplicateKey
		}
		s.logger.Error("failed to create user", logger.EmailAttr(user.Email), slog.Any("error", err))
		return nil, err
	}

	s.auditor.Record(ctx, logger.EventUserCreated, created.ID)
	return created, nil
}

// noticeExistingAccount tells the owner of email that someone tried to
// register with it. The caller's response does not change either way.
func (s *IdentityService) noticeExistingAccount(ctx context.Context, email string) {
	if s.notices == nil {
		return
	}

	existing, err := s.store.Users().GetByEmail(ctx, email)
	if err != nil {
		// the collision was on another field; nobody to notify
		return
	}

	if err := s.notices.ExistingAccount(ctx, existing); err != nil {
		s.logger.Warn("failed to send existing account notice", slog.String("user_id", existing.ID), slog.Any("error", err))
	}
}

// generate draws a uniquifier and reports entropy failures to the auditor
func (s *IdentityService) generate(ctx context.Context, gen *pkgauth.UniquifierGenerator, userID string) (string, error) {
	return generateUniquifier(ctx, gen, s.auditor, userID)
}

func generateUniquifier(ctx context.Context, gen *pkgauth.UniquifierGenerator, auditor *logger.SecurityAuditor, userID string) (string, error) {
	u, err := gen.Generate()
	if err != nil {
		auditor.Alert(ctx, logger.EventEntropyUnavailable, userID, slog.Any("error", err))
		return "", err
	}
	return u, nil
}

// hydrate loads the user's roles
func hydrate(ctx context.Context, store repositories.Store, user *models.User) (*models.User, error) {
	roles, err := store.Roles().ListForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return user, nil
}

func (s *IdentityService) find(ctx context.Context, lookup func(repositories.UserRepository) (*models.User, error)) (*models.User, error) {
	user, err := lookup(s.store.Users())
	if err != nil {
		return nil, err
	}
	return hydrate(ctx, s.store, user)
}

func (s *IdentityService) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.find(ctx, func(r repositories.UserRepository) (*models.User, error) {
		return r.GetByID(ctx, id)
	})
}

func (s *IdentityService) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = s.emails.Normalize(email)
	return s.find(ctx, func(r repositories.UserRepository) (*models.User, error) {
		return r.GetByEmail(ctx, email)
	})
}

func (s *IdentityService) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	username = s.usernames.Normalize(username)
	return s.find(ctx, func(r repositories.UserRepository) (*models.User, error) {
		return r.GetByUsername(ctx, username)
	})
}

func (s *IdentityService) FindUserByUniquifier(ctx context.Context, uniquifier string) (*models.User, error) {
	return s.find(ctx, func(r repositories.UserRepository) (*models.User, error) {
		return r.GetByUniquifier(ctx, uniquifier)
	})
}

// FindUserByIdentity looks up by email, then by username when usernames are enabled
func (s *IdentityService) FindUserByIdentity(ctx context.Context, identity string) (*models.User, error) {
	user, err := s.FindUserByEmail(ctx, identity)
	if err == nil || !errors.Is(err, models.ErrNotFound) || !s.config.UsernameEnable {
		return user, err
	}
	return s.FindUserByUsername(ctx, identity)
}

// CreateRole adds a role with an optional permission set
func (s *IdentityService) CreateRole(ctx context.Context, name string, description *string, permissions ...string) (*models.Role, error) {
	role := &models.Role{Name: name, Description: description}
	role.AddPermissions(permissions...)

	if err := models.Validate(role); err != nil {
		return nil, err
	}

	created, err := s.store.Roles().Create(ctx, role)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateKey) {
			return nil, models.ErrConflict
		}
		return nil, err
	}

	s.logger.Info("role created", slog.String("role", created.Name))
	return created, nil
}

func (s *IdentityService) FindRole(ctx context.Context, name string) (*models.Role, error) {
	return s.store.Roles().GetByName(ctx, name)
}

func (s *IdentityService) ListRoles(ctx context.Context) ([]*models.Role, error) {
	return s.store.Roles().List(ctx)
}

// AddRolePermissions merges permissions into a role. Tokens are unaffected.
func (s *IdentityService) AddRolePermissions(ctx context.Context, roleName string, permissions ...string) (*models.Role, error) {
	return s.editPermissions(ctx, roleName, func(r *models.Role) { r.AddPermissions(permissions...) })
}

func (s *IdentityService) RemoveRolePermissions(ctx context.Context, roleName string, permissions ...string) (*models.Role, error) {
	return s.editPermissions(ctx, roleName, func(r *models.Role) { r.RemovePermissions(permissions...) })
}

func (s *IdentityService) editPermissions(ctx context.Context, roleName string, edit func(*models.Role)) (*models.Role, error) {
	var updated *models.Role
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		role, err := tx.Roles().GetByName(ctx, roleName)
		if err != nil {
			return err
		}
		edit(role)
		updated, err = tx.Roles().UpdatePermissions(ctx, role.ID, role.Permissions)
		return err
	})
	return updated, err
}

// AssignRole grants a role. Assigning a held role is a no-op. Uniquifiers
// are not rotated, so existing tokens stay valid.
func (s *IdentityService) AssignRole(ctx context.Context, user *models.User, roleName string) error {
	role, err := s.store.Roles().GetByName(ctx, roleName)
	if err != nil {
		return err
	}

	if err := s.store.Roles().AddUserRole(ctx, user.ID, role.ID); err != nil {
		return err
	}

	if !user.HasRole(role.Name) {
		user.Roles = append(user.Roles, role)
	}
	s.auditor.Record(ctx, logger.EventRoleAssigned, user.ID, slog.String("role", role.Name))
	return nil
}

// RevokeRole removes a role. Revoking a role the user lacks is a no-op.
func (s *IdentityService) RevokeRole(ctx context.Context, user *models.User, roleName string) error {
	role, err := s.store.Roles().GetByName(ctx, roleName)
	if err != nil {
		return err
	}

	if err := s.store.Roles().RemoveUserRole(ctx, user.ID, role.ID); err != nil {
		return err
	}

	kept := user.Roles[:0]
	for _, r := range user.Roles {
		if r.Name != role.Name {
			kept = append(kept, r)
		}
	}
	user.Roles = kept
	s.auditor.Record(ctx, logger.EventRoleRevoked, user.ID, slog.String("role", role.Name))
	return nil
}

// DeleteUser removes the user's credentials and then the user in one
// transaction. No credential outlives its owner.
func (s *IdentityService) DeleteUser(ctx context.Context, user *models.User) error {
	var removed int64
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		var err error
		removed, err = s.webauthn.bind(tx).DeleteAllCredentialsForUser(ctx, user)
		if err != nil {
			return err
		}
		return tx.Users().Delete(ctx, user.ID)
	})
	if err != nil {
		s.logger.Error("failed to delete user", slog.String("user_id", user.ID), slog.Any("error", err))
		return err
	}

	s.auditor.Record(ctx, logger.EventUserDeleted, user.ID, slog.Int64("credentials_removed", removed))
	return nil
}

// ConfirmUser marks the email confirmed. Already-confirmed users are left alone.
func (s *IdentityService) ConfirmUser(ctx context.Context, user *models.User) error {
	if !s.config.Confirmable {
		return models.ErrFeatureDisabled
	}
	if user.IsConfirmed() {
		return nil
	}

	at, err := s.store.Users().SetConfirmedAt(ctx, user.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	user.ConfirmedAt = &at
	return nil
}

// RecordLogin shifts the current sign-in to last and records the new one.
// The shift and the counter happen in the store, so concurrent sign-ins are
// all counted.
func (s *IdentityService) RecordLogin(ctx context.Context, user *models.User, ip string) error {
	if !s.config.Trackable {
		return nil
	}

	var addr *string
	if ip != "" {
		addr = &ip
	}
	if err := models.Validate(models.Trackable{CurrentLoginIP: addr}); err != nil {
		return err
	}

	tracked, err := s.store.Users().RecordLogin(ctx, user.ID, addr, time.Now().UTC())
	if err != nil {
		return err
	}
	user.Trackable = tracked
	return nil
}

// SetActive activates or deactivates the account
func (s *IdentityService) SetActive(ctx context.Context, user *models.User, active bool) error {
	if err := s.store.Users().SetActive(ctx, user.ID, active); err != nil {
		return err
	}
	user.Active = active
	return nil
}

// SecurityPayload returns the API payload for user, extended by the hook if set
func (s *IdentityService) SecurityPayload(user *models.User) map[string]any {
	base := user.SecurityPayload()
	if s.payloadHook == nil {
		return base
	}
	return s.payloadHook(user, base)
}
