package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/keystone/internal/models"
)

// UserRepository persists identity records. Lookups return models.ErrNotFound
// when no row matches.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByUniquifier(ctx context.Context, uniquifier string) (*models.User, error)
	GetByWebAuthnHandle(ctx context.Context, handle string) (*models.User, error)

	// Writes touch only their own columns, so a caller holding an older copy
	// of the user never overwrites fields changed since it was loaded.
	UpdatePassword(ctx context.Context, id string, passwordHash *string) error
	SetActive(ctx context.Context, id string, active bool) error
	// SetConfirmedAt sets confirmed_at if it is unset and returns the stored value
	SetConfirmedAt(ctx context.Context, id string, at time.Time) (time.Time, error)
	// RecordLogin moves the current sign-in to last, stores the new one and
	// increments login_count. It returns the stored tracking fields.
	RecordLogin(ctx context.Context, id string, ip *string, at time.Time) (models.Trackable, error)
	// SetWebAuthnHandle assigns handle only when the user has none and
	// returns whichever handle is stored afterwards.
	SetWebAuthnHandle(ctx context.Context, id string, handle string) (string, error)
	UpdateTwoFactor(ctx context.Context, id string, tf models.TwoFactor) error
	// SetUnifiedSigninSecret and RemoveUnifiedSigninSecret change a single
	// method's secret and return the resulting set.
	SetUnifiedSigninSecret(ctx context.Context, id string, method string, sealed string) (map[string]string, error)
	RemoveUnifiedSigninSecret(ctx context.Context, id string, method string) (map[string]string, error)

	// RotateUniquifiers swaps uniquifiers only if the stored values still
	// match the expected ones, otherwise models.ErrStaleUpdate.
	RotateUniquifiers(ctx context.Context, id string, rot UniquifierRotation) error

	ReplaceRecoveryCodes(ctx context.Context, id string, hashes []string) error
	// RemoveRecoveryCode atomically removes hash if present and reports whether it was.
	RemoveRecoveryCode(ctx context.Context, id string, hash string) (bool, error)

	// Delete removes the user and its role memberships. It fails with
	// models.ErrConflict while WebAuthn credentials still reference the user.
	Delete(ctx context.Context, id string) error
}

// UniquifierRotation describes a compare-and-swap on the user's uniquifiers.
// A nil New* value leaves that column untouched.
type UniquifierRotation struct {
	ExpectedUniquifier      string
	ExpectedTokenUniquifier *string
	NewUniquifier           *string
	NewTokenUniquifier      *string
}

type RoleRepository interface {
	Create(ctx context.Context, role *models.Role) (*models.Role, error)
	GetByName(ctx context.Context, name string) (*models.Role, error)
	List(ctx context.Context) ([]*models.Role, error)
	UpdatePermissions(ctx context.Context, id string, permissions []string) (*models.Role, error)

	// AddUserRole is a no-op when the user already holds the role
	AddUserRole(ctx context.Context, userID, roleID string) error
	// RemoveUserRole is a no-op when the user does not hold the role
	RemoveUserRole(ctx context.Context, userID, roleID string) error
	ListForUser(ctx context.Context, userID string) ([]*models.Role, error)
}

type CredentialRepository interface {
	// Create returns models.ErrDuplicateCredential when the credential_id is taken
	Create(ctx context.Context, cred *models.WebAuthnCredential) (*models.WebAuthnCredential, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (*models.WebAuthnCredential, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.WebAuthnCredential, error)

	// UpdateAfterAuthentication stores the new counter only if it is strictly
	// greater than the stored one, otherwise models.ErrCounterRegression.
	UpdateAfterAuthentication(ctx context.Context, id string, signCount uint32, backupState bool, usedAt time.Time) error

	Delete(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// Store groups the repositories behind one transactional boundary
type Store interface {
	Users() UserRepository
	Roles() RoleRepository
	Credentials() CredentialRepository

	// WithTransaction runs fn against a Store bound to a single transaction.
	// Nested calls join the outer transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
