package models

import (
	"errors"

	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("resource already exists")
	ErrBadRequest = errors.New("bad request")

	// Identity errors
	ErrDuplicateKey             = errors.New("account already exists")
	ErrStaleUpdate              = errors.New("record changed concurrently")
	ErrEntropySourceUnavailable = pkgauth.ErrEntropySourceUnavailable
	ErrTokenInvalid             = errors.New("token is not valid")
	ErrInvalidCredentials       = errors.New("invalid credentials")

	// WebAuthn errors
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrUnknownCredential   = errors.New("unknown credential")
	ErrCounterRegression   = errors.New("sign count did not increase")

	// Multi-factor errors
	ErrInvalidCode       = errors.New("invalid code")
	ErrFeatureDisabled   = errors.New("feature is disabled")
	ErrTwoFactorNotSetup = errors.New("two-factor authentication is not set up")
)

// DuplicateKeyError records which unique field collided. The field is kept for
// auditing only: the message is the same for every field so callers cannot
// leak which identifier already exists.
type DuplicateKeyError struct {
	Field string
}

func (e *DuplicateKeyError) Error() string {
	return ErrDuplicateKey.Error()
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// Unique fields reported by DuplicateKeyError
const (
	FieldEmail              = "email"
	FieldUsername           = "username"
	FieldUniquifier         = "fs_uniquifier"
	FieldTokenUniquifier    = "fs_token_uniquifier"
	FieldWebAuthnUserHandle = "fs_webauthn_user_handle"
	FieldRoleName           = "name"
)

// DuplicateField returns the collided field of a duplicate-key error, or "".
func DuplicateField(err error) string {
	var dke *DuplicateKeyError
	if errors.As(err, &dke) {
		return dke.Field
	}
	return ""
}
