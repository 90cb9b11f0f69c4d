package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BradenHooton/keystone/internal/models"
)

// Unique constraints declared in migrations, mapped to the field they guard
var uniqueConstraintFields = map[string]string{
	"uq_users_email":                   models.FieldEmail,
	"uq_users_username":                models.FieldUsername,
	"uq_users_fs_uniquifier":           models.FieldUniquifier,
	"uq_users_fs_token_uniquifier":     models.FieldTokenUniquifier,
	"uq_users_fs_webauthn_user_handle": models.FieldWebAuthnUserHandle,
	"uq_roles_name":                    models.FieldRoleName,
}

const credentialIDConstraint = "uq_webauthn_credential_id"

// CredentialOwnerConstraint is the foreign key that stops a user row from
// being deleted while credentials still reference it
const CredentialOwnerConstraint = "fk_webauthn_credentials_user"

// MapPostgresError translates driver errors into model errors so backend
// details never leave the repository layer.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == credentialIDConstraint {
				return models.ErrDuplicateCredential
			}
			if field, ok := uniqueConstraintFields[pgErr.ConstraintName]; ok {
				return &models.DuplicateKeyError{Field: field}
			}
			return models.ErrConflict
		case "23503": // foreign_key_violation
			return models.ErrNotFound
		case "23502", "23514": // not_null_violation, check_violation
			return models.ErrBadRequest
		}
	}

	return err
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic. Commit errors are returned.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(tx)
	return err
}
