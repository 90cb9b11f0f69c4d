package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
)

type UserRepositoryImpl struct {
	q querier
}

const userColumns = `id, email, username, password, active, fs_uniquifier, fs_token_uniquifier,
	fs_webauthn_user_handle, confirmed_at,
	last_login_at, current_login_at, last_login_ip, current_login_ip, login_count,
	tf_totp_secret, tf_primary_method, tf_phone_number,
	us_totp_secrets, us_phone_number, mf_recovery_codes,
	create_datetime, update_datetime`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var usSecrets []byte

	err := scanner.Scan(
		&user.ID, &user.Email, &user.Username, &user.Password, &user.Active,
		&user.FsUniquifier, &user.FsTokenUniquifier, &user.FsWebAuthnUserHandle, &user.ConfirmedAt,
		&user.LastLoginAt, &user.CurrentLoginAt, &user.LastLoginIP, &user.CurrentLoginIP, &user.LoginCount,
		&user.TfTOTPSecret, &user.TfPrimaryMethod, &user.TfPhoneNumber,
		&usSecrets, &user.UsPhoneNumber, pq.Array(&user.MfRecoveryCodes),
		&user.CreateDatetime, &user.UpdateDatetime,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if user.UsTOTPSecrets, err = decodeSecrets(usSecrets); err != nil {
		return nil, err
	}

	return &user, nil
}

func decodeSecrets(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode us_totp_secrets: %w", err)
	}
	if len(secrets) == 0 {
		return nil, nil
	}
	return secrets, nil
}

// encodeSecrets returns nil for an empty map so the column stays NULL
func encodeSecrets(secrets map[string]string) (*string, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode us_totp_secrets: %w", err)
	}
	s := string(b)
	return &s, nil
}

func (r *UserRepositoryImpl) getOne(ctx context.Context, where string, arg any) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where + ` = $1`
	return scanUserRow(r.q.QueryRow(ctx, query, arg))
}

func (r *UserRepositoryImpl) GetByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}
	return r.getOne(ctx, "id", id)
}

func (r *UserRepositoryImpl) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, "email", email)
}

func (r *UserRepositoryImpl) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, "username", username)
}

func (r *UserRepositoryImpl) GetByUniquifier(ctx context.Context, uniquifier string) (*models.User, error) {
	return r.getOne(ctx, "fs_uniquifier", uniquifier)
}

func (r *UserRepositoryImpl) GetByWebAuthnHandle(ctx context.Context, handle string) (*models.User, error) {
	return r.getOne(ctx, "fs_webauthn_user_handle", handle)
}

func (r *UserRepositoryImpl) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreateDatetime = now
	user.UpdateDatetime = now

	secrets, err := encodeSecrets(user.UsTOTPSecrets)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO users (id, email, username, password, active, fs_uniquifier, fs_token_uniquifier,
			fs_webauthn_user_handle, confirmed_at, login_count,
			tf_totp_secret, tf_primary_method, tf_phone_number,
			us_totp_secrets, us_phone_number, mf_recovery_codes,
			create_datetime, update_datetime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING ` + userColumns

	return scanUserRow(r.q.QueryRow(ctx, query,
		user.ID, user.Email, user.Username, user.Password, user.Active, user.FsUniquifier, user.FsTokenUniquifier,
		user.FsWebAuthnUserHandle, user.ConfirmedAt, user.LoginCount,
		user.TfTOTPSecret, user.TfPrimaryMethod, user.TfPhoneNumber,
		secrets, user.UsPhoneNumber, pq.Array(user.MfRecoveryCodes),
		user.CreateDatetime, user.UpdateDatetime,
	))
}

// execOne runs a single-row UPDATE and reports models.ErrNotFound when no row matched
func (r *UserRepositoryImpl) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepositoryImpl) UpdatePassword(ctx context.Context, id string, passwordHash *string) error {
	return r.execOne(ctx, `UPDATE users SET password = $2, update_datetime = $3 WHERE id = $1`,
		id, passwordHash, time.Now().UTC())
}

func (r *UserRepositoryImpl) SetActive(ctx context.Context, id string, active bool) error {
	return r.execOne(ctx, `UPDATE users SET active = $2, update_datetime = $3 WHERE id = $1`,
		id, active, time.Now().UTC())
}

func (r *UserRepositoryImpl) SetConfirmedAt(ctx context.Context, id string, at time.Time) (time.Time, error) {
	query := `
		UPDATE users SET confirmed_at = COALESCE(confirmed_at, $2), update_datetime = $3
		WHERE id = $1
		RETURNING confirmed_at
	`

	var stored time.Time
	if err := r.q.QueryRow(ctx, query, id, at.UTC(), time.Now().UTC()).Scan(&stored); err != nil {
		return time.Time{}, database.MapPostgresError(err)
	}
	return stored, nil
}

func (r *UserRepositoryImpl) RecordLogin(ctx context.Context, id string, ip *string, at time.Time) (models.Trackable, error) {
	// right-hand sides see the row as it was before the update
	query := `
		UPDATE users SET
			last_login_at = current_login_at,
			last_login_ip = current_login_ip,
			current_login_at = $2,
			current_login_ip = $3,
			login_count = login_count + 1,
			update_datetime = $2
		WHERE id = $1
		RETURNING last_login_at, current_login_at, last_login_ip, current_login_ip, login_count
	`

	var t models.Trackable
	err := r.q.QueryRow(ctx, query, id, at.UTC(), ip).Scan(
		&t.LastLoginAt, &t.CurrentLoginAt, &t.LastLoginIP, &t.CurrentLoginIP, &t.LoginCount,
	)
	if err != nil {
		return models.Trackable{}, database.MapPostgresError(err)
	}
	return t, nil
}

func (r *UserRepositoryImpl) SetWebAuthnHandle(ctx context.Context, id string, handle string) (string, error) {
	query := `
		UPDATE users SET fs_webauthn_user_handle = COALESCE(fs_webauthn_user_handle, $2), update_datetime = $3
		WHERE id = $1
		RETURNING fs_webauthn_user_handle
	`

	var stored string
	if err := r.q.QueryRow(ctx, query, id, handle, time.Now().UTC()).Scan(&stored); err != nil {
		return "", database.MapPostgresError(err)
	}
	return stored, nil
}

func (r *UserRepositoryImpl) UpdateTwoFactor(ctx context.Context, id string, tf models.TwoFactor) error {
	query := `
		UPDATE users SET tf_totp_secret = $2, tf_primary_method = $3, tf_phone_number = $4, update_datetime = $5
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, tf.TfTOTPSecret, tf.TfPrimaryMethod, tf.TfPhoneNumber, time.Now().UTC())
}

func (r *UserRepositoryImpl) updateSecrets(ctx context.Context, query string, args ...any) (map[string]string, error) {
	var raw []byte
	if err := r.q.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return decodeSecrets(raw)
}

func (r *UserRepositoryImpl) SetUnifiedSigninSecret(ctx context.Context, id string, method string, sealed string) (map[string]string, error) {
	query := `
		UPDATE users SET
			us_totp_secrets = COALESCE(us_totp_secrets, '{}'::jsonb) || jsonb_build_object($2::text, $3::text),
			update_datetime = $4
		WHERE id = $1
		RETURNING us_totp_secrets
	`
	return r.updateSecrets(ctx, query, id, method, sealed, time.Now().UTC())
}

func (r *UserRepositoryImpl) RemoveUnifiedSigninSecret(ctx context.Context, id string, method string) (map[string]string, error) {
	query := `
		UPDATE users SET
			us_totp_secrets = NULLIF(us_totp_secrets - $2::text, '{}'::jsonb),
			update_datetime = $3
		WHERE id = $1
		RETURNING us_totp_secrets
	`
	return r.updateSecrets(ctx, query, id, method, time.Now().UTC())
}

func (r *UserRepositoryImpl) RotateUniquifiers(ctx context.Context, id string, rot UniquifierRotation) error {
	query := `
		UPDATE users SET
			fs_uniquifier = COALESCE($2, fs_uniquifier),
			fs_token_uniquifier = COALESCE($3, fs_token_uniquifier),
			update_datetime = $4
		WHERE id = $1 AND fs_uniquifier = $5 AND fs_token_uniquifier IS NOT DISTINCT FROM $6
	`

	result, err := r.q.Exec(ctx, query,
		id, rot.NewUniquifier, rot.NewTokenUniquifier, time.Now().UTC(),
		rot.ExpectedUniquifier, rot.ExpectedTokenUniquifier,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrStale(ctx, id, models.ErrStaleUpdate)
	}
	return nil
}

func (r *UserRepositoryImpl) ReplaceRecoveryCodes(ctx context.Context, id string, hashes []string) error {
	query := `UPDATE users SET mf_recovery_codes = $2, update_datetime = $3 WHERE id = $1`

	var codes any
	if len(hashes) > 0 {
		codes = pq.Array(hashes)
	}

	result, err := r.q.Exec(ctx, query, id, codes, time.Now().UTC())
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepositoryImpl) RemoveRecoveryCode(ctx context.Context, id string, hash string) (bool, error) {
	query := `
		UPDATE users SET mf_recovery_codes = array_remove(mf_recovery_codes, $2), update_datetime = $3
		WHERE id = $1 AND $2 = ANY(mf_recovery_codes)
	`

	result, err := r.q.Exec(ctx, query, id, hash, time.Now().UTC())
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *UserRepositoryImpl) Delete(ctx context.Context, id string) error {
	result, err := r.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == database.CredentialOwnerConstraint {
			return models.ErrConflict
		}
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// missingOrStale distinguishes a vanished row from a failed precondition
func (r *UserRepositoryImpl) missingOrStale(ctx context.Context, id string, stale error) error {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	if err != nil && err != pgx.ErrNoRows {
		return database.MapPostgresError(err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return stale
}
