package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/models"
)

type CredentialRepositoryImpl struct {
	q querier
}

const credentialColumns = `id, user_id, credential_id, public_key, sign_count, transports, extensions,
	lastuse_datetime, name, usage, backup_state, device_type, create_datetime`

func scanCredentialRow(scanner rowScanner) (*models.WebAuthnCredential, error) {
	var cred models.WebAuthnCredential
	var signCount int64
	var extensions *string

	err := scanner.Scan(
		&cred.ID, &cred.UserID, &cred.CredentialID, &cred.PublicKey, &signCount,
		pq.Array(&cred.Transports), &extensions,
		&cred.LastUseDatetime, &cred.Name, &cred.Usage, &cred.BackupState, &cred.DeviceType, &cred.CreateDatetime,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	cred.SignCount = uint32(signCount)
	if extensions != nil {
		cred.Extensions = *extensions
	}

	return &cred, nil
}

func (r *CredentialRepositoryImpl) Create(ctx context.Context, cred *models.WebAuthnCredential) (*models.WebAuthnCredential, error) {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cred.CreateDatetime = now
	if cred.LastUseDatetime.IsZero() {
		cred.LastUseDatetime = now
	}

	var extensions *string
	if cred.Extensions != "" {
		extensions = &cred.Extensions
	}

	var transports any
	if len(cred.Transports) > 0 {
		transports = pq.Array(cred.Transports)
	}

	query := `
		INSERT INTO webauthn_credentials (id, user_id, credential_id, public_key, sign_count, transports, extensions,
			lastuse_datetime, name, usage, backup_state, device_type, create_datetime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + credentialColumns

	return scanCredentialRow(r.q.QueryRow(ctx, query,
		cred.ID, cred.UserID, cred.CredentialID, cred.PublicKey, int64(cred.SignCount), transports, extensions,
		cred.LastUseDatetime, cred.Name, cred.Usage, cred.BackupState, cred.DeviceType, cred.CreateDatetime,
	))
}

func (r *CredentialRepositoryImpl) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.WebAuthnCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM webauthn_credentials WHERE credential_id = $1`
	return scanCredentialRow(r.q.QueryRow(ctx, query, credentialID))
}

func (r *CredentialRepositoryImpl) ListByUserID(ctx context.Context, userID string) ([]*models.WebAuthnCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM webauthn_credentials WHERE user_id = $1 ORDER BY create_datetime`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	creds := make([]*models.WebAuthnCredential, 0)
	for rows.Next() {
		cred, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return creds, nil
}

func (r *CredentialRepositoryImpl) UpdateAfterAuthentication(ctx context.Context, id string, signCount uint32, backupState bool, usedAt time.Time) error {
	query := `
		UPDATE webauthn_credentials SET sign_count = $2, backup_state = $3, lastuse_datetime = $4
		WHERE id = $1 AND sign_count < $2
	`

	result, err := r.q.Exec(ctx, query, id, int64(signCount), backupState, usedAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webauthn_credentials WHERE id = $1)`, id).Scan(&exists)
	if err != nil && err != pgx.ErrNoRows {
		return database.MapPostgresError(err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrCounterRegression
}

func (r *CredentialRepositoryImpl) Delete(ctx context.Context, id string) error {
	result, err := r.q.Exec(ctx, `DELETE FROM webauthn_credentials WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *CredentialRepositoryImpl) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := r.q.Exec(ctx, `DELETE FROM webauthn_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
