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

type RoleRepositoryImpl struct {
	q querier
}

const roleColumns = `id, name, description, permissions, update_datetime`

func scanRoleRow(scanner rowScanner) (*models.Role, error) {
	var role models.Role
	err := scanner.Scan(&role.ID, &role.Name, &role.Description, pq.Array(&role.Permissions), &role.UpdateDatetime)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &role, nil
}

func scanRoleRows(rows pgx.Rows) ([]*models.Role, error) {
	defer rows.Close()

	roles := make([]*models.Role, 0)
	for rows.Next() {
		role, err := scanRoleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return roles, nil
}

func permissionsParam(permissions []string) any {
	if len(permissions) == 0 {
		return nil
	}
	return pq.Array(permissions)
}

func (r *RoleRepositoryImpl) Create(ctx context.Context, role *models.Role) (*models.Role, error) {
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	role.UpdateDatetime = time.Now().UTC()

	query := `
		INSERT INTO roles (id, name, description, permissions, update_datetime)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + roleColumns

	return scanRoleRow(r.q.QueryRow(ctx, query,
		role.ID, role.Name, role.Description, permissionsParam(role.Permissions), role.UpdateDatetime,
	))
}

func (r *RoleRepositoryImpl) GetByName(ctx context.Context, name string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`
	return scanRoleRow(r.q.QueryRow(ctx, query, name))
}

func (r *RoleRepositoryImpl) List(ctx context.Context) ([]*models.Role, error) {
	rows, err := r.q.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	return scanRoleRows(rows)
}

func (r *RoleRepositoryImpl) UpdatePermissions(ctx context.Context, id string, permissions []string) (*models.Role, error) {
	query := `
		UPDATE roles SET permissions = $2, update_datetime = $3
		WHERE id = $1
		RETURNING ` + roleColumns

	return scanRoleRow(r.q.QueryRow(ctx, query, id, permissionsParam(permissions), time.Now().UTC()))
}

func (r *RoleRepositoryImpl) AddUserRole(ctx context.Context, userID, roleID string) error {
	query := `INSERT INTO roles_users (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	if _, err := r.q.Exec(ctx, query, userID, roleID); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *RoleRepositoryImpl) RemoveUserRole(ctx context.Context, userID, roleID string) error {
	query := `DELETE FROM roles_users WHERE user_id = $1 AND role_id = $2`

	if _, err := r.q.Exec(ctx, query, userID, roleID); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *RoleRepositoryImpl) ListForUser(ctx context.Context, userID string) ([]*models.Role, error) {
	query := `
		SELECT r.id, r.name, r.description, r.permissions, r.update_datetime
		FROM roles r
		JOIN roles_users ru ON ru.role_id = r.id
		WHERE ru.user_id = $1
		ORDER BY r.name
	`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	return scanRoleRows(rows)
}
