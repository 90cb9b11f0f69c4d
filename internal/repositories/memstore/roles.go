package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/keystone/internal/models"
)

type roleRepo struct {
	v *view
}

func (r *roleRepo) Create(ctx context.Context, role *models.Role) (*models.Role, error) {
	var out *models.Role
	err := r.v.do(func(st *state) error {
		for _, other := range st.roles {
			if other.Name == role.Name {
				return &models.DuplicateKeyError{Field: models.FieldRoleName}
			}
		}
		c := copyRole(role)
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.UpdateDatetime = time.Now().UTC()
		st.roles[c.ID] = c
		out = copyRole(c)
		return nil
	})
	return out, err
}

func (r *roleRepo) GetByName(ctx context.Context, name string) (*models.Role, error) {
	var out *models.Role
	err := r.v.do(func(st *state) error {
		for _, role := range st.roles {
			if role.Name == name {
				out = copyRole(role)
				return nil
			}
		}
		return models.ErrNotFound
	})
	return out, err
}

func (r *roleRepo) List(ctx context.Context) ([]*models.Role, error) {
	var out []*models.Role
	err := r.v.do(func(st *state) error {
		out = make([]*models.Role, 0, len(st.roles))
		for _, role := range st.roles {
			out = append(out, copyRole(role))
		}
		return nil
	})
	sortRoles(out)
	return out, err
}

func (r *roleRepo) UpdatePermissions(ctx context.Context, id string, permissions []string) (*models.Role, error) {
	var out *models.Role
	err := r.v.do(func(st *state) error {
		role, ok := st.roles[id]
		if !ok {
			return models.ErrNotFound
		}
		role.Permissions = copyStrings(permissions)
		role.UpdateDatetime = time.Now().UTC()
		out = copyRole(role)
		return nil
	})
	return out, err
}

func (r *roleRepo) AddUserRole(ctx context.Context, userID, roleID string) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.users[userID]; !ok {
			return models.ErrNotFound
		}
		if _, ok := st.roles[roleID]; !ok {
			return models.ErrNotFound
		}
		set, ok := st.userRoles[userID]
		if !ok {
			set = make(map[string]struct{})
			st.userRoles[userID] = set
		}
		set[roleID] = struct{}{}
		return nil
	})
}

func (r *roleRepo) RemoveUserRole(ctx context.Context, userID, roleID string) error {
	return r.v.do(func(st *state) error {
		delete(st.userRoles[userID], roleID)
		return nil
	})
}

func (r *roleRepo) ListForUser(ctx context.Context, userID string) ([]*models.Role, error) {
	var out []*models.Role
	err := r.v.do(func(st *state) error {
		out = make([]*models.Role, 0, len(st.userRoles[userID]))
		for rid := range st.userRoles[userID] {
			if role, ok := st.roles[rid]; ok {
				out = append(out, copyRole(role))
			}
		}
		return nil
	})
	sortRoles(out)
	return out, err
}

func sortRoles(roles []*models.Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
}
