package models

import (
	"sort"
	"time"
)

// Role groups permissions and is assigned to users
type Role struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"required,max=80"`
	Description    *string   `json:"description,omitempty" validate:"omitempty,max=255"`
	Permissions    []string  `json:"permissions,omitempty" validate:"dive,required,max=255"`
	UpdateDatetime time.Time `json:"update_datetime"`
}

// HasPermission reports whether the role grants a permission
func (r *Role) HasPermission(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// GetPermissions returns the permission set
func (r *Role) GetPermissions() map[string]struct{} {
	set := make(map[string]struct{}, len(r.Permissions))
	for _, p := range r.Permissions {
		set[p] = struct{}{}
	}
	return set
}

// AddPermissions merges permissions into the role, keeping the set sorted and unique
func (r *Role) AddPermissions(permissions ...string) {
	set := r.GetPermissions()
	for _, p := range permissions {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	r.Permissions = sortedKeys(set)
}

// RemovePermissions drops permissions from the role
func (r *Role) RemovePermissions(permissions ...string) {
	set := r.GetPermissions()
	for _, p := range permissions {
		delete(set, p)
	}
	r.Permissions = sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
