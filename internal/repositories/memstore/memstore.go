// Package memstore is an in-process Store used by tests and the memory backend.
// Transactions run against a copy of the state that replaces the live state
// on commit, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sync"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
)

type state struct {
	users     map[string]*models.User
	roles     map[string]*models.Role
	userRoles map[string]map[string]struct{}
	creds     map[string]*models.WebAuthnCredential
}

func newState() *state {
	return &state{
		users:     make(map[string]*models.User),
		roles:     make(map[string]*models.Role),
		userRoles: make(map[string]map[string]struct{}),
		creds:     make(map[string]*models.WebAuthnCredential),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, u := range s.users {
		c.users[id] = copyUser(u)
	}
	for id, r := range s.roles {
		c.roles[id] = copyRole(r)
	}
	for uid, set := range s.userRoles {
		m := make(map[string]struct{}, len(set))
		for rid := range set {
			m[rid] = struct{}{}
		}
		c.userRoles[uid] = m
	}
	for id, cr := range s.creds {
		c.creds[id] = copyCredential(cr)
	}
	return c
}

// Store is safe for concurrent use. A transaction holds the lock until it
// commits or rolls back.
type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

// view binds the repositories to either the live state or a transaction copy
type view struct {
	root *Store
	tx   *state
}

func (v *view) do(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.root.mu.Lock()
	defer v.root.mu.Unlock()
	return fn(v.root.state)
}

func (s *Store) Users() repositories.UserRepository {
	return &userRepo{v: &view{root: s}}
}

func (s *Store) Roles() repositories.RoleRepository {
	return &roleRepo{v: &view{root: s}}
}

func (s *Store) Credentials() repositories.CredentialRepository {
	return &credentialRepo{v: &view{root: s}}
}

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &txStore{v: &view{root: s, tx: work}}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// txStore is the Store handed to a transaction body
type txStore struct {
	v *view
}

func (t *txStore) Users() repositories.UserRepository             { return &userRepo{v: t.v} }
func (t *txStore) Roles() repositories.RoleRepository             { return &roleRepo{v: t.v} }
func (t *txStore) Credentials() repositories.CredentialRepository { return &credentialRepo{v: t.v} }

func (t *txStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	return fn(ctx, t)
}

var (
	_ repositories.Store = (*Store)(nil)
	_ repositories.Store = (*txStore)(nil)
)

func copyUser(u *models.User) *models.User {
	c := *u
	c.Username = copyString(u.Username)
	c.Password = copyString(u.Password)
	c.FsTokenUniquifier = copyString(u.FsTokenUniquifier)
	c.FsWebAuthnUserHandle = copyString(u.FsWebAuthnUserHandle)
	c.ConfirmedAt = copyTime(u.ConfirmedAt)
	c.LastLoginAt = copyTime(u.LastLoginAt)
	c.CurrentLoginAt = copyTime(u.CurrentLoginAt)
	c.LastLoginIP = copyString(u.LastLoginIP)
	c.CurrentLoginIP = copyString(u.CurrentLoginIP)
	c.TfTOTPSecret = copyString(u.TfTOTPSecret)
	c.TfPrimaryMethod = copyString(u.TfPrimaryMethod)
	c.TfPhoneNumber = copyString(u.TfPhoneNumber)
	c.UsPhoneNumber = copyString(u.UsPhoneNumber)
	if u.UsTOTPSecrets != nil {
		c.UsTOTPSecrets = make(map[string]string, len(u.UsTOTPSecrets))
		for k, v := range u.UsTOTPSecrets {
			c.UsTOTPSecrets[k] = v
		}
	}
	c.MfRecoveryCodes = copyStrings(u.MfRecoveryCodes)
	c.Roles = nil
	c.SetCredentials(nil)
	return &c
}

func copyRole(r *models.Role) *models.Role {
	c := *r
	c.Description = copyString(r.Description)
	c.Permissions = copyStrings(r.Permissions)
	return &c
}

func copyCredential(cr *models.WebAuthnCredential) *models.WebAuthnCredential {
	c := *cr
	c.CredentialID = append([]byte(nil), cr.CredentialID...)
	c.PublicKey = append([]byte(nil), cr.PublicKey...)
	c.Transports = copyStrings(cr.Transports)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime[T any](t *T) *T {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
