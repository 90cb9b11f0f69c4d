package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
)

type userRepo struct {
	v *view
}

// checkUnique mirrors the unique constraints on the users table
func (st *state) checkUnique(u *models.User) error {
	for id, other := range st.users {
		if id == u.ID {
			continue
		}
		switch {
		case other.Email == u.Email:
			return &models.DuplicateKeyError{Field: models.FieldEmail}
		case other.FsUniquifier == u.FsUniquifier:
			return &models.DuplicateKeyError{Field: models.FieldUniquifier}
		case equalPtr(other.Username, u.Username):
			return &models.DuplicateKeyError{Field: models.FieldUsername}
		case equalPtr(other.FsTokenUniquifier, u.FsTokenUniquifier):
			return &models.DuplicateKeyError{Field: models.FieldTokenUniquifier}
		case equalPtr(other.FsWebAuthnUserHandle, u.FsWebAuthnUserHandle):
			return &models.DuplicateKeyError{Field: models.FieldWebAuthnUserHandle}
		}
	}
	return nil
}

// equalPtr treats NULLs as distinct, like SQL unique constraints
func equalPtr(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func (r *userRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	var out *models.User
	err := r.v.do(func(st *state) error {
		u := copyUser(user)
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		u.CreateDatetime = now
		u.UpdateDatetime = now

		if err := st.checkUnique(u); err != nil {
			return err
		}
		st.users[u.ID] = u
		out = copyUser(u)
		return nil
	})
	return out, err
}

func (r *userRepo) find(match func(u *models.User) bool) (*models.User, error) {
	var out *models.User
	err := r.v.do(func(st *state) error {
		for _, u := range st.users {
			if match(u) {
				out = copyUser(u)
				return nil
			}
		}
		return models.ErrNotFound
	})
	return out, err
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.ID == id })
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Email == email })
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Username != nil && *u.Username == username })
}

func (r *userRepo) GetByUniquifier(ctx context.Context, uniquifier string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.FsUniquifier == uniquifier })
}

func (r *userRepo) GetByWebAuthnHandle(ctx context.Context, handle string) (*models.User, error) {
	return r.find(func(u *models.User) bool {
		return u.FsWebAuthnUserHandle != nil && *u.FsWebAuthnUserHandle == handle
	})
}

// mutate applies fn to the stored user after loading it
func (r *userRepo) mutate(id string, fn func(st *state, u *models.User) error) error {
	return r.v.do(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return models.ErrNotFound
		}
		return fn(st, u)
	})
}

func (r *userRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.mutate(id, func(_ *state, u *models.User) error {
		u.Active = active
		u.UpdateDatetime = time.Now().UTC()
		return nil
	})
}

func (r *userRepo) SetConfirmedAt(ctx context.Context, id string, at time.Time) (time.Time, error) {
	var stored time.Time
	err := r.mutate(id, func(_ *state, u *models.User) error {
		if u.ConfirmedAt == nil {
			t := at.UTC()
			u.ConfirmedAt = &t
			u.UpdateDatetime = time.Now().UTC()
		}
		stored = *u.ConfirmedAt
		return nil
	})
	return stored, err
}

func (r *userRepo) RecordLogin(ctx context.Context, id string, ip *string, at time.Time) (models.Trackable, error) {
	var out models.Trackable
	err := r.mutate(id, func(_ *state, u *models.User) error {
		t := at.UTC()
		u.LastLoginAt = u.CurrentLoginAt
		u.LastLoginIP = u.CurrentLoginIP
		u.CurrentLoginAt = &t
		u.CurrentLoginIP = copyString(ip)
		u.LoginCount++
		u.UpdateDatetime = t
		out = copyUser(u).Trackable
		return nil
	})
	return out, err
}

func (r *userRepo) SetWebAuthnHandle(ctx context.Context, id string, handle string) (string, error) {
	var stored string
	err := r.mutate(id, func(st *state, u *models.User) error {
		if u.FsWebAuthnUserHandle != nil {
			stored = *u.FsWebAuthnUserHandle
			return nil
		}
		next := copyUser(u)
		next.FsWebAuthnUserHandle = &handle
		if err := st.checkUnique(next); err != nil {
			return err
		}
		next.UpdateDatetime = time.Now().UTC()
		st.users[id] = next
		stored = handle
		return nil
	})
	return stored, err
}

func (r *userRepo) UpdateTwoFactor(ctx context.Context, id string, tf models.TwoFactor) error {
	return r.mutate(id, func(_ *state, u *models.User) error {
		u.TfTOTPSecret = copyString(tf.TfTOTPSecret)
		u.TfPrimaryMethod = copyString(tf.TfPrimaryMethod)
		u.TfPhoneNumber = copyString(tf.TfPhoneNumber)
		u.UpdateDatetime = time.Now().UTC()
		return nil
	})
}

// editSecrets applies fn to a copy of the user's unified sign-in secrets
func (r *userRepo) editSecrets(id string, fn func(secrets map[string]string)) (map[string]string, error) {
	var out map[string]string
	err := r.mutate(id, func(_ *state, u *models.User) error {
		secrets := make(map[string]string, len(u.UsTOTPSecrets)+1)
		for k, v := range u.UsTOTPSecrets {
			secrets[k] = v
		}
		fn(secrets)
		if len(secrets) == 0 {
			u.UsTOTPSecrets = nil
		} else {
			u.UsTOTPSecrets = secrets
		}
		u.UpdateDatetime = time.Now().UTC()
		out = copyUser(u).UsTOTPSecrets
		return nil
	})
	return out, err
}

func (r *userRepo) SetUnifiedSigninSecret(ctx context.Context, id string, method string, sealed string) (map[string]string, error) {
	return r.editSecrets(id, func(secrets map[string]string) { secrets[method] = sealed })
}

func (r *userRepo) RemoveUnifiedSigninSecret(ctx context.Context, id string, method string) (map[string]string, error) {
	return r.editSecrets(id, func(secrets map[string]string) { delete(secrets, method) })
}

func (r *userRepo) UpdatePassword(ctx context.Context, id string, passwordHash *string) error {
	return r.mutate(id, func(_ *state, u *models.User) error {
		u.Password = copyString(passwordHash)
		u.UpdateDatetime = time.Now().UTC()
		return nil
	})
}

func (r *userRepo) RotateUniquifiers(ctx context.Context, id string, rot repositories.UniquifierRotation) error {
	return r.mutate(id, func(st *state, u *models.User) error {
		if u.FsUniquifier != rot.ExpectedUniquifier {
			return models.ErrStaleUpdate
		}
		if (u.FsTokenUniquifier == nil) != (rot.ExpectedTokenUniquifier == nil) ||
			(u.FsTokenUniquifier != nil && *u.FsTokenUniquifier != *rot.ExpectedTokenUniquifier) {
			return models.ErrStaleUpdate
		}

		next := copyUser(u)
		if rot.NewUniquifier != nil {
			next.FsUniquifier = *rot.NewUniquifier
		}
		if rot.NewTokenUniquifier != nil {
			next.FsTokenUniquifier = copyString(rot.NewTokenUniquifier)
		}
		if err := st.checkUnique(next); err != nil {
			return err
		}
		next.UpdateDatetime = time.Now().UTC()
		st.users[id] = next
		return nil
	})
}

func (r *userRepo) ReplaceRecoveryCodes(ctx context.Context, id string, hashes []string) error {
	return r.mutate(id, func(_ *state, u *models.User) error {
		if len(hashes) == 0 {
			u.MfRecoveryCodes = nil
		} else {
			u.MfRecoveryCodes = copyStrings(hashes)
		}
		u.UpdateDatetime = time.Now().UTC()
		return nil
	})
}

func (r *userRepo) RemoveRecoveryCode(ctx context.Context, id string, hash string) (bool, error) {
	removed := false
	err := r.mutate(id, func(_ *state, u *models.User) error {
		kept := u.MfRecoveryCodes[:0:0]
		for _, h := range u.MfRecoveryCodes {
			if h == hash {
				removed = true
				continue
			}
			kept = append(kept, h)
		}
		if removed {
			u.MfRecoveryCodes = kept
			u.UpdateDatetime = time.Now().UTC()
		}
		return nil
	})
	if err == models.ErrNotFound {
		return false, nil
	}
	return removed, err
}

func (r *userRepo) Delete(ctx context.Context, id string) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.users[id]; !ok {
			return models.ErrNotFound
		}
		for _, c := range st.creds {
			if c.UserID == id {
				return models.ErrConflict
			}
		}
		delete(st.users, id)
		delete(st.userRoles, id)
		return nil
	})
}
