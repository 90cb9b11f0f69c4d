package memstore

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/keystone/internal/models"
)

type credentialRepo struct {
	v *view
}

func (r *credentialRepo) Create(ctx context.Context, cred *models.WebAuthnCredential) (*models.WebAuthnCredential, error) {
	var out *models.WebAuthnCredential
	err := r.v.do(func(st *state) error {
		if _, ok := st.users[cred.UserID]; !ok {
			return models.ErrNotFound
		}
		for _, other := range st.creds {
			if bytes.Equal(other.CredentialID, cred.CredentialID) {
				return models.ErrDuplicateCredential
			}
		}

		c := copyCredential(cred)
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		c.CreateDatetime = now
		if c.LastUseDatetime.IsZero() {
			c.LastUseDatetime = now
		}
		st.creds[c.ID] = c
		out = copyCredential(c)
		return nil
	})
	return out, err
}

func (r *credentialRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.WebAuthnCredential, error) {
	var out *models.WebAuthnCredential
	err := r.v.do(func(st *state) error {
		for _, c := range st.creds {
			if bytes.Equal(c.CredentialID, credentialID) {
				out = copyCredential(c)
				return nil
			}
		}
		return models.ErrNotFound
	})
	return out, err
}

func (r *credentialRepo) ListByUserID(ctx context.Context, userID string) ([]*models.WebAuthnCredential, error) {
	out := make([]*models.WebAuthnCredential, 0)
	err := r.v.do(func(st *state) error {
		for _, c := range st.creds {
			if c.UserID == userID {
				out = append(out, copyCredential(c))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateDatetime.Equal(out[j].CreateDatetime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreateDatetime.Before(out[j].CreateDatetime)
	})
	return out, err
}

func (r *credentialRepo) UpdateAfterAuthentication(ctx context.Context, id string, signCount uint32, backupState bool, usedAt time.Time) error {
	return r.v.do(func(st *state) error {
		c, ok := st.creds[id]
		if !ok {
			return models.ErrNotFound
		}
		if signCount <= c.SignCount {
			return models.ErrCounterRegression
		}
		c.SignCount = signCount
		c.BackupState = backupState
		c.LastUseDatetime = usedAt
		return nil
	})
}

func (r *credentialRepo) Delete(ctx context.Context, id string) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.creds[id]; !ok {
			return models.ErrNotFound
		}
		delete(st.creds, id)
		return nil
	})
}

func (r *credentialRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.v.do(func(st *state) error {
		for id, c := range st.creds {
			if c.UserID == userID {
				delete(st.creds, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
