package mongostore

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/BradenHooton/keystone/internal/models"
)

func duplicateKey(index string) error {
	return mongo.WriteException{WriteErrors: []mongo.WriteError{{
		Code:    11000,
		Message: "E11000 duplicate key error collection: keystone.users index: " + index + " dup key: { x: 1 }",
	}}}
}

func TestMapMongoError(t *testing.T) {
	assert.NoError(t, mapMongoError(nil))
	assert.ErrorIs(t, mapMongoError(mongo.ErrNoDocuments), models.ErrNotFound)

	passthrough := errors.New("network")
	assert.Equal(t, passthrough, mapMongoError(passthrough))

	assert.ErrorIs(t, mapMongoError(duplicateKey(credentialIDIndex)), models.ErrDuplicateCredential)
	assert.ErrorIs(t, mapMongoError(duplicateKey("some_other_index")), models.ErrConflict)

	for index, field := range uniqueIndexFields {
		t.Run(index, func(t *testing.T) {
			err := mapMongoError(duplicateKey(index))
			assert.ErrorIs(t, err, models.ErrDuplicateKey)
			assert.Equal(t, field, models.DuplicateField(err))
			assert.Equal(t, models.ErrDuplicateKey.Error(), err.Error())
		})
	}
}

func TestUserDoc_RoundTripsOptionalGroups(t *testing.T) {
	name := "alice"
	ip := "10.0.0.1"
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	u := &models.User{
		ID:              "id-1",
		Email:           "alice@example.com",
		Username:        &name,
		Active:          true,
		FsUniquifier:    strings.Repeat("a", 64),
		MfRecoveryCodes: []string{"h1"},
	}
	u.LastLoginIP = &ip
	u.LoginCount = 3
	u.CurrentLoginAt = &ts
	u.UsTOTPSecrets = map[string]string{"email": "sealed"}

	doc := toUserDoc(u)
	assert.NotNil(t, doc.RoleIDs, "role_ids must be an array so $addToSet works")

	back := doc.toModel()
	assert.Equal(t, u.Email, back.Email)
	assert.Equal(t, "alice", *back.Username)
	assert.Equal(t, 3, back.LoginCount)
	assert.Equal(t, ip, *back.LastLoginIP)
	assert.Equal(t, ts, *back.CurrentLoginAt)
	assert.Equal(t, u.UsTOTPSecrets, back.UsTOTPSecrets)
	assert.Equal(t, []string{"h1"}, back.MfRecoveryCodes)
}

func TestCredentialDoc_SignCountFitsUint32(t *testing.T) {
	c := &models.WebAuthnCredential{SignCount: 4294967295, Usage: models.UsageFirst, DeviceType: models.DeviceTypeMulti}
	back := func() *models.WebAuthnCredential { d := toCredentialDoc(c); return d.toModel() }()

	assert.Equal(t, uint32(4294967295), back.SignCount)
	assert.True(t, back.BackupEligible())
}
