package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credentialIDs(creds []*WebAuthnCredential) []string {
	ids := make([]string, len(creds))
	for i, c := range creds {
		ids[i] = c.ID
	}
	return ids
}

func TestUser_UnlinkCredentialLeavesEarlierSlicesIntact(t *testing.T) {
	u := &User{}
	for _, id := range []string{"a", "b", "c"} {
		u.LinkCredential(&WebAuthnCredential{ID: id})
	}

	before := u.Credentials()
	u.UnlinkCredential("a")

	assert.Equal(t, []string{"a", "b", "c"}, credentialIDs(before))
	assert.Equal(t, []string{"b", "c"}, credentialIDs(u.Credentials()))

	u.UnlinkCredential("missing")
	assert.Equal(t, []string{"b", "c"}, credentialIDs(u.Credentials()))
}

func TestUser_LinkCredentialReplacesById(t *testing.T) {
	u := &User{}
	u.LinkCredential(&WebAuthnCredential{ID: "a", SignCount: 1})
	u.LinkCredential(&WebAuthnCredential{ID: "b"})

	before := u.Credentials()
	u.LinkCredential(&WebAuthnCredential{ID: "a", SignCount: 7})

	require.Len(t, u.Credentials(), 2)
	assert.Equal(t, uint32(1), before[0].SignCount)
	for _, c := range u.Credentials() {
		if c.ID == "a" {
			assert.Equal(t, uint32(7), c.SignCount)
		}
	}
}
