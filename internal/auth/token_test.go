package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExpiry = TokenExpiry{Session: time.Hour, Auth: 24 * time.Hour, Reset: 10 * time.Minute, Confirm: time.Hour}

func TestTokenManager_IssueAndParse(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", testExpiry)
	uniq := strings.Repeat("a", 64)

	token, err := tm.Issue(TokenAuth, "user-1", uniq, AnchorTokenUniquifier, "")
	require.NoError(t, err)

	claims, err := tm.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, TokenAuth, claims.Type)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, uniq, claims.Uniquifier)
	assert.Equal(t, AnchorTokenUniquifier, claims.Anchor)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenManager_ParseFailures(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", testExpiry)
	other := NewTokenManager("another-secret-32-characters-xx", testExpiry)

	forged, err := other.Issue(TokenSession, "user-1", "u", AnchorUniquifier, "")
	require.NoError(t, err)

	past := tm.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	expired, err := past.Issue(TokenSession, "user-1", "u", AnchorUniquifier, "")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Type: TokenSession, Uniquifier: "u",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "garbage", token: "not-a-jwt", want: ErrTokenMalformed},
		{name: "empty", token: "", want: ErrTokenMalformed},
		{name: "wrong key", token: forged, want: ErrTokenSignature},
		{name: "expired", token: expired, want: ErrTokenExpired},
		{name: "alg none", token: unsigned, want: ErrTokenSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tm.Parse(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTokenManager_MissingClaimsAreMalformed(t *testing.T) {
	tm := NewTokenManager("test-secret-32-characters-long!", testExpiry)

	token, err := tm.Issue(TokenSession, "user-1", "", AnchorUniquifier, "")
	require.NoError(t, err)

	_, err = tm.Parse(token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestPasswordFingerprint(t *testing.T) {
	a, b := "hash-a", "hash-b"

	assert.Empty(t, PasswordFingerprint(nil))
	assert.Len(t, PasswordFingerprint(&a), 16)
	assert.Equal(t, PasswordFingerprint(&a), PasswordFingerprint(&a))
	assert.NotEqual(t, PasswordFingerprint(&a), PasswordFingerprint(&b))
}
