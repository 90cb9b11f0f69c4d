package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType identifies what a token may be used for
type TokenType string

const (
	TokenSession TokenType = "session"
	TokenAuth    TokenType = "auth"
	TokenReset   TokenType = "reset"
	TokenConfirm TokenType = "confirm"
)

// Anchor names the user field a token's uniquifier was copied from
type Anchor string

const (
	AnchorUniquifier      Anchor = "fs_uniquifier"
	AnchorTokenUniquifier Anchor = "fs_token_uniquifier"
)

// Parse failures
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenExpired   = errors.New("token expired")
)

// Claims binds a token to a user and to the uniquifier value current at issue time
type Claims struct {
	Type        TokenType `json:"typ"`
	Uniquifier  string    `json:"uid"`
	Anchor      Anchor    `json:"anc"`
	Fingerprint string    `json:"fpr,omitempty"`
	jwt.RegisteredClaims
}

// TokenExpiry holds the lifetime of each token type
type TokenExpiry struct {
	Session time.Duration
	Auth    time.Duration
	Reset   time.Duration
	Confirm time.Duration
}

func (e TokenExpiry) For(typ TokenType) time.Duration {
	switch typ {
	case TokenSession:
		return e.Session
	case TokenAuth:
		return e.Auth
	case TokenReset:
		return e.Reset
	case TokenConfirm:
		return e.Confirm
	}
	return 0
}

// TokenManager signs and parses HS256 tokens. It knows nothing about users;
// deciding whether a parsed token is still current is the caller's job.
type TokenManager struct {
	secret []byte
	expiry TokenExpiry
	now    func() time.Time
}

func NewTokenManager(secret string, expiry TokenExpiry) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// WithClock returns a copy that reads time from now
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	c := *tm
	c.now = now
	return &c
}

// Issue creates a token of typ for userID carrying uniquifier
func (tm *TokenManager) Issue(typ TokenType, userID, uniquifier string, anchor Anchor, fingerprint string) (string, error) {
	issuedAt := tm.now()

	claims := &Claims{
		Type:        typ,
		Uniquifier:  uniquifier,
		Anchor:      anchor,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	if ttl := tm.expiry.For(typ); ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(issuedAt.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", typ, err)
	}

	return tokenString, nil
}

// Parse verifies the signature and lifetime and returns the claims.
// Errors are one of ErrTokenMalformed, ErrTokenSignature, ErrTokenExpired.
func (tm *TokenManager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
	)

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrTokenSignature
	default:
		return nil, ErrTokenMalformed
	}

	if claims.Type == "" || claims.Subject == "" || claims.Uniquifier == "" {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

// PasswordFingerprint summarizes a password hash so a token can be tied to it
// without carrying the hash itself
func PasswordFingerprint(passwordHash *string) string {
	if passwordHash == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(*passwordHash))
	return hex.EncodeToString(sum[:8])
}
