package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

var ErrSealedSecretInvalid = errors.New("sealed secret is invalid")

// TOTPManager generates TOTP secrets and seals them with AES-256-GCM for storage
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
}

// TOTPProvisioning is returned once at setup. Only Sealed is persisted.
type TOTPProvisioning struct {
	Secret        string // base32, shown to the user for manual entry
	URI           string // otpauth:// provisioning URI
	QRCodeDataURL string
	Sealed        string
}

// NewTOTPManager creates a new TOTP manager.
// encryptionKey must be exactly 32 bytes for AES-256.
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
	}, nil
}

// NewTOTPManagerFromBase64 decodes a base64 key as found in configuration
func NewTOTPManagerFromBase64(encodedKey, issuer string) (*TOTPManager, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	return NewTOTPManager(key, issuer)
}

// Provision generates a fresh secret for accountName with its QR code
func (tm *TOTPManager) Provision(accountName string) (*TOTPProvisioning, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	sealed, err := tm.Seal(key.Secret())
	if err != nil {
		return nil, err
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPProvisioning{
		Secret:        key.Secret(),
		URI:           key.URL(),
		QRCodeDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Sealed:        sealed,
	}, nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a secret and returns base64(nonce || ciphertext)
func (tm *TOTPManager) Seal(secret string) (string, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(secret), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func (tm *TOTPManager) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealedSecretInvalid
	}

	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", ErrSealedSecretInvalid
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealedSecretInvalid
	}

	return string(plaintext), nil
}

// Validate checks code against a sealed secret at the given time.
// Allows ±1 time step for clock drift.
func (tm *TOTPManager) Validate(sealed, code string, at time.Time) (bool, error) {
	secret, err := tm.Open(sealed)
	if err != nil {
		return false, err
	}

	valid, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// malformed codes are simply wrong
		return false, nil
	}

	return valid, nil
}
