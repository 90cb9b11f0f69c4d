package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// A-Z and 2-9 without the look-alikes 0/O/1/I/L
const recoveryCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	recoveryGroupLen  = 5
	recoveryGroups    = 2
	recoveryMaxCodes  = 50
	recoveryRejectMax = 256 - 256%len(recoveryCharset)
)

// RecoveryCodeManager issues and redeems single-use multi-factor recovery
// codes. Only bcrypt hashes are stored.
type RecoveryCodeManager struct {
	store   repositories.Store
	hasher  pkgauth.PasswordHasher
	delay   *auth.TimingDelay
	rand    io.Reader
	auditor *logger.SecurityAuditor
	logger  *slog.Logger
	config  config.SecurityConfig
}

func NewRecoveryCodeManager(store repositories.Store, auditor *logger.SecurityAuditor, logger *slog.Logger, cfg config.SecurityConfig) *RecoveryCodeManager {
	return &RecoveryCodeManager{
		store:   store,
		hasher:  pkgauth.NewBcryptHasher(cfg.RecoveryCodeHashCost),
		delay:   auth.NewTimingDelay(cfg.FailureDelay, cfg.FailureDelay/4),
		rand:    rand.Reader,
		auditor: auditor,
		logger:  logger,
		config:  cfg,
	}
}

// IssueCodes replaces the user's recovery codes with count fresh ones and
// returns the plaintext. This is the only time the plaintext exists.
// A count of 0 uses the configured default.
func (m *RecoveryCodeManager) IssueCodes(ctx context.Context, user *models.User, count int) ([]string, error) {
	if !m.config.RecoveryCodes {
		return nil, models.ErrFeatureDisabled
	}
	if count == 0 {
		count = m.config.RecoveryCodeCount
	}
	if count < 1 || count > recoveryMaxCodes {
		return nil, fmt.Errorf("%w: recovery code count must be between 1 and %d", models.ErrBadRequest, recoveryMaxCodes)
	}

	codes := make([]string, count)
	hashes := make([]string, count)
	for i := range codes {
		code, err := m.generate()
		if err != nil {
			m.auditor.Alert(ctx, logger.EventEntropyUnavailable, user.ID, slog.Any("error", err))
			return nil, err
		}
		hash, err := m.hasher.Hash(canonicalCode(code))
		if err != nil {
			return nil, fmt.Errorf("hash recovery code: %w", err)
		}
		codes[i] = code
		hashes[i] = hash
	}

	if err := m.store.Users().ReplaceRecoveryCodes(ctx, user.ID, hashes); err != nil {
		return nil, err
	}
	user.MfRecoveryCodes = hashes

	m.auditor.Record(ctx, logger.EventRecoveryCodesIssued, user.ID, slog.Int("count", count))
	return codes, nil
}

// generate draws one code in XXXXX-XXXXX form
func (m *RecoveryCodeManager) generate() (string, error) {
	const n = recoveryGroupLen * recoveryGroups
	out := make([]byte, 0, n)
	buf := make([]byte, n)

	for len(out) < n {
		if _, err := io.ReadFull(m.rand, buf); err != nil {
			return "", fmt.Errorf("%w: %v", pkgauth.ErrEntropySourceUnavailable, err)
		}
		for _, b := range buf {
			// rejection sampling keeps the distribution uniform
			if int(b) >= recoveryRejectMax {
				continue
			}
			out = append(out, recoveryCharset[int(b)%len(recoveryCharset)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out[:recoveryGroupLen]) + "-" + string(out[recoveryGroupLen:]), nil
}

// canonicalCode makes entry forgiving of case, spaces and dashes
func canonicalCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, code)
}

// ConsumeCode redeems candidate. A code succeeds at most once even under
// concurrent redemption; every failure is models.ErrInvalidCode.
func (m *RecoveryCodeManager) ConsumeCode(ctx context.Context, user *models.User, candidate string) (err error) {
	if !m.config.RecoveryCodes {
		return models.ErrFeatureDisabled
	}

	start := time.Now()
	defer func() {
		if waitErr := m.delay.WaitFrom(ctx, start, err == nil); waitErr != nil && err == nil {
			err = waitErr
		}
	}()

	current, err := m.store.Users().GetByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCode
		}
		return err
	}

	canonical := canonicalCode(candidate)
	matched := ""
	// compare against every hash so timing does not reveal the position
	for _, hash := range current.MfRecoveryCodes {
		if m.hasher.Compare(hash, canonical) == nil && matched == "" {
			matched = hash
		}
	}

	if matched == "" {
		m.auditor.Record(ctx, logger.EventRecoveryCodeRejected, user.ID)
		return models.ErrInvalidCode
	}

	removed, err := m.store.Users().RemoveRecoveryCode(ctx, user.ID, matched)
	if err != nil {
		return err
	}
	if !removed {
		// a concurrent redemption won
		m.auditor.Record(ctx, logger.EventRecoveryCodeRejected, user.ID, slog.Bool("raced", true))
		return models.ErrInvalidCode
	}

	remaining := make([]string, 0, len(current.MfRecoveryCodes))
	for _, hash := range current.MfRecoveryCodes {
		if hash != matched {
			remaining = append(remaining, hash)
		}
	}
	user.MfRecoveryCodes = remaining

	m.auditor.Record(ctx, logger.EventRecoveryCodeUsed, user.ID, slog.Int("remaining", len(remaining)))
	return nil
}

// RemainingCodes returns how many unused codes the user has
func (m *RecoveryCodeManager) RemainingCodes(ctx context.Context, user *models.User) (int, error) {
	current, err := m.store.Users().GetByID(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	return len(current.MfRecoveryCodes), nil
}
