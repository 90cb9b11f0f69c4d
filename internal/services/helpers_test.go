package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/internal/repositories/memstore"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

const testJWTSecret = "test-secret-32-characters-long!!"

var testTOTPKey = []byte("0123456789abcdef0123456789abcdef")

// MockNotifier implements Notifier for testing and records every notice
type MockNotifier struct {
	NotifyFunc func(ctx context.Context, nc models.NotificationContext) error

	mu   sync.Mutex
	sent []models.NotificationContext
}

func (m *MockNotifier) Notify(ctx context.Context, nc models.NotificationContext) error {
	m.mu.Lock()
	m.sent = append(m.sent, nc)
	m.mu.Unlock()

	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, nc)
	}
	return nil
}

func (m *MockNotifier) Sent() []models.NotificationContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NotificationContext(nil), m.sent...)
}

// MockSESClient implements SESClient for testing
type MockSESClient struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESClient) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if m.SendEmailFunc != nil {
		return m.SendEmailFunc(ctx, params, optFns...)
	}
	return &ses.SendEmailOutput{MessageId: aws.String("test-message")}, nil
}

// faultyStore wraps a Store and fails user deletion, inside transactions too
type faultyStore struct {
	repositories.Store
	deleteErr error
}

func (s faultyStore) Users() repositories.UserRepository {
	return faultyUsers{UserRepository: s.Store.Users(), deleteErr: s.deleteErr}
}

func (s faultyStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	return s.Store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		return fn(ctx, faultyStore{Store: tx, deleteErr: s.deleteErr})
	})
}

type faultyUsers struct {
	repositories.UserRepository
	deleteErr error
}

func (u faultyUsers) Delete(ctx context.Context, id string) error {
	return u.deleteErr
}

type testEnv struct {
	svc      *Services
	store    repositories.Store
	notifier *MockNotifier
	auditor  *logger.SecurityAuditor
	tokens   *auth.TokenManager
	cfg      config.SecurityConfig
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSecurityConfig enables every feature with cheap hashing
func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		Confirmable:          true,
		Recoverable:          true,
		Trackable:            true,
		TwoFactor:            true,
		UnifiedSignin:        true,
		UsernameEnable:       true,
		WebAuthn:             true,
		RecoveryCodes:        true,
		RecoveryCodeCount:    5,
		RecoveryCodeHashCost: bcrypt.MinCost,
		UniquifierLength:     pkgauth.DefaultUniquifierLength,
		EmailFold:            pkgauth.FoldASCII,
		UsernameFold:         pkgauth.FoldASCII,
	}
}

var testExpiry = auth.TokenExpiry{Session: time.Hour, Auth: 24 * time.Hour, Reset: 10 * time.Minute, Confirm: time.Hour}

func newTestEnv(t *testing.T, mutate ...func(*config.SecurityConfig)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, memstore.New(), mutate...)
}

func newTestEnvWithStore(t *testing.T, store repositories.Store, mutate ...func(*config.SecurityConfig)) *testEnv {
	t.Helper()

	cfg := testSecurityConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	totp, err := auth.NewTOTPManager(testTOTPKey, "Keystone Test")
	require.NoError(t, err)

	env := &testEnv{
		store:    store,
		notifier: &MockNotifier{},
		auditor:  logger.NewSecurityAuditor(testLogger(), prometheus.NewRegistry()),
		tokens:   auth.NewTokenManager(testJWTSecret, testExpiry),
		cfg:      cfg,
	}

	env.svc, err = New(Dependencies{
		Store:    store,
		Hasher:   pkgauth.NewBcryptHasher(bcrypt.MinCost),
		Tokens:   env.tokens,
		TOTP:     totp,
		Notifier: env.notifier,
		Auditor:  env.auditor,
		Logger:   testLogger(),
		Security: cfg,
		BaseURL:  "https://example.test/",
	})
	require.NoError(t, err)
	return env
}

func separateDomain(cfg *config.SecurityConfig) { cfg.SeparateTokenDomain = true }

func strPtr(s string) *string { return &s }

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	user, err := e.svc.Identity.CreateUser(context.Background(), NewUser{
		Email:    email,
		Password: strPtr("correct horse battery"),
	})
	require.NoError(t, err)
	return user
}
