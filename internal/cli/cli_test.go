package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/repositories/memstore"
)

func setEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("PASSWORD_HASH_COST", "4")
	t.Setenv("SECURITY_USERNAME_ENABLE", "true")
	t.Setenv("SECURITY_MULTI_FACTOR_RECOVERY_CODES", "true")
	t.Setenv("SECURITY_MULTI_FACTOR_RECOVERY_CODES_COST", "4")
	t.Setenv("SECURITY_MULTI_FACTOR_RECOVERY_CODES_N", "3")
}

func run(t *testing.T, store *memstore.Store, stdin string, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd(Options{
		OpenBackend: func(context.Context, *config.Config, *slog.Logger) (*Backend, error) {
			return MemoryBackend(store), nil
		},
		LogOutput: io.Discard,
	})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

func TestCLI_UserLifecycle(t *testing.T) {
	setEnv(t)
	store := memstore.New()

	out, err := run(t, store, "", "role", "create", "admin", "--permission", "users:write", "--permission", "users:read")
	require.NoError(t, err)
	assert.Contains(t, out, "created role admin")

	out, err = run(t, store, "", "role", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "admin\tusers:read,users:write")

	out, err = run(t, store, "s3cret-password\n", "user", "create", "Alice@Example.com", "--username", "alice", "--password-stdin", "--confirmed")
	require.NoError(t, err)
	assert.Regexp(t, `^created user [0-9a-f-]{36}\n$`, out)

	out, err = run(t, store, "", "role", "assign", "alice", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "roles [admin]")

	out, err = run(t, store, "", "user", "show", "alice@example.com")
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "alice@example.com", payload["email"])
	assert.Equal(t, true, payload["confirmed"])
	assert.Equal(t, []any{"admin"}, payload["roles"])
	assert.NotContains(t, out, "fs_uniquifier")

	out, err = run(t, store, "", "role", "revoke", "alice", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "roles []")

	out, err = run(t, store, "", "user", "deactivate", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "deactivated user")

	_, err = run(t, store, "", "user", "delete", "alice")
	require.NoError(t, err)

	_, err = run(t, store, "", "user", "show", "alice")
	assert.Error(t, err)
}

func TestCLI_DuplicateUser(t *testing.T) {
	setEnv(t)
	store := memstore.New()

	_, err := run(t, store, "", "user", "create", "a@x.com")
	require.NoError(t, err)

	_, err = run(t, store, "", "user", "create", "A@X.COM")
	require.Error(t, err)
	assert.Equal(t, "account already exists", err.Error())
}

func TestCLI_LogoutEverywhere(t *testing.T) {
	setEnv(t)
	store := memstore.New()

	_, err := run(t, store, "", "user", "create", "a@x.com")
	require.NoError(t, err)

	token, err := run(t, store, "", "token", "issue", "a@x.com", "--type", "auth")
	require.NoError(t, err)
	token = strings.TrimSpace(token)

	out, err := run(t, store, "", "token", "check", token)
	require.NoError(t, err)
	assert.Contains(t, out, "valid: auth token")

	_, err = run(t, store, "", "logout-everywhere", "a@x.com")
	require.NoError(t, err)

	out, err = run(t, store, "", "token", "check", token)
	require.NoError(t, err)
	assert.Equal(t, "invalid: uniquifier_mismatch\n", out)

	out, err = run(t, store, "", "token", "check", "garbage")
	require.NoError(t, err)
	assert.Equal(t, "invalid: malformed\n", out)
}

func TestCLI_RecoveryCodes(t *testing.T) {
	setEnv(t)
	store := memstore.New()

	_, err := run(t, store, "", "user", "create", "a@x.com")
	require.NoError(t, err)

	out, err := run(t, store, "", "recovery-codes", "issue", "a@x.com")
	require.NoError(t, err)

	codes := strings.Fields(out)
	require.Len(t, codes, 3)
	code := regexp.MustCompile(`^[2-9A-HJKMNP-Z]{5}-[2-9A-HJKMNP-Z]{5}$`)
	for _, c := range codes {
		assert.Regexp(t, code, c)
	}

	out, err = run(t, store, "", "user", "show", "a@x.com")
	require.NoError(t, err)
	assert.Contains(t, out, `"recovery_codes": 3`)
}

func TestCLI_Migrate(t *testing.T) {
	setEnv(t)

	out, err := run(t, memstore.New(), "", "migrate")
	require.NoError(t, err)
	assert.Equal(t, "memory store is up to date\n", out)
}

func TestCLI_ConfigErrors(t *testing.T) {
	setEnv(t)
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, memstore.New(), "", "migrate")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestCLI_SetupFailureClosesBackend(t *testing.T) {
	setEnv(t)
	t.Setenv("TOTP_ENCRYPTION_KEY", "not-base64!")

	closed := false
	root := NewRootCmd(Options{
		OpenBackend: func(context.Context, *config.Config, *slog.Logger) (*Backend, error) {
			b := MemoryBackend(memstore.New())
			b.Close = func() { closed = true }
			return b, nil
		},
		LogOutput: io.Discard,
	})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"role", "list"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOTP_ENCRYPTION_KEY")
	assert.True(t, closed)
}
