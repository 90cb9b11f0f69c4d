package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/services"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/BradenHooton/keystone/pkg/logger"
)

// Options customizes the root command. Zero values use the real backends.
type Options struct {
	OpenBackend func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error)
	Registerer  prometheus.Registerer
	LogOutput   io.Writer
}

type cli struct {
	opts    Options
	cfg     *config.Config
	logger  *slog.Logger
	backend *Backend
	svc     *services.Services
}

// Execute runs the keystone command line
func Execute() error {
	return NewRootCmd(Options{Registerer: prometheus.DefaultRegisterer}).Execute()
}

// NewRootCmd builds the command tree
func NewRootCmd(opts Options) *cobra.Command {
	if opts.OpenBackend == nil {
		opts.OpenBackend = OpenBackend
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	c := &cli{opts: opts}

	root := &cobra.Command{
		Use:   "keystone",
		Short: "keystone - identity and credential administration",
		Long: `keystone manages users, roles, recovery codes and token invalidation
for the identity store selected by STORE_BACKEND (postgres, mongo, memory).

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.userCmd())
	root.AddCommand(c.roleCmd())
	root.AddCommand(c.logoutEverywhereCmd())
	root.AddCommand(c.recoveryCodesCmd())
	root.AddCommand(c.tokenCmd())
	return root
}

// setup loads configuration and wires the identity core
func (c *cli) setup(cmd *cobra.Command, _ []string) (err error) {
	// cobra skips the post-run hook when setup fails
	defer func() {
		if err != nil && c.backend != nil {
			c.backend.Close()
			c.backend = nil
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	c.cfg = cfg
	c.logger = logger.New(c.opts.LogOutput, cfg.LogLevel)

	ctx := cmd.Context()
	c.backend, err = c.opts.OpenBackend(ctx, cfg, c.logger)
	if err != nil {
		return err
	}

	deps := services.Dependencies{
		Store:  c.backend.Store,
		Hasher: pkgauth.NewBcryptHasher(cfg.Auth.PasswordHashCost),
		Tokens: auth.NewTokenManager(cfg.Auth.JWTSecret, auth.TokenExpiry{
			Session: cfg.Auth.SessionTokenExpiry,
			Auth:    cfg.Auth.AuthTokenExpiry,
			Reset:   cfg.Auth.ResetTokenExpiry,
			Confirm: cfg.Auth.ConfirmTokenExpiry,
		}),
		Auditor:  logger.NewSecurityAuditor(c.logger, c.opts.Registerer),
		Logger:   c.logger,
		Security: cfg.Security,
		BaseURL:  cfg.Email.BaseURL,
	}

	if cfg.Auth.TOTPEncryptionKey != "" {
		deps.TOTP, err = auth.NewTOTPManagerFromBase64(cfg.Auth.TOTPEncryptionKey, cfg.Auth.TOTPIssuer)
		if err != nil {
			return fmt.Errorf("TOTP_ENCRYPTION_KEY: %w", err)
		}
	}

	if cfg.Email.Provider == config.EmailProviderSES {
		deps.Notifier, err = services.NewSESNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, c.logger)
		if err != nil {
			return err
		}
	}

	c.svc, err = services.New(deps)
	return err
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.backend != nil {
		c.backend.Close()
	}
	return nil
}
