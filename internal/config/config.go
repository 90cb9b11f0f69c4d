package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
)

type Config struct {
	Env      string
	LogLevel string
	Store    StoreConfig
	Database DatabaseConfig
	Mongo    MongoConfig
	Auth     AuthConfig
	Security SecurityConfig
	Email    EmailConfig
}

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type AuthConfig struct {
	JWTSecret          string
	SessionTokenExpiry time.Duration
	AuthTokenExpiry    time.Duration
	ResetTokenExpiry   time.Duration
	ConfirmTokenExpiry time.Duration
	TOTPEncryptionKey  string // 32 bytes, base64
	TOTPIssuer         string
	PasswordHashCost   int
}

// SecurityConfig switches optional field groups and code paths on or off
type SecurityConfig struct {
	Confirmable            bool
	Recoverable            bool
	Trackable              bool
	TwoFactor              bool
	UnifiedSignin          bool
	UsernameEnable         bool
	SeparateTokenDomain    bool // fs_token_uniquifier anchors auth tokens
	WebAuthn               bool
	RecoveryCodes          bool
	RecoveryCodeCount      int
	RecoveryCodeHashCost   int
	UniquifierLength       int
	EmailFold              pkgauth.FoldMode
	UsernameFold           pkgauth.FoldMode
	ReturnGenericResponses bool
	FailureDelay           time.Duration // floor for failed code verification
}

// Notice delivery providers
const (
	EmailProviderLog = "log"
	EmailProviderSES = "ses"
)

type EmailConfig struct {
	Provider    string
	AWSRegion   string
	FromAddress string
	BaseURL     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	emailFold, err := pkgauth.ParseFoldMode(getEnv("SECURITY_EMAIL_FOLD", string(pkgauth.FoldASCII)))
	if err != nil {
		return nil, fmt.Errorf("SECURITY_EMAIL_FOLD: %w", err)
	}
	usernameFold, err := pkgauth.ParseFoldMode(getEnv("SECURITY_USERNAME_FOLD", string(pkgauth.FoldASCII)))
	if err != nil {
		return nil, fmt.Errorf("SECURITY_USERNAME_FOLD: %w", err)
	}

	cfg := &Config{
		Env:      env,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "keystone"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
			Database: getEnv("MONGO_DATABASE", "keystone"),
			Timeout:  getEnvAsDuration("MONGO_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			SessionTokenExpiry: getEnvAsDuration("SESSION_TOKEN_EXPIRY", 24*time.Hour),
			AuthTokenExpiry:    getEnvAsDuration("AUTH_TOKEN_EXPIRY", 30*24*time.Hour),
			ResetTokenExpiry:   getEnvAsDuration("RESET_TOKEN_EXPIRY", 1*time.Hour),
			ConfirmTokenExpiry: getEnvAsDuration("CONFIRM_TOKEN_EXPIRY", 5*24*time.Hour),
			TOTPEncryptionKey:  getEnv("TOTP_ENCRYPTION_KEY", ""),
			TOTPIssuer:         getEnv("TOTP_ISSUER", "Keystone"),
			PasswordHashCost:   getEnvAsInt("PASSWORD_HASH_COST", pkgauth.BcryptCost),
		},
		Security: SecurityConfig{
			Confirmable:            getEnvAsBool("SECURITY_CONFIRMABLE", true),
			Recoverable:            getEnvAsBool("SECURITY_RECOVERABLE", true),
			Trackable:              getEnvAsBool("SECURITY_TRACKABLE", false),
			TwoFactor:              getEnvAsBool("SECURITY_TWO_FACTOR", false),
			UnifiedSignin:          getEnvAsBool("SECURITY_UNIFIED_SIGNIN", false),
			UsernameEnable:         getEnvAsBool("SECURITY_USERNAME_ENABLE", false),
			SeparateTokenDomain:    getEnvAsBool("SECURITY_SEPARATE_TOKEN_DOMAIN", false),
			WebAuthn:               getEnvAsBool("SECURITY_WEBAUTHN", false),
			RecoveryCodes:          getEnvAsBool("SECURITY_MULTI_FACTOR_RECOVERY_CODES", false),
			RecoveryCodeCount:      getEnvAsInt("SECURITY_MULTI_FACTOR_RECOVERY_CODES_N", 5),
			RecoveryCodeHashCost:   getEnvAsInt("SECURITY_MULTI_FACTOR_RECOVERY_CODES_COST", 10),
			UniquifierLength:       getEnvAsInt("SECURITY_UNIQUIFIER_LENGTH", pkgauth.DefaultUniquifierLength),
			EmailFold:              emailFold,
			UsernameFold:           usernameFold,
			ReturnGenericResponses: getEnvAsBool("SECURITY_RETURN_GENERIC_RESPONSES", true),
			FailureDelay:           getEnvAsDuration("SECURITY_FAILURE_DELAY", 250*time.Millisecond),
		},
		Email: EmailConfig{
			Provider:    strings.ToLower(getEnv("EMAIL_PROVIDER", EmailProviderLog)),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "no-reply@localhost"),
			BaseURL:     getEnv("APP_BASE_URL", "http://localhost:8080"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, mongo, memory (got %q)", c.Store.Backend)
	}

	if err := validateJWTSecret(c.Auth.JWTSecret, c.Env); err != nil {
		return err
	}

	if c.Security.UniquifierLength < pkgauth.MinUniquifierLength || c.Security.UniquifierLength > pkgauth.MaxUniquifierLength {
		return fmt.Errorf("SECURITY_UNIQUIFIER_LENGTH must be between %d and %d",
			pkgauth.MinUniquifierLength, pkgauth.MaxUniquifierLength)
	}

	if c.Security.RecoveryCodes && (c.Security.RecoveryCodeCount < 1 || c.Security.RecoveryCodeCount > 50) {
		return fmt.Errorf("SECURITY_MULTI_FACTOR_RECOVERY_CODES_N must be between 1 and 50")
	}

	switch c.Email.Provider {
	case EmailProviderLog, EmailProviderSES:
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be one of log, ses (got %q)", c.Email.Provider)
	}

	if c.Security.TwoFactor && c.Auth.TOTPEncryptionKey == "" {
		return fmt.Errorf("TOTP_ENCRYPTION_KEY is required when SECURITY_TWO_FACTOR is enabled")
	}

	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// Flags returns the template-facing subset of the security configuration
func (s SecurityConfig) Flags() models.SecurityFlags {
	return models.SecurityFlags{
		Confirmable:    s.Confirmable,
		Recoverable:    s.Recoverable,
		UsernameEnable: s.UsernameEnable,
		TwoFactor:      s.TwoFactor,
		UnifiedSignin:  s.UnifiedSignin,
		WebAuthn:       s.WebAuthn,
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}
