// Package mongostore implements the identity Store on MongoDB. Unique
// constraints are unique indexes; transactions use client sessions and
// therefore need a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
)

const (
	usersCollection       = "users"
	rolesCollection       = "roles"
	credentialsCollection = "webauthn_credentials"
)

// Index names double as the key for duplicate-key translation
var uniqueIndexFields = map[string]string{
	"uq_users_email":                   models.FieldEmail,
	"uq_users_username":                models.FieldUsername,
	"uq_users_fs_uniquifier":           models.FieldUniquifier,
	"uq_users_fs_token_uniquifier":     models.FieldTokenUniquifier,
	"uq_users_fs_webauthn_user_handle": models.FieldWebAuthnUserHandle,
	"uq_roles_name":                    models.FieldRoleName,
}

const credentialIDIndex = "uq_webauthn_credential_id"

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Connect dials MongoDB, verifies the connection and ensures indexes exist
func Connect(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(cfg.Database), logger: logger}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("identity store connected", slog.String("backend", "mongo"), slog.String("database", cfg.Database))
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.logger.Info("closing identity store connection")
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique indexes the Store relies on. Optional
// fields use partial indexes so NULLs never collide.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	optionalString := func(field string) *options.IndexOptions {
		return options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{field: bson.M{"$type": "string"}})
	}

	users := []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uq_users_email")},
		{Keys: bson.D{{Key: "fs_uniquifier", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uq_users_fs_uniquifier")},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: optionalString("username").SetName("uq_users_username")},
		{Keys: bson.D{{Key: "fs_token_uniquifier", Value: 1}}, Options: optionalString("fs_token_uniquifier").SetName("uq_users_fs_token_uniquifier")},
		{Keys: bson.D{{Key: "fs_webauthn_user_handle", Value: 1}}, Options: optionalString("fs_webauthn_user_handle").SetName("uq_users_fs_webauthn_user_handle")},
	}
	roles := []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uq_roles_name")},
	}
	creds := []mongo.IndexModel{
		{Keys: bson.D{{Key: "credential_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName(credentialIDIndex)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("idx_webauthn_credentials_user_id")},
	}

	for name, idx := range map[string][]mongo.IndexModel{
		usersCollection:       users,
		rolesCollection:       roles,
		credentialsCollection: creds,
	} {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Users() repositories.UserRepository {
	return &userRepo{col: s.db.Collection(usersCollection), creds: s.db.Collection(credentialsCollection)}
}

func (s *Store) Roles() repositories.RoleRepository {
	return &roleRepo{col: s.db.Collection(rolesCollection), users: s.db.Collection(usersCollection)}
}

func (s *Store) Credentials() repositories.CredentialRepository {
	return &credentialRepo{col: s.db.Collection(credentialsCollection)}
}

// WithTransaction runs fn in a session transaction. The session travels in
// ctx, so repositories obtained from the same Store take part automatically.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx, s)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, s)
	})
	return err
}

var _ repositories.Store = (*Store)(nil)

// mapMongoError translates driver errors into model errors
func mapMongoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		msg := err.Error()
		if strings.Contains(msg, credentialIDIndex) {
			return models.ErrDuplicateCredential
		}
		for index, field := range uniqueIndexFields {
			if strings.Contains(msg, "index: "+index+" ") {
				return &models.DuplicateKeyError{Field: field}
			}
		}
		return models.ErrConflict
	}
	return err
}

func now() time.Time {
	// Mongo stores milliseconds
	return time.Now().UTC().Truncate(time.Millisecond)
}
