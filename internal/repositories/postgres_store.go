package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BradenHooton/keystone/internal/database"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore is the pgx-backed Store
type PostgresStore struct {
	db   *database.DB
	q    querier
	inTx bool
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db.Pool}
}

func (s *PostgresStore) Users() UserRepository {
	return &UserRepositoryImpl{q: s.q}
}

func (s *PostgresStore) Roles() RoleRepository {
	return &RoleRepositoryImpl{q: s.q}
}

func (s *PostgresStore) Credentials() CredentialRepository {
	return &CredentialRepositoryImpl{q: s.q}
}

func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	return s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{db: s.db, q: tx, inTx: true})
	})
}

var _ Store = (*PostgresStore)(nil)
