package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/response"
)

// PostgresStore keeps findings in postgres
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, retrying with an exponential backoff
// while the database comes up
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		if err := pool.Ping(ctx); err != nil {
			logger.Warning("finding store not ready: error=%q", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		pool.Close()
		return nil, response.Errorf(response.StoreUnavailable, "failed to connect to postgres after retries: %w", err)
	}

	return NewPostgresStoreFromPool(pool), nil
}

// NewPostgresStoreFromPool wraps an existing pool
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded postgres migrations
func (s *PostgresStore) Migrate(_ context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("could not create pgx migration driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("could not load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// Insert stores a finding, doing nothing when the ID already exists
func (s *PostgresStore) Insert(ctx context.Context, finding *response.Finding) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertQuery(dollar), insertArgs(finding)...)
	if err != nil {
		return false, response.Errorf(response.StoreUnavailable, "could not insert finding: id=%q error=%w", finding.ID, err)
	}

	// No rows affected means ON CONFLICT DO NOTHING kicked in
	return tag.RowsAffected() > 0, nil
}

// Get returns a finding by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*response.Finding, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+findingColumns+" FROM findings WHERE id = $1", id)

	finding, err := scanFinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}

	return finding, err
}

// List returns the findings matching filter
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*response.Finding, error) {
	query, args := filter.listQuery(dollar)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not list findings: %w", err)
	}
	defer rows.Close()

	findings := []*response.Finding{}
	for rows.Next() {
		finding, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, finding)
	}

	return findings, rows.Err()
}

// Count returns how many findings match filter
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	query, args := filter.countQuery(dollar)

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("could not count findings: %w", err)
	}

	return count, nil
}

// SetFlags updates the moderation flags of a finding
func (s *PostgresStore) SetFlags(ctx context.Context, id string, ignore, falsePositive *bool) error {
	query, args := setFlagsQuery(dollar, id, ignore, falsePositive)
	if len(query) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not update finding: id=%q error=%w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return notFound(id)
	}

	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
