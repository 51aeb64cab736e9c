package reporter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/leaktk/nps/pkg/response"
)

// SQLiteStore keeps findings in a sqlite database. It suits single host
// deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the sqlite database at dsn
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

// Migrate applies the embedded sqlite migrations
func (s *SQLiteStore) Migrate(_ context.Context) error {
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("could not create sqlite migration driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("could not load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// Insert stores a finding, doing nothing when the ID already exists
func (s *SQLiteStore) Insert(ctx context.Context, finding *response.Finding) (bool, error) {
	result, err := s.db.ExecContext(ctx, insertQuery(question), insertArgs(finding)...)
	if err != nil {
		return false, response.Errorf(response.StoreUnavailable, "could not insert finding: id=%q error=%w", finding.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// Get returns a finding by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*response.Finding, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+findingColumns+" FROM findings WHERE id = ?", id)

	finding, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}

	return finding, err
}

// List returns the findings matching filter
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*response.Finding, error) {
	query, args := filter.listQuery(question)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int64, error) {
	query, args := filter.countQuery(question)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("could not count findings: %w", err)
	}

	return count, nil
}

// SetFlags updates the moderation flags of a finding
func (s *SQLiteStore) SetFlags(ctx context.Context, id string, ignore, falsePositive *bool) error {
	query, args := setFlagsQuery(question, id, ignore, falsePositive)
	if len(query) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not update finding: id=%q error=%w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return notFound(id)
	}

	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
