package reporter

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/response"
)

//go:embed migrations
var migrations embed.FS

// DefaultListLimit is used when a Filter does not set a limit
const DefaultListLimit = 50

// FindingStore persists findings for review
type FindingStore interface {
	// Migrate brings the schema up to date
	Migrate(ctx context.Context) error
	// Insert stores a finding unless one with the same ID exists. It reports
	// whether a row was written.
	Insert(ctx context.Context, finding *response.Finding) (bool, error)
	// Get returns response.ErrNotFound when there is no finding with id
	Get(ctx context.Context, id string) (*response.Finding, error)
	List(ctx context.Context, filter Filter) ([]*response.Finding, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	// SetFlags updates the moderation flags that are not nil
	SetFlags(ctx context.Context, id string, ignore, falsePositive *bool) error
	Close() error
}

// Filter narrows List and Count. Empty fields match everything.
type Filter struct {
	PackageName    string
	PackageVersion string
	FoundBy        string
	Key            string
	Ignore         *bool
	FalsePositive  *bool
	Limit          int
	Offset         int
}

// Open connects to the store selected by cfg.Driver and migrates it
func Open(ctx context.Context, cfg config.Reporter) (FindingStore, error) {
	var store FindingStore
	var err error

	switch cfg.Driver {
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DSN)
	case "sqlite":
		store, err = NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported reporter driver: driver=%q", cfg.Driver)
	}

	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return store, nil
}

const findingColumns = `id, found_by, rule_key, fancy_name, tarball_name, package_name,
	package_version, file_path, file_excerpt, line_number, ignore, false_positive`

const insertFinding = `INSERT INTO findings (id, found_by, rule_key, fancy_name, tarball_name,
	package_name, package_version, file_path, file_excerpt, line_number)
	VALUES (%s) ON CONFLICT (id) DO NOTHING`

// placeholder renders the nth (1-based) bind parameter for a driver
type placeholder func(n int) string

func dollar(n int) string {
	return fmt.Sprintf("$%d", n)
}

func question(int) string {
	return "?"
}

func insertQuery(p placeholder) string {
	params := make([]string, 10)
	for i := range params {
		params[i] = p(i + 1)
	}

	return fmt.Sprintf(insertFinding, strings.Join(params, ", "))
}

func insertArgs(f *response.Finding) []any {
	return []any{
		f.ID, f.FoundBy, f.Key, f.FancyName, f.TarballName,
		f.PackageName, f.PackageVersion, f.FilePath, f.FileExcerpt, f.LineNumber,
	}
}

// where renders the filter as a WHERE clause and its args
func (f Filter) where(p placeholder) (string, []any) {
	var clauses []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = %s", column, p(len(args))))
	}

	if len(f.PackageName) > 0 {
		add("package_name", f.PackageName)
	}
	if len(f.PackageVersion) > 0 {
		add("package_version", f.PackageVersion)
	}
	if len(f.FoundBy) > 0 {
		add("found_by", f.FoundBy)
	}
	if len(f.Key) > 0 {
		add("rule_key", f.Key)
	}
	if f.Ignore != nil {
		add("ignore", *f.Ignore)
	}
	if f.FalsePositive != nil {
		add("false_positive", *f.FalsePositive)
	}

	if len(clauses) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f Filter) listQuery(p placeholder) (string, []any) {
	where, args := f.where(p)

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	args = append(args, limit, max(f.Offset, 0))
	query := fmt.Sprintf("SELECT %s FROM findings%s ORDER BY created_at, id LIMIT %s OFFSET %s",
		findingColumns, where, p(len(args)-1), p(len(args)))

	return query, args
}

func (f Filter) countQuery(p placeholder) (string, []any) {
	where, args := f.where(p)
	return "SELECT COUNT(*) FROM findings" + where, args
}

// setFlagsQuery returns an empty query when there is nothing to update
func setFlagsQuery(p placeholder, id string, ignore, falsePositive *bool) (string, []any) {
	var sets []string
	var args []any

	if ignore != nil {
		args = append(args, *ignore)
		sets = append(sets, "ignore = "+p(len(args)))
	}
	if falsePositive != nil {
		args = append(args, *falsePositive)
		sets = append(sets, "false_positive = "+p(len(args)))
	}

	if len(sets) == 0 {
		return "", nil
	}

	args = append(args, id)
	return fmt.Sprintf("UPDATE findings SET %s WHERE id = %s", strings.Join(sets, ", "), p(len(args))), args
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (*response.Finding, error) {
	var f response.Finding

	err := row.Scan(&f.ID, &f.FoundBy, &f.Key, &f.FancyName, &f.TarballName, &f.PackageName,
		&f.PackageVersion, &f.FilePath, &f.FileExcerpt, &f.LineNumber, &f.Ignore, &f.FalsePositive)
	if err != nil {
		return nil, err
	}

	return &f, nil
}

func notFound(id string) error {
	return response.Errorf(response.NotFound, "finding does not exist: id=%q", id)
}
