package tasksource

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSource implements Source using SQLite.
type SQLiteSource struct {
	db *sql.DB
}

// NewSQLiteSource opens (or creates) a SQLite-backed source at the given
// path. Creates parent directories if needed. Enables WAL mode and a busy
// timeout so concurrent status writes don't fail immediately.
func NewSQLiteSource(ctx context.Context, dbPath string) (*SQLiteSource, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSource(ctx, connStr)
}

// NewMemorySource creates an in-memory source for testing. Uses a shared
// cache so multiple connections see the same database.
func NewMemorySource(ctx context.Context) (*SQLiteSource, error) {
	return openSource(ctx, "file::memory:?mode=memory&cache=shared")
}

func openSource(ctx context.Context, connStr string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys must be enabled per connection via PRAGMA with
	// modernc.org/sqlite; the connection string form is not supported.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for the dependency
	// subqueries issued while iterating Load results.
	db.SetMaxOpenConns(2)

	src := &SQLiteSource{db: db}
	if err := src.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return src, nil
}

// Close closes the database connection.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
