package license

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createKeysTable = `
CREATE TABLE IF NOT EXISTS license_keys (
	key TEXT PRIMARY KEY,
	entitlement_class TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	usage_limit INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	position INTEGER NOT NULL
);`

// SQLitePersister stores the collection in a single SQLite table. Save
// rewrites the table inside one transaction.
type SQLitePersister struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLitePersister opens (or creates) the database at path.
func NewSQLitePersister(ctx context.Context, path string, logger *slog.Logger) (*SQLitePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; the store already serializes saves
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, createKeysTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create license_keys table: %w", err)
	}

	return &SQLitePersister{
		db:     db,
		path:   path,
		logger: logger.With(slog.String("component", "key_sqlite")),
	}, nil
}

// Load reads all rows in issuance order.
func (p *SQLitePersister) Load(ctx context.Context) ([]KeyRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, entitlement_class, usage_count, usage_limit, created_at
		FROM license_keys ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var records []KeyRecord
	for rows.Next() {
		var (
			rec       KeyRecord
			createdAt string
		)
		if err := rows.Scan(&rec.Key, &rec.EntitlementClass, &rec.UsageCount, &rec.UsageLimit, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("key %s: bad created_at %q: %w", MaskKey(rec.Key), createdAt, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}

	p.logger.DebugContext(ctx, "keys read from database",
		slog.String("path", p.path),
		slog.Int("records", len(records)))
	return records, nil
}

// Save replaces the table contents with records.
func (p *SQLitePersister) Save(ctx context.Context, records []KeyRecord) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM license_keys"); err != nil {
		return fmt.Errorf("failed to clear keys: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO license_keys (key, entitlement_class, usage_count, usage_limit, created_at, position)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err = stmt.ExecContext(ctx, rec.Key, rec.EntitlementClass, rec.UsageCount,
			rec.UsageLimit, rec.CreatedAt.UTC().Format(time.RFC3339Nano), i); err != nil {
			return fmt.Errorf("failed to insert key %s: %w", MaskKey(rec.Key), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit keys: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
