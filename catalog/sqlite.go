package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schemaDDL describes the minimal books table this subsystem expects of the
// source library's index. A real deployment's catalog is managed elsewhere;
// this DDL only exists so SQLiteCatalog is runnable against a throwaway
// database in tests and local trials.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS books (
	shard_key    INTEGER PRIMARY KEY,
	path         TEXT NOT NULL,
	format_hint  TEXT NOT NULL DEFAULT '',
	title        TEXT,
	author       TEXT,
	language     TEXT,
	series       TEXT,
	series_index REAL
);
`

// SQLiteCatalog implements Catalog over a SQLite-backed books index using
// database/sql and the mattn/go-sqlite3 driver, as named in section 4.10 of
// the expanded specification.
type SQLiteCatalog struct {
	db *sql.DB
}

// OpenSQLite opens a read-only connection to the catalog database at path.
// The source library is never mutated by this subsystem (section 5), so the
// connection is opened with SQLite's read-only query parameter.
func OpenSQLite(path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=30000", path))
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping %s: %w", path, err)
	}
	return &SQLiteCatalog{db: db}, nil
}

// OpenSQLiteWritable opens a writable connection and ensures the books table
// exists. Intended for test fixtures and the bundled data generator, never
// for worker or supervisor processes, which always use OpenSQLite.
func OpenSQLiteWritable(path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: migrate %s: %w", path, err)
	}
	return &SQLiteCatalog{db: db}, nil
}

// Close releases the underlying database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// Insert adds or replaces a record, for use by test fixtures and the data
// generator only.
func (c *SQLiteCatalog) Insert(ctx context.Context, rec SourceRecord) error {
	var title, author, language, series sql.NullString
	var seriesIndex sql.NullFloat64
	if rec.PrefetchedMetadata != nil {
		title = sql.NullString{String: rec.PrefetchedMetadata.Title, Valid: true}
		if len(rec.PrefetchedMetadata.Authors) > 0 {
			author = sql.NullString{String: rec.PrefetchedMetadata.Authors[0], Valid: true}
		}
		language = sql.NullString{String: rec.PrefetchedMetadata.Language, Valid: true}
		series = sql.NullString{String: rec.PrefetchedMetadata.Series, Valid: true}
		seriesIndex = sql.NullFloat64{Float64: rec.PrefetchedMetadata.SeriesIndex, Valid: true}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO books (shard_key, path, format_hint, title, author, language, series, series_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_key) DO UPDATE SET
			path=excluded.path, format_hint=excluded.format_hint, title=excluded.title,
			author=excluded.author, language=excluded.language, series=excluded.series,
			series_index=excluded.series_index
	`, rec.ShardKey, rec.Path, rec.FormatHint, title, author, language, series, seriesIndex)
	if err != nil {
		return fmt.Errorf("catalog: insert shard_key=%d: %w", rec.ShardKey, err)
	}
	return nil
}

// NextBatch implements Catalog.NextBatch over the books table.
func (c *SQLiteCatalog) NextBatch(ctx context.Context, shardID, nShards int, lastKey int64, limit int) ([]SourceRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT shard_key, path, format_hint, title, author, language, series, series_index
		FROM books
		WHERE shard_key > ? AND shard_key % ? = ?
		ORDER BY shard_key ASC
		LIMIT ?
	`, lastKey, nShards, shardID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: next batch shard=%d/%d after %d: %w", shardID, nShards, lastKey, err)
	}
	defer func() { _ = rows.Close() }()

	var records []SourceRecord
	for rows.Next() {
		var rec SourceRecord
		var title, author, language, series sql.NullString
		var seriesIndex sql.NullFloat64

		if err := rows.Scan(&rec.ShardKey, &rec.Path, &rec.FormatHint, &title, &author, &language, &series, &seriesIndex); err != nil {
			return nil, fmt.Errorf("catalog: scan row: %w", err)
		}

		if title.Valid {
			rec.PrefetchedMetadata = &PrefetchedMetadata{
				Title:       title.String,
				Language:    language.String,
				Series:      series.String,
				SeriesIndex: seriesIndex.Float64,
			}
			if author.Valid && author.String != "" {
				rec.PrefetchedMetadata.Authors = []string{author.String}
			}
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate rows: %w", err)
	}

	return records, nil
}

// CountTotal implements Catalog.CountTotal.
func (c *SQLiteCatalog) CountTotal(ctx context.Context) (int64, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&count); err != nil {
		return 0, fmt.Errorf("catalog: count total: %w", err)
	}
	return count, nil
}
