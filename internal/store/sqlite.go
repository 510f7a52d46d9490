// Package store implements the durable key/value adapter backing the
// trading runtime, plus the write-behind persistence queue in front of it.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"option_trader/internal/core"
	apperrors "option_trader/pkg/errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// kvSchema is applied at startup. Every row carries a sha256 checksum of
// its value so corruption is detected on read rather than acted upon.
const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
    ns         TEXT    NOT NULL,
    k          TEXT    NOT NULL,
    state      TEXT    NOT NULL DEFAULT '',
    value      BLOB    NOT NULL,
    checksum   BLOB    NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (ns, k)
);

CREATE INDEX IF NOT EXISTS idx_kv_ns_state ON kv(ns, state);
`

// SQLiteStore is the durable adapter. All writes run in serializable
// transactions; WAL mode keeps readers unblocked during commits.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(kvSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get returns the value stored under (ns, key) after verifying its checksum.
func (s *SQLiteStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	var value []byte
	var storedChecksum []byte
	query := `SELECT value, checksum FROM kv WHERE ns = ? AND k = ?`
	err := s.db.QueryRowContext(ctx, query, ns, key).Scan(&value, &storedChecksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", ns, key, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", ns, key, err)
	}

	if err := verifyChecksum(value, storedChecksum); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, err)
	}
	return value, nil
}

// Upsert writes value under (ns, key). With OnConflictIgnore an existing
// row is left untouched; with OnConflictReplace the value is overwritten
// and created_at preserved.
func (s *SQLiteStore) Upsert(ctx context.Context, ns, key string, value []byte, onConflict core.OnConflict) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	checksum := sha256.Sum256(value)
	now := time.Now().UnixMilli()

	var query string
	switch onConflict {
	case core.OnConflictIgnore:
		query = `INSERT INTO kv (ns, k, state, value, checksum, created_at, updated_at)
                 VALUES (?, ?, '', ?, ?, ?, ?)
                 ON CONFLICT(ns, k) DO NOTHING`
	default:
		query = `INSERT INTO kv (ns, k, state, value, checksum, created_at, updated_at)
                 VALUES (?, ?, '', ?, ?, ?, ?)
                 ON CONFLICT(ns, k) DO UPDATE SET
                     value = excluded.value,
                     checksum = excluded.checksum,
                     updated_at = excluded.updated_at`
	}
	if _, err := tx.ExecContext(ctx, query, ns, key, value, checksum[:], now, now); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", ns, key, err)
	}

	return tx.Commit()
}

// Append inserts a new row with an initial state and fails with
// apperrors.ErrDuplicateKey if the key already exists.
func (s *SQLiteStore) Append(ctx context.Context, ns, key string, value []byte, state string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	checksum := sha256.Sum256(value)
	now := time.Now().UnixMilli()

	query := `INSERT INTO kv (ns, k, state, value, checksum, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, ns, key, state, value, checksum[:], now, now); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s/%s: %w", ns, key, apperrors.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to append %s/%s: %w", ns, key, err)
	}

	return tx.Commit()
}

// List returns all rows in ns whose key starts with keyPrefix, ordered by
// key. Every row's checksum is verified.
func (s *SQLiteStore) List(ctx context.Context, ns, keyPrefix string) ([]core.StoreRow, error) {
	query := `SELECT k, state, value, checksum FROM kv
              WHERE ns = ? AND substr(k, 1, ?) = ?
              ORDER BY k`
	rows, err := s.db.QueryContext(ctx, query, ns, len(keyPrefix), keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", ns, err)
	}
	defer rows.Close()

	var result []core.StoreRow
	for rows.Next() {
		var row core.StoreRow
		var storedChecksum []byte
		if err := rows.Scan(&row.Key, &row.State, &row.Value, &storedChecksum); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", ns, err)
		}
		if err := verifyChecksum(row.Value, storedChecksum); err != nil {
			return nil, fmt.Errorf("%s/%s: %w", ns, row.Key, err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", ns, err)
	}
	return result, nil
}

// UpdateState transitions a row's state, optionally replacing its value.
// When from states are given the update only applies if the current state
// is one of them; the returned bool reports whether a row changed.
func (s *SQLiteStore) UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UnixMilli()
	var query strings.Builder
	args := []interface{}{to}

	query.WriteString(`UPDATE kv SET state = ?`)
	if value != nil {
		checksum := sha256.Sum256(value)
		query.WriteString(`, value = ?, checksum = ?`)
		args = append(args, value, checksum[:])
	}
	query.WriteString(`, updated_at = ? WHERE ns = ? AND k = ?`)
	args = append(args, now, ns, key)

	if len(from) > 0 {
		query.WriteString(` AND state IN (?` + strings.Repeat(", ?", len(from)-1) + `)`)
		for _, f := range from {
			args = append(args, f)
		}
	}

	res, err := tx.ExecContext(ctx, query.String(), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update state of %s/%s: %w", ns, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to resolve affected rows for %s/%s: %w", ns, key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func verifyChecksum(value, stored []byte) error {
	computed := sha256.Sum256(value)
	if !bytes.Equal(stored, computed[:]) {
		return fmt.Errorf("data corruption detected: %w", apperrors.ErrChecksumMismatch)
	}
	return nil
}
