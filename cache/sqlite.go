package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteStore struct {
	tag string
	p   SQLiteProvider
}

// NewSQLiteProvider opens (or creates) the sqlite database with the given filename.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, fmt.Errorf("opening sqlite db: %w", err)
	}
	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS stores (
			tag TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			tag TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (tag, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteProvider{}, fmt.Errorf("initializing sqlite db: %w", err)
		}
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteProvider) Open(ctx context.Context, tag string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO stores (tag, created_at) VALUES (?, ?)", tag, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return sqliteStore{tag: tag, p: s}, nil
}

func (s SQLiteProvider) Tags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM stores ORDER BY tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return tags, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s SQLiteProvider) Delete(ctx context.Context, tag string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE tag = ?", tag); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE tag = ?", tag); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

func (s sqliteStore) Tag() string {
	return s.tag
}

func (s sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	s.p.writeMutex.Lock()
	defer s.p.writeMutex.Unlock()
	res, err := s.p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (tag, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE tag = ?)`,
		s.tag, key, time.Now().Unix(), value, s.tag)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.p.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE tag = ? AND key = ?", s.tag, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.p.db.QueryContext(ctx, "SELECT key FROM entries WHERE tag = ? ORDER BY key", s.tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
