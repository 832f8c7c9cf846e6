// Package storage provides SQLite persistence for abusewatch.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/abusewatch/internal/util"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
	mu   sync.RWMutex
	path string
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*DB, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{DB: sqlDB, path: path}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return db, nil
}

func (db *DB) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checked_ips (
			ip TEXT PRIMARY KEY,
			first_seen DATETIME NOT NULL,
			last_checked DATETIME NOT NULL,
			check_count INTEGER NOT NULL DEFAULT 1,
			threat_level INTEGER NOT NULL DEFAULT 0,
			country TEXT NOT NULL DEFAULT 'Unknown',
			destination_port TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checked_ips_last_checked ON checked_ips(last_checked)`,
		`CREATE INDEX IF NOT EXISTS idx_checked_ips_threat_level ON checked_ips(threat_level)`,

		`CREATE TABLE IF NOT EXISTS threats (
			ip TEXT PRIMARY KEY,
			abuse_score INTEGER NOT NULL DEFAULT 0,
			reports INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL,
			categories TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT 'Unknown',
			threat_level INTEGER NOT NULL DEFAULT 0,
			marked_safe INTEGER NOT NULL DEFAULT 0,
			marked_safe_date DATETIME,
			marked_safe_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_last_seen ON threats(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_level ON threats(threat_level, marked_safe)`,

		`CREATE TABLE IF NOT EXISTS daily_quota (
			date TEXT PRIMARY KEY,
			checks_performed INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS stats (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", table, err)
		}
	}

	// Columns added after the first release; errors mean they already exist.
	migrations := []string{
		"ALTER TABLE checked_ips ADD COLUMN destination_port TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE threats ADD COLUMN marked_safe_by TEXT NOT NULL DEFAULT ''",
	}
	for _, m := range migrations {
		db.Exec(m)
	}

	return nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// WithLock executes a function with write lock.
func (db *DB) WithLock(fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn()
}

// WithRLock executes a function with read lock.
func (db *DB) WithRLock(fn func() error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fn()
}

// WithTx runs fn inside a transaction under the write lock.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	return db.WithLock(func() error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
