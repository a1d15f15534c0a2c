// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists job rows in an embedded SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// SQLiteConfig defines standard SQLite operational parameters.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig returns the recommended connection settings.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs applied
// through the DSN so they hold for every pooled connection: WAL journaling,
// busy_timeout, synchronous=NORMAL and foreign keys.
func Open(dbPath string, cfg SQLiteConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}
