// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package sqlitedb implements the Records contract on SQLite.
package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/feedspine/feedspine/storage"
)

var (
	// Error is the default sqlitedb errs class.
	Error = errs.Class("sqlitedb")

	mon = monkit.Package()
)

// DB implements storage.Records on a single SQLite database file.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens or creates the database at dbPath and applies pending schema
// migrations.
func Open(ctx context.Context, log *zap.Logger, dbPath string) (db *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, Error.Wrap(err)
	}

	sqlite, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_busy_timeout=10000", dbPath))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = sqlite.Close()
		}
	}()

	// a single writer connection avoids SQLITE_BUSY under concurrent pipelines
	sqlite.SetMaxOpenConns(1)

	// try to enable write-ahead-logging
	_, _ = sqlite.ExecContext(ctx, `PRAGMA journal_mode = WAL`)

	db = &DB{log: log, db: sqlite}
	if err := db.migrate(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// migrate applies schema steps that have not run yet, recording each in the
// versions table.
func (db *DB) migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS versions (
		version INTEGER PRIMARY KEY,
		commited_at TEXT
	)`)
	if err != nil {
		return Error.Wrap(err)
	}

	var current int
	err = db.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM versions`).Scan(&current)
	if err != nil {
		return Error.Wrap(err)
	}

	for i, step := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, stmt := range step {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return Error.Wrap(errs.Combine(err, tx.Rollback()))
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO versions (version, commited_at) VALUES (?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
		db.log.Debug("applied migration", zap.Int("version", version))
	}
	return nil
}

var migrations = [][]string{
	{
		`CREATE TABLE records (
			id            TEXT PRIMARY KEY,
			natural_key   TEXT NOT NULL UNIQUE,
			layer         TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata      TEXT NOT NULL,
			published_at  TEXT NOT NULL,
			captured_at   TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			version       INTEGER NOT NULL DEFAULT 1,
			first_seen_at TEXT NOT NULL,
			last_seen_at  TEXT NOT NULL,
			seen_count    INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX idx_records_layer ON records (layer)`,
		`CREATE TABLE sightings (
			id            TEXT PRIMARY KEY,
			natural_key   TEXT NOT NULL,
			record_id     TEXT REFERENCES records (id),
			source        TEXT NOT NULL,
			seen_at       TEXT NOT NULL,
			is_new        INTEGER NOT NULL,
			raw_data_hash TEXT,
			metadata      TEXT
		)`,
		`CREATE INDEX idx_sightings_natural_key ON sightings (natural_key)`,
	},
	{
		`CREATE TABLE record_versions (
			record_id  TEXT NOT NULL REFERENCES records (id),
			version    INTEGER NOT NULL,
			layer      TEXT NOT NULL,
			content    TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (record_id, version)
		)`,
		`CREATE TABLE feed_runs (
			id           TEXT PRIMARY KEY,
			feed_name    TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			completed_at TEXT,
			data         TEXT NOT NULL
		)`,
		`CREATE INDEX idx_feed_runs_feed_name ON feed_runs (feed_name)`,
	},
}

// timeLayout pads the fraction to nine digits so the TEXT encoding sorts in
// time order; RFC3339Nano trims trailing zeros, which puts a whole second
// after a fractional instant within it ('Z' > '.').
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	return string(data), Error.Wrap(err)
}

// wrap maps driver errors to the storage error classes.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if sqliteErr, ok := errAs(err); ok {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return storage.ErrDuplicate.Wrap(err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return storage.ErrUnavailable.Wrap(err)
		}
	}
	return Error.Wrap(err)
}

func errAs(err error) (sqlite3.Error, bool) {
	for err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok {
			return sqliteErr, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return sqlite3.Error{}, false
}
