// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store provides persistence for fetched network resources and
// their HTTP cache validators.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kortschak/reel/internal/slogext"

	// For sql.DB registration.
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a URI has no stored entry.
var ErrNotFound = errors.New("not found")

// DB is a persistent response store.
type DB struct {
	mu    sync.Mutex
	store *sql.DB
	log   *slog.Logger
}

// Schema is the DB schema. Fetched times are Unix milliseconds.
const Schema = `
create table if not exists responses(
	uri      TEXT NOT NULL,
	etag     TEXT,
	modified TEXT,
	data     BLOB NOT NULL,
	fetched  INTEGER NOT NULL,
	PRIMARY KEY(uri)
);
`

const (
	upsert = `
insert into responses values(?, ?, ?, ?, ?)
  on conflict do update set etag=?, modified=?, data=?, fetched=?;
`

	get = `
select etag, modified, data, fetched from responses where uri is ?;
`

	delet = `
delete from responses where uri is ?;
`

	prune = `
delete from responses where fetched < ?;
`

	stats = `
select count(*), coalesce(sum(length(data)), 0) from responses;
`
)

// Entry is a stored response body and its validators.
type Entry struct {
	URI string
	// ETag and LastModified are the response's
	// validator header values. Either may be empty.
	ETag         string
	LastModified string
	Data         []byte
	Fetched      time.Time
}

// Open opens a DB, creating the tables if required.
// See https://pkg.go.dev/modernc.org/sqlite#Driver.Open for name handling
// details.
func Open(name string, log *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{store: db, log: log.With(slog.String("component", "store"))}, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Get returns the entry for uri. Get returns ErrNotFound if no entry is
// found.
func (db *DB) Get(ctx context.Context, uri string) (Entry, error) {
	db.log.LogAttrs(ctx, slog.LevelDebug, "get", slog.String("uri", uri))
	db.mu.Lock()
	e, err := db.get(ctx, db.store, uri)
	db.mu.Unlock()
	if err != nil && err != ErrNotFound {
		db.log.LogAttrs(ctx, slog.LevelError, "get", slog.String("uri", uri), slog.Any("error", err))
	}
	return e, err
}

func (*DB) get(ctx context.Context, db querier, uri string) (Entry, error) {
	rows, err := db.QueryContext(ctx, get, uri)
	if err != nil {
		return Entry{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Entry{}, err
		}
		return Entry{}, ErrNotFound
	}
	var (
		etag, modified *string
		data           []byte
		fetched        int64
	)
	err = rows.Scan(&etag, &modified, &data, &fetched)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		URI:     uri,
		Data:    data,
		Fetched: time.UnixMilli(fetched),
	}
	if etag != nil {
		e.ETag = *etag
	}
	if modified != nil {
		e.LastModified = *modified
	}
	return e, rows.Err()
}

// Put stores e, replacing any existing entry for its URI. Entries without
// a validator are not useful for revalidation and are not stored.
func (db *DB) Put(ctx context.Context, e Entry) error {
	if e.ETag == "" && e.LastModified == "" {
		return nil
	}
	db.log.LogAttrs(ctx, slog.LevelDebug, "put",
		slog.String("uri", e.URI),
		slog.String("etag", e.ETag),
		slog.String("modified", e.LastModified),
		slog.Any("bytes", slogext.Bytes(len(e.Data))),
	)
	if e.Fetched.IsZero() {
		e.Fetched = time.Now()
	}
	if e.Data == nil {
		e.Data = []byte{}
	}
	db.mu.Lock()
	err := db.set(ctx, db.store, e)
	db.mu.Unlock()
	if err != nil {
		db.log.LogAttrs(ctx, slog.LevelError, "put", slog.String("uri", e.URI), slog.Any("error", err))
	}
	return err
}

func (*DB) set(ctx context.Context, db querier, e Entry) error {
	etag, modified := nilEmpty(e.ETag), nilEmpty(e.LastModified)
	fetched := e.Fetched.UnixMilli()
	_, err := db.ExecContext(ctx, upsert,
		e.URI, etag, modified, e.Data, fetched,
		etag, modified, e.Data, fetched,
	)
	return err
}

// Touch updates the fetched time of the entry for uri after a successful
// revalidation.
func (db *DB) Touch(ctx context.Context, uri string, now time.Time) (err error) {
	db.log.LogAttrs(ctx, slog.LevelDebug, "touch", slog.String("uri", uri))
	db.mu.Lock()
	defer func() {
		db.mu.Unlock()
		if err != nil {
			db.log.LogAttrs(ctx, slog.LevelError, "touch", slog.String("uri", uri), slog.Any("error", err))
		}
	}()
	tx, err := db.store.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	e, err := db.get(ctx, tx, uri)
	if err != nil {
		tx.Rollback()
		return err
	}
	e.Fetched = now
	err = db.set(ctx, tx, e)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Delete removes the entry for uri.
func (db *DB) Delete(ctx context.Context, uri string) error {
	db.log.LogAttrs(ctx, slog.LevelDebug, "delete", slog.String("uri", uri))
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.store.ExecContext(ctx, delet, uri)
	if err != nil {
		db.log.LogAttrs(ctx, slog.LevelError, "delete", slog.String("uri", uri), slog.Any("error", err))
	}
	return err
}

// Prune removes entries fetched before the provided time and returns the
// number of entries removed.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.store.ExecContext(ctx, prune, before.UnixMilli())
	if err != nil {
		db.log.LogAttrs(ctx, slog.LevelError, "prune", slog.Any("error", err))
		return 0, err
	}
	n, err := res.RowsAffected()
	db.log.LogAttrs(ctx, slog.LevelDebug, "prune", slog.Time("before", before), slog.Int64("removed", n))
	return n, err
}

// Stats returns the number of stored entries and the total size of their
// bodies.
func (db *DB) Stats(ctx context.Context) (entries int, size int64, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	err = db.store.QueryRowContext(ctx, stats).Scan(&entries, &size)
	return entries, size, err
}

// Close closes the database.
func (db *DB) Close() error {
	return db.store.Close()
}

func nilEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
