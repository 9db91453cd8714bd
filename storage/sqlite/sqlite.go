// Package sqlite stores the Entry and Chain tables in SQLite through
// github.com/mattn/go-sqlite3.
//
// Both tables share the schema
//
//	CREATE TABLE <name> (uid BLOB PRIMARY KEY, value BLOB NOT NULL)
//
// and the compare-and-swap of Upsert is a single conditional statement per
// row, run inside one immediate transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// DriverName is the database/sql driver registered by go-sqlite3.
const DriverName = "sqlite3"

// Options configures a Store.
type Options struct {
	// EntryTable and ChainTable name the two tables.
	EntryTable string
	ChainTable string

	// BatchSize bounds the uids bound to one SELECT or DELETE statement.
	// SQLite limits host parameters per statement.
	BatchSize int

	// CreateTables runs CREATE TABLE IF NOT EXISTS on Open.
	CreateTables bool
}

// DefaultOptions returns the table names used by the Findex SQLite schema.
func DefaultOptions() Options {
	return Options{
		EntryTable:   "entry_table",
		ChainTable:   "chain_table",
		BatchSize:    500,
		CreateTables: true,
	}
}

// Store is a storage.Backend backed by a *sql.DB.
type Store struct {
	storage.Unimplemented

	db     *sql.DB
	opts   Options
	tables [2]string
	owned  bool
}

var _ storage.Backend = (*Store)(nil)

// Open opens (or creates) the database at dsn, e.g. "file:index.db" or
// ":memory:". Transactions take the write lock up front.
func Open(ctx context.Context, dsn string, optFns ...func(*Options)) (*Store, error) {
	if !strings.Contains(dsn, "_txlock=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_txlock=immediate"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, optFns...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing database handle. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, optFns ...func(*Options)) (*Store, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	for _, name := range []string{opts.EntryTable, opts.ChainTable} {
		if !validIdent(name) {
			return nil, fmt.Errorf("sqlite: invalid table name %q", name)
		}
	}

	s := &Store{
		Unimplemented: storage.AllOps(),
		db:            db,
		opts:          opts,
		tables:        [2]string{opts.EntryTable, opts.ChainTable},
	}
	if opts.CreateTables {
		for _, name := range s.tables {
			q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (uid BLOB PRIMARY KEY, value BLOB NOT NULL)", name)
			if _, err := db.ExecContext(ctx, q); err != nil {
				return nil, fmt.Errorf("%w: create table %s: %w", storage.ErrStorage, name, err)
			}
		}
	}
	return s, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func validIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (s *Store) table(t storage.Table) (string, error) {
	if int(t) >= len(s.tables) {
		return "", fmt.Errorf("unknown table %s", t)
	}
	return s.tables[t], nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func uidArgs(uids []model.Uid32) []any {
	args := make([]any, len(uids))
	for i, u := range uids {
		args[i] = u.Bytes()
	}
	return args
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) fetch(ctx context.Context, q queryer, name string, uids []model.Uid32) ([]model.Row, error) {
	var out []model.Row
	for _, chunk := range storage.Chunk(uids, s.opts.BatchSize) {
		query := fmt.Sprintf("SELECT uid, value FROM %s WHERE uid IN (%s)", name, placeholders(len(chunk)))
		rows, err := q.QueryContext(ctx, query, uidArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var uid, value []byte
			if err := rows.Scan(&uid, &value); err != nil {
				_ = rows.Close()
				return nil, err
			}
			u, err := model.UidFromBytes(uid)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, model.Row{Uid: u, Value: value})
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Fetch implements storage.Backend.
func (s *Store) Fetch(ctx context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	name, err := s.table(t)
	if err != nil {
		return nil, storage.Wrap(storage.OpFetch, t, err)
	}
	rows, err := s.fetch(ctx, s.db, name, uids)
	if err != nil {
		return nil, storage.Wrap(storage.OpFetch, t, err)
	}
	return rows, nil
}

// FetchAllUids implements storage.Backend.
func (s *Store) FetchAllUids(ctx context.Context, t storage.Table) ([]model.Uid32, error) {
	name, err := s.table(t)
	if err != nil {
		return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT uid FROM "+name)
	if err != nil {
		return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
	}
	defer func() { _ = rows.Close() }()

	var uids []model.Uid32
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
		}
		u, err := model.UidFromBytes(b)
		if err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
		}
		uids = append(uids, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
	}
	return uids, nil
}

// Upsert implements storage.Backend. A row whose previous value is empty is
// only inserted if absent; otherwise it is updated only if its stored value
// equals the previous one.
func (s *Store) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	name, err := s.table(t)
	if err != nil {
		return nil, storage.Wrap(storage.OpUpsert, t, err)
	}

	rejected := make(map[model.Uid32]model.Value)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		insert, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (uid, value) VALUES (?, ?) ON CONFLICT(uid) DO NOTHING", name))
		if err != nil {
			return err
		}
		defer func() { _ = insert.Close() }()
		update, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"UPDATE %s SET value = ? WHERE uid = ? AND value = ?", name))
		if err != nil {
			return err
		}
		defer func() { _ = update.Close() }()

		var lost []model.Uid32
		for u, v := range rows {
			var res sql.Result
			if v.Previous.IsEmpty() {
				res, err = insert.ExecContext(ctx, u.Bytes(), []byte(v.New))
			} else {
				res, err = update.ExecContext(ctx, []byte(v.New), u.Bytes(), []byte(v.Previous))
			}
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				lost = append(lost, u)
			}
		}
		if len(lost) == 0 {
			return nil
		}

		current, err := s.fetch(ctx, tx, name, lost)
		if err != nil {
			return err
		}
		for _, u := range lost {
			rejected[u] = nil
		}
		for _, r := range current {
			rejected[r.Uid] = r.Value
		}
		return nil
	})
	if err != nil {
		return nil, storage.Wrap(storage.OpUpsert, t, err)
	}
	return rejected, nil
}

func insertRows(ctx context.Context, tx *sql.Tx, name string, rows map[model.Uid32]model.Value) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (uid, value) VALUES (?, ?) ON CONFLICT(uid) DO UPDATE SET value = excluded.value", name))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for u, v := range rows {
		if _, err := stmt.ExecContext(ctx, u.Bytes(), []byte(v)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteRows(ctx context.Context, tx *sql.Tx, name string, uids []model.Uid32) error {
	for _, chunk := range storage.Chunk(uids, s.opts.BatchSize) {
		q := fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", name, placeholders(len(chunk)))
		if _, err := tx.ExecContext(ctx, q, uidArgs(chunk)...); err != nil {
			return err
		}
	}
	return nil
}

// Insert implements storage.Backend.
func (s *Store) Insert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	name, err := s.table(t)
	if err != nil {
		return storage.Wrap(storage.OpInsert, t, err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return insertRows(ctx, tx, name, rows)
	})
	return storage.Wrap(storage.OpInsert, t, err)
}

// Delete implements storage.Backend.
func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	name, err := s.table(t)
	if err != nil {
		return storage.Wrap(storage.OpDelete, t, err)
	}
	if len(uids) == 0 {
		return nil
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return s.deleteRows(ctx, tx, name, uids)
	})
	return storage.Wrap(storage.OpDelete, t, err)
}

// UpdateTables implements storage.Backend in one transaction: chains are
// inserted, the Entry Table is replaced, then removed chains are deleted.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	entries, chains := s.tables[storage.EntryTable], s.tables[storage.ChainTable]
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRows(ctx, tx, chains, req.NewChains); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+entries); err != nil {
			return err
		}
		if err := insertRows(ctx, tx, entries, req.NewEntries); err != nil {
			return err
		}
		return s.deleteRows(ctx, tx, chains, req.RemovedChains)
	})
	return storage.Wrap(storage.OpUpdateTables, storage.EntryTable, err)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsBusy reports whether err is SQLite's "database is locked" error.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
