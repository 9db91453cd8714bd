// Package pebble stores the Entry and Chain tables in an embedded
// github.com/cockroachdb/pebble LSM.
//
// Both tables live in one keyspace, separated by a one-byte prefix. Pebble
// has no conditional write, so compare-and-swap is serialized by a mutex
// around read, compare and batch commit; the Store is therefore safe for
// any number of goroutines but not for several processes.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

var prefixes = [2]byte{'e', 'c'}

// Options configures a Store.
type Options struct {
	// Pebble is passed to pebble.Open. Nil uses pebble defaults.
	Pebble *pebble.Options

	// InMemory keeps the database in memory (vfs.NewMem).
	InMemory bool

	// Sync forces an fsync on every commit.
	Sync bool
}

// Store is a storage.Backend over a pebble.DB.
type Store struct {
	storage.Unimplemented

	db   *pebble.DB
	wo   *pebble.WriteOptions
	mu   sync.Mutex
	owns bool
}

var _ storage.Backend = (*Store)(nil)

// Open opens the database in dir.
func Open(dir string, optFns ...func(*Options)) (*Store, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	po := opts.Pebble
	if po == nil {
		po = &pebble.Options{}
	}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble: %w", storage.ErrStorage, err)
	}
	s := New(db, opts.Sync)
	s.owns = true
	return s, nil
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *pebble.DB, syncWrites bool) *Store {
	wo := pebble.NoSync
	if syncWrites {
		wo = pebble.Sync
	}
	return &Store{Unimplemented: storage.AllOps(), db: db, wo: wo}
}

// DB returns the underlying database.
func (s *Store) DB() *pebble.DB { return s.db }

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}

func key(t storage.Table, u model.Uid32) []byte {
	k := make([]byte, 1+model.UidSize)
	k[0] = prefixes[t]
	copy(k[1:], u[:])
	return k
}

func bounds(t storage.Table) (lower, upper []byte) {
	return []byte{prefixes[t]}, []byte{prefixes[t] + 1}
}

func checkTable(t storage.Table) error {
	if int(t) >= len(prefixes) {
		return fmt.Errorf("unknown table %s", t)
	}
	return nil
}

func (s *Store) get(t storage.Table, u model.Uid32) (model.Value, bool, error) {
	v, closer, err := s.db.Get(key(t, u))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := model.Value(v).Clone()
	return out, true, closer.Close()
}

// Fetch implements storage.Backend.
func (s *Store) Fetch(ctx context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	if err := checkTable(t); err != nil {
		return nil, storage.Wrap(storage.OpFetch, t, err)
	}
	rows := make([]model.Row, 0, len(uids))
	for _, u := range uids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, ok, err := s.get(t, u)
		if err != nil {
			return nil, storage.Wrap(storage.OpFetch, t, err)
		}
		if ok {
			rows = append(rows, model.Row{Uid: u, Value: v})
		}
	}
	return rows, nil
}

func (s *Store) scan(r pebble.Reader, t storage.Table) ([]model.Uid32, error) {
	lower, upper := bounds(t)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	var uids []model.Uid32
	for it.First(); it.Valid(); it.Next() {
		u, err := model.UidFromBytes(it.Key()[1:])
		if err != nil {
			_ = it.Close()
			return nil, err
		}
		uids = append(uids, u)
	}
	return uids, it.Close()
}

// FetchAllUids implements storage.Backend.
func (s *Store) FetchAllUids(ctx context.Context, t storage.Table) ([]model.Uid32, error) {
	if err := checkTable(t); err != nil {
		return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := s.scan(s.db, t)
	if err != nil {
		return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
	}
	return uids, nil
}

// Upsert implements storage.Backend.
func (s *Store) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	if err := checkTable(t); err != nil {
		return nil, storage.Wrap(storage.OpUpsert, t, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	rejected := make(map[model.Uid32]model.Value)
	for u, v := range rows {
		cur, ok, err := s.get(t, u)
		if err != nil {
			return nil, storage.Wrap(storage.OpUpsert, t, err)
		}
		if (!ok && v.Previous.IsEmpty()) || (ok && cur.Equal(v.Previous)) {
			if err := b.Set(key(t, u), v.New, nil); err != nil {
				return nil, storage.Wrap(storage.OpUpsert, t, err)
			}
			continue
		}
		rejected[u] = cur
	}
	if err := b.Commit(s.wo); err != nil {
		return nil, storage.Wrap(storage.OpUpsert, t, err)
	}
	return rejected, nil
}

// Insert implements storage.Backend.
func (s *Store) Insert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	if err := checkTable(t); err != nil {
		return storage.Wrap(storage.OpInsert, t, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	for u, v := range rows {
		if err := b.Set(key(t, u), v, nil); err != nil {
			return storage.Wrap(storage.OpInsert, t, err)
		}
	}
	return storage.Wrap(storage.OpInsert, t, b.Commit(s.wo))
}

// Delete implements storage.Backend.
func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	if err := checkTable(t); err != nil {
		return storage.Wrap(storage.OpDelete, t, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	for _, u := range uids {
		if err := b.Delete(key(t, u), nil); err != nil {
			return storage.Wrap(storage.OpDelete, t, err)
		}
	}
	return storage.Wrap(storage.OpDelete, t, b.Commit(s.wo))
}

// UpdateTables implements storage.Backend with one atomic batch.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	err := func() error {
		for u, v := range req.NewChains {
			if err := b.Set(key(storage.ChainTable, u), v, nil); err != nil {
				return err
			}
		}
		lower, upper := bounds(storage.EntryTable)
		if err := b.DeleteRange(lower, upper, nil); err != nil {
			return err
		}
		for u, v := range req.NewEntries {
			if err := b.Set(key(storage.EntryTable, u), v, nil); err != nil {
				return err
			}
		}
		for _, u := range req.RemovedChains {
			if err := b.Delete(key(storage.ChainTable, u), nil); err != nil {
				return err
			}
		}
		return b.Commit(s.wo)
	}()
	return storage.Wrap(storage.OpUpdateTables, storage.EntryTable, err)
}
