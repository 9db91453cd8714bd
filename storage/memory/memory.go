// Package memory provides an in-memory storage.Backend.
//
// It is used by tests and by short-lived indexes; nothing is persisted.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

var errUnknownTable = errors.New("unknown table")

// Store keeps both tables in maps guarded by one RWMutex.
// Thread-safe for concurrent reads and writes.
type Store struct {
	storage.Unimplemented

	mu     sync.RWMutex
	tables [2]map[model.Uid32]model.Value
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		Unimplemented: storage.AllOps(),
		tables: [2]map[model.Uid32]model.Value{
			make(map[model.Uid32]model.Value),
			make(map[model.Uid32]model.Value),
		},
	}
}

func (s *Store) table(t storage.Table) (map[model.Uid32]model.Value, error) {
	if int(t) >= len(s.tables) {
		return nil, storage.Wrap(storage.OpFetch, t, errUnknownTable)
	}
	return s.tables[t], nil
}

// Fetch returns copies of the rows present among uids.
func (s *Store) Fetch(ctx context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.table(t)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Row, 0, len(uids))
	for _, u := range uids {
		if v, ok := m[u]; ok {
			rows = append(rows, model.Row{Uid: u, Value: v.Clone()})
		}
	}
	return rows, nil
}

func (s *Store) FetchAllUids(ctx context.Context, t storage.Table) ([]model.Uid32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.table(t)
	if err != nil {
		return nil, err
	}
	uids := make([]model.Uid32, 0, len(m))
	for u := range m {
		uids = append(uids, u)
	}
	return uids, nil
}

// Upsert applies the compare-and-swap of every row under one write lock.
func (s *Store) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.table(t)
	if err != nil {
		return nil, err
	}
	rejected := make(map[model.Uid32]model.Value)
	for u, v := range rows {
		cur, ok := m[u]
		if (!ok && len(v.Previous) == 0) || (ok && bytes.Equal(cur, v.Previous)) {
			m[u] = v.New.Clone()
			continue
		}
		rejected[u] = cur.Clone()
	}
	return rejected, nil
}

func (s *Store) Insert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.table(t)
	if err != nil {
		return err
	}
	for u, v := range rows {
		m[u] = v.Clone()
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.table(t)
	if err != nil {
		return err
	}
	for _, u := range uids {
		delete(m, u)
	}
	return nil
}

// UpdateTables applies the whole request atomically.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chains := s.tables[storage.ChainTable]
	for u, v := range req.NewChains {
		chains[u] = v.Clone()
	}
	entries := make(map[model.Uid32]model.Value, len(req.NewEntries))
	for u, v := range req.NewEntries {
		entries[u] = v.Clone()
	}
	s.tables[storage.EntryTable] = entries
	for _, u := range req.RemovedChains {
		delete(chains, u)
	}
	return nil
}

// Len returns the number of rows in a table.
func (s *Store) Len(t storage.Table) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(t) >= len(s.tables) {
		return 0
	}
	return len(s.tables[t])
}

// Dump returns a copy of a table.
func (s *Store) Dump(t storage.Table) map[model.Uid32]model.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Uid32]model.Value)
	if int(t) >= len(s.tables) {
		return out
	}
	for u, v := range s.tables[t] {
		out[u] = v.Clone()
	}
	return out
}
