// Package storagetest is a conformance suite for storage.Backend
// implementations. Every backend in this module runs it from its own tests:
//
//	func TestConformance(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Backend { return memory.New() })
//	}
//
// Subtests for operations the backend does not support are skipped.
package storagetest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Backend

// Uid builds a deterministic uid from a small integer.
func Uid(n int) model.Uid32 {
	var u model.Uid32
	binary.BigEndian.PutUint64(u[24:], uint64(n))
	u[0] = 0xF1
	return u
}

// Run executes every conformance test against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		ops  []storage.Op
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"FetchAbsent", []storage.Op{storage.OpFetch}, testFetchAbsent},
		{"InsertFetch", []storage.Op{storage.OpInsert, storage.OpFetch}, testInsertFetch},
		{"TablesAreDisjoint", []storage.Op{storage.OpInsert, storage.OpFetch}, testTablesDisjoint},
		{"UpsertFirstWriterWins", []storage.Op{storage.OpUpsert, storage.OpFetch}, testFirstWriterWins},
		{"UpsertRejectsStalePrevious", []storage.Op{storage.OpUpsert}, testStalePrevious},
		{"UpsertMixedBatch", []storage.Op{storage.OpUpsert}, testMixedBatch},
		{"UpsertConcurrentCounters", []storage.Op{storage.OpUpsert, storage.OpFetch}, testConcurrentCounters},
		{"DeleteAbsent", []storage.Op{storage.OpDelete}, testDeleteAbsent},
		{"DeleteRemoves", []storage.Op{storage.OpInsert, storage.OpDelete, storage.OpFetch}, testDeleteRemoves},
		{"FetchAllUids", []storage.Op{storage.OpInsert, storage.OpFetchAllUids}, testFetchAllUids},
		{"UpdateTables", []storage.Op{storage.OpInsert, storage.OpUpdateTables, storage.OpFetchAllUids, storage.OpFetch}, testUpdateTables},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			if err := storage.Require(b, tc.ops...); err != nil {
				t.Skip(err)
			}
			tc.fn(t, b)
		})
	}

	t.Run("Unsupported", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		if !b.Supports(storage.OpUpdateTables) {
			err := b.UpdateTables(ctx, storage.UpdateRequest{})
			assert.ErrorIs(t, err, storage.ErrUnsupported)
		}
		if !b.Supports(storage.OpFetchAllUids) {
			_, err := b.FetchAllUids(ctx, storage.EntryTable)
			assert.ErrorIs(t, err, storage.ErrUnsupported)
		}
	})
}

func fetchOne(t *testing.T, b storage.Backend, table storage.Table, u model.Uid32) (model.Value, bool) {
	t.Helper()
	rows, err := b.Fetch(context.Background(), table, []model.Uid32{u})
	require.NoError(t, err)
	require.LessOrEqual(t, len(rows), 1)
	if len(rows) == 0 {
		return nil, false
	}
	assert.Equal(t, u, rows[0].Uid)
	return rows[0].Value, true
}

func testFetchAbsent(t *testing.T, b storage.Backend) {
	rows, err := b.Fetch(context.Background(), storage.EntryTable, []model.Uid32{Uid(1), Uid(2)})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = b.Fetch(context.Background(), storage.ChainTable, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testInsertFetch(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	in := map[model.Uid32]model.Value{
		Uid(1): model.Value("one"),
		Uid(2): model.Value("two"),
		Uid(3): model.Value("three"),
	}
	require.NoError(t, b.Insert(ctx, storage.ChainTable, in))

	rows, err := b.Fetch(ctx, storage.ChainTable, []model.Uid32{Uid(1), Uid(3), Uid(99)})
	require.NoError(t, err)
	got := model.RowsToMap(rows)
	assert.Equal(t, map[model.Uid32]model.Value{
		Uid(1): model.Value("one"),
		Uid(3): model.Value("three"),
	}, got)

	// Insert overwrites.
	require.NoError(t, b.Insert(ctx, storage.ChainTable, map[model.Uid32]model.Value{Uid(1): model.Value("uno")}))
	v, ok := fetchOne(t, b, storage.ChainTable, Uid(1))
	require.True(t, ok)
	assert.Equal(t, model.Value("uno"), v)
}

func testTablesDisjoint(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, storage.EntryTable, map[model.Uid32]model.Value{Uid(7): model.Value("entry")}))
	require.NoError(t, b.Insert(ctx, storage.ChainTable, map[model.Uid32]model.Value{Uid(7): model.Value("chain")}))

	v, ok := fetchOne(t, b, storage.EntryTable, Uid(7))
	require.True(t, ok)
	assert.Equal(t, model.Value("entry"), v)

	v, ok = fetchOne(t, b, storage.ChainTable, Uid(7))
	require.True(t, ok)
	assert.Equal(t, model.Value("chain"), v)
}

func testFirstWriterWins(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	uidA := Uid(0xA)

	rejected, err := b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		uidA: {New: model.Value("v1")},
	})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	rejected, err = b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		uidA: {New: model.Value("v2")},
	})
	require.NoError(t, err)
	assert.Equal(t, map[model.Uid32]model.Value{uidA: model.Value("v1")}, rejected)

	rejected, err = b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		uidA: {Previous: model.Value("v1"), New: model.Value("v2")},
	})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	v, ok := fetchOne(t, b, storage.EntryTable, uidA)
	require.True(t, ok)
	assert.Equal(t, model.Value("v2"), v)
}

func testStalePrevious(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	u := Uid(11)

	rejected, err := b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		u: {Previous: model.Value("ghost"), New: model.Value("x")},
	})
	require.NoError(t, err)
	require.Contains(t, rejected, u)
	assert.True(t, rejected[u].IsEmpty(), "absent row reports an empty current value")

	_, err = b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{u: {New: model.Value("a")}})
	require.NoError(t, err)

	rejected, err = b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		u: {Previous: model.Value("b"), New: model.Value("c")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.Value("a"), rejected[u])
}

func testMixedBatch(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		Uid(1): {New: model.Value("one")},
		Uid(2): {New: model.Value("two")},
	})
	require.NoError(t, err)

	rejected, err := b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		Uid(1): {Previous: model.Value("one"), New: model.Value("one'")},
		Uid(2): {Previous: model.Value("stale"), New: model.Value("two'")},
		Uid(3): {New: model.Value("three")},
	})
	require.NoError(t, err)
	assert.Equal(t, map[model.Uid32]model.Value{Uid(2): model.Value("two")}, rejected)
}

func testConcurrentCounters(t *testing.T, b storage.Backend) {
	const writers = 8
	ctx := context.Background()
	u := Uid(42)

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cur model.Value
			rows, err := b.Fetch(ctx, storage.EntryTable, []model.Uid32{u})
			if !assert.NoError(t, err) {
				return
			}
			if len(rows) == 1 {
				cur = rows[0].Value
			}
			for {
				next := counterValue(counterOf(cur) + 1)
				rejected, err := b.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
					u: {Previous: cur, New: next},
				})
				if !assert.NoError(t, err) {
					return
				}
				v, lost := rejected[u]
				if !lost {
					return
				}
				cur = v
			}
		}()
	}
	wg.Wait()

	v, ok := fetchOne(t, b, storage.EntryTable, u)
	require.True(t, ok)
	assert.Equal(t, uint64(writers), counterOf(v))
}

func counterValue(n uint64) model.Value {
	return model.Value(fmt.Sprintf("counter:%d", n))
}

func counterOf(v model.Value) uint64 {
	if v.IsEmpty() {
		return 0
	}
	var n uint64
	_, _ = fmt.Sscanf(string(v), "counter:%d", &n)
	return n
}

func testDeleteAbsent(t *testing.T, b storage.Backend) {
	assert.NoError(t, b.Delete(context.Background(), storage.ChainTable, []model.Uid32{Uid(404)}))
	assert.NoError(t, b.Delete(context.Background(), storage.EntryTable, nil))
}

func testDeleteRemoves(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, storage.ChainTable, map[model.Uid32]model.Value{
		Uid(1): model.Value("a"),
		Uid(2): model.Value("b"),
	}))
	require.NoError(t, b.Delete(ctx, storage.ChainTable, []model.Uid32{Uid(1), Uid(3)}))

	_, ok := fetchOne(t, b, storage.ChainTable, Uid(1))
	assert.False(t, ok)
	_, ok = fetchOne(t, b, storage.ChainTable, Uid(2))
	assert.True(t, ok)
}

func testFetchAllUids(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	uids, err := b.FetchAllUids(ctx, storage.EntryTable)
	require.NoError(t, err)
	assert.Empty(t, uids)

	in := make(map[model.Uid32]model.Value)
	for i := range 25 {
		in[Uid(i)] = model.Value(fmt.Sprintf("v%d", i))
	}
	require.NoError(t, b.Insert(ctx, storage.EntryTable, in))
	require.NoError(t, b.Insert(ctx, storage.ChainTable, map[model.Uid32]model.Value{Uid(1000): model.Value("c")}))

	uids, err = b.FetchAllUids(ctx, storage.EntryTable)
	require.NoError(t, err)
	want := make([]model.Uid32, 0, len(in))
	for u := range in {
		want = append(want, u)
	}
	assert.ElementsMatch(t, want, uids)
}

func testUpdateTables(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, storage.EntryTable, map[model.Uid32]model.Value{
		Uid(1): model.Value("e1"),
		Uid(2): model.Value("e2"),
	}))
	require.NoError(t, b.Insert(ctx, storage.ChainTable, map[model.Uid32]model.Value{
		Uid(10): model.Value("c10"),
		Uid(11): model.Value("c11"),
	}))

	err := b.UpdateTables(ctx, storage.UpdateRequest{
		RemovedChains: []model.Uid32{Uid(10)},
		NewEntries: map[model.Uid32]model.Value{
			Uid(2): model.Value("e2'"),
			Uid(3): model.Value("e3"),
		},
		NewChains: map[model.Uid32]model.Value{Uid(12): model.Value("c12")},
	})
	require.NoError(t, err)

	uids, err := b.FetchAllUids(ctx, storage.EntryTable)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Uid32{Uid(2), Uid(3)}, uids)

	v, ok := fetchOne(t, b, storage.EntryTable, Uid(2))
	require.True(t, ok)
	assert.Equal(t, model.Value("e2'"), v)

	rows, err := b.Fetch(ctx, storage.ChainTable, []model.Uid32{Uid(10), Uid(11), Uid(12)})
	require.NoError(t, err)
	assert.Equal(t, map[model.Uid32]model.Value{
		Uid(11): model.Value("c11"),
		Uid(12): model.Value("c12"),
	}, model.RowsToMap(rows))
}
