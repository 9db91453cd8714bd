package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
	"github.com/hupe1980/findex/storage/storagetest"
)

func newStore(t *testing.T) storage.Backend {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "findex.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, newStore)
}

func TestMemoryDSN(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s, err := Open(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestCustomTableNames(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:", func(o *Options) {
		o.EntryTable = "findex_entries"
		o.ChainTable = "findex_chains"
		o.BatchSize = 2
	})
	require.NoError(t, err)
	defer s.Close()

	rows := map[model.Uid32]model.Value{}
	for i := range 5 {
		rows[storagetest.Uid(i)] = model.Value{byte(i + 1)}
	}
	require.NoError(t, s.Insert(ctx, storage.ChainTable, rows))

	got, err := s.Fetch(ctx, storage.ChainTable, []model.Uid32{
		storagetest.Uid(0), storagetest.Uid(1), storagetest.Uid(2), storagetest.Uid(3), storagetest.Uid(4),
	})
	require.NoError(t, err)
	assert.Equal(t, rows, model.RowsToMap(got))

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM findex_chains").Scan(&n))
	assert.Equal(t, 5, n)
}

func TestInvalidTableName(t *testing.T) {
	_, err := Open(context.Background(), ":memory:", func(o *Options) {
		o.EntryTable = "entry; DROP TABLE x"
	})
	assert.Error(t, err)
}

func TestClosedDatabaseIsStorageError(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Fetch(ctx, storage.EntryTable, []model.Uid32{storagetest.Uid(1)})
	assert.ErrorIs(t, err, storage.ErrStorage)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(storage.ErrStorage))
}
