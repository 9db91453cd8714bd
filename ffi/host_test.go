package ffi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
	"github.com/hupe1980/findex/storage/memory"
	"github.com/hupe1980/findex/storage/storagetest"
)

func TestHostFetch(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Insert(ctx, storage.ChainTable, map[model.Uid32]model.Value{
		storagetest.Uid(1): model.Value("one"),
	}))

	call := NewBridge(BridgeConfig{}).Begin()
	defer call.End()
	cb := HostCallbacks(ctx, store, call, HostOptions{})

	in := codec.EncodeUids([]model.Uid32{storagetest.Uid(1), storagetest.Uid(2)})
	out, code, err := CallWithBuffer(4, func(out []byte, outLen *int) int { return cb.FetchChain(out, outLen, in) })
	require.NoError(t, err)
	require.Equal(t, CodeOK, code)

	rows, err := codec.DecodeRowMap(out)
	require.NoError(t, err)
	assert.Equal(t, map[model.Uid32]model.Value{storagetest.Uid(1): model.Value("one")}, rows)

	out, _, err = CallWithBuffer(64, func(out []byte, outLen *int) int { return cb.FetchEntry(out, outLen, in) })
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, out)
}

func TestHostUpsertReportsRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	call := NewBridge(BridgeConfig{}).Begin()
	defer call.End()
	cb := HostCallbacks(ctx, store, call, HostOptions{})

	uidA := storagetest.Uid(0xA)
	upsert := func(old, next map[model.Uid32]model.Value) map[model.Uid32]model.Value {
		oldEnc := codec.EncodeRowMap(old)
		newEnc := codec.EncodeRowMap(next)
		out, code, err := CallWithBuffer(256, func(out []byte, outLen *int) int {
			return cb.UpsertEntry(out, outLen, oldEnc, newEnc)
		})
		require.NoError(t, err)
		require.Equal(t, CodeOK, code)
		rejected, err := codec.DecodeRowMap(out)
		require.NoError(t, err)
		return rejected
	}

	assert.Empty(t, upsert(nil, map[model.Uid32]model.Value{uidA: model.Value("v1")}))
	assert.Equal(t, map[model.Uid32]model.Value{uidA: model.Value("v1")},
		upsert(nil, map[model.Uid32]model.Value{uidA: model.Value("v2")}))
	assert.Empty(t, upsert(map[model.Uid32]model.Value{uidA: model.Value("v1")}, map[model.Uid32]model.Value{uidA: model.Value("v2")}))
}

type failing struct {
	storage.Unimplemented
	err error
}

func (f failing) Fetch(context.Context, storage.Table, []model.Uid32) ([]model.Row, error) {
	return nil, f.err
}

func TestHostRecordsErrors(t *testing.T) {
	cause := storage.Wrap(storage.OpFetch, storage.EntryTable, errors.New("disk on fire"))
	b := failing{Unimplemented: storage.Ops(storage.OpFetch), err: cause}

	call := NewBridge(BridgeConfig{}).Begin()
	defer call.End()
	cb := HostCallbacks(context.Background(), b, call, HostOptions{})

	assert.Nil(t, cb.UpsertEntry, "unsupported operations get no callback")
	assert.Nil(t, cb.UpdateTables)

	n := 0
	code := cb.FetchEntry(make([]byte, 8), &n, codec.EncodeUids([]model.Uid32{storagetest.Uid(1)}))
	assert.Equal(t, CodeCallbackError, code)
	assert.Same(t, cause, call.Err())
}

func TestHostCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	call := NewBridge(BridgeConfig{}).Begin()
	defer call.End()
	cb := HostCallbacks(ctx, memory.New(), call, HostOptions{})

	assert.Equal(t, CodeCallbackError, cb.DeleteChain(codec.EncodeUids(nil)))
	assert.ErrorIs(t, call.Err(), context.Canceled)
}

func TestHostMalformedInput(t *testing.T) {
	call := NewBridge(BridgeConfig{}).Begin()
	defer call.End()
	cb := HostCallbacks(context.Background(), memory.New(), call, HostOptions{})

	assert.Equal(t, CodeCallbackError, cb.InsertChain([]byte{5, 1}))
	assert.ErrorIs(t, call.Err(), codec.ErrMalformed)
}

func TestHostFilterAndProgress(t *testing.T) {
	call := NewBridge(BridgeConfig{}).Begin()
	defer call.End()

	var levels []model.ProgressResults
	cb := HostCallbacks(context.Background(), memory.New(), call, HostOptions{
		Filter: func(_ context.Context, locs []model.Location) ([]model.Location, error) {
			return locs[1:], nil
		},
		Progress: func(level model.ProgressResults) (bool, error) {
			levels = append(levels, level)
			return len(levels) < 2, nil
		},
	})

	in, err := EncodeLocations([]model.Location{"a", "b", "c"})
	require.NoError(t, err)
	out, code, err := CallWithBuffer(64, func(out []byte, outLen *int) int { return cb.Filter(out, outLen, in) })
	require.NoError(t, err)
	require.Equal(t, CodeOK, code)
	kept, err := DecodeLocations(out)
	require.NoError(t, err)
	assert.Equal(t, []model.Location{"b", "c"}, kept)

	level := codec.EncodeKeywordValues(map[model.Keyword][]model.IndexedValue{"k": {model.LocationValue("x")}})
	assert.Equal(t, ProgressContinue, cb.Progress(level))
	assert.Equal(t, ProgressStop, cb.Progress(level))
	assert.Equal(t, model.ProgressResults{"k": {model.LocationValue("x")}}, levels[0])
}
