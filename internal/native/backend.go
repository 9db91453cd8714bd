package native

import (
	"context"
	"fmt"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// callbackBackend is the engine's view of host storage.
type callbackBackend struct {
	cb      ffi.Callbacks
	bufSize int
}

var _ storage.Backend = (*callbackBackend)(nil)

func statusErr(code int) error {
	if code == ffi.CodeCallbackError {
		return ffi.ErrCallback
	}
	return fmt.Errorf("callback returned status %d", code)
}

func unsupported(op storage.Op, t storage.Table) error {
	return fmt.Errorf("%w: no %s callback for the %s table", storage.ErrUnsupported, op, t)
}

// call runs a buffer-returning callback.
func (b *callbackBackend) call(fn ffi.BufferFunc) ([]byte, error) {
	out, code, err := ffi.CallWithBuffer(b.bufSize, fn)
	if err != nil {
		return nil, err
	}
	if code != ffi.CodeOK {
		return nil, statusErr(code)
	}
	return out, nil
}

func (b *callbackBackend) Supports(op storage.Op) bool {
	switch op {
	case storage.OpFetch:
		return b.cb.FetchEntry != nil && b.cb.FetchChain != nil
	case storage.OpFetchAllUids:
		return b.cb.FetchAllEntryUids != nil
	case storage.OpUpsert:
		return b.cb.UpsertEntry != nil
	case storage.OpInsert:
		return b.cb.InsertChain != nil
	case storage.OpDelete:
		return b.cb.DeleteEntry != nil && b.cb.DeleteChain != nil
	case storage.OpUpdateTables:
		return b.cb.UpdateTables != nil
	default:
		return false
	}
}

func (b *callbackBackend) Fetch(_ context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	fn := b.cb.FetchEntry
	if t == storage.ChainTable {
		fn = b.cb.FetchChain
	}
	if fn == nil {
		return nil, unsupported(storage.OpFetch, t)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	in := codec.EncodeUids(uids)
	out, err := b.call(func(out []byte, outLen *int) int { return fn(out, outLen, in) })
	if err != nil {
		return nil, err
	}
	return codec.DecodeRows(out)
}

func (b *callbackBackend) FetchAllUids(_ context.Context, t storage.Table) ([]model.Uid32, error) {
	if t != storage.EntryTable || b.cb.FetchAllEntryUids == nil {
		return nil, unsupported(storage.OpFetchAllUids, t)
	}
	out, err := b.call(ffi.BufferFunc(b.cb.FetchAllEntryUids))
	if err != nil {
		return nil, err
	}
	return codec.DecodeUids(out)
}

func (b *callbackBackend) Upsert(_ context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	if t != storage.EntryTable || b.cb.UpsertEntry == nil {
		return nil, unsupported(storage.OpUpsert, t)
	}
	olds := make(map[model.Uid32]model.Value)
	news := make(map[model.Uid32]model.Value, len(rows))
	for u, v := range rows {
		if !v.Previous.IsEmpty() {
			olds[u] = v.Previous
		}
		news[u] = v.New
	}
	oldEnc := codec.EncodeRowMap(olds)
	newEnc := codec.EncodeRowMap(news)
	out, err := b.call(func(out []byte, outLen *int) int {
		return b.cb.UpsertEntry(out, outLen, oldEnc, newEnc)
	})
	if err != nil {
		return nil, err
	}
	return codec.DecodeRowMap(out)
}

func (b *callbackBackend) Insert(_ context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	fn := b.cb.InsertChain
	if t == storage.EntryTable {
		fn = b.cb.InsertEntry
	}
	if fn == nil {
		return unsupported(storage.OpInsert, t)
	}
	if len(rows) == 0 {
		return nil
	}
	if code := fn(codec.EncodeRowMap(rows)); code != ffi.CodeOK {
		return statusErr(code)
	}
	return nil
}

func (b *callbackBackend) Delete(_ context.Context, t storage.Table, uids []model.Uid32) error {
	fn := b.cb.DeleteChain
	if t == storage.EntryTable {
		fn = b.cb.DeleteEntry
	}
	if fn == nil {
		return unsupported(storage.OpDelete, t)
	}
	if len(uids) == 0 {
		return nil
	}
	if code := fn(codec.EncodeUids(uids)); code != ffi.CodeOK {
		return statusErr(code)
	}
	return nil
}

func (b *callbackBackend) UpdateTables(_ context.Context, req storage.UpdateRequest) error {
	if b.cb.UpdateTables == nil {
		return unsupported(storage.OpUpdateTables, storage.EntryTable)
	}
	entries := codec.EncodeRowMap(req.NewEntries)
	chains := codec.EncodeRowMap(req.NewChains)
	if code := b.cb.UpdateTables(codec.EncodeUids(req.RemovedChains), entries, chains); code != ffi.CodeOK {
		return statusErr(code)
	}
	return nil
}

// filter runs the host liveness filter.
func (b *callbackBackend) filter(_ context.Context, locs []model.Location) ([]model.Location, error) {
	in, err := ffi.EncodeLocations(locs)
	if err != nil {
		return nil, err
	}
	out, err := b.call(func(out []byte, outLen *int) int { return b.cb.Filter(out, outLen, in) })
	if err != nil {
		return nil, err
	}
	return ffi.DecodeLocations(out)
}

// progress forwards one search level to the host.
func (b *callbackBackend) progress(level model.ProgressResults) (bool, error) {
	switch code := b.cb.Progress(codec.EncodeKeywordValues(level)); code {
	case ffi.ProgressContinue:
		return true, nil
	case ffi.ProgressStop:
		return false, nil
	default:
		return false, statusErr(code)
	}
}
