package ffi

import (
	"context"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// LocationFilter returns the locations that still exist among locs.
type LocationFilter func(ctx context.Context, locs []model.Location) ([]model.Location, error)

// ProgressFunc observes one search level; false stops the search.
type ProgressFunc func(model.ProgressResults) (bool, error)

// HostOptions adds the non-storage callbacks.
type HostOptions struct {
	Filter   LocationFilter
	Progress ProgressFunc
}

type host struct {
	ctx  context.Context
	b    storage.Backend
	call *Call
}

// HostCallbacks exposes b to the engine for the duration of call. Only the
// operations b supports get a callback. Errors are recorded in call.
func HostCallbacks(ctx context.Context, b storage.Backend, call *Call, opts HostOptions) Callbacks {
	h := &host{ctx: ctx, b: b, call: call}
	var cb Callbacks
	if b.Supports(storage.OpFetch) {
		cb.FetchEntry = h.fetch(storage.EntryTable)
		cb.FetchChain = h.fetch(storage.ChainTable)
	}
	if b.Supports(storage.OpFetchAllUids) {
		cb.FetchAllEntryUids = h.fetchAllUids
	}
	if b.Supports(storage.OpUpsert) {
		cb.UpsertEntry = h.upsertEntry
	}
	if b.Supports(storage.OpInsert) {
		cb.InsertEntry = h.insert(storage.EntryTable)
		cb.InsertChain = h.insert(storage.ChainTable)
	}
	if b.Supports(storage.OpDelete) {
		cb.DeleteEntry = h.delete(storage.EntryTable)
		cb.DeleteChain = h.delete(storage.ChainTable)
	}
	if b.Supports(storage.OpUpdateTables) {
		cb.UpdateTables = h.updateTables
	}
	if opts.Filter != nil {
		cb.Filter = h.filter(opts.Filter)
	}
	if opts.Progress != nil {
		cb.Progress = h.progress(opts.Progress)
	}
	return cb
}

func (h *host) fail(err error) int { return h.call.Record(err) }

func (h *host) fetch(t storage.Table) FetchCallback {
	return func(out []byte, outLen *int, in []byte) int {
		if err := h.ctx.Err(); err != nil {
			return h.fail(err)
		}
		uids, err := codec.DecodeUids(in)
		if err != nil {
			return h.fail(err)
		}
		rows, err := h.b.Fetch(h.ctx, t, uids)
		if err != nil {
			return h.fail(err)
		}
		return WriteOutput(out, outLen, codec.EncodeRows(rows))
	}
}

func (h *host) fetchAllUids(out []byte, outLen *int) int {
	if err := h.ctx.Err(); err != nil {
		return h.fail(err)
	}
	uids, err := h.b.FetchAllUids(h.ctx, storage.EntryTable)
	if err != nil {
		return h.fail(err)
	}
	return WriteOutput(out, outLen, codec.EncodeUids(uids))
}

func (h *host) upsertEntry(out []byte, outLen *int, oldValues, newValues []byte) int {
	if err := h.ctx.Err(); err != nil {
		return h.fail(err)
	}
	olds, err := codec.DecodeRowMap(oldValues)
	if err != nil {
		return h.fail(err)
	}
	news, err := codec.DecodeRowMap(newValues)
	if err != nil {
		return h.fail(err)
	}
	rows := make(map[model.Uid32]model.EntryTableValues, len(news))
	for u, v := range news {
		rows[u] = model.EntryTableValues{Previous: olds[u], New: v}
	}
	rejected, err := h.b.Upsert(h.ctx, storage.EntryTable, rows)
	if err != nil {
		return h.fail(err)
	}
	return WriteOutput(out, outLen, codec.EncodeRowMap(rejected))
}

func (h *host) insert(t storage.Table) InsertCallback {
	return func(in []byte) int {
		if err := h.ctx.Err(); err != nil {
			return h.fail(err)
		}
		rows, err := codec.DecodeRowMap(in)
		if err != nil {
			return h.fail(err)
		}
		if err := h.b.Insert(h.ctx, t, rows); err != nil {
			return h.fail(err)
		}
		return CodeOK
	}
}

func (h *host) delete(t storage.Table) DeleteCallback {
	return func(in []byte) int {
		if err := h.ctx.Err(); err != nil {
			return h.fail(err)
		}
		uids, err := codec.DecodeUids(in)
		if err != nil {
			return h.fail(err)
		}
		if err := h.b.Delete(h.ctx, t, uids); err != nil {
			return h.fail(err)
		}
		return CodeOK
	}
}

func (h *host) updateTables(removedChains, newEntries, newChains []byte) int {
	if err := h.ctx.Err(); err != nil {
		return h.fail(err)
	}
	var req storage.UpdateRequest
	var err error
	if req.RemovedChains, err = codec.DecodeUids(removedChains); err != nil {
		return h.fail(err)
	}
	if req.NewEntries, err = codec.DecodeRowMap(newEntries); err != nil {
		return h.fail(err)
	}
	if req.NewChains, err = codec.DecodeRowMap(newChains); err != nil {
		return h.fail(err)
	}
	if err := h.b.UpdateTables(h.ctx, req); err != nil {
		return h.fail(err)
	}
	return CodeOK
}

func (h *host) filter(fn LocationFilter) FilterCallback {
	return func(out []byte, outLen *int, in []byte) int {
		if err := h.ctx.Err(); err != nil {
			return h.fail(err)
		}
		locs, err := DecodeLocations(in)
		if err != nil {
			return h.fail(err)
		}
		kept, err := fn(h.ctx, locs)
		if err != nil {
			return h.fail(err)
		}
		enc, err := EncodeLocations(kept)
		if err != nil {
			return h.fail(err)
		}
		return WriteOutput(out, outLen, enc)
	}
}

func (h *host) progress(fn ProgressFunc) ProgressCallback {
	return func(in []byte) int {
		if err := h.ctx.Err(); err != nil {
			return h.fail(err)
		}
		level, err := codec.DecodeKeywordValues(in)
		if err != nil {
			return h.fail(err)
		}
		cont, err := fn(level)
		if err != nil {
			return h.fail(err)
		}
		if !cont {
			return ProgressStop
		}
		return ProgressContinue
	}
}
