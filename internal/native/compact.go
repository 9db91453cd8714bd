package native

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/hupe1980/findex/compact"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/internal/keys"
	"github.com/hupe1980/findex/model"
)

type compactEntry struct {
	keys.Entry
	chain *keys.Chain
}

func (e compactEntry) ChainUIDs() []model.Uid32 { return e.chain.UIDs() }

func (e compactEntry) OpenChain(uid model.Uid32, v model.Value) ([]model.Posting, error) {
	return e.chain.Open(uid, v)
}

// rekey opens entries with the old schedule and seals them with the new one.
type rekey struct {
	old, next *keys.Schedule
	label     model.Label
	blockSize int
}

func (r rekey) OpenEntry(uid model.Uid32, v model.Value) (compact.Entry, error) {
	ent, err := r.old.OpenEntry(uid, v)
	if err != nil {
		return nil, err
	}
	ch, err := ent.Chain()
	if err != nil {
		return nil, err
	}
	return compactEntry{Entry: ent, chain: ch}, nil
}

func (r rekey) seal(ent keys.Entry) (model.Uid32, model.Value, error) {
	uid := r.next.EntryUID(r.label, ent.KeywordHash)
	v, err := r.next.SealEntry(uid, ent)
	return uid, v, err
}

func (r rekey) Reseal(e compact.Entry) (model.Uid32, model.Value, error) {
	ce, ok := e.(compactEntry)
	if !ok {
		return model.Uid32{}, nil, fmt.Errorf("unexpected entry type %T", e)
	}
	return r.seal(ce.Entry)
}

func (r rekey) Rebuild(e compact.Entry, values []model.IndexedValue) (model.Uid32, model.Value, map[model.Uid32]model.Value, error) {
	ce, ok := e.(compactEntry)
	if !ok {
		return model.Uid32{}, nil, nil, fmt.Errorf("unexpected entry type %T", e)
	}
	ent, err := keys.NewEntry(ce.KeywordHash)
	if err != nil {
		return model.Uid32{}, nil, nil, err
	}
	blocks := lo.Chunk(values, r.blockSize)
	ent.Count = uint64(len(blocks))
	ch, err := ent.Chain()
	if err != nil {
		return model.Uid32{}, nil, nil, err
	}

	rows := make(map[model.Uid32]model.Value, len(blocks))
	for i, blk := range blocks {
		postings := make([]model.Posting, len(blk))
		for j, v := range blk {
			postings[j] = model.Posting{Value: v}
		}
		cu := ch.UID(uint64(i))
		cv, err := ch.Seal(cu, postings)
		if err != nil {
			return model.Uid32{}, nil, nil, err
		}
		rows[cu] = cv
	}

	uid, v, err := r.seal(ent)
	if err != nil {
		return model.Uid32{}, nil, nil, err
	}
	return uid, v, rows, nil
}

func (e *Engine) Compact(oldHandle, newHandle ffi.Handle, newLabel []byte, phases int, cb ffi.Callbacks) int {
	old, err := e.schedule(oldHandle)
	if err != nil {
		return fail(err)
	}
	next, err := e.schedule(newHandle)
	if err != nil {
		return fail(err)
	}

	b := e.backend(cb)
	p := compact.Params{Phases: phases}
	if cb.Filter != nil {
		p.Filter = b.filter
	}
	coord := &compact.Coordinator{
		Backend:   b,
		Resources: e.cfg.Resources,
		Logger:    e.cfg.Logger,
	}
	cipher := rekey{old: old, next: next, label: newLabel, blockSize: e.cfg.ChainBlockSize}
	if _, err := coord.Run(context.Background(), cipher, p); err != nil {
		return fail(err)
	}
	return ffi.CodeOK
}
