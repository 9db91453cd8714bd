package native

import (
	"context"
	"errors"

	"github.com/hupe1980/findex/cas"
	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/internal/keys"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

var errEmptyKeyword = errors.New("keywords must not be empty")

func (e *Engine) Upsert(out []byte, outLen *int, handle ffi.Handle, label, additions, deletions []byte, cb ffi.Callbacks) int {
	s, err := e.schedule(handle)
	if err != nil {
		return fail(err)
	}
	add, err := ffi.UnmarshalAssociations(codec.Default, additions)
	if err != nil {
		return fail(err)
	}
	del, err := ffi.UnmarshalAssociations(codec.Default, deletions)
	if err != nil {
		return fail(err)
	}

	fresh, err := e.upsert(context.Background(), s, label, add, del, e.backend(cb))
	if err != nil {
		return fail(err)
	}
	enc, err := ffi.EncodeKeywords(fresh)
	if err != nil {
		return fail(err)
	}
	return ffi.WriteOutput(out, outLen, enc)
}

type attempt struct {
	entry keys.Entry
	fresh bool
}

// upsert appends one chain row per touched keyword and returns the keywords
// that had no entry before. The entry is committed before its chain row.
func (e *Engine) upsert(ctx context.Context, s *keys.Schedule, label model.Label, additions, deletions model.Associations, b storage.Backend) ([]model.Keyword, error) {
	postings := make(map[model.Keyword][]model.Posting)
	var order []model.Keyword
	collect := func(as model.Associations, deleted bool) error {
		for _, a := range as {
			for _, kw := range a.Keywords {
				if kw == "" {
					return errEmptyKeyword
				}
				if _, ok := postings[kw]; !ok {
					order = append(order, kw)
				}
				postings[kw] = append(postings[kw], model.Posting{Deleted: deleted, Value: a.Value})
			}
		}
		return nil
	}
	if err := collect(additions, false); err != nil {
		return nil, err
	}
	if err := collect(deletions, true); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	owner := make(map[model.Uid32]model.Keyword, len(order))
	uids := make([]model.Uid32, len(order))
	for i, kw := range order {
		u := s.KeywordUID(label, kw)
		owner[u] = kw
		uids[i] = u
	}

	pending := make(map[model.Uid32]attempt, len(order))
	derive := func(uid model.Uid32, current model.Value) (model.Value, error) {
		var (
			ent keys.Entry
			err error
		)
		fresh := current.IsEmpty()
		if fresh {
			ent, err = keys.NewEntry(keys.KeywordHash(owner[uid]))
		} else {
			ent, err = s.OpenEntry(uid, current)
		}
		if err != nil {
			return nil, err
		}
		ent.Count++
		pending[uid] = attempt{entry: ent, fresh: fresh}
		return s.SealEntry(uid, ent)
	}

	ctrl := &cas.Controller{
		Backend:    b,
		Table:      storage.EntryTable,
		MaxRetries: e.cfg.MaxRetries,
		Logger:     e.cfg.Logger,
	}
	if _, err := ctrl.Run(ctx, uids, derive); err != nil {
		return nil, err
	}

	chains := make(map[model.Uid32]model.Value, len(order))
	var fresh []model.Keyword
	for i, kw := range order {
		a := pending[uids[i]]
		ch, err := a.entry.Chain()
		if err != nil {
			return nil, err
		}
		cu := ch.UID(a.entry.Count - 1)
		v, err := ch.Seal(cu, postings[kw])
		if err != nil {
			return nil, err
		}
		chains[cu] = v
		if a.fresh {
			fresh = append(fresh, kw)
		}
	}
	if err := b.Insert(ctx, storage.ChainTable, chains); err != nil {
		return nil, err
	}
	return fresh, nil
}
