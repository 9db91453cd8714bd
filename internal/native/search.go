package native

import (
	"context"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/internal/keys"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/search"
)

type decryptor struct {
	s     *keys.Schedule
	label model.Label
}

func (d decryptor) EntryUID(kw model.Keyword) model.Uid32 {
	return d.s.KeywordUID(d.label, kw)
}

func (d decryptor) OpenEntry(uid model.Uid32, v model.Value) (search.Chain, error) {
	ent, err := d.s.OpenEntry(uid, v)
	if err != nil {
		return nil, err
	}
	return ent.Chain()
}

func (e *Engine) Search(out []byte, outLen *int, handle ffi.Handle, label, keywords []byte, args ffi.SearchArgs, cb ffi.Callbacks) int {
	s, err := e.schedule(handle)
	if err != nil {
		return fail(err)
	}
	kws, err := ffi.UnmarshalKeywords(codec.Default, keywords)
	if err != nil {
		return fail(err)
	}

	b := e.backend(cb)
	p := search.Params{
		MaxResultsPerKeyword:         args.MaxResultsPerKeyword,
		MaxDepth:                     args.MaxDepth,
		InsecureFetchChainsBatchSize: args.InsecureFetchChainsBatchSize,
	}
	if cb.Progress != nil {
		p.Progress = b.progress
	}
	ctrl := &search.Controller{
		Backend:   b,
		Decryptor: decryptor{s: s, label: label},
		Logger:    e.cfg.Logger,
	}
	res, err := ctrl.Run(context.Background(), kws, p)
	if err != nil {
		return fail(err)
	}
	return ffi.WriteOutput(out, outLen, ffi.EncodeSearchResults(res))
}
