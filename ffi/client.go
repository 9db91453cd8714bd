package ffi

import (
	"context"

	"github.com/samber/lo"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// Client drives an Engine from the host: it encodes requests, builds the
// callbacks, runs the grow-and-retry protocol and turns status codes back
// into errors.
type Client struct {
	Engine Engine
	Bridge *Bridge
	// Codec encodes JSON payloads. Nil uses codec.Default.
	Codec codec.Codec
	// BufferSize is the first output buffer offered. Zero uses
	// DefaultBufferSize.
	BufferSize int
	// MaxErrorLen bounds engine error messages. Zero uses
	// DefaultMaxErrorLen.
	MaxErrorLen int
}

func (c *Client) codec() codec.Codec {
	if c.Codec == nil {
		return codec.Default
	}
	return c.Codec
}

func (c *Client) bufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

func (c *Client) resolve(code int, call *Call) error {
	switch code {
	case CodeOK:
		return nil
	case CodeCallbackError:
		if call == nil {
			return ErrReservedCodeWithoutCause
		}
		return call.Err()
	default:
		return statusError(c.Engine, code, c.MaxErrorLen)
	}
}

// GenerateKey asks the engine for a fresh master key.
func (c *Client) GenerateKey() (model.MasterKey, error) {
	out, code, err := CallWithBuffer(c.bufferSize(), c.Engine.GenerateKey)
	if err != nil {
		return nil, err
	}
	if err := c.resolve(code, nil); err != nil {
		return nil, err
	}
	return model.MasterKey(out), nil
}

// NewKeyCache creates an engine key cache for key.
func (c *Client) NewKeyCache(key model.MasterKey) (*KeyCache, error) {
	return NewKeyCache(c.Engine, key, c.MaxErrorLen)
}

// Upsert indexes additions and deletions and returns the keywords that were
// new to the index.
//
// Upsert is not idempotent, so it is never retried: the output buffer is
// sized for the largest possible answer up front.
func (c *Client) Upsert(ctx context.Context, kc *KeyCache, label model.Label, additions, deletions model.Associations, b storage.Backend) ([]model.Keyword, error) {
	h, err := kc.Handle()
	if err != nil {
		return nil, err
	}
	add, err := MarshalAssociations(c.codec(), additions)
	if err != nil {
		return nil, err
	}
	del, err := MarshalAssociations(c.codec(), deletions)
	if err != nil {
		return nil, err
	}

	call := c.Bridge.Begin()
	defer call.End()
	cb := HostCallbacks(ctx, b, call, HostOptions{})

	all := lo.Uniq(append(additions.Keywords(), deletions.Keywords()...))
	out := make([]byte, KeywordsSize(all))
	n := len(out)
	code := c.Engine.Upsert(out, &n, h, label, add, del, cb)
	if code == CodeBufferTooSmall {
		return nil, ErrBufferProtocol
	}
	if err := c.resolve(code, call); err != nil {
		return nil, err
	}
	return DecodeKeywords(out[:n])
}

// Search runs a search. A buffer retry re-runs the traversal, so progress
// may observe the same levels twice.
func (c *Client) Search(ctx context.Context, kc *KeyCache, label model.Label, kws []model.Keyword, args SearchArgs, progress ProgressFunc, b storage.Backend) (model.SearchResults, error) {
	h, err := kc.Handle()
	if err != nil {
		return nil, err
	}
	payload, err := MarshalKeywords(c.codec(), kws)
	if err != nil {
		return nil, err
	}

	call := c.Bridge.Begin()
	defer call.End()
	cb := HostCallbacks(ctx, b, call, HostOptions{Progress: progress})

	out, code, err := CallWithBuffer(c.bufferSize(), func(out []byte, outLen *int) int {
		return c.Engine.Search(out, outLen, h, label, payload, args, cb)
	})
	if err != nil {
		return nil, err
	}
	if err := c.resolve(code, call); err != nil {
		return nil, err
	}
	return DecodeSearchResults(out)
}

// Compact rewrites the index from the keys of old to those of next under
// newLabel.
func (c *Client) Compact(ctx context.Context, old, next *KeyCache, newLabel model.Label, phases int, filter LocationFilter, b storage.Backend) error {
	oh, err := old.Handle()
	if err != nil {
		return err
	}
	nh, err := next.Handle()
	if err != nil {
		return err
	}

	call := c.Bridge.Begin()
	defer call.End()
	cb := HostCallbacks(ctx, b, call, HostOptions{Filter: filter})

	return c.resolve(c.Engine.Compact(oh, nh, newLabel, phases, cb), call)
}
