package findex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/findex/compact"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/internal/native"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/search"
	"github.com/hupe1980/findex/storage"
)

// Index is an encrypted keyword index stored in a storage.Backend.
//
// An Index is safe for concurrent use. Concurrent writers are reconciled by
// compare-and-swap on Entry Table rows. Compactions of one Index run one at
// a time.
type Index struct {
	backend storage.Backend
	client  *ffi.Client
	logger  *Logger
	metrics MetricsCollector

	compacting *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	caches map[*KeyCache]struct{}
}

// New creates an Index over backend.
func New(backend storage.Backend, optFns ...Option) (*Index, error) {
	if backend == nil {
		return nil, errors.New("findex: nil backend")
	}
	opts := applyOptions(optFns)

	engine := native.New(native.Config{
		MaxRetries: opts.maxRetries,
		Resources:  opts.resources,
		Logger:     opts.logger.WithComponent("engine").Logger,
	})

	return &Index{
		backend: backend,
		client: &ffi.Client{
			Engine:      engine,
			Bridge:      ffi.NewBridge(opts.bridge),
			Codec:       opts.codec,
			BufferSize:  opts.bufferSize,
			MaxErrorLen: opts.maxErrorLen,
		},
		logger:     opts.logger,
		metrics:    opts.metricsCollector,
		compacting: semaphore.NewWeighted(1),
		caches:     make(map[*KeyCache]struct{}),
	}, nil
}

// GenerateKey returns a fresh random master key.
func GenerateKey() (model.MasterKey, error) {
	c := &ffi.Client{Engine: native.New(native.Config{})}
	return c.GenerateKey()
}

// GenerateKey asks this index's engine for a fresh master key.
func (ix *Index) GenerateKey() (model.MasterKey, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	key, err := ix.client.GenerateKey()
	return key, translateError(err)
}

// KeyCache holds the derived keys of one master key inside the engine.
// Close it when done; WithKeyCache does so automatically.
type KeyCache struct {
	ix *Index
	kc *ffi.KeyCache
}

// Close releases the engine handle. It is safe to call more than once.
func (k *KeyCache) Close() error {
	if k == nil {
		return nil
	}
	k.ix.mu.Lock()
	delete(k.ix.caches, k)
	k.ix.mu.Unlock()

	err := translateError(k.kc.Close())
	k.ix.logger.LogKeyCache(context.Background(), "release", err)
	return err
}

// NewKeyCache derives the keys of key once so that later calls reuse them.
func (ix *Index) NewKeyCache(key model.MasterKey) (*KeyCache, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil, ErrClosed
	}

	kc, err := ix.client.NewKeyCache(key)
	if err != nil {
		err = translateError(err)
		ix.logger.LogKeyCache(context.Background(), "create", err)
		return nil, err
	}
	k := &KeyCache{ix: ix, kc: kc}
	ix.caches[k] = struct{}{}
	ix.logger.LogKeyCache(context.Background(), "create", nil)
	return k, nil
}

// WithKeyCache runs fn with a key cache for key and releases it on every
// exit path.
func (ix *Index) WithKeyCache(key model.MasterKey, fn func(*KeyCache) error) (err error) {
	kc, err := ix.NewKeyCache(key)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := kc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(kc)
}

// Add indexes additions and returns the keywords that were new to the index.
func (ix *Index) Add(ctx context.Context, kc *KeyCache, label model.Label, additions model.Associations) ([]model.Keyword, error) {
	return ix.Upsert(ctx, kc, label, additions, nil)
}

// Delete records deletion markers for deletions. Searches stop returning
// the deleted values; compaction removes them.
func (ix *Index) Delete(ctx context.Context, kc *KeyCache, label model.Label, deletions model.Associations) ([]model.Keyword, error) {
	return ix.Upsert(ctx, kc, label, nil, deletions)
}

// Upsert indexes additions, then deletions, in one call. It returns the
// keywords that had no entry before the call.
func (ix *Index) Upsert(ctx context.Context, kc *KeyCache, label model.Label, additions, deletions model.Associations) ([]model.Keyword, error) {
	start := time.Now()
	fresh, err := ix.upsert(ctx, kc, label, additions, deletions)

	ix.metrics.RecordUpsert(len(additions)+len(deletions), len(fresh), time.Since(start), err)
	ix.logger.LogAdd(ctx, len(additions), len(deletions), len(fresh), err)
	return fresh, err
}

func (ix *Index) upsert(ctx context.Context, kc *KeyCache, label model.Label, additions, deletions model.Associations) ([]model.Keyword, error) {
	if err := ix.own(kc); err != nil {
		return nil, err
	}
	if err := validateAssociations(additions); err != nil {
		return nil, err
	}
	if err := validateAssociations(deletions); err != nil {
		return nil, err
	}
	if len(additions) == 0 && len(deletions) == 0 {
		return nil, nil
	}

	fresh, err := ix.client.Upsert(ctx, kc.kc, label, additions, deletions, ix.backend)
	return fresh, translateError(err)
}

// Search returns the locations reachable from each of kws. Keywords without
// any location are absent from the result.
func (ix *Index) Search(ctx context.Context, kc *KeyCache, label model.Label, kws []model.Keyword, optFns ...search.Option) (model.SearchResults, error) {
	start := time.Now()
	res, err := ix.search(ctx, kc, label, kws, search.NewParams(optFns...))

	ix.metrics.RecordSearch(len(kws), res.Total(), time.Since(start), err)
	ix.logger.LogSearch(ctx, len(kws), res.Total(), err)
	return res, err
}

func (ix *Index) search(ctx context.Context, kc *KeyCache, label model.Label, kws []model.Keyword, p search.Params) (model.SearchResults, error) {
	if err := ix.own(kc); err != nil {
		return nil, err
	}
	for _, kw := range kws {
		if kw == "" {
			return nil, ErrEmptyKeyword
		}
	}
	if len(kws) == 0 {
		return model.SearchResults{}, nil
	}

	args := ffi.SearchArgs{
		MaxResultsPerKeyword:         p.MaxResultsPerKeyword,
		MaxDepth:                     p.MaxDepth,
		InsecureFetchChainsBatchSize: p.InsecureFetchChainsBatchSize,
	}
	var progress ffi.ProgressFunc
	if p.Progress != nil {
		progress = ffi.ProgressFunc(p.Progress)
	}

	res, err := ix.client.Search(ctx, kc.kc, label, kws, args, progress, ix.backend)
	return res, translateError(err)
}

// Compact re-encrypts the whole index from the keys of old to the keys of
// next under newLabel, rebuilding a random ceil(n/phases) share of the
// entries. filter, when set, receives every indexed location and returns
// the ones still alive.
//
// old and next may be the same key cache to only change the label.
func (ix *Index) Compact(ctx context.Context, old, next *KeyCache, newLabel model.Label, phases int, filter compact.Filter) error {
	start := time.Now()
	err := ix.compact(ctx, old, next, newLabel, phases, filter)

	ix.metrics.RecordCompact(phases, time.Since(start), err)
	ix.logger.LogCompact(ctx, phases, err)
	return err
}

func (ix *Index) compact(ctx context.Context, old, next *KeyCache, newLabel model.Label, phases int, filter compact.Filter) error {
	if phases < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPhases, phases)
	}
	if err := ix.own(old); err != nil {
		return err
	}
	if err := ix.own(next); err != nil {
		return err
	}

	if err := ix.compacting.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ix.compacting.Release(1)

	var f ffi.LocationFilter
	if filter != nil {
		f = ffi.LocationFilter(filter)
	}
	return translateError(ix.client.Compact(ctx, old.kc, next.kc, newLabel, phases, f, ix.backend))
}

// Close releases every key cache still open. Later calls fail with
// ErrClosed. Close does not close the backend.
func (ix *Index) Close() error {
	if ix == nil {
		return nil
	}
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	caches := make([]*KeyCache, 0, len(ix.caches))
	for k := range ix.caches {
		caches = append(caches, k)
	}
	ix.mu.Unlock()

	var firstErr error
	for _, k := range caches {
		if err := k.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ix *Index) check() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return ErrClosed
	}
	return nil
}

func (ix *Index) own(kc *KeyCache) error {
	if err := ix.check(); err != nil {
		return err
	}
	if kc == nil || kc.ix != ix {
		return ErrForeignKeyCache
	}
	return nil
}

func validateAssociations(as model.Associations) error {
	for _, a := range as {
		if _, err := model.ParseIndexedValue(a.Value); err != nil {
			return err
		}
		if loc, ok := a.Value.Location(); ok && loc == "" {
			return ErrEmptyLocation
		}
		if kw, ok := a.Value.Keyword(); ok && kw == "" {
			return ErrEmptyKeyword
		}
		for _, kw := range a.Keywords {
			if kw == "" {
				return ErrEmptyKeyword
			}
		}
	}
	return nil
}
