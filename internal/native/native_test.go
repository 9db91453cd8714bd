package native

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/cas"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
	"github.com/hupe1980/findex/storage/memory"
)

type env struct {
	t      *testing.T
	engine *Engine
	client *ffi.Client
	store  *memory.Store
	kc     *ffi.KeyCache
	label  model.Label
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := New(cfg)
	c := &ffi.Client{Engine: e, Bridge: ffi.NewBridge(ffi.BridgeConfig{})}

	key, err := c.GenerateKey()
	require.NoError(t, err)
	kc, err := c.NewKeyCache(key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kc.Close() })

	return &env{t: t, engine: e, client: c, store: memory.New(), kc: kc, label: model.Label("label-1")}
}

func (e *env) add(as model.Associations) []model.Keyword {
	e.t.Helper()
	fresh, err := e.client.Upsert(context.Background(), e.kc, e.label, as, nil, e.store)
	require.NoError(e.t, err)
	return fresh
}

func (e *env) search(args ffi.SearchArgs, kws ...model.Keyword) model.SearchResults {
	e.t.Helper()
	res, err := e.client.Search(context.Background(), e.kc, e.label, kws, args, nil, e.store)
	require.NoError(e.t, err)
	return res
}

var unlimited = ffi.SearchArgs{MaxDepth: -1}

func TestUpsertReturnsNewKeywords(t *testing.T) {
	env := newEnv(t, Config{})

	assert.Equal(t, []model.Keyword{"France"}, env.add(model.Associations{}.Location("paris", "France")))
	assert.Equal(t, []model.Keyword{"Spain"}, env.add(model.Associations{}.Location("lyon", "France").Location("madrid", "Spain")))

	res := env.search(unlimited, "France", "Spain", "Italy")
	assert.Equal(t, model.SearchResults{
		"France": {"paris", "lyon"},
		"Spain":  {"madrid"},
	}, res)
}

func TestMaxResultsPerKeyword(t *testing.T) {
	env := newEnv(t, Config{})
	var as model.Associations
	var all []model.Location
	for i := range 10 {
		l := model.Location(fmt.Sprintf("fr-%d", i))
		all = append(all, l)
		as = as.Location(l, "France")
	}
	env.add(as)

	assert.Equal(t, all[:3], env.search(ffi.SearchArgs{MaxResultsPerKeyword: 3, MaxDepth: -1}, "France")["France"])
	assert.Equal(t, all, env.search(unlimited, "France")["France"])
}

func TestKeywordPointers(t *testing.T) {
	env := newEnv(t, Config{})
	env.add(model.Associations{}.
		Location("paris", "France").
		Location("brussels", "Europe").
		Pointer("France", "Europe"))

	assert.Equal(t, []model.Location{"brussels", "paris"}, env.search(unlimited, "Europe")["Europe"])
	assert.Equal(t, []model.Location{"brussels"}, env.search(ffi.SearchArgs{}, "Europe")["Europe"])
}

func TestDeletions(t *testing.T) {
	env := newEnv(t, Config{})
	env.add(model.Associations{}.Location("a", "k").Location("b", "k"))

	_, err := env.client.Upsert(context.Background(), env.kc, env.label, nil, model.Associations{}.Location("a", "k"), env.store)
	require.NoError(t, err)
	assert.Equal(t, []model.Location{"b"}, env.search(unlimited, "k")["k"])
}

func TestLabelSeparatesIndexes(t *testing.T) {
	env := newEnv(t, Config{})
	env.add(model.Associations{}.Location("x", "k"))

	res, err := env.client.Search(context.Background(), env.kc, model.Label("other"), []model.Keyword{"k"}, unlimited, nil, env.store)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestConcurrentUpserts(t *testing.T) {
	env := newEnv(t, Config{})
	const writers = 8

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.client.Upsert(context.Background(), env.kc, env.label,
				model.Associations{}.Location(model.Location(fmt.Sprint("doc-", i)), "shared"), nil, env.store)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, env.search(unlimited, "shared")["shared"], writers)
}

func TestCompactKeepsResults(t *testing.T) {
	env := newEnv(t, Config{})
	env.add(model.Associations{}.
		Location("paris", "France").
		Location("lyon", "France").
		Location("madrid", "Spain").
		Pointer("Spain", "Europe"))
	before := env.search(unlimited, "France", "Spain", "Europe")

	for range 2 {
		require.NoError(t, env.client.Compact(context.Background(), env.kc, env.kc, env.label, 1, nil, env.store))
		assert.Equal(t, before, env.search(unlimited, "France", "Spain", "Europe"))
	}
}

func TestCompactRekeysAndFilters(t *testing.T) {
	env := newEnv(t, Config{ChainBlockSize: 1})
	env.add(model.Associations{}.Location("paris", "France").Location("gone", "France").Location("ghost", "Ghost"))

	key, err := env.client.GenerateKey()
	require.NoError(t, err)
	next, err := env.client.NewKeyCache(key)
	require.NoError(t, err)
	defer next.Close()

	alive := func(_ context.Context, locs []model.Location) ([]model.Location, error) {
		var out []model.Location
		for _, l := range locs {
			if l == "paris" {
				out = append(out, l)
			}
		}
		return out, nil
	}
	newLabel := model.Label("label-2")
	require.NoError(t, env.client.Compact(context.Background(), env.kc, next, newLabel, 1, alive, env.store))

	res, err := env.client.Search(context.Background(), next, newLabel, []model.Keyword{"France", "Ghost"}, unlimited, nil, env.store)
	require.NoError(t, err)
	assert.Equal(t, model.SearchResults{"France": {"paris"}}, res)
	assert.Equal(t, 1, env.store.Len(storage.EntryTable))

	// The old key and label see nothing.
	assert.Empty(t, env.search(unlimited, "France"))
}

func TestCompactInvalidPhases(t *testing.T) {
	env := newEnv(t, Config{})
	err := env.client.Compact(context.Background(), env.kc, env.kc, env.label, 0, nil, env.store)

	var se *ffi.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ffi.CodeError, se.Code)
	assert.Contains(t, se.Message, "phases")
}

type brokenStore struct {
	*memory.Store
	err error
}

func (b brokenStore) Fetch(context.Context, storage.Table, []model.Uid32) ([]model.Row, error) {
	return nil, b.err
}

func TestCallbackErrorsCrossTheBoundary(t *testing.T) {
	env := newEnv(t, Config{})
	cause := storage.Wrap(storage.OpFetch, storage.EntryTable, errors.New("connection reset"))
	b := brokenStore{Store: memory.New(), err: cause}

	_, err := env.client.Search(context.Background(), env.kc, env.label, []model.Keyword{"k"}, unlimited, nil, b)
	assert.Same(t, cause, err)

	_, err = env.client.Upsert(context.Background(), env.kc, env.label, model.Associations{}.Location("x", "k"), nil, b)
	assert.ErrorIs(t, err, storage.ErrStorage)
}

// rivalStore lets another writer commit to the same keyword before every
// upsert it serves.
type rivalStore struct {
	*memory.Store
	env *env
}

func (r rivalStore) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	if _, err := r.env.client.Upsert(ctx, r.env.kc, r.env.label, model.Associations{}.Location("rival", "k"), nil, r.Store); err != nil {
		return nil, err
	}
	return r.Store.Upsert(ctx, t, rows)
}

func TestTooManyConflicts(t *testing.T) {
	env := newEnv(t, Config{MaxRetries: 2})
	rival := rivalStore{Store: env.store, env: env}

	_, err := env.client.Upsert(context.Background(), env.kc, env.label, model.Associations{}.Location("x", "k"), nil, rival)
	require.ErrorIs(t, err, cas.ErrTooManyConflicts)

	var se *ffi.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ffi.CodeTooManyConflicts, se.Code)

	// Every rival write landed.
	assert.Len(t, env.search(unlimited, "k")["k"], 1)
}

func TestRivalWritesAreMerged(t *testing.T) {
	env := newEnv(t, Config{})
	calls := 0
	b := &oneRival{rivalStore: rivalStore{Store: env.store, env: env}, calls: &calls}

	_, err := env.client.Upsert(context.Background(), env.kc, env.label, model.Associations{}.Location("mine", "k"), nil, b)
	require.NoError(t, err)
	assert.Equal(t, []model.Location{"rival", "mine"}, env.search(unlimited, "k")["k"])
	assert.Equal(t, 2, calls)
}

type oneRival struct {
	rivalStore
	calls *int
}

func (o *oneRival) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	*o.calls++
	if *o.calls == 1 {
		return o.rivalStore.Upsert(ctx, t, rows)
	}
	return o.Store.Upsert(ctx, t, rows)
}

func TestSearchGrowsBuffer(t *testing.T) {
	env := newEnv(t, Config{CallbackBufferSize: 8})
	env.client.BufferSize = 8
	env.add(model.Associations{}.Location("a-rather-long-location-name", "k"))

	assert.Equal(t, []model.Location{"a-rather-long-location-name"}, env.search(unlimited, "k")["k"])
}

func TestProgressStopsSearch(t *testing.T) {
	env := newEnv(t, Config{})
	env.add(model.Associations{}.Location("brussels", "Europe").Pointer("France", "Europe").Location("paris", "France"))

	calls := 0
	res, err := env.client.Search(context.Background(), env.kc, env.label, []model.Keyword{"Europe"}, unlimited,
		func(level model.ProgressResults) (bool, error) {
			calls++
			assert.Contains(t, level["Europe"], model.KeywordValue("France"))
			return false, nil
		}, env.store)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []model.Location{"brussels"}, res["Europe"])
}

func TestKeyCacheLifecycle(t *testing.T) {
	env := newEnv(t, Config{})
	assert.Equal(t, 1, env.engine.KeyCaches())

	require.NoError(t, env.kc.Close())
	require.NoError(t, env.kc.Close())
	assert.Zero(t, env.engine.KeyCaches())

	_, err := env.client.Search(context.Background(), env.kc, env.label, []model.Keyword{"k"}, unlimited, nil, env.store)
	assert.ErrorIs(t, err, ffi.ErrKeyCacheClosed)

	assert.Equal(t, ffi.CodeError, env.engine.DestroyKeyCache(99))
	assert.Contains(t, ffi.ReadLastError(env.engine, 0), "unknown key cache handle")

	_, err = env.client.NewKeyCache(model.MasterKey("short"))
	var se *ffi.StatusError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "32 bytes")
}

func TestGenerateKeyThroughSmallBuffer(t *testing.T) {
	c := &ffi.Client{Engine: New(Config{}), Bridge: ffi.NewBridge(ffi.BridgeConfig{}), BufferSize: 4}
	k, err := c.GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k, model.KeySize)
}

func TestOtherKeySeesNothing(t *testing.T) {
	env := newEnv(t, Config{})
	env.add(model.Associations{}.Location("x", "k"))

	other := newEnv(t, Config{})
	other.store = env.store
	// Different key: different entry uid, so the keyword is simply unknown.
	assert.Empty(t, other.search(unlimited, "k"))
}

func TestGetLastErrorTruncates(t *testing.T) {
	ffi.SetLastError("something went wrong")
	e := New(Config{})

	assert.Equal(t, "some", ffi.ReadLastError(e, 4))
	n := 0
	assert.Equal(t, ffi.CodeError, e.GetLastError(nil, &n))
}
