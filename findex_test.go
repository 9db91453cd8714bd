package findex_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/resource"
	"github.com/hupe1980/findex/search"
	"github.com/hupe1980/findex/storage"
	"github.com/hupe1980/findex/storage/memory"
)

var ctx = context.Background()

func newIndex(t *testing.T, b storage.Backend, opts ...findex.Option) (*findex.Index, *findex.KeyCache) {
	t.Helper()
	idx, err := findex.New(b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	key, err := findex.GenerateKey()
	require.NoError(t, err)
	kc, err := idx.NewKeyCache(key)
	require.NoError(t, err)
	return idx, kc
}

func locations(prefix string, n int, kws ...model.Keyword) model.Associations {
	var as model.Associations
	for i := 0; i < n; i++ {
		as = as.Location(model.Location(fmt.Sprintf("%s-%02d", prefix, i)), kws...)
	}
	return as
}

func sorted(locs []model.Location) []model.Location {
	out := slices.Clone(locs)
	slices.Sort(out)
	return out
}

func TestAddAndSearch(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	fresh, err := idx.Add(ctx, kc, label, model.Associations{}.
		Location("doc-1", "France", "Paris").
		Location("doc-2", "France"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Keyword{"France", "Paris"}, fresh)

	res, err := idx.Search(ctx, kc, label, []model.Keyword{"France", "Paris", "Spain"})
	require.NoError(t, err)
	assert.Equal(t, []model.Location{"doc-1", "doc-2"}, sorted(res["France"]))
	assert.Equal(t, []model.Location{"doc-1"}, res["Paris"])
	assert.NotContains(t, res, model.Keyword("Spain"))
}

func TestMaxResultsPerKeyword(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	_, err := idx.Add(ctx, kc, label, locations("fr", 10, "France"))
	require.NoError(t, err)

	res, err := idx.Search(ctx, kc, label, []model.Keyword{"France"}, search.WithMaxResultsPerKeyword(3))
	require.NoError(t, err)
	assert.Len(t, res["France"], 3)

	res, err = idx.Search(ctx, kc, label, []model.Keyword{"France"}, search.WithMaxResultsPerKeyword(0))
	require.NoError(t, err)
	assert.Len(t, res["France"], 10)
}

func TestKeywordGraph(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	_, err := idx.Add(ctx, kc, label, model.Associations{}.
		Location("doc-1", "Paris").
		Pointer("Paris", "Par").
		Pointer("Par", "Pa"))
	require.NoError(t, err)

	res, err := idx.Search(ctx, kc, label, []model.Keyword{"Pa"})
	require.NoError(t, err)
	assert.Equal(t, []model.Location{"doc-1"}, res["Pa"])

	res, err = idx.Search(ctx, kc, label, []model.Keyword{"Pa"}, search.WithMaxDepth(1))
	require.NoError(t, err)
	assert.Empty(t, res["Pa"])
}

func TestDelete(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	_, err := idx.Add(ctx, kc, label, locations("fr", 3, "France"))
	require.NoError(t, err)
	fresh, err := idx.Delete(ctx, kc, label, model.Associations{}.Location("fr-01", "France"))
	require.NoError(t, err)
	assert.Empty(t, fresh)

	res, err := idx.Search(ctx, kc, label, []model.Keyword{"France"})
	require.NoError(t, err)
	assert.Equal(t, []model.Location{"fr-00", "fr-02"}, sorted(res["France"]))
}

func TestConcurrentAdds(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			_, err := idx.Add(ctx, kc, label, locations(fmt.Sprintf("w%d", w), 5, "shared"))
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	res, err := idx.Search(ctx, kc, label, []model.Keyword{"shared"})
	require.NoError(t, err)
	assert.Len(t, res["shared"], 40)
}

func TestCompactKeepsResults(t *testing.T) {
	store := memory.New()
	idx, kc := newIndex(t, store)
	oldLabel, newLabel := model.Label("v1"), model.Label("v2")

	_, err := idx.Add(ctx, kc, oldLabel, locations("fr", 10, "France").Location("es-1", "Spain"))
	require.NoError(t, err)
	_, err = idx.Delete(ctx, kc, oldLabel, model.Associations{}.Location("fr-03", "France"))
	require.NoError(t, err)

	before, err := idx.Search(ctx, kc, oldLabel, []model.Keyword{"France", "Spain"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, idx.Compact(ctx, kc, kc, newLabel, 1, nil))
		after, err := idx.Search(ctx, kc, newLabel, []model.Keyword{"France", "Spain"})
		require.NoError(t, err)
		assert.Equal(t, sorted(before["France"]), sorted(after["France"]))
		assert.Equal(t, before["Spain"], after["Spain"])
	}

	res, err := idx.Search(ctx, kc, oldLabel, []model.Keyword{"France"})
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 2, store.Len(storage.EntryTable))
}

func TestConcurrentCompactionsKeepResults(t *testing.T) {
	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 4})
	idx, kc := newIndex(t, memory.New(), findex.WithResources(rc))
	oldLabel, newLabel := model.Label("v1"), model.Label("v2")

	_, err := idx.Add(ctx, kc, oldLabel, locations("fr", 10, "France").Location("es-1", "Spain"))
	require.NoError(t, err)
	before, err := idx.Search(ctx, kc, oldLabel, []model.Keyword{"France", "Spain"})
	require.NoError(t, err)

	var active, peak atomic.Int32
	filter := func(_ context.Context, locs []model.Location) ([]model.Location, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return locs, nil
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Compact(ctx, kc, kc, newLabel, 1, filter))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "compactions of one index never overlap")
	after, err := idx.Search(ctx, kc, newLabel, []model.Keyword{"France", "Spain"})
	require.NoError(t, err)
	assert.Equal(t, sorted(before["France"]), sorted(after["France"]))
	assert.Equal(t, before["Spain"], after["Spain"])
}

func TestCompactRekeysAndFilters(t *testing.T) {
	idx, oldKC := newIndex(t, memory.New())
	label := model.Label("v1")

	_, err := idx.Add(ctx, oldKC, label, locations("fr", 4, "France"))
	require.NoError(t, err)

	key, err := idx.GenerateKey()
	require.NoError(t, err)

	err = idx.WithKeyCache(key, func(newKC *findex.KeyCache) error {
		gone := func(_ context.Context, locs []model.Location) ([]model.Location, error) {
			return slices.DeleteFunc(slices.Clone(locs), func(l model.Location) bool { return l == "fr-00" }), nil
		}
		if err := idx.Compact(ctx, oldKC, newKC, label, 1, gone); err != nil {
			return err
		}
		res, err := idx.Search(ctx, newKC, label, []model.Keyword{"France"})
		if err != nil {
			return err
		}
		assert.Equal(t, []model.Location{"fr-01", "fr-02", "fr-03"}, sorted(res["France"]))
		return nil
	})
	require.NoError(t, err)

	res, err := idx.Search(ctx, oldKC, label, []model.Keyword{"France"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestCompactInvalidPhases(t *testing.T) {
	idx, kc := newIndex(t, memory.New())

	err := idx.Compact(ctx, kc, kc, model.Label("v2"), 0, nil)
	assert.ErrorIs(t, err, findex.ErrInvalidPhases)
}

func TestCompactWithWrongKeyIsEngineError(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	_, err := idx.Add(ctx, kc, model.Label("v1"), locations("fr", 2, "France"))
	require.NoError(t, err)

	key, err := findex.GenerateKey()
	require.NoError(t, err)
	other, err := idx.NewKeyCache(key)
	require.NoError(t, err)
	defer other.Close()

	err = idx.Compact(ctx, other, other, model.Label("v2"), 1, nil)
	var ee *findex.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Code)
	assert.NotEmpty(t, ee.Message)
}

type failingFetch struct {
	*memory.Store
	err error
}

func (f failingFetch) Fetch(context.Context, storage.Table, []model.Uid32) ([]model.Row, error) {
	return nil, f.err
}

func TestBackendErrorIsReturnedUnchanged(t *testing.T) {
	boom := errors.New("connection reset")
	idx, kc := newIndex(t, failingFetch{Store: memory.New(), err: boom})

	_, err := idx.Search(ctx, kc, model.Label("v1"), []model.Keyword{"France"})
	assert.ErrorIs(t, err, boom)

	_, err = idx.Add(ctx, kc, model.Label("v1"), locations("fr", 1, "France"))
	assert.ErrorIs(t, err, boom)
}

func TestProgressStopsSearch(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	_, err := idx.Add(ctx, kc, label, model.Associations{}.
		Location("doc-1", "Paris").
		Pointer("Paris", "Pa"))
	require.NoError(t, err)

	var levels int
	stop := func(model.ProgressResults) (bool, error) {
		levels++
		return false, nil
	}
	res, err := idx.Search(ctx, kc, label, []model.Keyword{"Pa"}, search.WithProgress(stop))
	require.NoError(t, err)
	assert.Equal(t, 1, levels)
	assert.Empty(t, res["Pa"])
}

func TestInvalidArguments(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	label := model.Label("v1")

	_, err := idx.NewKeyCache(model.MasterKey("short"))
	assert.ErrorIs(t, err, findex.ErrInvalidKey)

	_, err = idx.Add(ctx, kc, label, model.Associations{}.Location("doc-1", ""))
	assert.ErrorIs(t, err, findex.ErrEmptyKeyword)

	_, err = idx.Add(ctx, kc, label, model.Associations{}.Location("", "France"))
	assert.ErrorIs(t, err, findex.ErrEmptyLocation)

	_, err = idx.Search(ctx, kc, label, []model.Keyword{""})
	assert.ErrorIs(t, err, findex.ErrEmptyKeyword)

	res, err := idx.Search(ctx, kc, label, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestKeyCacheLifecycle(t *testing.T) {
	idx, kc := newIndex(t, memory.New())
	other, otherKC := newIndex(t, memory.New())

	_, err := idx.Search(ctx, otherKC, model.Label("v1"), []model.Keyword{"France"})
	assert.ErrorIs(t, err, findex.ErrForeignKeyCache)
	_, err = other.Search(ctx, nil, model.Label("v1"), []model.Keyword{"France"})
	assert.ErrorIs(t, err, findex.ErrForeignKeyCache)

	require.NoError(t, kc.Close())
	require.NoError(t, kc.Close())
	_, err = idx.Search(ctx, kc, model.Label("v1"), []model.Keyword{"France"})
	assert.ErrorIs(t, err, findex.ErrClosed)
}

func TestWithKeyCacheReleasesOnError(t *testing.T) {
	idx, _ := newIndex(t, memory.New())
	key, err := findex.GenerateKey()
	require.NoError(t, err)

	boom := errors.New("boom")
	var leaked *findex.KeyCache
	err = idx.WithKeyCache(key, func(kc *findex.KeyCache) error {
		leaked = kc
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = idx.Search(ctx, leaked, model.Label("v1"), []model.Keyword{"France"})
	assert.ErrorIs(t, err, findex.ErrClosed)
}

func TestCloseIdempotent(t *testing.T) {
	idx, kc := newIndex(t, memory.New())

	assert.NoError(t, idx.Close())
	assert.NoError(t, idx.Close())

	_, err := idx.Add(ctx, kc, model.Label("v1"), locations("fr", 1, "France"))
	assert.ErrorIs(t, err, findex.ErrClosed)
	_, err = idx.NewKeyCache(make(model.MasterKey, model.KeySize))
	assert.ErrorIs(t, err, findex.ErrClosed)
	assert.NoError(t, kc.Close())
}

func TestMetricsAndLogging(t *testing.T) {
	var buf bytes.Buffer
	metrics := &findex.BasicMetricsCollector{}
	logger := findex.NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	idx, kc := newIndex(t, memory.New(), findex.WithMetricsCollector(metrics), findex.WithLogger(logger))
	label := model.Label("v1")

	_, err := idx.Add(ctx, kc, label, locations("fr", 3, "France"))
	require.NoError(t, err)
	_, err = idx.Search(ctx, kc, label, []model.Keyword{"France"})
	require.NoError(t, err)
	_, err = idx.Search(ctx, kc, label, []model.Keyword{""})
	require.Error(t, err)
	require.NoError(t, idx.Compact(ctx, kc, kc, model.Label("v2"), 1, nil))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.UpsertCount)
	assert.Equal(t, int64(1), stats.UpsertNewKeywords)
	assert.Equal(t, int64(2), stats.SearchCount)
	assert.Equal(t, int64(1), stats.SearchErrors)
	assert.Equal(t, int64(3), stats.SearchResults)
	assert.Equal(t, int64(1), stats.CompactCount)
	assert.Zero(t, stats.CompactErrors)

	out := buf.String()
	assert.Contains(t, out, `"msg":"upsert completed"`)
	assert.Contains(t, out, `"msg":"search failed"`)
	assert.Contains(t, out, `"msg":"compaction completed"`)
	assert.NotContains(t, out, "France")
}
