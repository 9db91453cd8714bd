// Package compact rewrites the index under a new key and label.
//
// Compaction re-encrypts every entry. A random share of the entries, one
// "phase" worth, also has its chain rebuilt: deletions are applied, locations
// rejected by the liveness filter are dropped, and the surviving values are
// sealed under a fresh chain key. Running as many compactions as there are
// phases rebuilds every chain on average.
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/findex/internal/conv"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/resource"
	"github.com/hupe1980/findex/search"
	"github.com/hupe1980/findex/storage"
)

// ErrInvalidPhases is returned when Params.Phases is below 1.
var ErrInvalidPhases = errors.New("number of reindexing phases must be at least 1")

// Entry is a decrypted Entry Table row.
type Entry interface {
	// ChainUIDs lists the chain rows of the entry in chain order.
	ChainUIDs() []model.Uid32
	OpenChain(uid model.Uid32, v model.Value) ([]model.Posting, error)
}

// Cipher opens entries under the old key and label and seals them under the
// new ones.
type Cipher interface {
	OpenEntry(uid model.Uid32, v model.Value) (Entry, error)

	// Reseal re-encrypts e, keeping its chain.
	Reseal(e Entry) (model.Uid32, model.Value, error)

	// Rebuild gives e a fresh chain holding values and returns the new
	// entry row and its chain rows.
	Rebuild(e Entry, values []model.IndexedValue) (model.Uid32, model.Value, map[model.Uid32]model.Value, error)
}

// Filter returns the locations that still exist among locs.
type Filter func(ctx context.Context, locs []model.Location) ([]model.Location, error)

// Params configures one compaction.
type Params struct {
	// Phases is NumberOfReindexingPhasesBeforeFullSet: 1 rebuilds every
	// chain, n rebuilds ceil(entries/n) chains.
	Phases int

	// Filter drops dead locations from rebuilt chains. Nil keeps all.
	Filter Filter
}

// Stats describes a finished compaction.
type Stats struct {
	Entries       int
	Rebuilt       int
	Dropped       int
	RemovedChains int
	NewChains     int
	Duration      time.Duration
}

// Coordinator runs compactions against one backend.
type Coordinator struct {
	Backend   storage.Backend
	Resources *resource.Controller
	Logger    *slog.Logger

	// Rand picks the entries to rebuild. Nil uses a random source.
	Rand *rand.Rand
}

// Run compacts the index.
func (c *Coordinator) Run(ctx context.Context, cipher Cipher, p Params) (Stats, error) {
	start := time.Now()
	if p.Phases < 1 {
		return Stats{}, ErrInvalidPhases
	}
	if err := storage.Require(c.Backend, storage.OpFetch, storage.OpFetchAllUids, storage.OpUpdateTables); err != nil {
		return Stats{}, err
	}

	if err := c.Resources.AcquireBackground(ctx); err != nil {
		return Stats{}, err
	}
	defer c.Resources.ReleaseBackground()

	b := resource.Throttle(c.Backend, c.Resources)

	uids, err := b.FetchAllUids(ctx, storage.EntryTable)
	if err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	rows, err := b.Fetch(ctx, storage.EntryTable, uids)
	if err != nil {
		return Stats{}, err
	}
	slices.SortFunc(rows, func(a, b model.Row) int { return a.Uid.Compare(b.Uid) })

	entries := make([]Entry, len(rows))
	for i, row := range rows {
		e, err := cipher.OpenEntry(row.Uid, row.Value)
		if err != nil {
			return Stats{}, err
		}
		entries[i] = e
	}

	if _, err := conv.IntToUint32(len(entries)); err != nil {
		return Stats{}, fmt.Errorf("compact: entry table too large: %w", err)
	}
	picked := c.pick(len(entries), p.Phases)
	stats := Stats{Entries: len(entries), Rebuilt: int(picked.GetCardinality())}
	req := storage.UpdateRequest{
		NewEntries: make(map[model.Uid32]model.Value, len(entries)),
		NewChains:  make(map[model.Uid32]model.Value),
	}

	var rebuild []Entry
	for i, e := range entries {
		if picked.Contains(uint32(i)) {
			rebuild = append(rebuild, e)
			continue
		}
		uid, v, err := cipher.Reseal(e)
		if err != nil {
			return Stats{}, err
		}
		req.NewEntries[uid] = v
	}

	if err := c.rebuild(ctx, b, cipher, rebuild, p.Filter, &req, &stats); err != nil {
		return Stats{}, err
	}

	stats.RemovedChains = len(req.RemovedChains)
	stats.NewChains = len(req.NewChains)
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if err := b.UpdateTables(ctx, req); err != nil {
		return Stats{}, err
	}
	stats.Duration = time.Since(start)

	if c.Logger != nil {
		c.Logger.Info("compaction done",
			slog.Int("entries", stats.Entries),
			slog.Int("rebuilt", stats.Rebuilt),
			slog.Int("dropped", stats.Dropped),
			slog.Int("removed_chains", stats.RemovedChains),
			slog.Int("new_chains", stats.NewChains),
			slog.Duration("duration", stats.Duration),
		)
	}
	return stats, nil
}

// pick selects ceil(n/phases) positions out of n.
func (c *Coordinator) pick(n, phases int) *roaring.Bitmap {
	bm := roaring.New()
	k := (n + phases - 1) / phases
	if k >= n {
		bm.AddRange(0, uint64(n))
		return bm
	}
	intN := rand.IntN
	if c.Rand != nil {
		intN = c.Rand.IntN
	}
	for bm.GetCardinality() < uint64(k) {
		bm.Add(uint32(intN(n)))
	}
	return bm
}

func (c *Coordinator) rebuild(ctx context.Context, b storage.Backend, cipher Cipher, entries []Entry, filter Filter, req *storage.UpdateRequest, stats *Stats) error {
	if len(entries) == 0 {
		return nil
	}

	var chainUIDs []model.Uid32
	for _, e := range entries {
		chainUIDs = append(chainUIDs, e.ChainUIDs()...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rows, err := b.Fetch(ctx, storage.ChainTable, chainUIDs)
	if err != nil {
		return err
	}

	held := int64(0)
	for _, r := range rows {
		held += int64(len(r.Value))
	}
	if err := c.Resources.AcquireMemory(ctx, held); err != nil {
		return err
	}
	defer c.Resources.ReleaseMemory(held)

	chains := model.RowsToMap(rows)
	values := make([][]model.IndexedValue, len(entries))
	var locs []model.Location
	seen := make(map[model.Location]struct{})
	for i, e := range entries {
		var postings []model.Posting
		for _, u := range e.ChainUIDs() {
			v, ok := chains[u]
			if !ok {
				continue
			}
			ps, err := e.OpenChain(u, v)
			if err != nil {
				return err
			}
			postings = append(postings, ps...)
		}
		values[i] = search.Replay(postings, 0)
		for _, iv := range values[i] {
			if l, ok := iv.Location(); ok {
				if _, dup := seen[l]; !dup {
					seen[l] = struct{}{}
					locs = append(locs, l)
				}
			}
		}
	}

	alive := seen
	if filter != nil && len(locs) > 0 {
		kept, err := filter(ctx, locs)
		if err != nil {
			return err
		}
		alive = make(map[model.Location]struct{}, len(kept))
		for _, l := range kept {
			alive[l] = struct{}{}
		}
	}

	for i, e := range entries {
		kept := values[i][:0]
		for _, iv := range values[i] {
			if l, ok := iv.Location(); ok {
				if _, live := alive[l]; !live {
					continue
				}
			}
			kept = append(kept, iv)
		}

		req.RemovedChains = append(req.RemovedChains, e.ChainUIDs()...)
		if len(kept) == 0 {
			stats.Dropped++
			continue
		}
		uid, v, chain, err := cipher.Rebuild(e, kept)
		if err != nil {
			return err
		}
		req.NewEntries[uid] = v
		for cu, cv := range chain {
			req.NewChains[cu] = cv
		}
	}
	return nil
}
