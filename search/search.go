package search

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// Decryptor maps keywords to Entry Table uids and opens entries. It is bound
// to one key and label.
type Decryptor interface {
	EntryUID(kw model.Keyword) model.Uid32
	OpenEntry(uid model.Uid32, v model.Value) (Chain, error)
}

// Chain is the decrypted head of one keyword chain.
type Chain interface {
	// UIDs lists the chain rows in chain order.
	UIDs() []model.Uid32
	Open(uid model.Uid32, v model.Value) ([]model.Posting, error)
}

// Controller runs searches against a backend.
type Controller struct {
	Backend   storage.Backend
	Decryptor Decryptor
	Logger    *slog.Logger

	// OnState observes every state transition when set.
	OnState func(State)
}

// Run searches keywords and returns, for each one that reaches at least one
// location, the locations reachable from it.
func (c *Controller) Run(ctx context.Context, keywords []model.Keyword, p Params) (model.SearchResults, error) {
	roots := lo.Uniq(keywords)
	graph := make(map[model.Keyword][]model.IndexedValue)
	visited := model.NewKeywordSet(roots...)

	c.enter(StateStart)
	frontier := roots
	levels, stopped := 0, false
	for depth := 0; len(frontier) > 0; depth++ {
		level, order, err := c.fetchLevel(ctx, frontier, depth == 0, p)
		if err != nil {
			return nil, err
		}
		levels++
		for kw, vals := range level {
			graph[kw] = vals
		}

		if p.Progress != nil {
			c.enter(StateProgressCheck)
			cont, err := p.Progress(level)
			if err != nil {
				return nil, err
			}
			if !cont {
				stopped = true
				break
			}
		}
		if !p.follows(depth + 1) {
			break
		}

		var next []model.Keyword
		for _, kw := range order {
			for _, v := range level[kw] {
				if ptr, ok := v.Keyword(); ok && !visited.Contains(ptr) {
					visited.Add(ptr)
					next = append(next, ptr)
				}
			}
		}
		frontier = next
	}
	c.enter(StateDone)

	res := collect(roots, graph, p)
	if c.Logger != nil {
		c.Logger.Debug("search traversal done",
			slog.Int("keywords", len(roots)),
			slog.Int("levels", levels),
			slog.Int("walked", len(graph)),
			slog.Int("locations", res.Total()),
			slog.Bool("stopped", stopped),
		)
	}
	return res, nil
}

func (c *Controller) enter(s State) {
	if c.OnState != nil {
		c.OnState(s)
	}
}

// fetchLevel returns the chain contents of every frontier keyword that has an
// entry, plus those keywords in frontier order.
func (c *Controller) fetchLevel(ctx context.Context, frontier []model.Keyword, first bool, p Params) (model.ProgressResults, []model.Keyword, error) {
	if first {
		c.enter(StateFetchEntries)
	}

	entryUIDs := make([]model.Uid32, len(frontier))
	owner := make(map[model.Uid32]model.Keyword, len(frontier))
	for i, kw := range frontier {
		u := c.Decryptor.EntryUID(kw)
		entryUIDs[i] = u
		owner[u] = kw
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	rows, err := c.Backend.Fetch(ctx, storage.EntryTable, entryUIDs)
	if err != nil {
		return nil, nil, err
	}

	chains := make(map[model.Keyword]Chain, len(rows))
	for _, row := range rows {
		kw, ok := owner[row.Uid]
		if !ok {
			continue
		}
		ch, err := c.Decryptor.OpenEntry(row.Uid, row.Value)
		if err != nil {
			return nil, nil, err
		}
		chains[kw] = ch
	}

	c.enter(StateFetchChainLevel)
	order := make([]model.Keyword, 0, len(chains))
	var chainUIDs []model.Uid32
	for _, kw := range frontier {
		if ch, ok := chains[kw]; ok {
			order = append(order, kw)
			chainUIDs = append(chainUIDs, ch.UIDs()...)
		}
	}

	values := make(map[model.Uid32]model.Value, len(chainUIDs))
	for _, batch := range storage.Chunk(chainUIDs, p.InsecureFetchChainsBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rows, err := c.Backend.Fetch(ctx, storage.ChainTable, batch)
		if err != nil {
			return nil, nil, err
		}
		for _, row := range rows {
			values[row.Uid] = row.Value
		}
	}

	level := make(model.ProgressResults, len(order))
	for _, kw := range order {
		ch := chains[kw]
		var postings []model.Posting
		for _, u := range ch.UIDs() {
			v, ok := values[u]
			if !ok {
				// Entry committed before its chain row.
				continue
			}
			ps, err := ch.Open(u, v)
			if err != nil {
				return nil, nil, err
			}
			postings = append(postings, ps...)
		}
		level[kw] = Replay(postings, p.MaxResultsPerKeyword)
	}
	return level, order, nil
}

// Replay applies additions and deletions in chain order and returns the
// surviving values, deduplicated, truncated to limit when limit > 0.
func Replay(postings []model.Posting, limit int) []model.IndexedValue {
	type slot struct {
		v    model.IndexedValue
		live bool
	}
	slots := make([]slot, 0, len(postings))
	pos := make(map[string]int, len(postings))
	for _, p := range postings {
		key := string(p.Value)
		i, present := pos[key]
		switch {
		case p.Deleted && present:
			slots[i].live = false
			delete(pos, key)
		case !p.Deleted && !present:
			pos[key] = len(slots)
			slots = append(slots, slot{v: p.Value, live: true})
		}
	}

	out := make([]model.IndexedValue, 0, len(pos))
	for _, s := range slots {
		if !s.live {
			continue
		}
		out = append(out, s.v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func collect(roots []model.Keyword, graph map[model.Keyword][]model.IndexedValue, p Params) model.SearchResults {
	type hop struct {
		kw    model.Keyword
		depth int
	}
	res := make(model.SearchResults, len(roots))
	for _, root := range roots {
		var locs []model.Location
		seenLoc := make(map[model.Location]struct{})
		seenKw := model.NewKeywordSet(root)
		queue := []hop{{kw: root}}
		for len(queue) > 0 {
			h := queue[0]
			queue = queue[1:]
			for _, v := range graph[h.kw] {
				if loc, ok := v.Location(); ok {
					if _, dup := seenLoc[loc]; !dup {
						seenLoc[loc] = struct{}{}
						locs = append(locs, loc)
					}
					continue
				}
				if ptr, ok := v.Keyword(); ok && !seenKw.Contains(ptr) && p.follows(h.depth+1) {
					seenKw.Add(ptr)
					queue = append(queue, hop{kw: ptr, depth: h.depth + 1})
				}
			}
		}
		if len(locs) > 0 {
			res[root] = locs
		}
	}
	return res
}
