// Package cas implements the optimistic upsert loop over the Entry Table.
//
// Every write is a compare-and-swap: the controller reads the current rows,
// derives new values from them, and submits (previous, new) pairs. Rows the
// backend rejects come back with the value that won; only those rows are
// derived again and resubmitted.
package cas

import (
	"context"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// DeriveFunc computes the value to store for uid given its current value.
// current is empty when the row does not exist yet. It is called again with
// the winning value each time a submission is rejected.
type DeriveFunc func(uid model.Uid32, current model.Value) (model.Value, error)

// Controller runs the retry loop against one table of a backend.
type Controller struct {
	Backend storage.Backend
	Table   storage.Table

	// MaxRetries caps the number of resubmission rounds. Zero means
	// unbounded.
	MaxRetries int

	Logger *slog.Logger
}

// Run upserts one row per uid and returns the committed value of each.
func (c *Controller) Run(ctx context.Context, uids []model.Uid32, derive DeriveFunc) (map[model.Uid32]model.Value, error) {
	uids = lo.Uniq(uids)
	committed := make(map[model.Uid32]model.Value, len(uids))
	if len(uids) == 0 {
		return committed, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := c.Backend.Fetch(ctx, c.Table, uids)
	if err != nil {
		return nil, err
	}
	current := model.RowsToMap(rows)

	pending := uids
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := make(map[model.Uid32]model.EntryTableValues, len(pending))
		for _, u := range pending {
			next, err := derive(u, current[u])
			if err != nil {
				return nil, err
			}
			batch[u] = model.EntryTableValues{Previous: current[u], New: next}
		}

		rejected, err := c.Backend.Upsert(ctx, c.Table, batch)
		if err != nil {
			return nil, err
		}
		for u, v := range batch {
			if _, lost := rejected[u]; !lost {
				committed[u] = v.New
			}
		}
		if len(rejected) == 0 {
			return committed, nil
		}

		pending = lo.Keys(rejected)
		slices.SortFunc(pending, model.Uid32.Compare)
		for _, u := range pending {
			current[u] = rejected[u]
		}

		if c.Logger != nil {
			c.Logger.Debug("upsert conflicts",
				slog.String("table", c.Table.String()),
				slog.Int("round", round+1),
				slog.Int("rejected", len(pending)),
			)
		}
		if c.MaxRetries > 0 && round+1 > c.MaxRetries {
			return nil, &ConflictError{UIDs: pending, Rounds: round + 1}
		}
	}
}
