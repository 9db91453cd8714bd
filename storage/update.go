package storage

import (
	"context"

	"github.com/hupe1980/findex/model"
)

// ApplyUpdate implements UpdateTables on top of the other operations of b,
// for backends without multi-row transactions.
//
// Steps run in the order that keeps the index searchable throughout: new
// chains, new entries, stale entries dropped, removed chains dropped. A
// crash in between leaves extra rows, never a dangling entry.
func ApplyUpdate(ctx context.Context, b Backend, req UpdateRequest) error {
	old, err := b.FetchAllUids(ctx, EntryTable)
	if err != nil {
		return err
	}
	if len(req.NewChains) > 0 {
		if err := b.Insert(ctx, ChainTable, req.NewChains); err != nil {
			return err
		}
	}
	if len(req.NewEntries) > 0 {
		if err := b.Insert(ctx, EntryTable, req.NewEntries); err != nil {
			return err
		}
	}
	if stale := StaleEntries(old, req.NewEntries); len(stale) > 0 {
		if err := b.Delete(ctx, EntryTable, stale); err != nil {
			return err
		}
	}
	if len(req.RemovedChains) > 0 {
		if err := b.Delete(ctx, ChainTable, req.RemovedChains); err != nil {
			return err
		}
	}
	return nil
}

// StaleEntries returns the uids of old that are not kept by newEntries.
func StaleEntries(old []model.Uid32, newEntries map[model.Uid32]model.Value) []model.Uid32 {
	var stale []model.Uid32
	for _, u := range old {
		if _, keep := newEntries[u]; !keep {
			stale = append(stale, u)
		}
	}
	return stale
}
