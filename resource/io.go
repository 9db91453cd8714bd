package resource

import (
	"context"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// throttled charges every byte moved through a backend to the I/O limiter.
type throttled struct {
	storage.Backend
	rc *Controller
}

// Throttle wraps b so reads and writes wait on the I/O limit of rc. It
// returns b unchanged when rc has no I/O limit.
func Throttle(b storage.Backend, rc *Controller) storage.Backend {
	if rc == nil || rc.ioLimiter == nil {
		return b
	}
	return &throttled{Backend: b, rc: rc}
}

func rowsSize(rows []model.Row) int {
	n := 0
	for _, r := range rows {
		n += model.UidSize + len(r.Value)
	}
	return n
}

func mapSize(m map[model.Uid32]model.Value) int {
	n := 0
	for _, v := range m {
		n += model.UidSize + len(v)
	}
	return n
}

func (t *throttled) Fetch(ctx context.Context, table storage.Table, uids []model.Uid32) ([]model.Row, error) {
	if err := t.rc.AcquireIO(ctx, len(uids)*model.UidSize); err != nil {
		return nil, err
	}
	rows, err := t.Backend.Fetch(ctx, table, uids)
	if err != nil {
		return nil, err
	}
	return rows, t.rc.AcquireIO(ctx, rowsSize(rows))
}

func (t *throttled) FetchAllUids(ctx context.Context, table storage.Table) ([]model.Uid32, error) {
	uids, err := t.Backend.FetchAllUids(ctx, table)
	if err != nil {
		return nil, err
	}
	return uids, t.rc.AcquireIO(ctx, len(uids)*model.UidSize)
}

func (t *throttled) Upsert(ctx context.Context, table storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	n := 0
	for _, v := range rows {
		n += model.UidSize + len(v.Previous) + len(v.New)
	}
	if err := t.rc.AcquireIO(ctx, n); err != nil {
		return nil, err
	}
	return t.Backend.Upsert(ctx, table, rows)
}

func (t *throttled) Insert(ctx context.Context, table storage.Table, rows map[model.Uid32]model.Value) error {
	if err := t.rc.AcquireIO(ctx, mapSize(rows)); err != nil {
		return err
	}
	return t.Backend.Insert(ctx, table, rows)
}

func (t *throttled) Delete(ctx context.Context, table storage.Table, uids []model.Uid32) error {
	if err := t.rc.AcquireIO(ctx, len(uids)*model.UidSize); err != nil {
		return err
	}
	return t.Backend.Delete(ctx, table, uids)
}

func (t *throttled) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	n := len(req.RemovedChains)*model.UidSize + mapSize(req.NewEntries) + mapSize(req.NewChains)
	if err := t.rc.AcquireIO(ctx, n); err != nil {
		return err
	}
	return t.Backend.UpdateTables(ctx, req)
}
