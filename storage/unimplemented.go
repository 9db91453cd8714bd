package storage

import (
	"context"
	"fmt"

	"github.com/hupe1980/findex/model"
)

// Unimplemented provides ErrUnsupported defaults for every operation.
// Embed it and override the operations a backend serves; build it with Ops
// so Supports reports them.
type Unimplemented struct {
	ops uint8
}

// Ops returns an Unimplemented that reports ops as supported.
func Ops(ops ...Op) Unimplemented {
	var u Unimplemented
	for _, op := range ops {
		u.ops |= 1 << op
	}
	return u
}

// AllOps returns an Unimplemented reporting every operation as supported.
func AllOps() Unimplemented {
	return Ops(OpFetch, OpFetchAllUids, OpUpsert, OpInsert, OpDelete, OpUpdateTables)
}

func (u Unimplemented) Supports(op Op) bool {
	return op < numOps && u.ops&(1<<op) != 0
}

func (Unimplemented) Fetch(context.Context, Table, []model.Uid32) ([]model.Row, error) {
	return nil, unsupported(OpFetch)
}

func (Unimplemented) FetchAllUids(context.Context, Table) ([]model.Uid32, error) {
	return nil, unsupported(OpFetchAllUids)
}

func (Unimplemented) Upsert(context.Context, Table, map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	return nil, unsupported(OpUpsert)
}

func (Unimplemented) Insert(context.Context, Table, map[model.Uid32]model.Value) error {
	return unsupported(OpInsert)
}

func (Unimplemented) Delete(context.Context, Table, []model.Uid32) error {
	return unsupported(OpDelete)
}

func (Unimplemented) UpdateTables(context.Context, UpdateRequest) error {
	return unsupported(OpUpdateTables)
}

func unsupported(op Op) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, op)
}

// Require fails with ErrUnsupported naming the first op b does not support.
func Require(b Backend, ops ...Op) error {
	for _, op := range ops {
		if !b.Supports(op) {
			return unsupported(op)
		}
	}
	return nil
}
