package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/hupe1980/findex/model"
)

// Table selects one of the two logical tables.
type Table uint8

const (
	EntryTable Table = iota
	ChainTable
)

func (t Table) String() string {
	switch t {
	case EntryTable:
		return "entry"
	case ChainTable:
		return "chain"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// Op names one operation of the contract.
type Op uint8

const (
	OpFetch Op = iota
	OpFetchAllUids
	OpUpsert
	OpInsert
	OpDelete
	OpUpdateTables
	numOps
)

var opNames = [...]string{"fetch", "fetch_all_uids", "upsert", "insert", "delete", "update_tables"}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

var (
	// ErrStorage is matched by every backend I/O failure.
	ErrStorage = errors.New("storage error")

	// ErrUnsupported is returned by operations a backend does not implement.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// UpdateRequest is the input of the compaction-only UpdateTables operation.
type UpdateRequest struct {
	// RemovedChains are Chain Table rows no longer referenced.
	RemovedChains []model.Uid32
	// NewEntries replaces the whole Entry Table.
	NewEntries map[model.Uid32]model.Value
	// NewChains are inserted into the Chain Table.
	NewChains map[model.Uid32]model.Value
}

// Backend is the Index Storage Contract.
//
// Implementations must be safe for concurrent use. A failed I/O must be
// reported through an error matching ErrStorage (see Wrap); the index never
// retries it.
type Backend interface {
	// Fetch returns the rows present among uids. Absent keys are omitted.
	Fetch(ctx context.Context, table Table, uids []model.Uid32) ([]model.Row, error)

	// FetchAllUids enumerates every key of a table. Only compaction needs it.
	FetchAllUids(ctx context.Context, table Table) ([]model.Uid32, error)

	// Upsert applies each row only if the stored value equals Previous
	// byte-for-byte (or the row is absent and Previous is empty). It returns
	// the current stored value of every rejected row; accepted rows are
	// omitted.
	Upsert(ctx context.Context, table Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error)

	// Insert writes rows unconditionally.
	Insert(ctx context.Context, table Table, rows map[model.Uid32]model.Value) error

	// Delete removes rows. Deleting an absent key is not an error.
	Delete(ctx context.Context, table Table, uids []model.Uid32) error

	// UpdateTables is used by compaction only. Afterwards the Entry Table
	// holds exactly req.NewEntries, req.NewChains have been inserted and
	// req.RemovedChains deleted.
	UpdateTables(ctx context.Context, req UpdateRequest) error

	// Supports reports whether op is implemented.
	Supports(op Op) bool
}

// Wrap tags err as a storage failure of op on table. It returns nil for nil.
func Wrap(op Op, table Table, err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s %s table: %w", ErrStorage, op, table, err)
}

// Chunk splits items into slices of at most size elements. size <= 0 returns a
// single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	return lo.Chunk(items, size)
}
