// Package etcd stores the Entry and Chain tables in etcd v3.
//
// Each row is one key, <prefix>/<table>/<hex uid>. Compare-and-swap is an
// etcd transaction per row comparing the stored value, whose else branch
// reads the winner's value back in the same round trip.
package etcd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// DefaultMaxTxnOps is etcd's default --max-txn-ops.
const DefaultMaxTxnOps = 128

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every key.
	Prefix string

	// MaxTxnOps bounds the operations of one transaction. It must not
	// exceed the server's --max-txn-ops.
	MaxTxnOps int
}

// Store is a storage.Backend over an etcd KV.
type Store struct {
	storage.Unimplemented

	kv   clientv3.KV
	opts Options
}

var _ storage.Backend = (*Store)(nil)

// New creates a Store. kv is usually a *clientv3.Client.
func New(kv clientv3.KV, optFns ...func(*Options)) *Store {
	opts := Options{Prefix: "/findex", MaxTxnOps: DefaultMaxTxnOps}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTxnOps <= 0 {
		opts.MaxTxnOps = DefaultMaxTxnOps
	}
	return &Store{Unimplemented: storage.AllOps(), kv: kv, opts: opts}
}

func (s *Store) dir(t storage.Table) string {
	return strings.TrimSuffix(s.opts.Prefix, "/") + "/" + t.String() + "/"
}

func (s *Store) key(t storage.Table, u model.Uid32) string {
	return s.dir(t) + hex.EncodeToString(u[:])
}

func (s *Store) parse(t storage.Table, key []byte) (model.Uid32, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(key), s.dir(t)))
	if err != nil {
		return model.Uid32{}, fmt.Errorf("key %q: %w", key, err)
	}
	return model.UidFromBytes(raw)
}

// Fetch implements storage.Backend with batched reads in one revision per
// transaction.
func (s *Store) Fetch(ctx context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	var rows []model.Row
	for _, chunk := range storage.Chunk(uids, s.opts.MaxTxnOps) {
		ops := make([]clientv3.Op, len(chunk))
		for i, u := range chunk {
			ops[i] = clientv3.OpGet(s.key(t, u))
		}
		resp, err := s.kv.Txn(ctx).Then(ops...).Commit()
		if err != nil {
			return nil, storage.Wrap(storage.OpFetch, t, err)
		}
		for i, r := range resp.Responses {
			kvs := r.GetResponseRange().GetKvs()
			if len(kvs) == 0 {
				continue
			}
			rows = append(rows, model.Row{Uid: chunk[i], Value: kvs[0].Value})
		}
	}
	return rows, nil
}

// FetchAllUids implements storage.Backend with a keys-only prefix read.
func (s *Store) FetchAllUids(ctx context.Context, t storage.Table) ([]model.Uid32, error) {
	resp, err := s.kv.Get(ctx, s.dir(t), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
	}
	uids := make([]model.Uid32, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		u, err := s.parse(t, kv.Key)
		if err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
		}
		uids = append(uids, u)
	}
	return uids, nil
}

// Upsert implements storage.Backend with one transaction per row.
func (s *Store) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	rejected := make(map[model.Uid32]model.Value)
	for u, v := range rows {
		key := s.key(t, u)
		var cmp clientv3.Cmp
		if v.Previous.IsEmpty() {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			cmp = clientv3.Compare(clientv3.Value(key), "=", string(v.Previous))
		}
		resp, err := s.kv.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(v.New))).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return nil, storage.Wrap(storage.OpUpsert, t, err)
		}
		if resp.Succeeded {
			continue
		}
		var cur model.Value
		if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
			cur = kvs[0].Value
		}
		rejected[u] = cur
	}
	return rejected, nil
}

func (s *Store) commit(ctx context.Context, ops []clientv3.Op) error {
	for _, chunk := range storage.Chunk(ops, s.opts.MaxTxnOps) {
		if _, err := s.kv.Txn(ctx).Then(chunk...).Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Insert implements storage.Backend.
func (s *Store) Insert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	ops := make([]clientv3.Op, 0, len(rows))
	for u, v := range rows {
		ops = append(ops, clientv3.OpPut(s.key(t, u), string(v)))
	}
	return storage.Wrap(storage.OpInsert, t, s.commit(ctx, ops))
}

// Delete implements storage.Backend.
func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	ops := make([]clientv3.Op, len(uids))
	for i, u := range uids {
		ops[i] = clientv3.OpDelete(s.key(t, u))
	}
	return storage.Wrap(storage.OpDelete, t, s.commit(ctx, ops))
}

// UpdateTables implements storage.Backend. Small updates commit in one
// transaction; larger ones fall back to ordered batches.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	old, err := s.FetchAllUids(ctx, storage.EntryTable)
	if err != nil {
		return err
	}
	stale := storage.StaleEntries(old, req.NewEntries)
	if len(req.NewChains)+len(req.NewEntries)+len(stale)+len(req.RemovedChains) > s.opts.MaxTxnOps {
		return storage.ApplyUpdate(ctx, s, req)
	}

	var ops []clientv3.Op
	for u, v := range req.NewChains {
		ops = append(ops, clientv3.OpPut(s.key(storage.ChainTable, u), string(v)))
	}
	for u, v := range req.NewEntries {
		ops = append(ops, clientv3.OpPut(s.key(storage.EntryTable, u), string(v)))
	}
	for _, u := range stale {
		ops = append(ops, clientv3.OpDelete(s.key(storage.EntryTable, u)))
	}
	for _, u := range req.RemovedChains {
		ops = append(ops, clientv3.OpDelete(s.key(storage.ChainTable, u)))
	}
	if len(ops) == 0 {
		return nil
	}
	_, err = s.kv.Txn(ctx).Then(ops...).Commit()
	return storage.Wrap(storage.OpUpdateTables, storage.EntryTable, err)
}
