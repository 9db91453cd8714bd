// Package minio stores the Entry and Chain tables in MinIO or another
// S3-compatible server through minio-go.
//
// The object layout matches package s3: each row is one object at
// <prefix>/<table>/<hex uid>, so both backends can serve the same bucket.
// Compare-and-swap writes with If-None-Match: * for absent rows and
// If-Match on the ETag read for present ones.
package minio

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every object name (e.g. "indexes/users").
	Prefix string

	// Concurrency bounds the object requests of one call in flight.
	Concurrency int
}

// Store is a storage.Backend over a MinIO bucket.
type Store struct {
	storage.Unimplemented

	client *minio.Client
	bucket string
	opts   Options
}

var _ storage.Backend = (*Store)(nil)

// New creates a Store on bucket. The bucket must exist.
func New(client *minio.Client, bucket string, optFns ...func(*Options)) *Store {
	opts := Options{Concurrency: 32}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Store{Unimplemented: storage.AllOps(), client: client, bucket: bucket, opts: opts}
}

func (s *Store) dir(t storage.Table) string {
	return path.Join(s.opts.Prefix, t.String()) + "/"
}

func (s *Store) key(t storage.Table, u model.Uid32) string {
	return s.dir(t) + hex.EncodeToString(u[:])
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func isConflict(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
}

type object struct {
	value model.Value
	etag  string
	found bool
}

func (s *Store) get(ctx context.Context, t storage.Table, u model.Uid32) (object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(t, u), minio.GetObjectOptions{})
	if err != nil {
		return object{}, err
	}
	defer func() { _ = obj.Close() }()

	// GetObject is lazy; Stat issues the request.
	info, err := obj.Stat()
	if isNotFound(err) {
		return object{}, nil
	}
	if err != nil {
		return object{}, err
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		return object{}, err
	}
	return object{value: body, etag: info.ETag, found: true}, nil
}

func (s *Store) put(ctx context.Context, t storage.Table, u model.Uid32, v model.Value, opts minio.PutObjectOptions) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(t, u), bytes.NewReader(v), int64(len(v)), opts)
	return err
}

// Fetch implements storage.Backend with parallel reads.
func (s *Store) Fetch(ctx context.Context, t storage.Table, uids []model.Uid32) ([]model.Row, error) {
	objs := make([]object, len(uids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, u := range uids {
		g.Go(func() error {
			o, err := s.get(gctx, t, u)
			objs[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storage.Wrap(storage.OpFetch, t, err)
	}

	rows := make([]model.Row, 0, len(uids))
	for i, o := range objs {
		if o.found {
			rows = append(rows, model.Row{Uid: uids[i], Value: o.value})
		}
	}
	return rows, nil
}

// FetchAllUids implements storage.Backend by listing the table prefix.
func (s *Store) FetchAllUids(ctx context.Context, t storage.Table) ([]model.Uid32, error) {
	prefix := s.dir(t)

	var uids []model.Uid32
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, obj.Err)
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(obj.Key, prefix))
		if err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, fmt.Errorf("object key %q: %w", obj.Key, err))
		}
		u, err := model.UidFromBytes(raw)
		if err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
		}
		uids = append(uids, u)
	}
	return uids, nil
}

// Upsert implements storage.Backend with conditional writes.
func (s *Store) Upsert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.EntryTableValues) (map[model.Uid32]model.Value, error) {
	var mu sync.Mutex
	rejected := make(map[model.Uid32]model.Value)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for u, v := range rows {
		g.Go(func() error {
			cur, ok, err := s.swap(gctx, t, u, v)
			if err != nil || ok {
				return err
			}
			mu.Lock()
			rejected[u] = cur
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storage.Wrap(storage.OpUpsert, t, err)
	}
	return rejected, nil
}

// swap writes v.New if the stored value equals v.Previous. On failure it
// returns the stored value.
func (s *Store) swap(ctx context.Context, t storage.Table, u model.Uid32, v model.EntryTableValues) (model.Value, bool, error) {
	var opts minio.PutObjectOptions
	if v.Previous.IsEmpty() {
		opts.SetMatchETagExcept("*")
	} else {
		cur, err := s.get(ctx, t, u)
		if err != nil {
			return nil, false, err
		}
		if !cur.found || !cur.value.Equal(v.Previous) {
			return cur.value, false, nil
		}
		opts.SetMatchETag(cur.etag)
	}

	err := s.put(ctx, t, u, v.New, opts)
	if err == nil {
		return nil, true, nil
	}
	if !isConflict(err) {
		return nil, false, err
	}
	cur, err := s.get(ctx, t, u)
	if err != nil {
		return nil, false, err
	}
	return cur.value, false, nil
}

// Insert implements storage.Backend with parallel unconditional writes.
func (s *Store) Insert(ctx context.Context, t storage.Table, rows map[model.Uid32]model.Value) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for u, v := range rows {
		g.Go(func() error {
			return s.put(gctx, t, u, v, minio.PutObjectOptions{})
		})
	}
	return storage.Wrap(storage.OpInsert, t, g.Wait())
}

// Delete implements storage.Backend with a multi-object delete. Absent
// objects are not an error.
func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	if len(uids) == 0 {
		return nil
	}
	objects := make(chan minio.ObjectInfo, len(uids))
	for _, u := range uids {
		objects <- minio.ObjectInfo{Key: s.key(t, u)}
	}
	close(objects)

	var first error
	for e := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if first == nil && e.Err != nil && !isNotFound(e.Err) {
			first = fmt.Errorf("delete %s: %w", e.ObjectName, e.Err)
		}
	}
	return storage.Wrap(storage.OpDelete, t, first)
}

// UpdateTables implements storage.Backend as ordered batches; MinIO has no
// multi-object transaction.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	return storage.ApplyUpdate(ctx, s, req)
}
