// Package s3 stores the Entry and Chain tables as objects in Amazon S3 or
// any S3-compatible server supporting conditional writes.
//
// Each row is one object at <prefix>/<table>/<hex uid>. Compare-and-swap
// reads the current object, compares its body with the expected previous
// value and writes with If-Match on the ETag it read (If-None-Match: * for
// absent rows). A write that loses the race is answered with the winner's
// value.
package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
)

// maxDeleteObjects is the DeleteObjects request limit.
const maxDeleteObjects = 1000

// Client is the subset of *s3.Client used by Store.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every key (e.g. "indexes/users").
	Prefix string

	// Concurrency bounds the object requests of one call in flight.
	Concurrency int
}

// Store is a storage.Backend over an S3 bucket.
type Store struct {
	storage.Unimplemented

	client Client
	bucket string
	opts   Options
}

var _ storage.Backend = (*Store)(nil)

// New creates a Store on bucket.
func New(client Client, bucket string, optFns ...func(*Options)) *Store {
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
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}

func isConflict(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}

type object struct {
	value model.Value
	etag  string
	found bool
}

func (s *Store) get(ctx context.Context, t storage.Table, u model.Uid32) (object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(t, u)),
	})
	if isNotFound(err) {
		return object{}, nil
	}
	if err != nil {
		return object{}, err
	}
	defer func() { _ = out.Body.Close() }()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return object{}, err
	}
	return object{value: body, etag: aws.ToString(out.ETag), found: true}, nil
}

// Fetch implements storage.Backend with parallel GetObject calls.
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
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var uids []model.Uid32
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
		}
		for _, obj := range page.Contents {
			raw, err := hex.DecodeString(strings.TrimPrefix(aws.ToString(obj.Key), prefix))
			if err != nil {
				return nil, storage.Wrap(storage.OpFetchAllUids, t, fmt.Errorf("object key %q: %w", aws.ToString(obj.Key), err))
			}
			u, err := model.UidFromBytes(raw)
			if err != nil {
				return nil, storage.Wrap(storage.OpFetchAllUids, t, err)
			}
			uids = append(uids, u)
		}
	}
	return uids, nil
}

// Upsert implements storage.Backend with conditional PutObject calls.
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
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(t, u)),
		Body:   bytes.NewReader(v.New),
	}
	if v.Previous.IsEmpty() {
		in.IfNoneMatch = aws.String("*")
	} else {
		cur, err := s.get(ctx, t, u)
		if err != nil {
			return nil, false, err
		}
		if !cur.found || !cur.value.Equal(v.Previous) {
			return cur.value, false, nil
		}
		in.IfMatch = aws.String(cur.etag)
	}

	_, err := s.client.PutObject(ctx, in)
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
			_, err := s.client.PutObject(gctx, &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(t, u)),
				Body:   bytes.NewReader(v),
			})
			return err
		})
	}
	return storage.Wrap(storage.OpInsert, t, g.Wait())
}

// Delete implements storage.Backend with DeleteObjects.
func (s *Store) Delete(ctx context.Context, t storage.Table, uids []model.Uid32) error {
	for _, chunk := range storage.Chunk(uids, maxDeleteObjects) {
		ids := make([]types.ObjectIdentifier, len(chunk))
		for i, u := range chunk {
			ids[i] = types.ObjectIdentifier{Key: aws.String(s.key(t, u))}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return storage.Wrap(storage.OpDelete, t, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return storage.Wrap(storage.OpDelete, t, fmt.Errorf("delete %s: %s: %s",
				aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	return nil
}

// UpdateTables implements storage.Backend as ordered batches; S3 has no
// multi-object transaction.
func (s *Store) UpdateTables(ctx context.Context, req storage.UpdateRequest) error {
	return storage.ApplyUpdate(ctx, s, req)
}
