package minio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/storage"
	"github.com/hupe1980/findex/storage/storagetest"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// testClient connects to the server in FINDEX_MINIO_ENDPOINT (host:port), or
// skips the test. Credentials default to minioadmin/minioadmin.
func testClient(t *testing.T) (*minio.Client, string) {
	t.Helper()
	endpoint := os.Getenv("FINDEX_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("FINDEX_MINIO_ENDPOINT not set")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			envOr("FINDEX_MINIO_ACCESS_KEY", "minioadmin"),
			envOr("FINDEX_MINIO_SECRET_KEY", "minioadmin"),
			"",
		),
		Secure: os.Getenv("FINDEX_MINIO_SECURE") == "true",
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	bucket := envOr("FINDEX_MINIO_BUCKET", "findex-test")
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}
	return client, bucket
}

func TestMinio_Integration(t *testing.T) {
	client, bucket := testClient(t)

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		prefix := "findex-test/" + uuid.NewString()
		t.Cleanup(func() {
			ctx := context.Background()
			objects := client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
			for range client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
			}
		})
		return New(client, bucket, func(o *Options) {
			o.Prefix = prefix
			o.Concurrency = 4
		})
	})
}

func TestMinio_IntegrationAbsentRowLosesToStoredRow(t *testing.T) {
	client, bucket := testClient(t)
	ctx := context.Background()
	s := New(client, bucket, func(o *Options) { o.Prefix = "findex-test/" + uuid.NewString() })
	u := storagetest.Uid(7)
	t.Cleanup(func() { _ = s.Delete(ctx, storage.EntryTable, []model.Uid32{u}) })

	rejected, err := s.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		u: {New: model.Value("v1")},
	})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	rejected, err = s.Upsert(ctx, storage.EntryTable, map[model.Uid32]model.EntryTableValues{
		u: {New: model.Value("v2")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.Value("v1"), rejected[u])
}

func TestObjectLayout(t *testing.T) {
	s := New(nil, "bucket", func(o *Options) { o.Prefix = "tenants/a" })
	u := storagetest.Uid(3)

	assert.Equal(t, "tenants/a/entry/", s.dir(storage.EntryTable))
	assert.Equal(t, fmt.Sprintf("tenants/a/chain/%x", u[:]), s.key(storage.ChainTable, u))
	assert.Equal(t, 32, s.opts.Concurrency)

	s = New(nil, "bucket", func(o *Options) { o.Concurrency = 0 })
	assert.Equal(t, "entry/", s.dir(storage.EntryTable))
	assert.Equal(t, 1, s.opts.Concurrency)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isConflict(minio.ErrorResponse{Code: "PreconditionFailed"}))
	assert.True(t, isConflict(minio.ErrorResponse{Code: "ConditionalRequestConflict"}))
	assert.False(t, isConflict(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isConflict(errors.New("network down")))

	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNotFound(nil))
}
