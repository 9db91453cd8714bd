package etcd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hupe1980/findex/storage"
	"github.com/hupe1980/findex/storage/storagetest"
)

// testClient connects to the cluster in FINDEX_ETCD_ENDPOINTS
// (comma separated), or skips the test.
func testClient(t *testing.T) *clientv3.Client {
	t.Helper()
	endpoints := os.Getenv("FINDEX_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("FINDEX_ETCD_ENDPOINTS not set")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Skipf("etcd client creation failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Get(ctx, "findex-ping"); err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	return client
}

func TestEtcd_Integration(t *testing.T) {
	client := testClient(t)

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		prefix := "/findex-test/" + uuid.NewString()
		t.Cleanup(func() {
			_, _ = client.Delete(context.Background(), prefix, clientv3.WithPrefix())
		})
		return New(client, func(o *Options) {
			o.Prefix = prefix
			o.MaxTxnOps = 8
		})
	})
}

func TestKeyLayout(t *testing.T) {
	s := New(nil, func(o *Options) { o.Prefix = "/tenants/a/" })
	u := storagetest.Uid(3)

	key := s.key(storage.EntryTable, u)
	assert.Equal(t, fmt.Sprintf("/tenants/a/entry/%x", u[:]), key)

	got, err := s.parse(storage.EntryTable, []byte(key))
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = s.parse(storage.EntryTable, []byte("/tenants/a/entry/zz"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	s := New(nil, func(o *Options) { o.MaxTxnOps = -1 })
	assert.Equal(t, DefaultMaxTxnOps, s.opts.MaxTxnOps)
	assert.Equal(t, "/findex/chain/", s.dir(storage.ChainTable))
}
