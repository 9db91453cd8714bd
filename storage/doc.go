// Package storage defines the Index Storage Contract: the operations a
// backing store must expose over the two logical tables of a Findex index.
//
// # Tables
//
//   - EntryTable: one encrypted chain head per indexed keyword
//   - ChainTable: the encrypted postings reachable from a head
//
// # Capabilities
//
// Backend is a single table-parameterized interface. A backend that only
// serves some deployments (e.g. a read-only search node) embeds
// Unimplemented and overrides just the operations it needs; Supports reports
// which ones those are:
//
//	type readOnly struct {
//	    storage.Unimplemented
//	    db *sql.DB
//	}
//
//	func newReadOnly(db *sql.DB) *readOnly {
//	    return &readOnly{Unimplemented: storage.Ops(storage.OpFetch), db: db}
//	}
//
// # Built-in Implementations
//
//   - memory: in-process maps
//   - sqlite: database/sql with github.com/mattn/go-sqlite3
//   - pebble: embedded LSM (github.com/cockroachdb/pebble)
//   - dynamodb: Amazon DynamoDB conditional writes
//   - s3: S3 conditional writes (If-Match / If-None-Match)
//   - minio: the same object layout through minio-go
//   - etcd: etcd transactions
//
// Every backend runs the storagetest conformance suite.
package storage
