// Package findex provides an encrypted, searchable keyword index for Go.
//
// Findex maps keywords to locations (pointers into your own data store)
// without revealing either to the storage that holds the index. The index
// lives in two tables of opaque rows, the Entry Table and the Chain Table,
// reached through the storage.Backend interface. Any key-value store with a
// conditional write can host them; see the storage sub-packages.
//
// # Quick Start
//
//	ctx := context.Background()
//	idx, _ := findex.New(memory.New())
//	key, _ := findex.GenerateKey()
//
//	_ = idx.WithKeyCache(key, func(kc *findex.KeyCache) error {
//	    label := model.Label("2026-10")
//	    _, err := idx.Add(ctx, kc, label, model.Associations{}.
//	        Location("doc-1", "France", "Paris").
//	        Location("doc-2", "France"))
//	    if err != nil {
//	        return err
//	    }
//	    res, err := idx.Search(ctx, kc, label, []model.Keyword{"France"})
//	    fmt.Println(res["France"]) // [doc-1 doc-2]
//	    return err
//	})
//
// # Keyword Graphs
//
// A keyword may point to other keywords. Searching for it follows the
// pointers and merges the locations found, bounded by search.WithMaxDepth:
//
//	as := model.Associations{}.Pointer("Paris", "Par", "Pari")
//
// # Concurrency
//
// Writers never lock. Each upsert reads the Entry Table rows it needs,
// derives the new rows and commits them with a compare-and-swap; rows that
// lost the race are re-derived from the winner's value. WithMaxRetries caps
// the rounds, after which ErrTooManyConflicts is returned.
//
// # Compaction
//
// Compact re-encrypts the index under a new label (and optionally a new
// key), merges chains and drops locations a filter reports as gone. Running
// it periodically limits what the storage learns from access patterns.
//
// # Engine Boundary
//
// Cryptography runs behind a narrow ABI of byte buffers, status codes and
// callbacks (package ffi). Callback errors cross the boundary through a
// request-scoped bridge, so the error returned to the caller is the one the
// backend raised.
package findex
