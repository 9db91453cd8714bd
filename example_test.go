package findex_test

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/hupe1980/findex"
	"github.com/hupe1980/findex/model"
	"github.com/hupe1980/findex/search"
	"github.com/hupe1980/findex/storage/memory"
)

// Example demonstrates indexing and searching with an in-memory backend.
func Example() {
	ctx := context.Background()

	idx, err := findex.New(memory.New())
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	key, err := findex.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	err = idx.WithKeyCache(key, func(kc *findex.KeyCache) error {
		label := model.Label("2026-10")
		fresh, err := idx.Add(ctx, kc, label, model.Associations{}.
			Location("doc-1", "France", "Paris").
			Location("doc-2", "France"))
		if err != nil {
			return err
		}
		slices.Sort(fresh)
		fmt.Println("new:", fresh)

		res, err := idx.Search(ctx, kc, label, []model.Keyword{"France"})
		if err != nil {
			return err
		}
		locs := res["France"]
		slices.Sort(locs)
		fmt.Println("France:", locs)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
	// Output:
	// new: [France Paris]
	// France: [doc-1 doc-2]
}

// Example_keywordGraph demonstrates prefix pointers resolved at search time.
func Example_keywordGraph() {
	ctx := context.Background()
	idx, _ := findex.New(memory.New())
	defer idx.Close()
	key, _ := findex.GenerateKey()

	_ = idx.WithKeyCache(key, func(kc *findex.KeyCache) error {
		label := model.Label("2026-10")
		_, err := idx.Add(ctx, kc, label, model.Associations{}.
			Location("doc-1", "Paris").
			Pointer("Paris", "Par", "Pari"))
		if err != nil {
			return err
		}

		res, err := idx.Search(ctx, kc, label, []model.Keyword{"Par"}, search.WithMaxDepth(2))
		if err != nil {
			return err
		}
		fmt.Println(res["Par"])
		return nil
	})
	// Output: [doc-1]
}
