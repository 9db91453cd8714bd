// Package search walks keyword chains level by level.
//
// A search starts from the requested keywords, fetches their Entry Table
// rows, then every Chain Table row those entries reference. Keyword pointers
// found in the chains form the next level. After each level the caller's
// progress callback can stop the traversal; whatever has been accumulated is
// returned.
//
//	ctrl := &search.Controller{Backend: backend, Decryptor: dec}
//	res, err := ctrl.Run(ctx, []model.Keyword{"France"},
//		search.NewParams(search.WithMaxResultsPerKeyword(3)))
package search
