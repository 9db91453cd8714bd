package ffi

// FetchCallback reads rows. uids is an encoded uid list; the output is an
// encoded row map holding only the rows found.
type FetchCallback func(out []byte, outLen *int, uids []byte) int

// FetchAllUidsCallback lists every Entry Table uid.
type FetchAllUidsCallback func(out []byte, outLen *int) int

// UpsertEntryCallback runs the Entry Table compare-and-swap. oldValues holds
// the expected values of rows the engine has seen; a uid present only in
// newValues expects no row. The output is a row map of the rejected rows with
// their current values; an absent row has an empty value.
type UpsertEntryCallback func(out []byte, outLen *int, oldValues, newValues []byte) int

// InsertCallback writes an encoded row map unconditionally.
type InsertCallback func(rows []byte) int

// DeleteCallback removes an encoded uid list.
type DeleteCallback func(uids []byte) int

// UpdateTablesCallback applies the result of a compaction.
type UpdateTablesCallback func(removedChains, newEntries, newChains []byte) int

// FilterCallback receives a collection of location values and writes the
// collection of those still alive.
type FilterCallback func(out []byte, outLen *int, locations []byte) int

// ProgressCallback receives the results of one search level and answers
// ProgressContinue, ProgressStop or CodeCallbackError.
type ProgressCallback func(results []byte) int

// Callbacks is the host side of one engine call. Nil callbacks are
// unsupported operations.
type Callbacks struct {
	FetchEntry        FetchCallback
	FetchChain        FetchCallback
	FetchAllEntryUids FetchAllUidsCallback
	UpsertEntry       UpsertEntryCallback
	InsertEntry       InsertCallback
	InsertChain       InsertCallback
	DeleteEntry       DeleteCallback
	DeleteChain       DeleteCallback
	UpdateTables      UpdateTablesCallback
	Filter            FilterCallback
	Progress          ProgressCallback
}
