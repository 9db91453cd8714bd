package ffi

// Handle identifies a key cache inside an engine.
type Handle int32

// SearchArgs are the scalar arguments of Engine.Search.
type SearchArgs struct {
	MaxResultsPerKeyword         int
	MaxDepth                     int
	InsecureFetchChainsBatchSize int
}

// Engine is the ABI of a Findex engine. Every method returns a status code.
// Outputs follow the grow-and-retry convention; payloads are JSON
// (associations, keywords) or LEB128 (everything else).
type Engine interface {
	GenerateKey(out []byte, outLen *int) int

	CreateKeyCache(key []byte, handle *Handle) int
	DestroyKeyCache(handle Handle) int

	// Upsert indexes additions then deletions. The output is the collection
	// of keywords that were new to the index.
	Upsert(out []byte, outLen *int, handle Handle, label, additions, deletions []byte, cb Callbacks) int

	// Search writes encoded search results.
	Search(out []byte, outLen *int, handle Handle, label, keywords []byte, args SearchArgs, cb Callbacks) int

	Compact(oldHandle, newHandle Handle, newLabel []byte, phases int, cb Callbacks) int

	// GetLastError copies the latest failure message, truncated to the
	// buffer.
	GetLastError(out []byte, outLen *int) int
}
