package search

import "github.com/hupe1980/findex/model"

// ProgressFunc receives the results of one traversal level. Returning false
// stops the search.
type ProgressFunc func(model.ProgressResults) (bool, error)

// Params bounds a traversal.
type Params struct {
	// MaxResultsPerKeyword keeps the first N indexed values of each keyword
	// chain, in chain order. Zero means unlimited.
	MaxResultsPerKeyword int

	// MaxDepth is the number of keyword hops followed. Zero follows none;
	// a negative value is unlimited.
	MaxDepth int

	// InsecureFetchChainsBatchSize splits each level's Chain Table fetch
	// into requests of at most this many uids. Zero fetches a level at once.
	// Smaller batches leak the chain layout to the storage provider.
	InsecureFetchChainsBatchSize int

	Progress ProgressFunc
}

// DefaultParams returns unlimited results and depth with one fetch per level.
func DefaultParams() Params {
	return Params{MaxDepth: -1}
}

// Option configures Params.
type Option func(*Params)

// NewParams applies opts on top of DefaultParams.
func NewParams(opts ...Option) Params {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithMaxResultsPerKeyword limits each chain to its first n indexed values.
func WithMaxResultsPerKeyword(n int) Option {
	return func(p *Params) {
		p.MaxResultsPerKeyword = max(n, 0)
	}
}

// WithMaxDepth limits keyword hops. -1 is unlimited.
func WithMaxDepth(depth int) Option {
	return func(p *Params) {
		p.MaxDepth = depth
	}
}

// WithFetchChainsBatchSize sets InsecureFetchChainsBatchSize.
func WithFetchChainsBatchSize(n int) Option {
	return func(p *Params) {
		p.InsecureFetchChainsBatchSize = max(n, 0)
	}
}

// WithProgress installs a per-level callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Params) {
		p.Progress = fn
	}
}

func (p Params) follows(depth int) bool {
	return p.MaxDepth < 0 || depth <= p.MaxDepth
}
