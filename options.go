package findex

import (
	"log/slog"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/resource"
)

type options struct {
	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	bridge           ffi.BridgeConfig
	bufferSize       int
	maxErrorLen      int
	maxRetries       int
	resources        *resource.Controller
}

// Option configures an Index.
type Option func(*options)

// WithCodec configures the codec used for JSON request payloads.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &findex.BasicMetricsCollector{}
//	idx, _ := findex.New(store, findex.WithMetricsCollector(metrics))
//	// ... use idx ...
//	stats := metrics.GetStats()
//	fmt.Printf("Searches: %d, Avg latency: %dns\n", stats.SearchCount, stats.SearchAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithBridgeConfig tunes how long callback errors are kept and how many
// calls may be in flight before the oldest are purged.
func WithBridgeConfig(cfg ffi.BridgeConfig) Option {
	return func(o *options) {
		o.bridge = cfg
	}
}

// WithBufferSize sets the first output buffer offered to the engine.
// Larger answers cost one extra engine call.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithMaxErrorLen bounds the engine error messages surfaced in EngineError.
func WithMaxErrorLen(n int) Option {
	return func(o *options) {
		o.maxErrorLen = n
	}
}

// WithMaxRetries caps the optimistic upsert rounds. Zero retries until the
// upsert commits.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithResources throttles compaction: background slots, memory and I/O
// bandwidth are drawn from rc. A controller may be shared by several
// indexes; each Index still compacts one at a time. The default allows one
// compaction and no memory or I/O limit.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		bridge:           ffi.DefaultBridgeConfig(),
		resources:        resource.NewController(resource.Config{}),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
