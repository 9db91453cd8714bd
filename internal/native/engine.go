// Package native is the reference Findex engine. It is only reachable
// through the ffi.Engine ABI: byte buffers in, status codes and callbacks
// out.
package native

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/findex/ffi"
	"github.com/hupe1980/findex/internal/keys"
	"github.com/hupe1980/findex/resource"
)

// DefaultChainBlockSize is the number of values per chain row written by
// compaction.
const DefaultChainBlockSize = 256

var errUnknownHandle = errors.New("unknown key cache handle")

// Config tunes the engine.
type Config struct {
	// MaxRetries caps optimistic upsert rounds. Zero is unbounded.
	MaxRetries int

	// CallbackBufferSize is the first buffer offered to fetch callbacks.
	// Zero uses ffi.DefaultBufferSize.
	CallbackBufferSize int

	// ChainBlockSize bounds the values sealed in one rebuilt chain row.
	ChainBlockSize int

	// Resources throttles compaction. Nil means unlimited.
	Resources *resource.Controller

	Logger *slog.Logger
}

// Engine implements ffi.Engine.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	caches map[ffi.Handle]*keys.Schedule
	next   ffi.Handle
}

var _ ffi.Engine = (*Engine)(nil)

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.CallbackBufferSize <= 0 {
		cfg.CallbackBufferSize = ffi.DefaultBufferSize
	}
	if cfg.ChainBlockSize <= 0 {
		cfg.ChainBlockSize = DefaultChainBlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{cfg: cfg, caches: make(map[ffi.Handle]*keys.Schedule)}
}

// fail publishes err and returns its status code. Callback failures keep
// their cause in the host bridge and are not published.
func fail(err error) int {
	code := ffi.CodeOf(err)
	if code != ffi.CodeCallbackError {
		ffi.SetLastError(err.Error())
	}
	return code
}

func (e *Engine) schedule(h ffi.Handle) (*keys.Schedule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.caches[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownHandle, h)
	}
	return s, nil
}

func (e *Engine) backend(cb ffi.Callbacks) *callbackBackend {
	return &callbackBackend{cb: cb, bufSize: e.cfg.CallbackBufferSize}
}

func (e *Engine) GenerateKey(out []byte, outLen *int) int {
	k, err := keys.GenerateKey()
	if err != nil {
		return fail(err)
	}
	return ffi.WriteOutput(out, outLen, k)
}

func (e *Engine) CreateKeyCache(key []byte, handle *ffi.Handle) int {
	s, err := keys.NewSchedule(key)
	if err != nil {
		return fail(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.caches[e.next] = s
	*handle = e.next
	return ffi.CodeOK
}

func (e *Engine) DestroyKeyCache(handle ffi.Handle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.caches[handle]; !ok {
		return fail(fmt.Errorf("%w: %d", errUnknownHandle, handle))
	}
	delete(e.caches, handle)
	return ffi.CodeOK
}

// KeyCaches returns the number of live key caches.
func (e *Engine) KeyCaches() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.caches)
}

func (e *Engine) GetLastError(out []byte, outLen *int) int {
	msg, err := ffi.LastError(len(out))
	if err != nil {
		*outLen = 0
		return ffi.CodeError
	}
	*outLen = copy(out, msg)
	return ffi.CodeOK
}
