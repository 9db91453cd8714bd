package ffi

import (
	"errors"
	"fmt"
	"sync"
)

// ErrKeyCacheClosed is returned when a closed KeyCache is used.
var ErrKeyCacheClosed = errors.New("key cache is closed")

// KeyCache owns an engine key-cache handle. Close releases it; there is no
// finalizer.
type KeyCache struct {
	engine Engine

	mu     sync.Mutex
	handle Handle
	closed bool
}

// NewKeyCache asks e to derive and cache the keys of key.
func NewKeyCache(e Engine, key []byte, maxErrLen int) (*KeyCache, error) {
	var h Handle
	if code := e.CreateKeyCache(key, &h); code != CodeOK {
		return nil, statusError(e, code, maxErrLen)
	}
	return &KeyCache{engine: e, handle: h}, nil
}

// Handle returns the engine handle, or ErrKeyCacheClosed.
func (k *KeyCache) Handle() (Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, ErrKeyCacheClosed
	}
	return k.handle, nil
}

// Close destroys the handle. Later calls are no-ops.
func (k *KeyCache) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	if code := k.engine.DestroyKeyCache(k.handle); code != CodeOK {
		return fmt.Errorf("destroy key cache %d: %w", k.handle, statusError(k.engine, code, DefaultMaxErrorLen))
	}
	return nil
}

func statusError(e Engine, code, maxErrLen int) error {
	return &StatusError{Code: code, Message: ReadLastError(e, maxErrLen)}
}

// ReadLastError fetches the engine's latest failure message, at most maxLen
// bytes long.
func ReadLastError(e Engine, maxLen int) string {
	if maxLen < 1 {
		maxLen = DefaultMaxErrorLen
	}
	out := make([]byte, maxLen)
	n := len(out)
	if code := e.GetLastError(out, &n); code != CodeOK || n > len(out) {
		return ""
	}
	return string(out[:n])
}
