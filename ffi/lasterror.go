package ffi

import (
	"errors"
	"sync"
	"unicode/utf8"
)

// DefaultMaxErrorLen bounds LastError when no length is given.
const DefaultMaxErrorLen = 4095

// ErrInvalidMaxLen is returned by LastError for maxLen < 1.
var ErrInvalidMaxLen = errors.New("max error length must be at least 1")

// The engine reports failures through one process-wide message slot, like
// errno. Concurrent failing calls overwrite each other's message.
var lastError struct {
	sync.Mutex
	msg string
}

// SetLastError stores msg as the message of the latest engine failure.
func SetLastError(msg string) {
	lastError.Lock()
	lastError.msg = msg
	lastError.Unlock()
}

// LastError returns the latest failure message, cut to at most maxLen bytes
// on a rune boundary.
func LastError(maxLen int) (string, error) {
	if maxLen < 1 {
		return "", ErrInvalidMaxLen
	}
	lastError.Lock()
	msg := lastError.msg
	lastError.Unlock()

	if len(msg) <= maxLen {
		return msg, nil
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut], nil
}
