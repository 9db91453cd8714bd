package model

import (
	"errors"
	"fmt"
)

const (
	// LocationTag marks an IndexedValue holding a Location.
	LocationTag byte = 'l'
	// KeywordTag marks an IndexedValue holding a Keyword pointer.
	KeywordTag byte = 'w'
)

// ErrInvalidIndexedValue is returned for values without a valid tag byte.
var ErrInvalidIndexedValue = errors.New("invalid indexed value")

// IndexedValue is the plaintext of a chain element: a tag byte followed by
// either a Location or a Keyword.
type IndexedValue []byte

// LocationValue wraps a location.
func LocationValue(loc Location) IndexedValue {
	b := make(IndexedValue, 0, len(loc)+1)
	b = append(b, LocationTag)
	return append(b, loc...)
}

// KeywordValue wraps a keyword pointer.
func KeywordValue(kw Keyword) IndexedValue {
	b := make(IndexedValue, 0, len(kw)+1)
	b = append(b, KeywordTag)
	return append(b, kw...)
}

// ParseIndexedValue validates the tag byte of b.
func ParseIndexedValue(b []byte) (IndexedValue, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidIndexedValue)
	}
	switch b[0] {
	case LocationTag, KeywordTag:
		return IndexedValue(b), nil
	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrInvalidIndexedValue, b[0])
	}
}

// IsLocation reports whether v holds a Location.
func (v IndexedValue) IsLocation() bool { return len(v) > 0 && v[0] == LocationTag }

// IsKeyword reports whether v holds a Keyword pointer.
func (v IndexedValue) IsKeyword() bool { return len(v) > 0 && v[0] == KeywordTag }

// Location returns the wrapped location.
func (v IndexedValue) Location() (Location, bool) {
	if !v.IsLocation() {
		return "", false
	}
	return Location(v[1:]), true
}

// Keyword returns the wrapped keyword.
func (v IndexedValue) Keyword() (Keyword, bool) {
	if !v.IsKeyword() {
		return "", false
	}
	return Keyword(v[1:]), true
}

// String returns "l:<location>" or "w:<keyword>".
func (v IndexedValue) String() string {
	if len(v) == 0 {
		return "<empty>"
	}
	return fmt.Sprintf("%c:%s", v[0], string(v[1:]))
}
