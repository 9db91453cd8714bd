package model

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// UidSize is the length of every table key.
const UidSize = 32

// KeySize is the length of a MasterKey.
const KeySize = 32

// ErrInvalidUid is returned when a byte slice cannot be used as a Uid32.
var ErrInvalidUid = errors.New("uid must be 32 bytes")

// Uid32 is the primary key of both the Entry Table and the Chain Table.
// It is comparable and can be used as a map key.
type Uid32 [UidSize]byte

// UidFromBytes copies b into a Uid32.
func UidFromBytes(b []byte) (Uid32, error) {
	var u Uid32
	if len(b) != UidSize {
		return u, fmt.Errorf("%w: got %d", ErrInvalidUid, len(b))
	}
	copy(u[:], b)
	return u, nil
}

// Bytes returns a copy of the uid as a slice.
func (u Uid32) Bytes() []byte {
	b := make([]byte, UidSize)
	copy(b, u[:])
	return b
}

// String returns the hex encoding of the uid.
func (u Uid32) String() string {
	return hex.EncodeToString(u[:])
}

// Compare orders uids byte-wise.
func (u Uid32) Compare(o Uid32) int {
	return bytes.Compare(u[:], o[:])
}

// Value is an opaque, encrypted table value. An empty Value means "no row".
type Value []byte

// IsEmpty reports whether v denotes an absent row.
func (v Value) IsEmpty() bool { return len(v) == 0 }

// Equal compares two values byte-wise.
func (v Value) Equal(o Value) bool { return bytes.Equal(v, o) }

// Clone returns an independent copy of v.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	c := make(Value, len(v))
	copy(c, v)
	return c
}

// EntryTableValues is the unit of an optimistic upsert.
//
// Previous is the value the writer last observed (empty if it believes the
// row does not exist yet); New is the value it wants to store.
type EntryTableValues struct {
	Previous Value
	New      Value
}

// Row is a (uid, value) pair returned by a fetch.
type Row struct {
	Uid   Uid32
	Value Value
}

// RowsToMap converts a slice of rows into a map.
func RowsToMap(rows []Row) map[Uid32]Value {
	m := make(map[Uid32]Value, len(rows))
	for _, r := range rows {
		m[r.Uid] = r.Value
	}
	return m
}

// Label salts every table UID. Changing it invalidates the index for search.
type Label []byte

// MasterKey is the secret all engine keys are derived from.
type MasterKey []byte

// Validate checks the key length.
func (k MasterKey) Validate() error {
	if len(k) != KeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(k))
	}
	return nil
}

// Keyword is an indexed word. It is string-backed so it can key maps.
type Keyword string

// Location points into the caller's own data store.
type Location string

// KeywordSet is a set of keywords.
type KeywordSet map[Keyword]struct{}

// NewKeywordSet builds a set from the given keywords.
func NewKeywordSet(kws ...Keyword) KeywordSet {
	s := make(KeywordSet, len(kws))
	for _, kw := range kws {
		s[kw] = struct{}{}
	}
	return s
}

// Add inserts kw into the set.
func (s KeywordSet) Add(kw Keyword) { s[kw] = struct{}{} }

// Contains reports whether kw is in the set.
func (s KeywordSet) Contains(kw Keyword) bool {
	_, ok := s[kw]
	return ok
}

// SearchResults maps every requested keyword to the locations reachable
// from it, in discovery order and without duplicates.
type SearchResults map[Keyword][]Location

// Total returns the number of locations across all keywords.
func (r SearchResults) Total() int {
	n := 0
	for _, locs := range r {
		n += len(locs)
	}
	return n
}

// ProgressResults is delivered to the search progress callback after each
// traversal level: every keyword fetched at that level and the indexed values
// its chain produced.
type ProgressResults map[Keyword][]IndexedValue

// Posting is one decrypted chain element.
type Posting struct {
	Deleted bool
	Value   IndexedValue
}

// Association indexes one value under a set of keywords.
type Association struct {
	Value    IndexedValue
	Keywords []Keyword
}

// Associations is the input of an upsert.
type Associations []Association

// Location adds loc under kws.
func (a Associations) Location(loc Location, kws ...Keyword) Associations {
	return append(a, Association{Value: LocationValue(loc), Keywords: kws})
}

// Pointer makes from point to each of kws.
func (a Associations) Pointer(to Keyword, from ...Keyword) Associations {
	return append(a, Association{Value: KeywordValue(to), Keywords: from})
}

// Keywords returns every distinct keyword of a in first-seen order.
func (a Associations) Keywords() []Keyword {
	seen := make(KeywordSet)
	var out []Keyword
	for _, as := range a {
		for _, kw := range as.Keywords {
			if !seen.Contains(kw) {
				seen.Add(kw)
				out = append(out, kw)
			}
		}
	}
	return out
}
