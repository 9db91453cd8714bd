package keys

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/internal/conv"
)

const entrySize = 32 + 32 + 8

// Entry is the plaintext of an Entry Table row: the head of one keyword chain.
type Entry struct {
	KeywordHash [32]byte
	ChainKey    [32]byte
	// Count is the number of chain rows written so far.
	Count uint64
}

// NewEntry starts an empty chain for a keyword hash.
func NewEntry(kwHash [32]byte) (Entry, error) {
	e := Entry{KeywordHash: kwHash}
	if _, err := rand.Read(e.ChainKey[:]); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (e Entry) marshal() []byte {
	b := make([]byte, entrySize)
	copy(b, e.KeywordHash[:])
	copy(b[32:], e.ChainKey[:])
	binary.BigEndian.PutUint64(b[64:], e.Count)
	return b
}

func unmarshalEntry(b []byte) (Entry, error) {
	if len(b) != entrySize {
		return Entry{}, &codec.MalformedError{Offset: len(b), Reason: fmt.Sprintf("entry plaintext must be %d bytes", entrySize)}
	}
	var e Entry
	copy(e.KeywordHash[:], b)
	copy(e.ChainKey[:], b[32:])
	e.Count = binary.BigEndian.Uint64(b[64:])
	return e, nil
}

// Chain derives the chain keys of e.
func (e Entry) Chain() (*Chain, error) {
	if _, err := conv.Uint64ToInt(e.Count); err != nil {
		return nil, fmt.Errorf("chain length: %w", err)
	}
	c := &Chain{count: e.Count}
	blake3.DeriveKey(c.uidKey[:], ctxChainUID, e.ChainKey[:])

	var sealKey [32]byte
	blake3.DeriveKey(sealKey[:], ctxChainSeal, e.ChainKey[:])
	aead, err := newAEAD(sealKey[:])
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return c, nil
}
