package keys

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
)

const (
	opAdd    byte = '+'
	opDelete byte = '-'
)

// Chain seals and opens the Chain Table rows of one keyword.
type Chain struct {
	uidKey [32]byte
	aead   cipher.AEAD
	count  uint64
}

// UID returns the uid of the i-th chain row.
func (c *Chain) UID(i uint64) model.Uid32 {
	h := blake3.New(model.UidSize, c.uidKey[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], i)
	_, _ = h.Write(n[:])

	var u model.Uid32
	h.Sum(u[:0])
	return u
}

// UIDs returns the uids of every row the entry counted, in chain order.
func (c *Chain) UIDs() []model.Uid32 {
	uids := make([]model.Uid32, c.count)
	for i := range c.count {
		uids[i] = c.UID(i)
	}
	return uids
}

// Seal encrypts one block of postings bound to uid.
func (c *Chain) Seal(uid model.Uid32, postings []model.Posting) (model.Value, error) {
	w := codec.NewWriter(64)
	for _, p := range postings {
		op := opAdd
		if p.Deleted {
			op = opDelete
		}
		el := make([]byte, 0, 1+len(p.Value))
		el = append(el, op)
		el = append(el, p.Value...)
		if err := w.WriteElement(el); err != nil {
			return nil, err
		}
	}
	w.End()
	return seal(c.aead, uid, w.Bytes())
}

// Open decrypts a block sealed under uid.
func (c *Chain) Open(uid model.Uid32, v model.Value) ([]model.Posting, error) {
	pt, err := open(c.aead, uid, v)
	if err != nil {
		return nil, err
	}
	items, err := codec.DecodeCollection(pt)
	if err != nil {
		return nil, err
	}
	postings := make([]model.Posting, 0, len(items))
	for _, it := range items {
		if len(it) < 2 {
			return nil, &codec.MalformedError{Reason: "chain element too short"}
		}
		var p model.Posting
		switch it[0] {
		case opAdd:
		case opDelete:
			p.Deleted = true
		default:
			return nil, &codec.MalformedError{Reason: fmt.Sprintf("unknown chain op %#x", it[0])}
		}
		iv, err := model.ParseIndexedValue(it[1:])
		if err != nil {
			return nil, err
		}
		p.Value = append(model.IndexedValue(nil), iv...)
		postings = append(postings, p)
	}
	return postings, nil
}
