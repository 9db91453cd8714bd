// Package keys holds the cryptographic scheme of the reference engine.
//
// A master key is expanded with BLAKE3 key derivation into a uid key and an
// entry sealing key. Entry Table uids are keyed hashes of the label and the
// keyword hash. Each keyword owns a random chain key from which the uids and
// sealing key of its Chain Table rows are derived, so chain rows do not
// depend on the label and survive a relabeling compaction.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/hupe1980/findex/model"
)

const (
	ctxEntryUID  = "findex 2026 entry table uid"
	ctxEntrySeal = "findex 2026 entry table seal"
	ctxChainUID  = "findex 2026 chain table uid"
	ctxChainSeal = "findex 2026 chain table seal"
)

// ErrDecrypt is returned when a value fails authentication.
var ErrDecrypt = errors.New("value authentication failed")

// Schedule is the set of keys derived from one master key.
type Schedule struct {
	uidKey [32]byte
	aead   cipher.AEAD
}

// NewSchedule derives the key schedule of master.
func NewSchedule(master model.MasterKey) (*Schedule, error) {
	if err := master.Validate(); err != nil {
		return nil, err
	}
	s := &Schedule{}
	blake3.DeriveKey(s.uidKey[:], ctxEntryUID, master)

	var sealKey [32]byte
	blake3.DeriveKey(sealKey[:], ctxEntrySeal, master)
	aead, err := newAEAD(sealKey[:])
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

// GenerateKey returns a fresh random master key.
func GenerateKey() (model.MasterKey, error) {
	k := make(model.MasterKey, model.KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// KeywordHash is the label-independent digest stored inside entries.
func KeywordHash(kw model.Keyword) [32]byte {
	return blake3.Sum256([]byte(kw))
}

// EntryUID returns the Entry Table uid of a keyword hash under label.
func (s *Schedule) EntryUID(label model.Label, kwHash [32]byte) model.Uid32 {
	h := blake3.New(model.UidSize, s.uidKey[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(label)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(label)
	_, _ = h.Write(kwHash[:])

	var u model.Uid32
	h.Sum(u[:0])
	return u
}

// KeywordUID is EntryUID for a plaintext keyword.
func (s *Schedule) KeywordUID(label model.Label, kw model.Keyword) model.Uid32 {
	return s.EntryUID(label, KeywordHash(kw))
}

// SealEntry encrypts e bound to uid.
func (s *Schedule) SealEntry(uid model.Uid32, e Entry) (model.Value, error) {
	return seal(s.aead, uid, e.marshal())
}

// OpenEntry decrypts an Entry Table value stored under uid.
func (s *Schedule) OpenEntry(uid model.Uid32, v model.Value) (Entry, error) {
	pt, err := open(s.aead, uid, v)
	if err != nil {
		return Entry{}, err
	}
	return unmarshalEntry(pt)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, uid model.Uid32, pt []byte) (model.Value, error) {
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(pt)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, pt, uid[:]), nil
}

func open(aead cipher.AEAD, uid model.Uid32, v model.Value) ([]byte, error) {
	ns := aead.NonceSize()
	if len(v) < ns+aead.Overhead() {
		return nil, fmt.Errorf("%w: value of %d bytes is too short", ErrDecrypt, len(v))
	}
	pt, err := aead.Open(nil, v[:ns], v[ns:], uid[:])
	if err != nil {
		return nil, fmt.Errorf("%w: uid %s", ErrDecrypt, uid)
	}
	return pt, nil
}
