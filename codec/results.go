package codec

import (
	"slices"

	"github.com/hupe1980/findex/model"
)

// EncodeKeywordValues serializes keyword -> indexed values as
// uvarint(count) then, per keyword in sorted order, (len, keyword),
// uvarint(n) and n × (len, value).
//
// This is the layout of search and progress results.
func EncodeKeywordValues(m map[model.Keyword][]model.IndexedValue) []byte {
	keys := make([]model.Keyword, 0, len(m))
	size := uvarintLen(uint64(len(m)))
	for kw, vals := range m {
		keys = append(keys, kw)
		size += uvarintLen(uint64(len(kw))) + len(kw) + uvarintLen(uint64(len(vals)))
		for _, v := range vals {
			size += uvarintLen(uint64(len(v))) + len(v)
		}
	}
	slices.Sort(keys)

	w := NewWriter(size)
	w.WriteUvarint(uint64(len(keys)))
	for _, kw := range keys {
		w.WriteBytes([]byte(kw))
		vals := m[kw]
		w.WriteUvarint(uint64(len(vals)))
		for _, v := range vals {
			w.WriteBytes(v)
		}
	}
	return w.Bytes()
}

// DecodeKeywordValues parses the output of EncodeKeywordValues. Tag bytes of
// every value are validated.
func DecodeKeywordValues(b []byte) (map[model.Keyword][]model.IndexedValue, error) {
	r := NewReader(b)
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(b)) {
		return nil, r.malformed("keyword count %d exceeds buffer", count)
	}
	out := make(map[model.Keyword][]model.IndexedValue, count)
	for range count {
		kw, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		n, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(b)) {
			return nil, r.malformed("value count %d exceeds buffer", n)
		}
		vals := make([]model.IndexedValue, 0, n)
		for range n {
			raw, err := r.ReadBytes()
			if err != nil {
				return nil, err
			}
			iv, err := model.ParseIndexedValue(slices.Clone(raw))
			if err != nil {
				return nil, r.malformed("%v", err)
			}
			vals = append(vals, iv)
		}
		out[model.Keyword(kw)] = vals
	}
	return out, r.Done()
}
