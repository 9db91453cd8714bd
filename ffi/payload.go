package ffi

import (
	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
)

// associationJSON is the request form of model.Association. Byte slices
// travel as base64 so keywords need not be valid UTF-8.
type associationJSON struct {
	Value    []byte   `json:"value"`
	Keywords [][]byte `json:"keywords"`
}

// MarshalAssociations encodes an upsert payload.
func MarshalAssociations(c codec.Codec, a model.Associations) ([]byte, error) {
	out := make([]associationJSON, len(a))
	for i, as := range a {
		kws := make([][]byte, len(as.Keywords))
		for j, kw := range as.Keywords {
			kws[j] = []byte(kw)
		}
		out[i] = associationJSON{Value: as.Value, Keywords: kws}
	}
	return c.Marshal(out)
}

// UnmarshalAssociations decodes an upsert payload and validates tags.
func UnmarshalAssociations(c codec.Codec, b []byte) (model.Associations, error) {
	var in []associationJSON
	if err := c.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	out := make(model.Associations, len(in))
	for i, as := range in {
		iv, err := model.ParseIndexedValue(as.Value)
		if err != nil {
			return nil, err
		}
		kws := make([]model.Keyword, len(as.Keywords))
		for j, kw := range as.Keywords {
			kws[j] = model.Keyword(kw)
		}
		out[i] = model.Association{Value: iv, Keywords: kws}
	}
	return out, nil
}

// MarshalKeywords encodes a search payload.
func MarshalKeywords(c codec.Codec, kws []model.Keyword) ([]byte, error) {
	raw := make([][]byte, len(kws))
	for i, kw := range kws {
		raw[i] = []byte(kw)
	}
	return c.Marshal(raw)
}

// UnmarshalKeywords decodes a search payload.
func UnmarshalKeywords(c codec.Codec, b []byte) ([]model.Keyword, error) {
	var raw [][]byte
	if err := c.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	kws := make([]model.Keyword, len(raw))
	for i, kw := range raw {
		kws[i] = model.Keyword(kw)
	}
	return kws, nil
}

// EncodeKeywords serializes a keyword collection, the output of an upsert.
func EncodeKeywords(kws []model.Keyword) ([]byte, error) {
	items := make([][]byte, len(kws))
	for i, kw := range kws {
		items[i] = []byte(kw)
	}
	return codec.EncodeCollection(items)
}

// DecodeKeywords parses EncodeKeywords output.
func DecodeKeywords(b []byte) ([]model.Keyword, error) {
	items, err := codec.DecodeCollection(b)
	if err != nil {
		return nil, err
	}
	kws := make([]model.Keyword, len(items))
	for i, it := range items {
		kws[i] = model.Keyword(it)
	}
	return kws, nil
}

// KeywordsSize is the exact size EncodeKeywords produces for kws.
func KeywordsSize(kws []model.Keyword) int {
	items := make([][]byte, len(kws))
	for i, kw := range kws {
		items[i] = []byte(kw)
	}
	return codec.CollectionSize(items)
}

// EncodeLocations serializes locations as a collection of tagged values.
func EncodeLocations(locs []model.Location) ([]byte, error) {
	items := make([][]byte, len(locs))
	for i, l := range locs {
		items[i] = model.LocationValue(l)
	}
	return codec.EncodeCollection(items)
}

// DecodeLocations parses EncodeLocations output.
func DecodeLocations(b []byte) ([]model.Location, error) {
	items, err := codec.DecodeCollection(b)
	if err != nil {
		return nil, err
	}
	locs := make([]model.Location, len(items))
	for i, it := range items {
		l, ok := model.IndexedValue(it).Location()
		if !ok {
			return nil, &codec.MalformedError{Offset: -1, Reason: "filter element is not a location"}
		}
		locs[i] = l
	}
	return locs, nil
}

// EncodeSearchResults serializes search results in the keyword values layout.
func EncodeSearchResults(res model.SearchResults) []byte {
	m := make(map[model.Keyword][]model.IndexedValue, len(res))
	for kw, locs := range res {
		vals := make([]model.IndexedValue, len(locs))
		for i, l := range locs {
			vals[i] = model.LocationValue(l)
		}
		m[kw] = vals
	}
	return codec.EncodeKeywordValues(m)
}

// DecodeSearchResults parses EncodeSearchResults output.
func DecodeSearchResults(b []byte) (model.SearchResults, error) {
	m, err := codec.DecodeKeywordValues(b)
	if err != nil {
		return nil, err
	}
	res := make(model.SearchResults, len(m))
	for kw, vals := range m {
		locs := make([]model.Location, 0, len(vals))
		for _, v := range vals {
			l, ok := v.Location()
			if !ok {
				return nil, &codec.MalformedError{Offset: -1, Reason: "search result is not a location"}
			}
			locs = append(locs, l)
		}
		res[kw] = locs
	}
	return res, nil
}
