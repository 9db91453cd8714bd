package ffi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
)

func TestAssociationsPayload(t *testing.T) {
	in := model.Associations{}.
		Location("doc-1", "France", "Paris").
		Pointer("France", "Europe")
	in = append(in, model.Association{Value: model.LocationValue("bin"), Keywords: []model.Keyword{"\xff\xfe"}})

	for _, c := range []codec.Codec{codec.JSON{}, codec.GoJSON{}} {
		t.Run(c.Name(), func(t *testing.T) {
			b, err := MarshalAssociations(c, in)
			require.NoError(t, err)
			got, err := UnmarshalAssociations(c, b)
			require.NoError(t, err)
			assert.Equal(t, in, got)
		})
	}
}

func TestAssociationsPayloadRejectsBadTag(t *testing.T) {
	bad := model.Associations{{Value: model.IndexedValue("xoops"), Keywords: []model.Keyword{"k"}}}
	b, err := MarshalAssociations(codec.Default, bad)
	require.NoError(t, err)

	_, err = UnmarshalAssociations(codec.Default, b)
	assert.ErrorIs(t, err, model.ErrInvalidIndexedValue)
}

func TestKeywordsOutputSize(t *testing.T) {
	kws := []model.Keyword{"France", "Spain"}
	enc, err := EncodeKeywords(kws)
	require.NoError(t, err)
	assert.Len(t, enc, KeywordsSize(kws))

	got, err := DecodeKeywords(enc)
	require.NoError(t, err)
	assert.Equal(t, kws, got)
}

func TestSearchResultsPayload(t *testing.T) {
	res := model.SearchResults{"France": {"paris", "lyon"}, "Spain": {"madrid"}}
	got, err := DecodeSearchResults(EncodeSearchResults(res))
	require.NoError(t, err)
	assert.Equal(t, res, got)
}
