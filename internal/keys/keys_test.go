package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findex/codec"
	"github.com/hupe1980/findex/model"
)

func testSchedule(t *testing.T) *Schedule {
	t.Helper()
	k, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSchedule(k)
	require.NoError(t, err)
	return s
}

func TestNewScheduleRejectsShortKey(t *testing.T) {
	_, err := NewSchedule(model.MasterKey("short"))
	assert.Error(t, err)
}

func TestEntryUID(t *testing.T) {
	s := testSchedule(t)

	a := s.KeywordUID(model.Label("l1"), "France")
	assert.Equal(t, a, s.KeywordUID(model.Label("l1"), "France"))
	assert.NotEqual(t, a, s.KeywordUID(model.Label("l2"), "France"))
	assert.NotEqual(t, a, s.KeywordUID(model.Label("l1"), "Spain"))

	other := testSchedule(t)
	assert.NotEqual(t, a, other.KeywordUID(model.Label("l1"), "France"))
}

func TestEntrySealRoundTrip(t *testing.T) {
	s := testSchedule(t)
	uid := s.KeywordUID(nil, "kw")

	e, err := NewEntry(KeywordHash("kw"))
	require.NoError(t, err)
	e.Count = 7

	v, err := s.SealEntry(uid, e)
	require.NoError(t, err)

	got, err := s.OpenEntry(uid, v)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	// Bound to its uid.
	_, err = s.OpenEntry(s.KeywordUID(nil, "other"), v)
	assert.ErrorIs(t, err, ErrDecrypt)

	// Fresh nonce each time.
	v2, err := s.SealEntry(uid, e)
	require.NoError(t, err)
	assert.NotEqual(t, v, v2)

	_, err = s.OpenEntry(uid, v[:4])
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestChainRoundTrip(t *testing.T) {
	e, err := NewEntry(KeywordHash("kw"))
	require.NoError(t, err)
	e.Count = 3

	c, err := e.Chain()
	require.NoError(t, err)
	uids := c.UIDs()
	require.Len(t, uids, 3)
	assert.Equal(t, c.UID(2), uids[2])
	assert.NotEqual(t, uids[0], uids[1])

	postings := []model.Posting{
		{Value: model.LocationValue("doc-1")},
		{Value: model.KeywordValue("Europe")},
		{Deleted: true, Value: model.LocationValue("doc-0")},
	}
	v, err := c.Seal(uids[0], postings)
	require.NoError(t, err)

	got, err := c.Open(uids[0], v)
	require.NoError(t, err)
	assert.Equal(t, postings, got)

	_, err = c.Open(uids[1], v)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestChainKeysDifferPerEntry(t *testing.T) {
	e1, err := NewEntry(KeywordHash("kw"))
	require.NoError(t, err)
	e2, err := NewEntry(KeywordHash("kw"))
	require.NoError(t, err)

	c1, err := e1.Chain()
	require.NoError(t, err)
	c2, err := e2.Chain()
	require.NoError(t, err)
	assert.NotEqual(t, c1.UID(0), c2.UID(0))
}

func TestUnmarshalEntryMalformed(t *testing.T) {
	_, err := unmarshalEntry([]byte{1, 2, 3})
	assert.ErrorIs(t, err, codec.ErrMalformed)
}
