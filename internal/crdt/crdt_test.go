package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCounter(t *testing.T) {
	a := NewGCounter().Increment("us", 3)
	b := NewGCounter().Increment("eu", 2).Increment("us", 1)

	merged := a.Merge(b)
	assert.Equal(t, uint64(5), merged.Value())
	assert.Equal(t, []string{"eu", "us"}, merged.Regions())

	// Mutators never touch the receiver.
	assert.Equal(t, uint64(3), a.Value())
}

func TestPNCounter(t *testing.T) {
	us := NewPNCounter().Increment("us", 10).Decrement("us", 3)
	eu := NewPNCounter().Decrement("eu", 4)

	merged := us.Merge(eu)
	assert.Equal(t, int64(3), merged.Value())
	assert.Equal(t, int64(7), us.Value())
}

func TestGSet(t *testing.T) {
	a := NewGSet().Add("x").Add("y")
	b := NewGSet().Add("z")

	merged := a.Merge(b)
	assert.Equal(t, []string{"x", "y", "z"}, merged.Members())
	assert.True(t, merged.Contains("z"))
	assert.False(t, a.Contains("z"))
}

func TestORSet_RemoveOnlyObservedTags(t *testing.T) {
	us := NewORSet().Add("e", "t1")

	// eu observes t1
	eu := NewORSet().Merge(us)

	// us removes e (tombstones t1), eu concurrently re-adds with t2
	us = us.Remove("e")
	eu = eu.Add("e", "t2")

	require.False(t, us.Contains("e"))
	require.True(t, eu.Contains("e"))

	assert.True(t, us.Merge(eu).Contains("e"), "t2 was never removed")
	assert.True(t, eu.Merge(us).Contains("e"))
}

func TestORSet_RemoveThenMergeDropsElement(t *testing.T) {
	us, _ := NewORSet().AddNew("e")
	eu := NewORSet().Merge(us)

	us = us.Remove("e")
	merged := eu.Merge(us)
	assert.False(t, merged.Contains("e"))
	assert.Empty(t, merged.Members())
}

func TestORSet_ReAddAfterRemove(t *testing.T) {
	s := NewORSet().Add("e", "t1").Remove("e").Add("e", "t2")
	assert.True(t, s.Contains("e"))
	assert.Equal(t, []string{"e"}, s.Members())
}

func TestORSet_RemoveUnknownElement(t *testing.T) {
	s := NewORSet().Remove("ghost")
	assert.False(t, s.Contains("ghost"))
	assert.True(t, s.Equal(NewORSet()))
}

func TestLWWRegister(t *testing.T) {
	older := NewLWWRegister().Set(json.RawMessage(`"a"`), 100, "us")
	newer := NewLWWRegister().Set(json.RawMessage(`"b"`), 200, "eu")

	assert.Equal(t, json.RawMessage(`"b"`), older.Merge(newer).Value)
	assert.Equal(t, json.RawMessage(`"b"`), newer.Merge(older).Value)

	// Setting an older write does not regress the register.
	assert.Equal(t, json.RawMessage(`"b"`), newer.Set(json.RawMessage(`"c"`), 150, "us").Value)
}

func TestLWWRegister_TieBreakByRegion(t *testing.T) {
	us := NewLWWRegister().Set(json.RawMessage(`"from-us"`), 100, "us")
	eu := NewLWWRegister().Set(json.RawMessage(`"from-eu"`), 100, "eu")

	assert.Equal(t, "us", us.Merge(eu).Region)
	assert.Equal(t, "us", eu.Merge(us).Region)
}

func TestEncodeDecodeMerge(t *testing.T) {
	a, err := Encode(NewGCounter().Increment("us", 2))
	require.NoError(t, err)
	b, err := Encode(NewGCounter().Increment("eu", 5))
	require.NoError(t, err)

	out, err := MergeEncoded(a, b)
	require.NoError(t, err)

	v, err := Decode(out)
	require.NoError(t, err)
	require.IsType(t, GCounter{}, v)
	assert.Equal(t, uint64(7), v.(GCounter).Value())
}

func TestMergeEncoded_Errors(t *testing.T) {
	counter, err := Encode(NewGCounter())
	require.NoError(t, err)
	set, err := Encode(NewGSet())
	require.NoError(t, err)

	_, err = MergeEncoded(counter, set)
	assert.Error(t, err)

	_, err = MergeEncoded(counter, []byte(`{"crdt":"nope","state":{}}`))
	assert.Error(t, err)

	_, err = MergeEncoded([]byte(`plain data`), counter)
	assert.Error(t, err)
}
