package sharding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/corebus/errors"
)

func TestForNumber_RejectsNonPositiveCounts(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		_, err := ForNumber(n)
		assert.ErrorIs(t, err, errors.ErrInvalidShardCount, "count %d", n)
		assert.True(t, errors.IsConfiguration(err))
	}
}

func TestIndexFor_Deterministic(t *testing.T) {
	s, err := ForNumber(8)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("aggregate-%d", i)
		first := s.IndexFor(id)
		second := s.IndexFor(id)
		assert.Equal(t, first, second)
		assert.GreaterOrEqual(t, first.Index, 0)
		assert.Less(t, first.Index, 8)
		assert.Equal(t, 8, first.OfTotal)
	}
}

func TestIndexFor_SingleShard(t *testing.T) {
	s, err := ForNumber(1)
	require.NoError(t, err)

	assert.Equal(t, ShardIndex{Index: 0, OfTotal: 1}, s.IndexFor("anything"))
	assert.Equal(t, ShardIndex{Index: 0, OfTotal: 1}, s.IndexFor(""))
}

func TestIndexFor_SpreadsTargets(t *testing.T) {
	s, err := ForNumber(4)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[s.IndexFor(fmt.Sprintf("id-%d", i)).Index] = true
	}
	// A uniform hash over 200 IDs should touch every one of 4 shards.
	assert.Len(t, seen, 4)
}

func TestShardIndex_EqualityRequiresBothFields(t *testing.T) {
	assert.NotEqual(t, ShardIndex{Index: 1, OfTotal: 3}, ShardIndex{Index: 1, OfTotal: 4})
	assert.Equal(t, ShardIndex{Index: 1, OfTotal: 3}, ShardIndex{Index: 1, OfTotal: 3})
}

func TestShardIndex_Validate(t *testing.T) {
	assert.NoError(t, ShardIndex{Index: 0, OfTotal: 1}.Validate())
	assert.ErrorIs(t, ShardIndex{Index: 0, OfTotal: 0}.Validate(), errors.ErrInvalidShardCount)
	assert.Error(t, ShardIndex{Index: 3, OfTotal: 3}.Validate())
	assert.Error(t, ShardIndex{Index: -1, OfTotal: 3}.Validate())
}

func TestShardIndex_String(t *testing.T) {
	assert.Equal(t, "2/8", ShardIndex{Index: 2, OfTotal: 8}.String())
}
