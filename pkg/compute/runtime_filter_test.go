package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
)

func finalizedTable(t *testing.T, from, n int) *JoinHashTable {
	ht := NewJoinHashTable(buildKeys(), buildTypes)
	require.NoError(t, ht.Build(makeBuildChunk(from, n)))
	require.NoError(t, ht.Finalize())
	return ht
}

func TestRuntimeBloomFilter(t *testing.T) {
	bf := NewRuntimeBloomFilter(100)
	assert.Equal(t, uint64(128), bf.NumBits())
	assert.Equal(t, uint64(64), NewRuntimeBloomFilter(1).NumBits())

	for i := uint64(0); i < 10; i++ {
		bf.Insert(i * 7919)
	}
	for i := uint64(0); i < 10; i++ {
		assert.True(t, bf.Contains(i*7919))
	}

	other := NewRuntimeBloomFilter(128)
	other.Insert(42)
	require.NoError(t, bf.Merge(other))
	assert.True(t, bf.Contains(42))
	assert.Error(t, bf.Merge(NewRuntimeBloomFilter(256)))
}

func TestBuildRuntimeFilters(t *testing.T) {
	ht := NewJoinHashTable(buildKeys(), buildTypes)
	require.NoError(t, ht.Build(makeBuildChunk(0, 10)))
	withNull := chunk.NewChunk(buildTypes, 1)
	withNull.Data[0].SetValue(0, chunk.NullValue(common.BigintType()))
	withNull.Data[1].SetValue(0, chunk.VarcharValue("n"))
	withNull.SetCard(1)
	require.NoError(t, ht.Build(withNull))
	require.NoError(t, ht.Finalize())

	filters := BuildRuntimeFilters(testPlanNodeId, ht, 1024, 64)
	require.Len(t, filters, 1)
	rf := filters[0]
	assert.Equal(t, testPlanNodeId, rf.PlanNodeId)
	assert.Equal(t, 0, rf.ExprOrder)
	require.NotNil(t, rf.In)
	assert.Equal(t, 10, rf.In.Len())
	for i := int64(0); i < 10; i++ {
		assert.True(t, rf.Contains(chunk.BigintValue(i)))
	}
	assert.False(t, rf.Contains(chunk.BigintValue(10)))
	assert.False(t, rf.Contains(chunk.NullValue(common.BigintType())))

	big := BuildRuntimeFilters(testPlanNodeId, ht, 1024, 5)
	assert.Nil(t, big[0].In)
	assert.True(t, big[0].Contains(chunk.BigintValue(3)))

	empty := BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 0), 1024, 64)
	require.Len(t, empty, 1)
	assert.False(t, empty[0].Contains(chunk.BigintValue(0)))
}

func TestRuntimeFilterMerge(t *testing.T) {
	m := NewPartialRuntimeFilterMerger(testPlanNodeId, 2, 64)
	last, err := m.AddPartialFilters(0, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 20), 1024, 64))
	require.NoError(t, err)
	assert.False(t, last)
	_, ok := m.MergedFilters()
	assert.False(t, ok)

	_, err = m.AddPartialFilters(0, nil)
	assert.Error(t, err)
	_, err = m.SetAlwaysTrue(0)
	assert.Error(t, err)
	_, err = m.AddPartialFilters(2, nil)
	assert.Error(t, err)

	last, err = m.AddPartialFilters(1, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 100, 20), 1024, 64))
	require.NoError(t, err)
	assert.True(t, last)
	assert.False(t, m.AlwaysTrue())

	merged, ok := m.MergedFilters()
	require.True(t, ok)
	require.Len(t, merged, 1)
	require.NotNil(t, merged[0].In)
	assert.Equal(t, 40, merged[0].In.Len())
	assert.True(t, merged[0].Contains(chunk.BigintValue(5)))
	assert.True(t, merged[0].Contains(chunk.BigintValue(105)))
	assert.False(t, merged[0].Contains(chunk.BigintValue(50)))

	port := NewRuntimeFilterPort()
	hub := NewRuntimeFilterHub()
	m.Publish(port, hub)
	published, ok := port.Published(testPlanNodeId)
	require.True(t, ok)
	assert.Equal(t, merged, published)
	collector, ok := hub.GetCollector(testPlanNodeId)
	require.True(t, ok)
	assert.False(t, collector.AlwaysTrue)
	assert.Len(t, collector.Filters, 1)
}

func TestRuntimeFilterMergeInOverflow(t *testing.T) {
	m := NewPartialRuntimeFilterMerger(testPlanNodeId, 2, 30)
	_, err := m.AddPartialFilters(0, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 20), 1024, 30))
	require.NoError(t, err)
	_, err = m.AddPartialFilters(1, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 100, 20), 1024, 30))
	require.NoError(t, err)
	merged, ok := m.MergedFilters()
	require.True(t, ok)
	assert.Nil(t, merged[0].In)
	assert.True(t, merged[0].Contains(chunk.BigintValue(119)))
}

func TestRuntimeFilterMergeBloomMismatch(t *testing.T) {
	m := NewPartialRuntimeFilterMerger(testPlanNodeId, 2, 64)
	_, err := m.AddPartialFilters(0, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 20), 1024, 64))
	require.NoError(t, err)
	last, err := m.AddPartialFilters(1, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 20), 4096, 64))
	assert.True(t, last)
	assert.Error(t, err)
	_, ok := m.MergedFilters()
	assert.False(t, ok)
}

func TestRuntimeFilterAlwaysTrue(t *testing.T) {
	m := NewPartialRuntimeFilterMerger(testPlanNodeId, 3, 64)
	_, err := m.AddPartialFilters(0, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 20), 1024, 64))
	require.NoError(t, err)
	last, err := m.SetAlwaysTrue(2)
	require.NoError(t, err)
	assert.False(t, last)
	last, err = m.AddPartialFilters(1, BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 20, 20), 1024, 64))
	require.NoError(t, err)
	assert.True(t, last)
	assert.True(t, m.AlwaysTrue())

	merged, ok := m.MergedFilters()
	require.True(t, ok)
	assert.Empty(t, merged)

	port := NewRuntimeFilterPort()
	hub := NewRuntimeFilterHub()
	m.Publish(port, hub)
	published, ok := port.Published(testPlanNodeId)
	require.True(t, ok)
	assert.NotNil(t, published)
	assert.Empty(t, published)
	collector, ok := hub.GetCollector(testPlanNodeId)
	require.True(t, ok)
	assert.True(t, collector.AlwaysTrue)

	_, ok = port.Published(testPlanNodeId + 1)
	assert.False(t, ok)
}

func TestRuntimeFilterMergeMissingLane(t *testing.T) {
	m := NewPartialRuntimeFilterMerger(testPlanNodeId, 2, 64)
	// countdown out of step with the slots
	m._remaining.Store(1)
	filters := BuildRuntimeFilters(testPlanNodeId, finalizedTable(t, 0, 10), 4096, 64)
	last, err := m.AddPartialFilters(0, filters)
	assert.True(t, last)
	assert.ErrorContains(t, err, "lane 1")
	_, ok := m.MergedFilters()
	assert.False(t, ok)
}
