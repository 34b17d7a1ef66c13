package compute

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/util"
)

const (
	bloomHashCount         = 3
	DefaultBloomFilterBits = 1 << 20
	DefaultInFilterMaxRows = 1024
)

// RuntimeBloomFilter answers "may contain" for join key hashes.
type RuntimeBloomFilter struct {
	_bits    *bitset.BitSet
	_numBits uint64
}

func NewRuntimeBloomFilter(numBits uint64) *RuntimeBloomFilter {
	numBits = util.NextPowerOfTwo(max(numBits, 64))
	return &RuntimeBloomFilter{
		_bits:    bitset.New(uint(numBits)),
		_numBits: numBits,
	}
}

func (bf *RuntimeBloomFilter) positions(hash uint64, fn func(pos uint)) {
	h1 := hash & 0xFFFFFFFF
	h2 := hash>>32 | 1
	for i := uint64(0); i < bloomHashCount; i++ {
		fn(uint((h1 + i*h2) & (bf._numBits - 1)))
	}
}

func (bf *RuntimeBloomFilter) Insert(hash uint64) {
	bf.positions(hash, func(pos uint) {
		bf._bits.Set(pos)
	})
}

func (bf *RuntimeBloomFilter) Contains(hash uint64) bool {
	ret := true
	bf.positions(hash, func(pos uint) {
		ret = ret && bf._bits.Test(pos)
	})
	return ret
}

func (bf *RuntimeBloomFilter) Merge(other *RuntimeBloomFilter) error {
	if bf._numBits != other._numBits {
		return fmt.Errorf("merge bloom filters of %d and %d bits", bf._numBits, other._numBits)
	}
	bf._bits.InPlaceUnion(other._bits)
	return nil
}

func (bf *RuntimeBloomFilter) NumBits() uint64 {
	return bf._numBits
}

func (bf *RuntimeBloomFilter) clone() *RuntimeBloomFilter {
	return &RuntimeBloomFilter{
		_bits:    bf._bits.Clone(),
		_numBits: bf._numBits,
	}
}

// RuntimeInFilter keeps the distinct key hashes of a small build side.
type RuntimeInFilter struct {
	_hashes map[uint64]struct{}
}

func NewRuntimeInFilter() *RuntimeInFilter {
	return &RuntimeInFilter{
		_hashes: make(map[uint64]struct{}),
	}
}

func (in *RuntimeInFilter) Insert(hash uint64) {
	in._hashes[hash] = struct{}{}
}

func (in *RuntimeInFilter) Contains(hash uint64) bool {
	_, ok := in._hashes[hash]
	return ok
}

func (in *RuntimeInFilter) Len() int {
	return len(in._hashes)
}

func (in *RuntimeInFilter) Merge(other *RuntimeInFilter) {
	for h := range other._hashes {
		in._hashes[h] = struct{}{}
	}
}

func (in *RuntimeInFilter) clone() *RuntimeInFilter {
	ret := NewRuntimeInFilter()
	ret.Merge(in)
	return ret
}

// RuntimeFilter filters the probe side on one join key. In is nil when
// the build side had too many distinct keys.
type RuntimeFilter struct {
	PlanNodeId int
	ExprOrder  int
	Bloom      *RuntimeBloomFilter
	In         *RuntimeInFilter
}

// Contains tests the probe key value of this filter.
func (rf *RuntimeFilter) Contains(val *chunk.Value) bool {
	if val.IsNull {
		return false
	}
	hash := chunk.HashValue(val)
	if rf.In != nil {
		return rf.In.Contains(hash)
	}
	return rf.Bloom.Contains(hash)
}

// BuildRuntimeFilters builds one filter per join key from a finalized
// hash table.
func BuildRuntimeFilters(planNodeId int, ht *JoinHashTable, numBits uint64, maxInRows int) []*RuntimeFilter {
	keys := ht.KeyColumns()
	_, nullKey := ht.KeyHashes()
	ret := make([]*RuntimeFilter, 0, len(ht.Keys()))
	for i := range ht.Keys() {
		rf := &RuntimeFilter{
			PlanNodeId: planNodeId,
			ExprOrder:  i,
			Bloom:      NewRuntimeBloomFilter(numBits),
		}
		if ht.RowCount() <= maxInRows {
			rf.In = NewRuntimeInFilter()
		}
		if keys != nil && ht.RowCount() > 0 {
			hashes := chunk.NewFlatVector(common.HashType(), ht.RowCount())
			chunk.HashTypeSwitch(keys.Data[i], hashes, ht.RowCount())
			vals := chunk.GetSliceInPhyFormatFlat[uint64](hashes)
			for row := 0; row < ht.RowCount(); row++ {
				if nullKey[row] {
					continue
				}
				rf.Bloom.Insert(vals[row])
				if rf.In != nil {
					rf.In.Insert(vals[row])
				}
			}
		}
		ret = append(ret, rf)
	}
	return ret
}

// RuntimeFilterCollector is what the hub hands to the probe side of a
// plan node. An always true collector carries no filters.
type RuntimeFilterCollector struct {
	PlanNodeId int
	Filters    []*RuntimeFilter
	AlwaysTrue bool
}

type RuntimeFilterHub struct {
	_mu         sync.Mutex
	_collectors map[int]*RuntimeFilterCollector
}

func NewRuntimeFilterHub() *RuntimeFilterHub {
	return &RuntimeFilterHub{
		_collectors: make(map[int]*RuntimeFilterCollector),
	}
}

func (hub *RuntimeFilterHub) SetCollector(planNodeId int, c *RuntimeFilterCollector) {
	hub._mu.Lock()
	defer hub._mu.Unlock()
	hub._collectors[planNodeId] = c
}

func (hub *RuntimeFilterHub) GetCollector(planNodeId int) (*RuntimeFilterCollector, bool) {
	hub._mu.Lock()
	defer hub._mu.Unlock()
	c, ok := hub._collectors[planNodeId]
	return c, ok
}

// RuntimeFilterPort distributes merged filters to consumers.
type RuntimeFilterPort struct {
	_mu        sync.Mutex
	_published map[int][]*RuntimeFilter
}

func NewRuntimeFilterPort() *RuntimeFilterPort {
	return &RuntimeFilterPort{
		_published: make(map[int][]*RuntimeFilter),
	}
}

func (port *RuntimeFilterPort) PublishRuntimeFilters(planNodeId int, filters []*RuntimeFilter) {
	port._mu.Lock()
	defer port._mu.Unlock()
	if filters == nil {
		filters = []*RuntimeFilter{}
	}
	port._published[planNodeId] = filters
}

func (port *RuntimeFilterPort) Published(planNodeId int) ([]*RuntimeFilter, bool) {
	port._mu.Lock()
	defer port._mu.Unlock()
	filters, ok := port._published[planNodeId]
	return filters, ok
}

// PartialRuntimeFilterMerger collects one contribution per lane of a
// plan node. Each lane contributes exactly once, either its filters or
// always true. The lane whose contribution completes the countdown
// merges and publishes.
type PartialRuntimeFilterMerger struct {
	_planNodeId int
	_maxInRows  int
	_remaining  atomic.Int32
	_alwaysTrue atomic.Bool
	_slots      []atomic.Pointer[[]*RuntimeFilter]
	_merged     atomic.Pointer[[]*RuntimeFilter]
}

func NewPartialRuntimeFilterMerger(planNodeId, lanes, maxInRows int) *PartialRuntimeFilterMerger {
	m := &PartialRuntimeFilterMerger{
		_planNodeId: planNodeId,
		_maxInRows:  maxInRows,
		_slots:      make([]atomic.Pointer[[]*RuntimeFilter], lanes),
	}
	m._remaining.Store(int32(lanes))
	return m
}

// AddPartialFilters stores the filters of lane seq. It returns true for
// the last contribution.
func (m *PartialRuntimeFilterMerger) AddPartialFilters(seq int, filters []*RuntimeFilter) (bool, error) {
	if seq < 0 || seq >= len(m._slots) {
		return false, fmt.Errorf("lane %d out of range [0,%d)", seq, len(m._slots))
	}
	if !m._slots[seq].CompareAndSwap(nil, &filters) {
		return false, fmt.Errorf("lane %d contributed runtime filters twice", seq)
	}
	return m.countDown()
}

// SetAlwaysTrue records that lane seq cannot build a filter. It returns
// true for the last contribution.
func (m *PartialRuntimeFilterMerger) SetAlwaysTrue(seq int) (bool, error) {
	if seq < 0 || seq >= len(m._slots) {
		return false, fmt.Errorf("lane %d out of range [0,%d)", seq, len(m._slots))
	}
	empty := []*RuntimeFilter(nil)
	if !m._slots[seq].CompareAndSwap(nil, &empty) {
		return false, fmt.Errorf("lane %d contributed runtime filters twice", seq)
	}
	m._alwaysTrue.Store(true)
	return m.countDown()
}

func (m *PartialRuntimeFilterMerger) countDown() (bool, error) {
	left := m._remaining.Add(-1)
	if left < 0 {
		return false, fmt.Errorf("runtime filter merger of plan node %d got too many contributions", m._planNodeId)
	}
	if left > 0 {
		return false, nil
	}
	merged, err := m.merge()
	if err != nil {
		return true, err
	}
	m._merged.Store(&merged)
	return true, nil
}

func (m *PartialRuntimeFilterMerger) merge() ([]*RuntimeFilter, error) {
	if m._alwaysTrue.Load() {
		return nil, nil
	}
	var ret []*RuntimeFilter
	for i := range m._slots {
		slot := m._slots[i].Load()
		if slot == nil {
			return nil, fmt.Errorf("lane %d of plan node %d has not contributed runtime filters", i, m._planNodeId)
		}
		part := *slot
		if ret == nil {
			ret = make([]*RuntimeFilter, 0, len(part))
			for _, rf := range part {
				cp := &RuntimeFilter{
					PlanNodeId: rf.PlanNodeId,
					ExprOrder:  rf.ExprOrder,
					Bloom:      rf.Bloom.clone(),
				}
				if rf.In != nil {
					cp.In = rf.In.clone()
				}
				ret = append(ret, cp)
			}
			continue
		}
		if len(part) != len(ret) {
			return nil, fmt.Errorf("lane %d has %d runtime filters, expect %d", i, len(part), len(ret))
		}
		for j, rf := range part {
			if err := ret[j].Bloom.Merge(rf.Bloom); err != nil {
				return nil, err
			}
			if ret[j].In == nil || rf.In == nil {
				ret[j].In = nil
				continue
			}
			ret[j].In.Merge(rf.In)
			if ret[j].In.Len() > m._maxInRows {
				ret[j].In = nil
			}
		}
	}
	return ret, nil
}

func (m *PartialRuntimeFilterMerger) AlwaysTrue() bool {
	return m._alwaysTrue.Load()
}

// MergedFilters is nil until every lane contributed. An always true
// merge yields an empty list.
func (m *PartialRuntimeFilterMerger) MergedFilters() ([]*RuntimeFilter, bool) {
	p := m._merged.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Publish hands the merged filters to the port and the hub.
func (m *PartialRuntimeFilterMerger) Publish(port *RuntimeFilterPort, hub *RuntimeFilterHub) {
	filters, ok := m.MergedFilters()
	if !ok {
		return
	}
	if port != nil {
		port.PublishRuntimeFilters(m._planNodeId, filters)
	}
	if hub != nil {
		hub.SetCollector(m._planNodeId, &RuntimeFilterCollector{
			PlanNodeId: m._planNodeId,
			Filters:    filters,
			AlwaysTrue: m.AlwaysTrue(),
		})
	}
	util.Info("runtime filters published",
		zap.Int("planNodeId", m._planNodeId),
		zap.Int("filters", len(filters)),
		zap.Bool("alwaysTrue", m.AlwaysTrue()))
}
