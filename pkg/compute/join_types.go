package compute

import (
	"sync"
	"sync/atomic"

	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/spill"
)

type HashJoinPhase int32

const (
	HJP_BUILD HashJoinPhase = iota
	HJP_PROBE
)

func (p HashJoinPhase) String() string {
	switch p {
	case HJP_BUILD:
		return "build"
	case HJP_PROBE:
		return "probe"
	default:
		return "unknown"
	}
}

// HashJoinBuilder holds what one build lane produces for the probe side:
// the hash table, the spilled partitions and the probe ready signal.
type HashJoinBuilder struct {
	_ht          *JoinHashTable
	_partitioner *HashPartitioner
	// nil when spilling is disabled
	_spiller *spill.Spiller
	_channel *spill.SpillTaskChannel

	_strategy  spill.SpillStrategy
	_buildRows atomic.Int64

	_phase      atomic.Int32
	_probeReady chan struct{}
	_probeOnce  sync.Once

	_readerOnce sync.Once
	_reader     *spill.PartitionReader
}

func NewHashJoinBuilder(
	keys []*Expr,
	buildTypes []common.LType,
	partitionCount int,
	spiller *spill.Spiller,
	channel *spill.SpillTaskChannel) *HashJoinBuilder {
	return &HashJoinBuilder{
		_ht:          NewJoinHashTable(keys, buildTypes),
		_partitioner: NewHashPartitioner(keys, partitionCount),
		_spiller:     spiller,
		_channel:     channel,
		_strategy:    spill.NO_SPILL,
		_probeReady:  make(chan struct{}),
	}
}

func (b *HashJoinBuilder) HashTable() *JoinHashTable {
	return b._ht
}

func (b *HashJoinBuilder) Partitioner() *HashPartitioner {
	return b._partitioner
}

func (b *HashJoinBuilder) Spiller() *spill.Spiller {
	return b._spiller
}

func (b *HashJoinBuilder) Channel() *spill.SpillTaskChannel {
	return b._channel
}

func (b *HashJoinBuilder) SpillStrategy() spill.SpillStrategy {
	return b._strategy
}

func (b *HashJoinBuilder) SetSpillStrategy(st spill.SpillStrategy) {
	b._strategy = st
}

func (b *HashJoinBuilder) AddBuildRows(n int) {
	b._buildRows.Add(int64(n))
}

// BuildRows counts every row pushed into the lane, resident or spilled.
func (b *HashJoinBuilder) BuildRows() int64 {
	return b._buildRows.Load()
}

func (b *HashJoinBuilder) Phase() HashJoinPhase {
	return HashJoinPhase(b._phase.Load())
}

// EnterProbePhase publishes the build result. Later calls do nothing.
func (b *HashJoinBuilder) EnterProbePhase() {
	b._probeOnce.Do(func() {
		b._phase.Store(int32(HJP_PROBE))
		close(b._probeReady)
	})
}

func (b *HashJoinBuilder) ProbeReady() <-chan struct{} {
	return b._probeReady
}

// SpilledReader reads the spilled partitions of the lane. nil when
// nothing spilled.
func (b *HashJoinBuilder) SpilledReader() *spill.PartitionReader {
	if b._spiller == nil || !b._spiller.Spilled() {
		return nil
	}
	b._readerOnce.Do(func() {
		b._reader = spill.NewPartitionReader(b._spiller)
	})
	return b._reader
}
