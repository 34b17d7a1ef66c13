package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/spill"
	"github.com/daviszhen/spilljoin/pkg/util"
)

const HashJoinBuildName = "hash-join-build"

// SpillableHashJoinBuildOperatorFactory creates the build operators of
// one plan node, one per lane.
type SpillableHashJoinBuildOperatorFactory struct {
	_planNodeId int
	_dop        int
	_broadcast  bool
	_keys       []*Expr
	_buildTypes []common.LType

	_rs             *RuntimeState
	_opts           *spill.SpilledOptions
	_metrics        *spill.SpillProcessMetrics
	_channelFactory *spill.SpillTaskChannelFactory
	_merger         *PartialRuntimeFilterMerger

	_mu        sync.Mutex
	_operators []BuildOperator
}

func NewSpillableHashJoinBuildOperatorFactory(
	planNodeId, dop int,
	broadcast bool,
	keys []*Expr,
	buildTypes []common.LType) *SpillableHashJoinBuildOperatorFactory {
	return &SpillableHashJoinBuildOperatorFactory{
		_planNodeId: planNodeId,
		_dop:        dop,
		_broadcast:  broadcast,
		_keys:       copyExprs(keys...),
		_buildTypes: common.CopyLTypes(buildTypes...),
	}
}

// Prepare derives the spill options shared by every lane.
func (f *SpillableHashJoinBuildOperatorFactory) Prepare(ctx context.Context, rs *RuntimeState) error {
	if f._dop <= 0 {
		return fmt.Errorf("invalid dop %d", f._dop)
	}
	if len(f._keys) == 0 {
		return fmt.Errorf("hash join build of plan node %d has no keys", f._planNodeId)
	}
	f._rs = rs
	f._merger = NewPartialRuntimeFilterMerger(f._planNodeId, f._dop, rs.RuntimeInFilterMaxRow)
	if rs.SpillMode == SPILL_MODE_NONE {
		return nil
	}
	if rs.Query == nil || rs.Query.Spill == nil {
		return fmt.Errorf("spill is enabled but the query has no spill manager")
	}

	opts := spill.NewSpilledOptions(rs.SpillInitPartition)
	opts.Name = HashJoinBuildName
	opts.PlanNodeId = f._planNodeId
	opts.SpillFileSize = rs.SpillMemTableSize
	opts.MemTablePoolSize = rs.SpillMemTableNum
	opts.MinSpilledSize = rs.SpillOperatorMinBytes
	opts.MaxMemorySizeEachPartition = rs.SpillOperatorMaxBytes
	opts.ReadShared = f._broadcast || rs.EnableAdaptiveDop
	opts.Codec = rs.SpillCodec
	opts.BlockMgr = rs.Query.Spill.BlockMgr
	if err := opts.Validate(); err != nil {
		return err
	}
	f._opts = opts

	metrics, err := spill.NewSpillProcessMetrics(rs.Query.Spill.Registry, opts.Name, f._planNodeId)
	if err != nil {
		return err
	}
	f._metrics = metrics
	// query cancel goes through RuntimeState. The channels must still
	// drain so the spiller can discard and the table gets reset.
	f._channelFactory = spill.NewSpillTaskChannelFactory(
		context.WithoutCancel(ctx),
		rs.Query.Spill.Executor,
		metrics,
		rs.SharedChannel)
	util.Info("hash join build prepared",
		zap.Int("planNodeId", f._planNodeId),
		zap.Int("dop", f._dop),
		zap.Stringer("spillMode", rs.SpillMode),
		zap.Int("partitions", opts.InitPartitionNums),
		zap.Bool("readShared", opts.ReadShared))
	return nil
}

// Create builds the operator of lane seq.
func (f *SpillableHashJoinBuildOperatorFactory) Create(seq int) (BuildOperator, error) {
	if f._rs == nil {
		return nil, fmt.Errorf("factory of plan node %d is not prepared", f._planNodeId)
	}
	if seq < 0 || seq >= f._dop {
		return nil, fmt.Errorf("lane %d out of range [0,%d)", seq, f._dop)
	}
	var op BuildOperator
	if f._opts == nil {
		builder := NewHashJoinBuilder(f._keys, f._buildTypes, 1, nil, nil)
		op = NewHashJoinBuildOperator(HashJoinBuildName, f._planNodeId, seq, builder, f._rs, f._merger)
	} else {
		spiller, err := spill.NewSpiller(f._opts, f._metrics)
		if err != nil {
			return nil, err
		}
		channel := f._channelFactory.GetOrCreate(seq)
		builder := NewHashJoinBuilder(f._keys, f._buildTypes, f._opts.InitPartitionNums, spiller, channel)
		op = NewSpillableHashJoinBuildOperator(HashJoinBuildName, f._planNodeId, seq,
			builder, f._rs, f._merger, f._rs.Query.Spill.Executor)
	}
	f._mu.Lock()
	f._operators = append(f._operators, op)
	f._mu.Unlock()
	return op, nil
}

// Options is nil when spilling is disabled.
func (f *SpillableHashJoinBuildOperatorFactory) Options() *spill.SpilledOptions {
	return f._opts
}

func (f *SpillableHashJoinBuildOperatorFactory) Merger() *PartialRuntimeFilterMerger {
	return f._merger
}

func (f *SpillableHashJoinBuildOperatorFactory) Metrics() *spill.SpillProcessMetrics {
	return f._metrics
}

// ProbePartitioner partitions probe rows the way the build lanes did.
// probeKeys must have the build key types in build key order.
func (f *SpillableHashJoinBuildOperatorFactory) ProbePartitioner(probeKeys []*Expr) (*HashPartitioner, error) {
	if len(probeKeys) != len(f._keys) {
		return nil, fmt.Errorf("probe has %d keys, build has %d", len(probeKeys), len(f._keys))
	}
	for i, key := range probeKeys {
		if !key.DataTyp.Equal(f._keys[i].DataTyp) {
			return nil, fmt.Errorf("probe key %d has type %s, build key has %s",
				i, key.DataTyp, f._keys[i].DataTyp)
		}
	}
	count := 1
	if f._opts != nil {
		count = f._opts.InitPartitionNums
	}
	return NewHashPartitioner(probeKeys, count), nil
}

func (f *SpillableHashJoinBuildOperatorFactory) Operators() []BuildOperator {
	f._mu.Lock()
	defer f._mu.Unlock()
	return append([]BuildOperator(nil), f._operators...)
}

// Close closes every created operator.
func (f *SpillableHashJoinBuildOperatorFactory) Close() error {
	var result error
	for _, op := range f.Operators() {
		if err := op.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
