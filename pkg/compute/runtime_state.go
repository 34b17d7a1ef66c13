package compute

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/spill"
	"github.com/daviszhen/spilljoin/pkg/util"
)

type SpillMode int

const (
	SPILL_MODE_NONE SpillMode = iota
	SPILL_MODE_AUTO
	// start every build lane in spill
	SPILL_MODE_FORCE
)

func (mode SpillMode) String() string {
	switch mode {
	case SPILL_MODE_NONE:
		return "none"
	case SPILL_MODE_AUTO:
		return "auto"
	case SPILL_MODE_FORCE:
		return "force"
	default:
		return fmt.Sprintf("SpillMode(%d)", int(mode))
	}
}

func ParseSpillMode(s string) (SpillMode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return SPILL_MODE_NONE, nil
	case "auto":
		return SPILL_MODE_AUTO, nil
	case "force":
		return SPILL_MODE_FORCE, nil
	default:
		return SPILL_MODE_NONE, fmt.Errorf("unknown spill mode %q", s)
	}
}

// SpillManager is the spill storage of one query.
type SpillManager struct {
	BlockMgr spill.BlockManager
	Executor spill.IOExecutor
	Registry prometheus.Registerer
}

type QueryContext struct {
	QueryId uuid.UUID
	Spill   *SpillManager
}

// NewQueryContext creates the spill storage configured by opts. A nil
// registry disables metrics.
func NewQueryContext(opts *util.SpillOptions, reg prometheus.Registerer) (*QueryContext, error) {
	qc := &QueryContext{
		QueryId: uuid.New(),
	}
	var mgr spill.BlockManager
	switch strings.ToLower(opts.Storage) {
	case "memory":
		mgr = spill.NewMemoryBlockManager()
	case "file", "":
		fmgr, err := spill.NewFileBlockManager(opts.Dir, qc.QueryId, "hash-join-build")
		if err != nil {
			return nil, err
		}
		mgr = fmgr
	default:
		return nil, fmt.Errorf("unknown spill storage %q", opts.Storage)
	}
	qc.Spill = &SpillManager{
		BlockMgr: mgr,
		Executor: spill.NewPoolExecutor(opts.IOThreads),
		Registry: reg,
	}
	return qc, nil
}

// Close waits for the spill jobs and drops the spill storage.
func (qc *QueryContext) Close() error {
	if qc.Spill == nil {
		return nil
	}
	var result error
	if pool, ok := qc.Spill.Executor.(*spill.PoolExecutor); ok {
		pool.Wait()
	}
	if qc.Spill.BlockMgr != nil {
		if err := qc.Spill.BlockMgr.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// RuntimeState carries the knobs and handles of one query fragment.
type RuntimeState struct {
	ChunkSize         int
	SpillMode         SpillMode
	EnableAdaptiveDop bool
	SharedChannel     bool

	SpillInitPartition    int
	SpillMemTableSize     int64
	SpillMemTableNum      int
	SpillOperatorMinBytes int64
	SpillOperatorMaxBytes int64
	SpillCodec            spill.CodecType
	QueryMemLimit         int64

	RuntimeFilterMaxBits  uint64
	RuntimeInFilterMaxRow int

	Query      *QueryContext
	FilterPort *RuntimeFilterPort
	FilterHub  *RuntimeFilterHub

	_cancelled atomic.Bool
}

func NewRuntimeState(opts *util.SpillOptions, query *QueryContext) (*RuntimeState, error) {
	var err error
	rs := &RuntimeState{
		ChunkSize:             util.DefaultVectorSize,
		EnableAdaptiveDop:     opts.EnableAdaptiveDop,
		SharedChannel:         opts.SharedChannel,
		SpillInitPartition:    opts.InitPartition,
		SpillMemTableNum:      opts.MemTableNum,
		RuntimeFilterMaxBits:  uint64(opts.RuntimeFilterMaxBits),
		RuntimeInFilterMaxRow: opts.RuntimeInFilterMaxRow,
		Query:                 query,
		FilterPort:            NewRuntimeFilterPort(),
		FilterHub:             NewRuntimeFilterHub(),
	}
	if rs.SpillMode, err = ParseSpillMode(opts.Mode); err != nil {
		return nil, err
	}
	if rs.SpillCodec, err = spill.ParseCodec(opts.Codec); err != nil {
		return nil, err
	}
	if rs.SpillMemTableSize, err = util.ParseSize("spill.memTableSize", opts.MemTableSize); err != nil {
		return nil, err
	}
	if rs.SpillOperatorMinBytes, err = util.ParseSize("spill.operatorMinBytes", opts.OperatorMinBytes); err != nil {
		return nil, err
	}
	if rs.SpillOperatorMaxBytes, err = util.ParseSize("spill.operatorMaxBytes", opts.OperatorMaxBytes); err != nil {
		return nil, err
	}
	if rs.QueryMemLimit, err = util.ParseSize("spill.queryMemLimit", opts.QueryMemLimit); err != nil {
		return nil, err
	}
	if rs.SpillInitPartition <= 0 {
		rs.SpillInitPartition = spill.DefaultInitPartition
	}
	if rs.SpillMemTableSize <= 0 {
		rs.SpillMemTableSize = spill.DefaultSpillFileSize
	}
	if rs.RuntimeFilterMaxBits == 0 {
		rs.RuntimeFilterMaxBits = DefaultBloomFilterBits
	}
	if rs.RuntimeInFilterMaxRow <= 0 {
		rs.RuntimeInFilterMaxRow = DefaultInFilterMaxRows
	}
	return rs, nil
}

// Cancel marks the run cancelled. Operators still finish.
func (rs *RuntimeState) Cancel() {
	if rs._cancelled.CompareAndSwap(false, true) {
		util.Warn("query cancelled", zap.Stringer("queryId", rs.queryId()))
	}
}

func (rs *RuntimeState) IsCancelled() bool {
	return rs._cancelled.Load()
}

func (rs *RuntimeState) queryId() uuid.UUID {
	if rs.Query == nil {
		return uuid.Nil
	}
	return rs.Query.QueryId
}

func (rs *RuntimeState) chunkSize() int {
	if rs.ChunkSize <= 0 {
		return util.DefaultVectorSize
	}
	return rs.ChunkSize
}
