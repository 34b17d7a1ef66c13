package compute

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/spill"
	"github.com/daviszhen/spilljoin/pkg/util"
)

const testPlanNodeId = 1

var buildTypes = []common.LType{common.BigintType(), common.VarcharType()}

func buildKeys() []*Expr {
	return []*Expr{ColumnRef(0, common.BigintType(), "k")}
}

func loadTestConfig() *util.Config {
	var conf = &util.Config{}
	_, err := toml.DecodeFile("../../etc/ut_config.toml", conf)
	if err != nil {
		panic(err)
	}
	return conf
}

// manualExecutor queues jobs until runAll.
type manualExecutor struct {
	_mu   sync.Mutex
	_jobs []func()
	_cnt  int
}

func (e *manualExecutor) Submit(job func()) {
	e._mu.Lock()
	defer e._mu.Unlock()
	e._jobs = append(e._jobs, job)
	e._cnt++
}

func (e *manualExecutor) submitted() int {
	e._mu.Lock()
	defer e._mu.Unlock()
	return e._cnt
}

func (e *manualExecutor) runAll() {
	for {
		e._mu.Lock()
		if len(e._jobs) == 0 {
			e._mu.Unlock()
			return
		}
		var job func()
		job, e._jobs = util.PopFront(e._jobs)
		e._mu.Unlock()
		job()
	}
}

func newTestState(t *testing.T, mode SpillMode, exec spill.IOExecutor) *RuntimeState {
	conf := loadTestConfig()
	qc := &QueryContext{
		QueryId: uuid.New(),
		Spill: &SpillManager{
			BlockMgr: spill.NewMemoryBlockManager(),
			Executor: exec,
		},
	}
	rs, err := NewRuntimeState(&conf.Spill, qc)
	require.NoError(t, err)
	rs.SpillMode = mode
	rs.ChunkSize = conf.Bench.ChunkSize
	return rs
}

func prepareFactory(t *testing.T, rs *RuntimeState, dop int, broadcast bool) *SpillableHashJoinBuildOperatorFactory {
	f := NewSpillableHashJoinBuildOperatorFactory(testPlanNodeId, dop, broadcast, buildKeys(), buildTypes)
	require.NoError(t, f.Prepare(context.Background(), rs))
	return f
}

func makeBuildChunk(from, n int) *chunk.Chunk {
	c := chunk.NewChunk(buildTypes, n)
	for i := 0; i < n; i++ {
		k := int64(from + i)
		c.Data[0].SetValue(i, chunk.BigintValue(k))
		c.Data[1].SetValue(i, chunk.VarcharValue(fmt.Sprintf("v%d", k)))
	}
	c.SetCard(n)
	return c
}

func pushChunks(t *testing.T, op BuildOperator, from, count, rows int) {
	for i := 0; i < count; i++ {
		require.NoError(t, op.PushChunk(context.Background(), makeBuildChunk(from+i*rows, rows)))
	}
}

// collectKeys counts every key resident in the table or spilled.
func collectKeys(t *testing.T, op BuildOperator, seen map[int64]int) {
	ht := op.Builder().HashTable()
	for i := 0; i < ht.RowCount(); i++ {
		seen[ht.BuildChunk().Data[HASH_JOIN_KEY_COLUMN_OFFSET].GetValue(i).I64]++
	}
	reader := op.Builder().SpilledReader()
	if reader == nil {
		return
	}
	for p := 0; p < reader.PartitionCount(); p++ {
		chunks, err := reader.Read(context.Background(), p)
		require.NoError(t, err)
		for _, c := range chunks {
			for i := 0; i < c.Card(); i++ {
				seen[c.Data[0].GetValue(i).I64]++
			}
		}
	}
}

func assertDone(t *testing.T, op BuildOperator) {
	select {
	case <-op.Done():
	default:
		t.Fatalf("operator is %s, expect finished", op.State())
	}
	assert.True(t, op.IsFinished())
	select {
	case <-op.Builder().ProbeReady():
	default:
		t.Fatal("probe side is not ready")
	}
	assert.Equal(t, HJP_PROBE, op.Builder().Phase())
}

func TestBuildWithoutSpill(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	for i := 0; i < 5; i++ {
		require.True(t, op.NeedInput())
		require.NoError(t, op.PushChunk(ctx, makeBuildChunk(i*200, 200)))
	}
	require.NoError(t, op.PushChunk(ctx, nil))
	assert.Equal(t, BOS_ACCUMULATING, op.State())
	assert.Greater(t, op.RevocableMemBytes(), int64(0))

	require.NoError(t, op.SetFinishing(ctx))
	assertDone(t, op)
	assert.NoError(t, op.Err())
	assert.Equal(t, 0, exec.submitted())

	ht := op.Builder().HashTable()
	assert.Equal(t, 1000, ht.RowCount())
	assert.Equal(t, int64(1000), op.Builder().BuildRows())
	assert.False(t, op.Builder().Spiller().Spilled())
	assert.Nil(t, op.Builder().SpilledReader())

	filters, ok := rs.FilterPort.Published(testPlanNodeId)
	require.True(t, ok)
	require.Len(t, filters, 1)
	assert.True(t, filters[0].Contains(chunk.BigintValue(999)))
	assert.False(t, filters[0].Contains(chunk.NullValue(common.BigintType())))
	collector, ok := rs.FilterHub.GetCollector(testPlanNodeId)
	require.True(t, ok)
	assert.False(t, collector.AlwaysTrue)

	probe := chunk.NewChunk([]common.LType{common.BigintType()}, 2)
	probe.Data[0].SetValue(0, chunk.BigintValue(10))
	probe.Data[0].SetValue(1, chunk.BigintValue(5000))
	probe.SetCard(2)
	matches, err := ht.Probe(probe)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].First)

	assert.Error(t, op.PushChunk(ctx, makeBuildChunk(0, 1)))
	require.NoError(t, op.SetFinishing(ctx))
	require.NoError(t, op.Close())
}

func TestLateSpill(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	pushChunks(t, op, 0, 3, 200)
	require.Equal(t, 600, op.Builder().HashTable().RowCount())

	op.MarkNeedSpill()
	assert.Equal(t, BOS_SPILLING, op.State())
	assert.Equal(t, spill.SPILL_ALL, op.Builder().SpillStrategy())
	assert.Equal(t, 1, exec.submitted())
	assert.False(t, op.NeedInput())

	op.MarkNeedSpill()
	op.MarkNeedSpill()
	assert.Equal(t, 1, exec.submitted())

	pushChunks(t, op, 600, 2, 200)
	require.NoError(t, op.SetFinishing(ctx))
	assert.Equal(t, BOS_DRAINING, op.State())
	assert.False(t, op.IsFinished())
	assert.False(t, op.NeedInput())

	exec.runAll()
	assertDone(t, op)
	require.NoError(t, op.Err())

	ht := op.Builder().HashTable()
	assert.Equal(t, 0, ht.RowCount())
	assert.Equal(t, int64(0), ht.MemUsage())
	spiller := op.Builder().Spiller()
	assert.Equal(t, int64(1000), spiller.SpilledRows())
	assert.Equal(t, int64(1000), op.Builder().BuildRows())
	assert.ErrorIs(t,
		spiller.SetFlushAllCallBack(ctx, func() error { return nil }, exec),
		spill.ErrFlushRequested)

	seen := make(map[int64]int)
	collectKeys(t, op, seen)
	assert.Len(t, seen, 1000)
	for k, cnt := range seen {
		assert.Equal(t, 1, cnt, "key %d", k)
	}

	filters, ok := rs.FilterPort.Published(testPlanNodeId)
	require.True(t, ok)
	assert.Empty(t, filters)
	collector, ok := rs.FilterHub.GetCollector(testPlanNodeId)
	require.True(t, ok)
	assert.True(t, collector.AlwaysTrue)
	assert.Empty(t, collector.Filters)

	require.NoError(t, op.SetFinishing(ctx))
	require.NoError(t, f.Close())
}

func TestCancelWhileSpilling(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	pushChunks(t, op, 0, 3, 200)
	op.MarkNeedSpill()
	pushChunks(t, op, 600, 2, 200)

	rs.Cancel()
	require.NoError(t, op.SetFinishing(ctx))
	exec.runAll()

	assertDone(t, op)
	assert.NoError(t, op.Err())
	assert.True(t, op.Builder().Spiller().IsCancelled())
	assert.Equal(t, 0, op.Builder().HashTable().RowCount())
	assert.Less(t, op.Builder().Spiller().SpilledRows(), int64(1000))
	require.NoError(t, f.Close())
}

func TestSpillBackpressure(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_FORCE, exec)
	rs.SpillMemTableSize = 1
	rs.SpillMemTableNum = 2
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))
	assert.Equal(t, BOS_SPILLING, op.State())

	accepted := 0
	for i := 0; i < 10 && op.NeedInput(); i++ {
		require.NoError(t, op.PushChunk(ctx, makeBuildChunk(i*100, 100)))
		accepted++
	}
	assert.LessOrEqual(t, accepted, 2)
	assert.False(t, op.NeedInput())
	assert.True(t, op.Builder().Spiller().IsFull() || op.Builder().Channel().HasTask())

	exec.runAll()
	assert.True(t, op.NeedInput())
	assert.Equal(t, int64(0), op.Builder().Spiller().BufferedBytes())

	require.NoError(t, op.SetFinishing(ctx))
	exec.runAll()
	assertDone(t, op)
	assert.Equal(t, int64(accepted*100), op.Builder().Spiller().SpilledRows())
}

func TestSpillByteCeiling(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_FORCE, exec)
	rs.SpillMemTableSize = 1 << 20
	rs.SpillOperatorMaxBytes = 64
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	require.NoError(t, op.PushChunk(ctx, makeBuildChunk(0, 100)))
	assert.False(t, op.NeedInput())
	assert.Greater(t, exec.submitted(), 0)

	exec.runAll()
	assert.True(t, op.NeedInput())
	assert.Equal(t, int64(0), op.Builder().Spiller().BufferedBytes())

	require.NoError(t, op.PushChunk(ctx, makeBuildChunk(100, 100)))
	exec.runAll()
	require.NoError(t, op.SetFinishing(ctx))
	exec.runAll()
	assertDone(t, op)
	assert.NoError(t, op.Err())
	assert.Equal(t, int64(200), op.Builder().Spiller().SpilledRows())
}

func TestCancelPrepareContextWhileSpilling(t *testing.T) {
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewSpillableHashJoinBuildOperatorFactory(testPlanNodeId, 1, false, buildKeys(), buildTypes)
	require.NoError(t, f.Prepare(ctx, rs))
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	pushChunks(t, op, 0, 3, 200)
	op.MarkNeedSpill()
	pushChunks(t, op, 600, 2, 200)

	cancel()
	rs.Cancel()
	require.NoError(t, op.SetFinishing(context.Background()))
	exec.runAll()

	assertDone(t, op)
	assert.NoError(t, op.Err())
	assert.True(t, op.Builder().Spiller().IsCancelled())
	assert.Equal(t, 0, op.Builder().HashTable().RowCount())
	require.NoError(t, f.Close())
}

func TestRevocableBytesGauge(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	rs.Query.Spill.Registry = prometheus.NewRegistry()
	f := prepareFactory(t, rs, 2, false)
	op0, err := f.Create(0)
	require.NoError(t, err)
	op1, err := f.Create(1)
	require.NoError(t, err)
	require.NoError(t, op0.Prepare(ctx))
	require.NoError(t, op1.Prepare(ctx))

	gauge := f.Metrics().RevocableBytes
	pushChunks(t, op0, 0, 2, 100)
	assert.Greater(t, testutil.ToFloat64(gauge), float64(0))
	assert.Equal(t, float64(op0.RevocableMemBytes()), testutil.ToFloat64(gauge))

	pushChunks(t, op1, 200, 1, 100)
	assert.Equal(t, float64(op0.RevocableMemBytes()+op1.RevocableMemBytes()), testutil.ToFloat64(gauge))

	require.NoError(t, op0.SetFinishing(ctx))
	require.NoError(t, op1.SetFinishing(ctx))
	exec.runAll()
	assertDone(t, op0)
	assertDone(t, op1)
	assert.Equal(t, float64(0), testutil.ToFloat64(gauge))
	require.NoError(t, f.Close())
}

func TestSpillOnEmptyTable(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	op.MarkNeedSpill()
	assert.Equal(t, 0, exec.submitted())
	require.NoError(t, op.SetFinishing(ctx))
	assertDone(t, op)
	assert.False(t, op.Builder().Spiller().Spilled())
	op.MarkNeedSpill()
	assert.Equal(t, BOS_FINISHED, op.State())
}

func TestKeyExpressionError(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []SpillMode{SPILL_MODE_AUTO, SPILL_MODE_FORCE} {
		t.Run(mode.String(), func(t *testing.T) {
			exec := &manualExecutor{}
			rs := newTestState(t, mode, exec)
			f := NewSpillableHashJoinBuildOperatorFactory(testPlanNodeId, 1, false,
				[]*Expr{ColumnRef(5, common.BigintType(), "missing")}, buildTypes)
			require.NoError(t, f.Prepare(ctx, rs))
			op, err := f.Create(0)
			require.NoError(t, err)
			require.NoError(t, op.Prepare(ctx))

			err = op.PushChunk(ctx, makeBuildChunk(0, 10))
			assert.ErrorContains(t, err, "out of range")
			assert.Equal(t, err, op.Err())
			assert.Error(t, op.PushChunk(ctx, makeBuildChunk(10, 10)))
		})
	}
}

func TestSpillWriteFailure(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_SPILL)
	defer util.Close(util.FAULTS_SCOPE_SPILL)
	util.Register(util.FAULTS_SCOPE_SPILL, spill.FaultBlockWrite, []string{"disk full"},
		func(args []string) error {
			return fmt.Errorf("inject: %s", args[0])
		})

	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx))

	pushChunks(t, op, 0, 2, 200)
	op.MarkNeedSpill()
	pushChunks(t, op, 400, 2, 200)
	require.NoError(t, op.SetFinishing(ctx))
	exec.runAll()

	assertDone(t, op)
	assert.ErrorContains(t, op.Err(), "disk full")
}

func TestNoSpillMode(t *testing.T) {
	ctx := context.Background()
	rs := newTestState(t, SPILL_MODE_NONE, &manualExecutor{})
	f := prepareFactory(t, rs, 2, false)
	assert.Nil(t, f.Options())

	var ops []BuildOperator
	for seq := 0; seq < 2; seq++ {
		op, err := f.Create(seq)
		require.NoError(t, err)
		_, ok := op.(*HashJoinBuildOperator)
		require.True(t, ok)
		assert.Nil(t, op.Builder().Spiller())
		ops = append(ops, op)
	}
	_, err := f.Create(2)
	assert.Error(t, err)

	for seq, op := range ops {
		d := NewBuildDriver(op, NewSliceSource(makeBuildChunk(seq*100, 100)), rs, 1, 0)
		require.NoError(t, d.Run(ctx))
		assert.Equal(t, 1, d.Pushed())
		assertDone(t, op)
		assert.Equal(t, BOS_FINISHED, op.State())
	}
	filters, ok := rs.FilterPort.Published(testPlanNodeId)
	require.True(t, ok)
	require.Len(t, filters, 1)
	assert.True(t, filters[0].Contains(chunk.BigintValue(5)))
	assert.True(t, filters[0].Contains(chunk.BigintValue(150)))
}

func TestFactoryReadShared(t *testing.T) {
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_AUTO, exec)
	assert.False(t, prepareFactory(t, rs, 2, false).Options().ReadShared)
	assert.True(t, prepareFactory(t, rs, 2, true).Options().ReadShared)
	rs.EnableAdaptiveDop = true
	opts := prepareFactory(t, rs, 2, false).Options()
	assert.True(t, opts.ReadShared)
	assert.Equal(t, 4, opts.InitPartitionNums)
	assert.Equal(t, int64(4<<10), opts.SpillFileSize)
	assert.Equal(t, HashJoinBuildName, opts.Name)

	_, err := NewSpillableHashJoinBuildOperatorFactory(testPlanNodeId, 1, false, buildKeys(), buildTypes).Create(0)
	assert.Error(t, err)
	assert.Error(t, NewSpillableHashJoinBuildOperatorFactory(testPlanNodeId, 0, false, buildKeys(), buildTypes).
		Prepare(context.Background(), rs))
}

func TestSharedSpillChannel(t *testing.T) {
	ctx := context.Background()
	exec := &manualExecutor{}
	rs := newTestState(t, SPILL_MODE_FORCE, exec)
	rs.SharedChannel = true
	f := prepareFactory(t, rs, 2, false)
	op0, err := f.Create(0)
	require.NoError(t, err)
	op1, err := f.Create(1)
	require.NoError(t, err)
	require.Same(t, op0.Builder().Channel(), op1.Builder().Channel())

	for _, op := range []BuildOperator{op0, op1} {
		require.NoError(t, op.Prepare(ctx))
	}
	pushChunks(t, op0, 0, 2, 200)
	pushChunks(t, op1, 400, 2, 200)
	require.NoError(t, op0.SetFinishing(ctx))
	require.NoError(t, op1.SetFinishing(ctx))
	exec.runAll()

	seen := make(map[int64]int)
	for _, op := range []BuildOperator{op0, op1} {
		assertDone(t, op)
		require.NoError(t, op.Err())
		collectKeys(t, op, seen)
	}
	assert.Len(t, seen, 800)
	assert.True(t, op0.Builder().Channel().IsFinished())
}

func TestBuildLanesConservation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	conf := loadTestConfig()
	reg := prometheus.NewRegistry()
	qc, err := NewQueryContext(&conf.Spill, reg)
	require.NoError(t, err)
	rs, err := NewRuntimeState(&conf.Spill, qc)
	require.NoError(t, err)
	rs.ChunkSize = conf.Bench.ChunkSize

	lanes := conf.Bench.Lanes
	rowsPerLane := conf.Bench.Rows / lanes
	f := prepareFactory(t, rs, lanes, false)

	g, gctx := errgroup.WithContext(context.Background())
	ops := make([]BuildOperator, lanes)
	for seq := 0; seq < lanes; seq++ {
		op, err := f.Create(seq)
		require.NoError(t, err)
		ops[seq] = op
		var chunks []*chunk.Chunk
		for from := 0; from < rowsPerLane; from += 100 {
			chunks = append(chunks, makeBuildChunk(seq*rowsPerLane+from, 100))
		}
		d := NewBuildDriver(op, NewSliceSource(chunks...), rs, rs.QueryMemLimit/int64(lanes), rs.SpillOperatorMinBytes)
		g.Go(func() error {
			return d.Run(gctx)
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]int)
	spilled := 0
	for _, op := range ops {
		assertDone(t, op)
		if op.Builder().Spiller().Spilled() {
			spilled++
		}
		collectKeys(t, op, seen)
	}
	assert.Greater(t, spilled, 0)
	assert.Len(t, seen, lanes*rowsPerLane)
	for k, cnt := range seen {
		assert.Equal(t, 1, cnt, "key %d", k)
	}
	assert.Greater(t, testutil.ToFloat64(f.Metrics().SpillRows), float64(0))

	collector, ok := rs.FilterHub.GetCollector(testPlanNodeId)
	require.True(t, ok)
	assert.True(t, collector.AlwaysTrue)

	require.NoError(t, f.Close())
	require.NoError(t, qc.Close())
}

type cancelSource struct {
	_next   int
	_after  int
	_cancel context.CancelFunc
}

func (src *cancelSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if src._next == src._after {
		src._cancel()
	}
	src._next++
	return makeBuildChunk(src._next*100, 100), nil
}

func TestBuildDriverCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	conf := loadTestConfig()
	qc, err := NewQueryContext(&conf.Spill, nil)
	require.NoError(t, err)
	rs, err := NewRuntimeState(&conf.Spill, qc)
	require.NoError(t, err)
	rs.ChunkSize = conf.Bench.ChunkSize
	f := prepareFactory(t, rs, 1, false)
	op, err := f.Create(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewBuildDriver(op, &cancelSource{_after: 20, _cancel: cancel}, rs, 4<<10, 0)
	err = d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, rs.IsCancelled())
	assertDone(t, op)
	assert.True(t, op.Builder().Spiller().IsCancelled())

	require.NoError(t, f.Close())
	require.NoError(t, qc.Close())
}
