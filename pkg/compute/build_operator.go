// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/util"
)

type BuildOperatorState int32

const (
	BOS_ACCUMULATING BuildOperatorState = iota
	BOS_SPILLING
	BOS_DRAINING
	BOS_FINISHED
)

func (st BuildOperatorState) String() string {
	switch st {
	case BOS_ACCUMULATING:
		return "accumulating"
	case BOS_SPILLING:
		return "spilling"
	case BOS_DRAINING:
		return "draining"
	case BOS_FINISHED:
		return "finished"
	default:
		return fmt.Sprintf("BuildOperatorState(%d)", int32(st))
	}
}

// BuildOperator consumes the build side of a hash join on one lane.
// All methods but Done, IsFinished, Err and RevocableMemBytes are called
// from the lane's compute goroutine and never block on I/O.
type BuildOperator interface {
	Prepare(ctx context.Context) error
	PushChunk(ctx context.Context, data *chunk.Chunk) error
	NeedInput() bool
	MarkNeedSpill()
	SetFinishing(ctx context.Context) error
	IsFinished() bool
	// Done is closed once the operator is finished.
	Done() <-chan struct{}
	Err() error
	RevocableMemBytes() int64
	State() BuildOperatorState
	Builder() *HashJoinBuilder
	Close() error
}

// HashJoinBuildOperator builds the hash table in memory only.
type HashJoinBuildOperator struct {
	_name       string
	_planNodeId int
	_seq        int

	_builder *HashJoinBuilder
	_rs      *RuntimeState
	_merger  *PartialRuntimeFilterMerger

	_state     atomic.Int32
	_finishing atomic.Bool
	_done      chan struct{}
	_doneOnce  sync.Once

	_errMu sync.Mutex
	_err   error

	// last value this lane added to the revocable bytes gauge
	_reportedMem atomic.Int64
}

var _ BuildOperator = &HashJoinBuildOperator{}

func NewHashJoinBuildOperator(
	name string,
	planNodeId, seq int,
	builder *HashJoinBuilder,
	rs *RuntimeState,
	merger *PartialRuntimeFilterMerger) *HashJoinBuildOperator {
	op := &HashJoinBuildOperator{
		_name:       name,
		_planNodeId: planNodeId,
		_seq:        seq,
		_builder:    builder,
		_rs:         rs,
		_merger:     merger,
		_done:       make(chan struct{}),
	}
	op._state.Store(int32(BOS_ACCUMULATING))
	return op
}

func (op *HashJoinBuildOperator) Prepare(ctx context.Context) error {
	return nil
}

func (op *HashJoinBuildOperator) PushChunk(ctx context.Context, data *chunk.Chunk) error {
	if data.IsEmpty() {
		return nil
	}
	if err := op.Err(); err != nil {
		return err
	}
	if op.IsFinished() || op._finishing.Load() {
		return fmt.Errorf("%s: push chunk after finishing", op)
	}
	if err := op._builder.HashTable().Build(data); err != nil {
		op.setErr(err)
		return err
	}
	op._builder.AddBuildRows(data.Card())
	op.reportRevocable(op.RevocableMemBytes())
	return nil
}

func (op *HashJoinBuildOperator) NeedInput() bool {
	return !op.IsFinished() && !op._finishing.Load()
}

// MarkNeedSpill does nothing. The table can not be spilled.
func (op *HashJoinBuildOperator) MarkNeedSpill() {
}

func (op *HashJoinBuildOperator) SetFinishing(ctx context.Context) error {
	if !op._finishing.CompareAndSwap(false, true) {
		return nil
	}
	return op.finishInMemory()
}

// finishInMemory finalizes the table, contributes real runtime filters
// and hands the table to the probe side.
func (op *HashJoinBuildOperator) finishInMemory() error {
	defer op.markFinished()
	ht := op._builder.HashTable()
	if err := ht.Finalize(); err != nil {
		op.setErr(err)
		op.contributeAlwaysTrue()
		return err
	}
	if op._merger != nil {
		filters := BuildRuntimeFilters(op._planNodeId, ht,
			op._rs.RuntimeFilterMaxBits, op._rs.RuntimeInFilterMaxRow)
		last, err := op._merger.AddPartialFilters(op._seq, filters)
		if err != nil {
			op.setErr(err)
			return err
		}
		if last {
			op._merger.Publish(op._rs.FilterPort, op._rs.FilterHub)
		}
	}
	util.Debug("hash join build finished in memory",
		zap.String("operator", op._name),
		zap.Int("planNodeId", op._planNodeId),
		zap.Int("seq", op._seq),
		zap.Int("rows", ht.RowCount()))
	return nil
}

// contributeAlwaysTrue gives up the runtime filter of this lane.
func (op *HashJoinBuildOperator) contributeAlwaysTrue() {
	if op._merger == nil {
		return
	}
	last, err := op._merger.SetAlwaysTrue(op._seq)
	if err != nil {
		op.setErr(err)
		return
	}
	if last {
		op._merger.Publish(op._rs.FilterPort, op._rs.FilterHub)
	}
}

func (op *HashJoinBuildOperator) markFinished() {
	op._doneOnce.Do(func() {
		op.reportRevocable(0)
		op._builder.EnterProbePhase()
		op._state.Store(int32(BOS_FINISHED))
		close(op._done)
	})
}

func (op *HashJoinBuildOperator) IsFinished() bool {
	return op.State() == BOS_FINISHED
}

func (op *HashJoinBuildOperator) Done() <-chan struct{} {
	return op._done
}

func (op *HashJoinBuildOperator) State() BuildOperatorState {
	return BuildOperatorState(op._state.Load())
}

func (op *HashJoinBuildOperator) setState(st BuildOperatorState) {
	op._state.Store(int32(st))
}

func (op *HashJoinBuildOperator) Err() error {
	op._errMu.Lock()
	defer op._errMu.Unlock()
	return op._err
}

func (op *HashJoinBuildOperator) setErr(err error) {
	if err == nil {
		return
	}
	op._errMu.Lock()
	defer op._errMu.Unlock()
	if op._err == nil {
		op._err = err
	}
}

// RevocableMemBytes is the resident table plus the rows buffered in
// the spiller.
func (op *HashJoinBuildOperator) RevocableMemBytes() int64 {
	ret := op._builder.HashTable().MemUsage()
	if spiller := op._builder.Spiller(); spiller != nil {
		ret += spiller.BufferedBytes()
	}
	return ret
}

// reportRevocable moves the plan node gauge by the change of this lane.
func (op *HashJoinBuildOperator) reportRevocable(bytes int64) {
	old := op._reportedMem.Swap(bytes)
	op._builder.Spiller().Metrics().AddRevocable(bytes - old)
}

func (op *HashJoinBuildOperator) Builder() *HashJoinBuilder {
	return op._builder
}

func (op *HashJoinBuildOperator) Close() error {
	return nil
}

func (op *HashJoinBuildOperator) String() string {
	return fmt.Sprintf("%s(plan=%d,seq=%d)", op._name, op._planNodeId, op._seq)
}
