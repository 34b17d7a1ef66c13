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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/spill"
	"github.com/daviszhen/spilljoin/pkg/util"
)

// SpillableHashJoinBuildOperator builds in memory until it is asked to
// spill. From then on the resident rows are converted on the I/O
// executor and every new row goes to the spiller.
//
//	ACCUMULATING -> SPILLING -> DRAINING -> FINISHED
//	ACCUMULATING ----------------------->  FINISHED (nothing spilled)
type SpillableHashJoinBuildOperator struct {
	*HashJoinBuildOperator

	_executor  spill.IOExecutor
	_converter *HashTableConverter
}

var _ BuildOperator = &SpillableHashJoinBuildOperator{}

func NewSpillableHashJoinBuildOperator(
	name string,
	planNodeId, seq int,
	builder *HashJoinBuilder,
	rs *RuntimeState,
	merger *PartialRuntimeFilterMerger,
	executor spill.IOExecutor) *SpillableHashJoinBuildOperator {
	util.AssertFunc(builder.Spiller() != nil && builder.Channel() != nil)
	return &SpillableHashJoinBuildOperator{
		HashJoinBuildOperator: NewHashJoinBuildOperator(name, planNodeId, seq, builder, rs, merger),
		_executor:             executor,
	}
}

func (op *SpillableHashJoinBuildOperator) Prepare(ctx context.Context) error {
	if op._rs.SpillMode == SPILL_MODE_FORCE {
		op._builder.SetSpillStrategy(spill.SPILL_ALL)
		op.setState(BOS_SPILLING)
	}
	return nil
}

func (op *SpillableHashJoinBuildOperator) PushChunk(ctx context.Context, data *chunk.Chunk) error {
	if data.IsEmpty() {
		return nil
	}
	if op._builder.SpillStrategy() == spill.NO_SPILL {
		return op.HashJoinBuildOperator.PushChunk(ctx, data)
	}
	if err := op.Err(); err != nil {
		return err
	}
	if op.IsFinished() || op._finishing.Load() {
		return fmt.Errorf("%s: push chunk after finishing", op)
	}
	if err := op.spillChunk(data); err != nil {
		op.setErr(err)
		return err
	}
	return nil
}

func (op *SpillableHashJoinBuildOperator) spillChunk(data *chunk.Chunk) error {
	// the input is shared, hash into a view
	indice := make([]int, data.ColumnCount())
	for i := range indice {
		indice[i] = i
	}
	view := data.Project(indice)
	if err := op._builder.Partitioner().AppendHashColumn(view); err != nil {
		return err
	}
	spiller := op._builder.Spiller()
	if err := spiller.AppendChunk(view); err != nil {
		return err
	}
	op._builder.AddBuildRows(data.Card())
	op.reportRevocable(op.RevocableMemBytes())
	if spiller.PendingUnits() > 0 {
		return op._builder.Channel().AddSpillTask(spill.FlushTask(spiller))
	}
	return nil
}

// NeedInput is false while the spiller is full or the channel has work.
func (op *SpillableHashJoinBuildOperator) NeedInput() bool {
	if op.IsFinished() || op._finishing.Load() {
		return false
	}
	spiller := op._builder.Spiller()
	return !(spiller.IsFull() || op._builder.Channel().HasTask())
}

// MarkNeedSpill switches the lane to spill. Resident rows are handed to
// the converter once.
func (op *SpillableHashJoinBuildOperator) MarkNeedSpill() {
	if op.IsFinished() || op._finishing.Load() {
		return
	}
	if op._builder.SpillStrategy() == spill.SPILL_ALL {
		return
	}
	op._builder.SetSpillStrategy(spill.SPILL_ALL)
	op.setState(BOS_SPILLING)

	ht := op._builder.HashTable()
	util.Info("hash join build starts spilling",
		zap.String("operator", op._name),
		zap.Int("planNodeId", op._planNodeId),
		zap.Int("seq", op._seq),
		zap.Int("residentRows", ht.RowCount()),
		zap.Int64("residentBytes", ht.MemUsage()))
	if ht.RowCount() == 0 {
		return
	}
	op._builder.Spiller().MarkSpilled()
	op._converter = NewHashTableConverter(op._builder, op._rs.chunkSize())
	if err := op._builder.Channel().AddSpillTask(op._converter.Task()); err != nil {
		op.setErr(err)
	}
}

func (op *SpillableHashJoinBuildOperator) SetFinishing(ctx context.Context) error {
	if !op._finishing.CompareAndSwap(false, true) {
		return nil
	}
	spiller := op._builder.Spiller()
	channel := op._builder.Channel()
	if !spiller.Spilled() {
		channel.SetFinishing()
		return op.finishInMemory()
	}

	op.setState(BOS_DRAINING)
	if op._rs.IsCancelled() {
		spiller.Cancel()
	}

	setCallBack := func() error {
		channel.SetFinishing()
		err := spiller.SetFlushAllCallBack(context.WithoutCancel(ctx), op.onFlushed, op._executor)
		if err != nil {
			op.setErr(err)
			op.markFinished()
		}
		return err
	}
	if channel.IsWorking() {
		// after every write queued so far
		err := channel.AddSpillTask(spill.SpillTask{
			Name: "set-flush-all-callback",
			Produce: func(context.Context) (*chunk.Chunk, error) {
				if err := setCallBack(); err != nil {
					return nil, err
				}
				return nil, spill.ErrEndOfStream
			},
		})
		if err != nil {
			op.setErr(err)
			op.markFinished()
			return err
		}
	} else if err := setCallBack(); err != nil {
		return err
	}

	op.publishRuntimeFilters()
	return nil
}

// publishRuntimeFilters gives up the filter of a spilled lane. Building
// it would need the spilled rows.
func (op *SpillableHashJoinBuildOperator) publishRuntimeFilters() {
	op.contributeAlwaysTrue()
}

// onFlushed runs on the I/O executor after the last spill write.
func (op *SpillableHashJoinBuildOperator) onFlushed() error {
	spiller := op._builder.Spiller()
	err := errors.Join(spiller.Err(), op._builder.Channel().Err())
	if err != nil {
		op.setErr(err)
	}
	util.Info("hash join build spill finished",
		zap.String("operator", op._name),
		zap.Int("planNodeId", op._planNodeId),
		zap.Int("seq", op._seq),
		zap.Int64("buildRows", op._builder.BuildRows()),
		zap.Int64("spilledRows", spiller.SpilledRows()),
		zap.Int64("spilledBytes", spiller.SpilledBytes()),
		zap.Bool("cancelled", spiller.IsCancelled()),
		zap.Error(err))
	op.markFinished()
	return nil
}

func (op *SpillableHashJoinBuildOperator) Err() error {
	if err := op.HashJoinBuildOperator.Err(); err != nil {
		return err
	}
	return op._builder.Spiller().Err()
}

func (op *SpillableHashJoinBuildOperator) Close() error {
	return op._builder.Spiller().Close()
}
