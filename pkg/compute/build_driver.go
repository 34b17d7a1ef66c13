package compute

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/spill"
	"github.com/daviszhen/spilljoin/pkg/util"
)

// ChunkSource yields build chunks until spill.ErrEndOfStream.
type ChunkSource interface {
	Next(ctx context.Context) (*chunk.Chunk, error)
}

type sliceSource struct {
	_chunks []*chunk.Chunk
}

func NewSliceSource(chunks ...*chunk.Chunk) ChunkSource {
	return &sliceSource{_chunks: chunks}
}

func (src *sliceSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if len(src._chunks) == 0 {
		return nil, spill.ErrEndOfStream
	}
	var ret *chunk.Chunk
	ret, src._chunks = util.PopFront(src._chunks)
	return ret, nil
}

const defaultYield = time.Millisecond

// BuildDriver runs one build lane: it feeds the operator while it wants
// input, asks it to spill above the memory limit and waits for it to
// finish.
type BuildDriver struct {
	_op     BuildOperator
	_source ChunkSource
	_rs     *RuntimeState
	// 0 never asks to spill
	_memLimit int64
	_minSpill int64
	_yield    time.Duration

	_pushed  int
	_yielded int
}

func NewBuildDriver(op BuildOperator, source ChunkSource, rs *RuntimeState, memLimit, minSpill int64) *BuildDriver {
	return &BuildDriver{
		_op:       op,
		_source:   source,
		_rs:       rs,
		_memLimit: memLimit,
		_minSpill: minSpill,
		_yield:    defaultYield,
	}
}

// Run drives the operator to the finished state. A cancelled ctx cancels
// the run but the operator is still finished before Run returns.
func (d *BuildDriver) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.ConvertPanicError(r)
		}
	}()
	if err = d._op.Prepare(ctx); err != nil {
		return err
	}

	var pending *chunk.Chunk
	for {
		if ctx.Err() != nil {
			d._rs.Cancel()
			break
		}
		if pending == nil {
			pending, err = d._source.Next(ctx)
			if spill.IsEndOfStream(err) {
				break
			}
			if err != nil {
				return err
			}
		}
		if !d._op.NeedInput() {
			if opErr := d._op.Err(); opErr != nil {
				return opErr
			}
			d._yielded++
			d.yield(ctx)
			continue
		}
		if err = d._op.PushChunk(ctx, pending); err != nil {
			return err
		}
		d._pushed++
		pending = nil
		d.checkMemory()
	}

	if err = d._op.SetFinishing(ctx); err != nil {
		return err
	}
	<-d._op.Done()
	if err = d._op.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("build cancelled: %w", ctx.Err())
	}
	return nil
}

func (d *BuildDriver) checkMemory() {
	if d._memLimit <= 0 {
		return
	}
	bytes := d._op.RevocableMemBytes()
	if bytes > d._memLimit && bytes >= d._minSpill {
		util.Debug("memory limit exceeded, ask to spill",
			zap.Int64("revocable", bytes),
			zap.Int64("limit", d._memLimit))
		d._op.MarkNeedSpill()
	}
}

func (d *BuildDriver) yield(ctx context.Context) {
	timer := time.NewTimer(d._yield)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Pushed is the number of chunks handed to the operator.
func (d *BuildDriver) Pushed() int {
	return d._pushed
}

// Yielded counts the rounds the operator refused input.
func (d *BuildDriver) Yielded() int {
	return d._yielded
}
