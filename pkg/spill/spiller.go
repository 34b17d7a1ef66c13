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

package spill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/util"
)

// SpilledPartition lists the blocks written for one partition.
type SpilledPartition struct {
	Id     int
	Blocks []*Block
	Rows   int64
	Bytes  int64
}

type writeUnit struct {
	partitionId int
	data        *chunk.Chunk
	bytes       int64
}

// Spiller partitions rows by the hash column (the last column of every
// appended chunk) and writes them as blocks.
//
// Appends come from the compute thread and from converter tasks running
// on the I/O executor. Writes happen on the I/O executor only.
type Spiller struct {
	_opts    *SpilledOptions
	_metrics *SpillProcessMetrics

	_mu        sync.Mutex
	_types     []common.LType
	_memTables []*chunk.Chunk
	_memBytes  []int64
	_pending   []*writeUnit
	// bytes appended but not yet written or discarded
	_bufferedBytes int64
	_partitions    []*SpilledPartition
	_err           error
	_flushAll      bool
	_closed        bool

	_spilled   atomic.Bool
	_cancelled atomic.Bool
	_writing   sync.WaitGroup
}

func NewSpiller(opts *SpilledOptions, metrics *SpillProcessMetrics) (*Spiller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := opts.InitPartitionNums
	s := &Spiller{
		_opts:       opts,
		_metrics:    metrics,
		_memTables:  make([]*chunk.Chunk, n),
		_memBytes:   make([]int64, n),
		_partitions: make([]*SpilledPartition, n),
	}
	for i := range s._partitions {
		s._partitions[i] = &SpilledPartition{Id: i}
	}
	return s, nil
}

// Metrics may be nil.
func (s *Spiller) Metrics() *SpillProcessMetrics {
	if s == nil {
		return nil
	}
	return s._metrics
}

func (s *Spiller) Options() *SpilledOptions {
	return s._opts
}

// Spilled is true once any row was handed to the spiller.
func (s *Spiller) Spilled() bool {
	return s._spilled.Load()
}

// MarkSpilled flags the spiller as used before any row reaches it.
func (s *Spiller) MarkSpilled() {
	s._spilled.Store(true)
}

func (s *Spiller) IsCancelled() bool {
	return s._cancelled.Load()
}

// Err returns the first write failure.
func (s *Spiller) Err() error {
	s._mu.Lock()
	defer s._mu.Unlock()
	return s._err
}

func (s *Spiller) setErr(err error) {
	if err == nil {
		return
	}
	s._mu.Lock()
	defer s._mu.Unlock()
	if s._err == nil {
		s._err = err
	}
}

// IsFull is true when the spiller holds as many sealed units as the
// pool allows or its buffered bytes reached the per partition ceiling.
func (s *Spiller) IsFull() bool {
	s._mu.Lock()
	defer s._mu.Unlock()
	if s._opts.MemTablePoolSize > 0 && len(s._pending) >= s._opts.MemTablePoolSize {
		return true
	}
	return s.overCeiling()
}

// overCeiling reports whether buffered bytes reached the per partition
// ceiling. Callers hold _mu.
func (s *Spiller) overCeiling() bool {
	return s._opts.MaxMemorySizeEachPartition > 0 &&
		s._bufferedBytes >= s._opts.MaxMemorySizeEachPartition*int64(s._opts.InitPartitionNums)
}

// BufferedBytes is the amount of appended data not yet written.
func (s *Spiller) BufferedBytes() int64 {
	s._mu.Lock()
	defer s._mu.Unlock()
	return s._bufferedBytes
}

// AppendChunk routes every row of data to partition hash % partitions
// and seals mem tables that reached SpillFileSize.
func (s *Spiller) AppendChunk(data *chunk.Chunk) error {
	if data.IsEmpty() {
		return nil
	}
	hashCol := data.Data[data.ColumnCount()-1]
	if hashCol.Typ().Id != common.HashType().Id {
		return fmt.Errorf("spill chunk must end with a %s hash column, got %s",
			common.HashType(), hashCol.Typ())
	}
	s._spilled.Store(true)

	n := s._opts.InitPartitionNums
	hashes := chunk.GetSliceInPhyFormatFlat[uint64](hashCol)
	sels := make([][]int, n)
	for i := 0; i < data.Card(); i++ {
		p := PartitionOf(hashes[i], n)
		sels[p] = append(sels[p], i)
	}
	rowBytes := data.MemUsage() / int64(data.Card())

	s._mu.Lock()
	defer s._mu.Unlock()
	if s._closed {
		return ErrSpillerClosed
	}
	if s._err != nil {
		return s._err
	}
	if s._cancelled.Load() {
		s._metrics.addDiscard(data.Card())
		return nil
	}
	if s._types == nil {
		s._types = common.CopyLTypes(data.Types()...)
	} else if !sameTypes(s._types, data.Types()) {
		return fmt.Errorf("spill chunk schema changed: %v vs %v", s._types, data.Types())
	}
	for p, sel := range sels {
		if len(sel) == 0 {
			continue
		}
		if s._memTables[p] == nil {
			s._memTables[p] = chunk.NewChunk(s._types, max(len(sel), util.DefaultVectorSize))
		}
		s._memTables[p].Append(data, sel)
		est := rowBytes * int64(len(sel))
		s._memBytes[p] += est
		s._bufferedBytes += est
		if s._memBytes[p] >= s._opts.SpillFileSize {
			s.seal(p)
		}
	}
	if s.overCeiling() {
		// nothing may be sealed yet, seal all so a flush can free bytes
		for p := range s._memTables {
			if s._memTables[p] != nil {
				s.seal(p)
			}
		}
	}
	s._metrics.addSpill(data.Card())
	return nil
}

func sameTypes(a, b []common.LType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// seal moves the mem table of partition p to the pending list.
// Callers hold _mu.
func (s *Spiller) seal(p int) {
	if s._memTables[p].IsEmpty() {
		return
	}
	s._pending = append(s._pending, &writeUnit{
		partitionId: p,
		data:        s._memTables[p],
		bytes:       s._memBytes[p],
	})
	s._memTables[p] = nil
	s._memBytes[p] = 0
	s._metrics.addPending(1)
}

func (s *Spiller) PendingUnits() int {
	s._mu.Lock()
	defer s._mu.Unlock()
	return len(s._pending)
}

// FlushPending writes the sealed units. After cancel or a write error
// units are discarded instead.
func (s *Spiller) FlushPending(ctx context.Context) error {
	s._writing.Add(1)
	defer s._writing.Done()
	for {
		s._mu.Lock()
		if len(s._pending) == 0 {
			err := s._err
			s._mu.Unlock()
			return err
		}
		var unit *writeUnit
		unit, s._pending = util.PopFront(s._pending)
		discard := s._err != nil || s._cancelled.Load() || s._closed
		s._mu.Unlock()
		s._metrics.addPending(-1)

		if discard {
			s._metrics.addDiscard(unit.data.Card())
		} else if err := s.writeUnit(ctx, unit); err != nil {
			util.Error("spill write failed",
				zap.String("operator", s._opts.Name),
				zap.Int("partition", unit.partitionId),
				zap.Error(err))
			s.setErr(err)
			s._metrics.addDiscard(unit.data.Card())
		}

		s._mu.Lock()
		s._bufferedBytes -= unit.bytes
		s._mu.Unlock()
	}
}

func (s *Spiller) writeUnit(ctx context.Context, unit *writeUnit) error {
	serial := util.NewBufferSerialize(int(unit.bytes))
	if err := unit.data.Serialize(serial); err != nil {
		return err
	}
	payload, err := Compress(s._opts.Codec, serial.Bytes())
	if err != nil {
		return err
	}
	block, err := s._opts.BlockMgr.Write(ctx, unit.partitionId, payload)
	if err != nil {
		return err
	}
	block.Rows = unit.data.Card()
	block.Codec = s._opts.Codec

	s._mu.Lock()
	part := s._partitions[unit.partitionId]
	part.Blocks = append(part.Blocks, block)
	part.Rows += int64(block.Rows)
	part.Bytes += block.Size
	s._mu.Unlock()
	s._metrics.addWrite(block.Size)
	return nil
}

// SetFlushAllCallBack seals every mem table and submits one job that
// writes all pending units and then calls cb. cb runs exactly once, also
// after cancel or a write error; its error is latched in Err.
func (s *Spiller) SetFlushAllCallBack(ctx context.Context, cb func() error, executor IOExecutor) error {
	s._mu.Lock()
	if s._flushAll {
		s._mu.Unlock()
		return ErrFlushRequested
	}
	s._flushAll = true
	for p := range s._memTables {
		if s._memTables[p] != nil {
			s.seal(p)
		}
	}
	s._mu.Unlock()

	executor.Submit(func() {
		s.flushAll(ctx)
		s.setErr(runCallBack(cb))
	})
	return nil
}

func (s *Spiller) flushAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.setErr(util.ConvertPanicError(r))
		}
	}()
	_ = s.FlushPending(ctx)
}

func runCallBack(cb func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.ConvertPanicError(r)
		}
	}()
	return cb()
}

// Cancel drops buffered rows. Pending units are discarded by the next
// flush. Written blocks stay until Close.
func (s *Spiller) Cancel() {
	if !s._cancelled.CompareAndSwap(false, true) {
		return
	}
	s._mu.Lock()
	defer s._mu.Unlock()
	for p, mt := range s._memTables {
		if mt == nil {
			continue
		}
		s._metrics.addDiscard(mt.Card())
		s._bufferedBytes -= s._memBytes[p]
		s._memTables[p] = nil
		s._memBytes[p] = 0
	}
}

// Partitions returns the written partitions. Stable once the flush all
// callback ran.
func (s *Spiller) Partitions() []*SpilledPartition {
	s._mu.Lock()
	defer s._mu.Unlock()
	ret := make([]*SpilledPartition, len(s._partitions))
	for i, p := range s._partitions {
		cp := *p
		cp.Blocks = util.CopyTo(p.Blocks)
		ret[i] = &cp
	}
	return ret
}

func (s *Spiller) SpilledRows() int64 {
	s._mu.Lock()
	defer s._mu.Unlock()
	ret := int64(0)
	for _, p := range s._partitions {
		ret += p.Rows
	}
	return ret
}

func (s *Spiller) SpilledBytes() int64 {
	s._mu.Lock()
	defer s._mu.Unlock()
	ret := int64(0)
	for _, p := range s._partitions {
		ret += p.Bytes
	}
	return ret
}

// Close waits for running flushes and releases every written block.
func (s *Spiller) Close() error {
	s._mu.Lock()
	if s._closed {
		s._mu.Unlock()
		return nil
	}
	s._closed = true
	s._mu.Unlock()
	s._writing.Wait()

	s._mu.Lock()
	defer s._mu.Unlock()
	var result error
	for _, p := range s._partitions {
		for _, b := range p.Blocks {
			if err := s._opts.BlockMgr.Release(b); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	s._pending = nil
	s._memTables = make([]*chunk.Chunk, len(s._memTables))
	return result
}
