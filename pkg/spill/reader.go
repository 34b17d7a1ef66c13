package spill

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/util"
)

// PartitionReader restores spilled partitions. Without ReadShared a
// partition is read once and its blocks are released afterwards.
type PartitionReader struct {
	_spiller  *Spiller
	_mu       sync.Mutex
	_consumed map[int]bool
}

func NewPartitionReader(s *Spiller) *PartitionReader {
	return &PartitionReader{
		_spiller:  s,
		_consumed: make(map[int]bool),
	}
}

func (r *PartitionReader) PartitionCount() int {
	return r._spiller._opts.InitPartitionNums
}

// Read returns the chunks of one partition in write order. Each chunk
// keeps the hash column as its last column.
func (r *PartitionReader) Read(ctx context.Context, partitionId int) ([]*chunk.Chunk, error) {
	opts := r._spiller._opts
	if partitionId < 0 || partitionId >= opts.InitPartitionNums {
		return nil, fmt.Errorf("partition %d out of range [0,%d)", partitionId, opts.InitPartitionNums)
	}
	if !opts.ReadShared {
		r._mu.Lock()
		if r._consumed[partitionId] {
			r._mu.Unlock()
			return nil, fmt.Errorf("partition %d: %w", partitionId, ErrPartitionConsumed)
		}
		r._consumed[partitionId] = true
		r._mu.Unlock()
	}

	part := r._spiller.Partitions()[partitionId]
	ret := make([]*chunk.Chunk, 0, len(part.Blocks))
	for _, block := range part.Blocks {
		data, err := r.readBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		r._spiller._metrics.addRestore(data.Card())
		ret = append(ret, data)
	}
	if !opts.ReadShared {
		var result error
		for _, block := range part.Blocks {
			if err := opts.BlockMgr.Release(block); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if result != nil {
			return ret, result
		}
	}
	return ret, nil
}

func (r *PartitionReader) readBlock(ctx context.Context, block *Block) (*chunk.Chunk, error) {
	payload, err := r._spiller._opts.BlockMgr.Read(ctx, block)
	if err != nil {
		return nil, err
	}
	raw, err := Decompress(block.Codec, payload)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", block, err)
	}
	data := &chunk.Chunk{}
	if err = data.Deserialize(util.NewBufferDeserialize(raw)); err != nil {
		return nil, fmt.Errorf("decode %s: %w", block, err)
	}
	if data.Card() != block.Rows {
		return nil, fmt.Errorf("%s decoded %d rows", block, data.Card())
	}
	return data, nil
}
