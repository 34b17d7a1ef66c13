package compute

import (
	"context"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/spill"
)

// HashTableConverter cuts the rows of a built hash table into spill
// chunks. It runs once: after the table is exhausted the table is reset
// and every later call returns spill.ErrEndOfStream.
type HashTableConverter struct {
	_builder   *HashJoinBuilder
	_chunkSize int
	_slice     chunk.ChunkSlice
	_engaged   bool
	_exhausted bool
	_rows      int64
}

func NewHashTableConverter(builder *HashJoinBuilder, chunkSize int) *HashTableConverter {
	return &HashTableConverter{
		_builder:   builder,
		_chunkSize: chunkSize,
	}
}

func (conv *HashTableConverter) Next(ctx context.Context) (*chunk.Chunk, error) {
	if conv._exhausted {
		return nil, spill.ErrEndOfStream
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ht := conv._builder.HashTable()
	if !conv._engaged {
		conv._engaged = true
		conv._slice.Reset(ht.BuildChunk())
		conv._slice.Skip(HASH_JOIN_KEY_COLUMN_OFFSET)
	}
	if conv._slice.Empty() {
		conv._exhausted = true
		conv._slice.Reset(nil)
		ht.Reset()
		return nil, spill.ErrEndOfStream
	}
	out := conv._slice.Cutoff(conv._chunkSize)
	if err := conv._builder.Partitioner().AppendHashColumn(out); err != nil {
		return nil, err
	}
	conv._rows += int64(out.Card())
	return out, nil
}

// Rows is the number of rows handed out so far.
func (conv *HashTableConverter) Rows() int64 {
	return conv._rows
}

func (conv *HashTableConverter) Task() spill.SpillTask {
	return spill.SpillTask{
		Name:    "hash-table-converter",
		Produce: conv.Next,
		Spiller: conv._builder.Spiller(),
	}
}
