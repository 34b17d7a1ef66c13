package compute

import (
	"fmt"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/spill"
)

// HashPartitioner hashes the join keys of a chunk into one UBIGINT per
// row. Build and probe sides get the same partition for equal keys when
// their key types match and they use the same partition count.
type HashPartitioner struct {
	_keys           []*Expr
	_exec           *ExprExec
	_partitionCount int
}

func NewHashPartitioner(keys []*Expr, partitionCount int) *HashPartitioner {
	keys = copyExprs(keys...)
	return &HashPartitioner{
		_keys:           keys,
		_exec:           NewExprExec(keys...),
		_partitionCount: partitionCount,
	}
}

func (hp *HashPartitioner) PartitionCount() int {
	return hp._partitionCount
}

// KeyHashes evaluates the keys over data and combines them in key order.
func (hp *HashPartitioner) KeyHashes(data *chunk.Chunk) (*chunk.Vector, error) {
	if len(hp._keys) == 0 {
		return nil, fmt.Errorf("hash partitioner has no keys")
	}
	keys, err := hp._exec.executeExprs(data)
	if err != nil {
		return nil, err
	}
	hashes := chunk.NewFlatVector(common.HashType(), max(data.Card(), 1))
	keys.Hash(hashes)
	return hashes, nil
}

// AppendHashColumn adds the key hash as the last column of data.
func (hp *HashPartitioner) AppendHashColumn(data *chunk.Chunk) error {
	hashes, err := hp.KeyHashes(data)
	if err != nil {
		return err
	}
	data.AppendColumn(hashes)
	return nil
}

func (hp *HashPartitioner) PartitionOf(hash uint64) int {
	return spill.PartitionOf(hash, hp._partitionCount)
}

// Partitions returns the partition of every row of data.
func (hp *HashPartitioner) Partitions(data *chunk.Chunk) ([]int, error) {
	hashes, err := hp.KeyHashes(data)
	if err != nil {
		return nil, err
	}
	vals := chunk.GetSliceInPhyFormatFlat[uint64](hashes)
	ret := make([]int, data.Card())
	for i := range ret {
		ret[i] = hp.PartitionOf(vals[i])
	}
	return ret, nil
}
