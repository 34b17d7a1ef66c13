package spill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/daviszhen/spilljoin/pkg/util"
)

const (
	FaultBlockWrite = "spill.block.write"
	FaultBlockRead  = "spill.block.read"
)

type BlockID uint64

// Block is one written unit of a spilled partition.
type Block struct {
	Id          BlockID
	PartitionId int
	Rows        int
	// bytes on storage, header excluded
	Size  int64
	Codec CodecType

	path      string
	_released atomic.Bool
}

func (b *Block) String() string {
	return fmt.Sprintf("block{id=%d,p=%d,rows=%d,size=%d,codec=%s}",
		b.Id, b.PartitionId, b.Rows, b.Size, b.Codec)
}

// BlockManager stores spilled payloads. Implementations are safe for
// concurrent use.
type BlockManager interface {
	Write(ctx context.Context, partitionId int, payload []byte) (*Block, error)
	Read(ctx context.Context, block *Block) ([]byte, error)
	Release(block *Block) error
	// Blocks returns the live blocks of the partition in write order.
	Blocks(partitionId int) []*Block
	Close() error
}

func checkFault(name string) error {
	if fa := util.Check(util.FAULTS_SCOPE_SPILL, name); fa != nil {
		return fa.Run()
	}
	return nil
}

func blockLess(a, b *Block) bool {
	if a.PartitionId != b.PartitionId {
		return a.PartitionId < b.PartitionId
	}
	return a.Id < b.Id
}

// blockIndex orders live blocks by (partition, id).
type blockIndex struct {
	_tree *btree.BTreeG[*Block]
}

func newBlockIndex() *blockIndex {
	return &blockIndex{
		_tree: btree.NewBTreeG[*Block](blockLess),
	}
}

func (idx *blockIndex) add(b *Block) {
	idx._tree.Set(b)
}

func (idx *blockIndex) remove(b *Block) bool {
	_, ok := idx._tree.Delete(b)
	return ok
}

func (idx *blockIndex) partition(partitionId int) []*Block {
	ret := make([]*Block, 0)
	idx._tree.Ascend(&Block{PartitionId: partitionId}, func(b *Block) bool {
		if b.PartitionId != partitionId {
			return false
		}
		ret = append(ret, b)
		return true
	})
	return ret
}

func (idx *blockIndex) all() []*Block {
	ret := make([]*Block, 0, idx._tree.Len())
	idx._tree.Scan(func(b *Block) bool {
		ret = append(ret, b)
		return true
	})
	return ret
}

func (idx *blockIndex) len() int {
	return idx._tree.Len()
}

// MemoryBlockManager keeps payloads in memory. Used by tests and by
// the in-memory spill storage.
type MemoryBlockManager struct {
	_nextId atomic.Uint64
	_mu     sync.Mutex
	_index  *blockIndex
	_data   map[BlockID][]byte
	_bytes  int64
}

func NewMemoryBlockManager() *MemoryBlockManager {
	return &MemoryBlockManager{
		_index: newBlockIndex(),
		_data:  make(map[BlockID][]byte),
	}
}

func (mgr *MemoryBlockManager) Write(ctx context.Context, partitionId int, payload []byte) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkFault(FaultBlockWrite); err != nil {
		return nil, err
	}
	b := &Block{
		Id:          BlockID(mgr._nextId.Add(1)),
		PartitionId: partitionId,
		Size:        int64(len(payload)),
	}
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	mgr._data[b.Id] = util.CopyTo(payload)
	mgr._bytes += b.Size
	mgr._index.add(b)
	return b, nil
}

func (mgr *MemoryBlockManager) Read(ctx context.Context, block *Block) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkFault(FaultBlockRead); err != nil {
		return nil, err
	}
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	data, ok := mgr._data[block.Id]
	if !ok {
		return nil, fmt.Errorf("%s is released or unknown", block)
	}
	return data, nil
}

func (mgr *MemoryBlockManager) Release(block *Block) error {
	if !block._released.CompareAndSwap(false, true) {
		return nil
	}
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	if data, ok := mgr._data[block.Id]; ok {
		mgr._bytes -= int64(len(data))
		delete(mgr._data, block.Id)
	}
	mgr._index.remove(block)
	return nil
}

func (mgr *MemoryBlockManager) Blocks(partitionId int) []*Block {
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	return mgr._index.partition(partitionId)
}

// Bytes is the payload size currently held.
func (mgr *MemoryBlockManager) Bytes() int64 {
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	return mgr._bytes
}

func (mgr *MemoryBlockManager) Len() int {
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	return mgr._index.len()
}

func (mgr *MemoryBlockManager) Close() error {
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	for _, b := range mgr._index.all() {
		b._released.Store(true)
	}
	mgr._index = newBlockIndex()
	mgr._data = make(map[BlockID][]byte)
	mgr._bytes = 0
	return nil
}
