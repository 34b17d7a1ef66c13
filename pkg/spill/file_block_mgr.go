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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/util"
)

const (
	blockMagic      uint32 = 0x424c5053
	blockHeaderSize        = 4 + 8 + 8
)

// FileBlockManager writes one file per block under <root>/<queryId>.
//
// block file layout:
//
//	magic    uint32
//	length   uint64  payload bytes
//	checksum uint64  util.Checksum(payload)
//	payload
type FileBlockManager struct {
	_dir    string
	_name   string
	_nextId atomic.Uint64
	_mu     sync.Mutex
	_index  *blockIndex
	_closed bool
}

func NewFileBlockManager(root string, queryId uuid.UUID, name string) (*FileBlockManager, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, queryId.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir %s: %w", dir, err)
	}
	if name == "" {
		name = "spill"
	}
	return &FileBlockManager{
		_dir:   dir,
		_name:  name,
		_index: newBlockIndex(),
	}, nil
}

func (mgr *FileBlockManager) Dir() string {
	return mgr._dir
}

func (mgr *FileBlockManager) Write(ctx context.Context, partitionId int, payload []byte) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkFault(FaultBlockWrite); err != nil {
		return nil, err
	}
	mgr._mu.Lock()
	closed := mgr._closed
	mgr._mu.Unlock()
	if closed {
		return nil, fmt.Errorf("block manager %s is closed", mgr._dir)
	}

	b := &Block{
		Id:          BlockID(mgr._nextId.Add(1)),
		PartitionId: partitionId,
		Size:        int64(len(payload)),
	}
	b.path = filepath.Join(mgr._dir,
		fmt.Sprintf("%s-p%d-%s.blk", mgr._name, partitionId, uuid.NewString()))

	buf := make([]byte, blockHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], blockMagic)
	binary.LittleEndian.PutUint64(buf[4:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(buf[12:], util.Checksum(payload))
	copy(buf[blockHeaderSize:], payload)

	if err := os.WriteFile(b.path, buf, 0o644); err != nil {
		_ = os.Remove(b.path)
		return nil, fmt.Errorf("write spill block %s: %w", b.path, err)
	}

	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	mgr._index.add(b)
	return b, nil
}

func (mgr *FileBlockManager) Read(ctx context.Context, block *Block) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkFault(FaultBlockRead); err != nil {
		return nil, err
	}
	if block._released.Load() {
		return nil, fmt.Errorf("%s is released", block)
	}
	data, err := os.ReadFile(block.path)
	if err != nil {
		return nil, fmt.Errorf("read spill block %s: %w", block.path, err)
	}
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("corrupted spill block %s: short header", block.path)
	}
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != blockMagic {
		return nil, fmt.Errorf("corrupted spill block %s: magic %x", block.path, magic)
	}
	length := binary.LittleEndian.Uint64(data[4:])
	payload := data[blockHeaderSize:]
	if uint64(len(payload)) != length {
		return nil, fmt.Errorf("corrupted spill block %s: %d bytes, header says %d",
			block.path, len(payload), length)
	}
	if sum := binary.LittleEndian.Uint64(data[12:]); sum != util.Checksum(payload) {
		return nil, fmt.Errorf("corrupted spill block %s: checksum mismatch", block.path)
	}
	return payload, nil
}

func (mgr *FileBlockManager) Release(block *Block) error {
	if !block._released.CompareAndSwap(false, true) {
		return nil
	}
	mgr._mu.Lock()
	mgr._index.remove(block)
	mgr._mu.Unlock()
	if err := os.Remove(block.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (mgr *FileBlockManager) Blocks(partitionId int) []*Block {
	mgr._mu.Lock()
	defer mgr._mu.Unlock()
	return mgr._index.partition(partitionId)
}

// Close removes every remaining block file and the query directory.
func (mgr *FileBlockManager) Close() error {
	mgr._mu.Lock()
	if mgr._closed {
		mgr._mu.Unlock()
		return nil
	}
	mgr._closed = true
	blocks := mgr._index.all()
	mgr._index = newBlockIndex()
	mgr._mu.Unlock()

	var result error
	for _, b := range blocks {
		if !b._released.CompareAndSwap(false, true) {
			continue
		}
		if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(mgr._dir); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		util.Warn("spill dir cleanup failed",
			zap.String("dir", mgr._dir),
			zap.Error(result))
	}
	return result
}
