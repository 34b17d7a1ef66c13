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
	"fmt"
)

type SpillStrategy int

const (
	NO_SPILL SpillStrategy = iota
	SPILL_ALL
)

func (st SpillStrategy) String() string {
	switch st {
	case NO_SPILL:
		return "NO_SPILL"
	case SPILL_ALL:
		return "SPILL_ALL"
	default:
		return fmt.Sprintf("SpillStrategy(%d)", int(st))
	}
}

const (
	DefaultInitPartition    = 4
	DefaultMemTablePoolSize = 2
	DefaultSpillFileSize    = 1 << 20
)

// SpilledOptions is shared by every lane of one plan node and is not
// modified after the factory prepared it.
type SpilledOptions struct {
	Name       string
	PlanNodeId int

	InitPartitionNums int
	// a partition mem table is sealed into a write unit at this size
	SpillFileSize int64
	// sealed but unwritten units the spiller holds before it reports full
	MemTablePoolSize int
	// operators below this many revocable bytes are not asked to spill
	MinSpilledSize int64
	// 0 disables the per partition ceiling
	MaxMemorySizeEachPartition int64
	// probe lanes share spilled partitions, blocks survive reads
	ReadShared bool

	Codec    CodecType
	BlockMgr BlockManager
}

func NewSpilledOptions(partitions int) *SpilledOptions {
	return &SpilledOptions{
		InitPartitionNums: partitions,
		SpillFileSize:     DefaultSpillFileSize,
		MemTablePoolSize:  DefaultMemTablePoolSize,
		Codec:             CODEC_LZ4,
	}
}

func (opts *SpilledOptions) Validate() error {
	if opts.InitPartitionNums <= 0 {
		return fmt.Errorf("invalid spill partition count %d", opts.InitPartitionNums)
	}
	if opts.SpillFileSize <= 0 {
		return fmt.Errorf("invalid spill file size %d", opts.SpillFileSize)
	}
	if opts.MemTablePoolSize < 0 || opts.MaxMemorySizeEachPartition < 0 {
		return fmt.Errorf("invalid spill memory limits pool=%d max=%d",
			opts.MemTablePoolSize, opts.MaxMemorySizeEachPartition)
	}
	if opts.BlockMgr == nil {
		return fmt.Errorf("spill block manager is not set")
	}
	return nil
}

// PartitionOf maps a row hash to its partition. Build and probe
// sides must use it with the same count.
func PartitionOf(hash uint64, count int) int {
	return int(hash % uint64(count))
}
