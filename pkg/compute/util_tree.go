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
	"fmt"

	"github.com/xlab/treeprint"

	"github.com/daviszhen/spilljoin/pkg/spill"
)

func WriteExprsTree(tree treeprint.Tree, exprs []*Expr) {
	for i, e := range exprs {
		tree.AddMetaNode(i, fmt.Sprintf("%v %s", e, e.DataTyp))
	}
}

func writeSpilledTree(tree treeprint.Tree, s *spill.Spiller) {
	spilled := tree.AddMetaBranch("spilled",
		fmt.Sprintf("rows %d bytes %d cancelled %v", s.SpilledRows(), s.SpilledBytes(), s.IsCancelled()))
	for _, p := range s.Partitions() {
		if p.Rows == 0 {
			continue
		}
		spilled.AddMetaNode(fmt.Sprintf("partition %d", p.Id),
			fmt.Sprintf("rows %d blocks %d bytes %d", p.Rows, len(p.Blocks), p.Bytes))
	}
}

// WriteBuildTree lists the lanes of the factory with their spill state
// and the runtime filter collector of the plan node.
func WriteBuildTree(tree treeprint.Tree, f *SpillableHashJoinBuildOperatorFactory, hub *RuntimeFilterHub) {
	node := tree.AddMetaBranch(HashJoinBuildName, fmt.Sprintf("#%d dop %d broadcast %v", f._planNodeId, f._dop, f._broadcast))
	WriteExprsTree(node.AddBranch("keys"), f._keys)
	if f._opts != nil {
		node.AddMetaNode("spill", fmt.Sprintf("partitions %d codec %s shared %v",
			f._opts.InitPartitionNums, f._opts.Codec, f._opts.ReadShared))
	}
	if hub != nil {
		if c, ok := hub.GetCollector(f._planNodeId); ok {
			node.AddMetaNode("runtime filters", fmt.Sprintf("%d always true %v", len(c.Filters), c.AlwaysTrue))
		}
	}
	for seq, op := range f.Operators() {
		builder := op.Builder()
		lane := node.AddMetaBranch(fmt.Sprintf("lane %d", seq), op.State())
		lane.AddMetaNode("build rows", builder.BuildRows())
		lane.AddMetaNode("hash table rows", builder.HashTable().RowCount())
		if err := op.Err(); err != nil {
			lane.AddMetaNode("error", err)
		}
		if s := builder.Spiller(); s != nil && s.Spilled() {
			writeSpilledTree(lane, s)
		}
	}
}
