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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlab/treeprint"

	"github.com/daviszhen/spilljoin/pkg/common"
)

func TestExprExec(t *testing.T) {
	data := makeBuildChunk(0, 10)
	exec := NewExprExec(
		ColumnRef(1, common.VarcharType(), "v"),
		nil,
		IntegerConst(3),
		StringConst("x"),
		NullConst(common.BigintType()),
	)
	assert.Equal(t,
		[]common.LType{common.VarcharType(), common.BigintType(), common.VarcharType(), common.BigintType()},
		exec.types())

	res, err := exec.executeExprs(data)
	require.NoError(t, err)
	require.Equal(t, 4, res.ColumnCount())
	assert.Equal(t, 10, res.Card())
	assert.Same(t, data.Data[1], res.Data[0])
	for i := 0; i < 10; i++ {
		assert.Equal(t, int64(3), res.Data[1].GetValue(i).I64)
		assert.Equal(t, "x", res.Data[2].GetValue(i).Str)
		assert.True(t, res.Data[3].IsNull(i))
	}

	_, err = NewExprExec(ColumnRef(2, common.BigintType(), "k")).executeExprs(data)
	assert.ErrorContains(t, err, "out of range")
	_, err = NewExprExec(ColumnRef(0, common.VarcharType(), "k")).executeExprs(data)
	assert.ErrorContains(t, err, "has type")
	_, err = NewExprExec(&Expr{Typ: ET_IConst}).executeExprs(data)
	assert.Error(t, err)
}

func TestExprString(t *testing.T) {
	assert.Equal(t, "(k,0)", ColumnRef(0, common.BigintType(), "k").String())
	assert.Equal(t, "#2", ColumnRef(2, common.BigintType(), "").String())
	assert.Equal(t, "7", IntegerConst(7).String())
	assert.Equal(t, "'a'", StringConst("a").String())

	src := []*Expr{ColumnRef(0, common.BigintType(), "k")}
	cp := copyExprs(src...)
	cp[0].ColIdx = 5
	assert.Equal(t, 0, src[0].ColIdx)

	tree := treeprint.New()
	WriteExprsTree(tree, src)
	assert.True(t, strings.Contains(tree.String(), "(k,0)"))
}
