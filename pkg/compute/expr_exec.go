package compute

import (
	"fmt"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
)

type ExprExec struct {
	_exprs []*Expr
}

func NewExprExec(es ...*Expr) *ExprExec {
	exec := &ExprExec{}
	for _, e := range es {
		if e == nil {
			continue
		}
		exec._exprs = append(exec._exprs, e)
	}
	return exec
}

// executeExprs evaluates every expr over data. Column refs share the
// input vectors.
func (exec *ExprExec) executeExprs(data *chunk.Chunk) (*chunk.Chunk, error) {
	result := &chunk.Chunk{}
	for i := range exec._exprs {
		vec, err := exec.executeExprI(data, i)
		if err != nil {
			return nil, err
		}
		result.Data = append(result.Data, vec)
	}
	result.SetCard(data.Card())
	return result, nil
}

func (exec *ExprExec) executeExprI(data *chunk.Chunk, exprId int) (*chunk.Vector, error) {
	expr := exec._exprs[exprId]
	switch expr.Typ {
	case ET_Column:
		return exec.executeColumnRef(expr, data)
	default:
		return exec.executeConst(expr, data.Card())
	}
}

func (exec *ExprExec) executeColumnRef(expr *Expr, data *chunk.Chunk) (*chunk.Vector, error) {
	if expr.ColIdx < 0 || expr.ColIdx >= data.ColumnCount() {
		return nil, fmt.Errorf("column %s out of range, chunk has %d columns",
			expr, data.ColumnCount())
	}
	vec := data.Data[expr.ColIdx]
	if !vec.Typ().Equal(expr.DataTyp) {
		return nil, fmt.Errorf("column %s has type %s, expect %s",
			expr, vec.Typ(), expr.DataTyp)
	}
	return vec, nil
}

func (exec *ExprExec) executeConst(expr *Expr, count int) (*chunk.Vector, error) {
	var val *chunk.Value
	switch expr.Typ {
	case ET_IConst:
		val = &chunk.Value{Typ: expr.DataTyp, I64: expr.Ivalue}
	case ET_SConst:
		val = &chunk.Value{Typ: expr.DataTyp, Str: expr.Svalue}
	case ET_FConst:
		val = &chunk.Value{Typ: expr.DataTyp, F64: expr.Fvalue}
	case ET_BConst:
		val = &chunk.Value{Typ: expr.DataTyp, Bool: expr.Bvalue}
	case ET_NConst:
		val = chunk.NullValue(expr.DataTyp)
	default:
		return nil, fmt.Errorf("unsupported expr type %d", expr.Typ)
	}
	if expr.Typ != ET_NConst && expr.DataTyp.Id == common.LTID_INVALID {
		return nil, fmt.Errorf("const %s has no type", expr)
	}
	vec := chunk.NewFlatVector(expr.DataTyp, max(count, 1))
	for i := 0; i < count; i++ {
		vec.SetValue(i, val)
	}
	return vec, nil
}

func (exec *ExprExec) types() []common.LType {
	ret := make([]common.LType, 0, len(exec._exprs))
	for _, e := range exec._exprs {
		ret = append(ret, e.DataTyp)
	}
	return ret
}
