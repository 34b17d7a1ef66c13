package compute

import (
	"fmt"

	"github.com/daviszhen/spilljoin/pkg/common"
)

type ET int

const (
	ET_Column ET = iota //column

	ET_IConst //integer
	ET_SConst //string
	ET_FConst //float
	ET_BConst // bool
	ET_NConst // null
)

// Expr is a join key expression over the columns of one chunk.
type Expr struct {
	Typ     ET
	DataTyp common.LType

	Name   string // column
	ColIdx int    // column position in the input chunk
	Svalue string
	Ivalue int64
	Fvalue float64
	Bvalue bool
}

func ColumnRef(idx int, typ common.LType, name string) *Expr {
	return &Expr{
		Typ:     ET_Column,
		DataTyp: typ,
		Name:    name,
		ColIdx:  idx,
	}
}

func IntegerConst(val int64) *Expr {
	return &Expr{
		Typ:     ET_IConst,
		DataTyp: common.BigintType(),
		Ivalue:  val,
	}
}

func StringConst(val string) *Expr {
	return &Expr{
		Typ:     ET_SConst,
		DataTyp: common.VarcharType(),
		Svalue:  val,
	}
}

func NullConst(typ common.LType) *Expr {
	return &Expr{
		Typ:     ET_NConst,
		DataTyp: typ,
	}
}

func (e *Expr) copy() *Expr {
	if e == nil {
		return nil
	}
	ret := *e
	return &ret
}

func copyExprs(es ...*Expr) []*Expr {
	ret := make([]*Expr, 0, len(es))
	for _, e := range es {
		ret = append(ret, e.copy())
	}
	return ret
}

func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	switch e.Typ {
	case ET_Column:
		if e.Name != "" {
			return fmt.Sprintf("(%s,%d)", e.Name, e.ColIdx)
		}
		return fmt.Sprintf("#%d", e.ColIdx)
	case ET_IConst:
		return fmt.Sprintf("%d", e.Ivalue)
	case ET_SConst:
		return fmt.Sprintf("'%s'", e.Svalue)
	case ET_FConst:
		return fmt.Sprintf("%v", e.Fvalue)
	case ET_BConst:
		return fmt.Sprintf("%v", e.Bvalue)
	case ET_NConst:
		return "null"
	default:
		panic(fmt.Sprintf("usp expr type %d", e.Typ))
	}
}
