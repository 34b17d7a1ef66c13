package chunk

import (
	"fmt"

	"github.com/daviszhen/spilljoin/pkg/common"
)

type Value struct {
	Typ    common.LType
	IsNull bool
	//value
	Bool bool
	I64  int64
	U64  uint64
	F64  float64
	Str  string
}

func (val Value) String() string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return fmt.Sprintf("%d", val.I64)
	case common.LTID_BOOLEAN:
		return fmt.Sprintf("%v", val.Bool)
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_UBIGINT:
		return fmt.Sprintf("%d", val.U64)
	case common.LTID_POINTER:
		return fmt.Sprintf("0x%x", val.U64)
	case common.LTID_DOUBLE:
		return fmt.Sprintf("%v", val.F64)
	default:
		panic("usp")
	}
}

// Equal compares two values of the same type. NULL never equals anything.
func (val *Value) Equal(o *Value) bool {
	if val.IsNull || o.IsNull {
		return false
	}
	if val.Typ.Id != o.Typ.Id {
		return false
	}
	switch val.Typ.GetInternalType() {
	case common.BOOL:
		return val.Bool == o.Bool
	case common.INT32, common.INT64:
		return val.I64 == o.I64
	case common.UINT64:
		return val.U64 == o.U64
	case common.DOUBLE:
		return val.F64 == o.F64
	case common.VARCHAR:
		return val.Str == o.Str
	default:
		panic("usp")
	}
}

func NullValue(typ common.LType) *Value {
	return &Value{Typ: typ, IsNull: true}
}

func IntegerValue(v int32) *Value {
	return &Value{Typ: common.IntegerType(), I64: int64(v)}
}

func BigintValue(v int64) *Value {
	return &Value{Typ: common.BigintType(), I64: v}
}

func UbigintValue(v uint64) *Value {
	return &Value{Typ: common.UbigintType(), U64: v}
}

func DoubleValue(v float64) *Value {
	return &Value{Typ: common.DoubleType(), F64: v}
}

func VarcharValue(v string) *Value {
	return &Value{Typ: common.VarcharType(), Str: v}
}

func BooleanValue(v bool) *Value {
	return &Value{Typ: common.BooleanType(), Bool: v}
}
