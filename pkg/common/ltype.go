package common

import (
	"fmt"

	"github.com/daviszhen/spilljoin/pkg/util"
)

type LType struct {
	Id    LTypeId
	PTyp  PhyType
	Width int
}

func (lt LType) Serialize(serial util.Serialize) error {
	err := util.Write[int32](int32(lt.Id), serial)
	if err != nil {
		return err
	}
	return util.Write[int32](int32(lt.Width), serial)
}

func DeserializeLType(deserial util.Deserialize) (LType, error) {
	var id, width int32
	err := util.Read[int32](&id, deserial)
	if err != nil {
		return LType{}, err
	}
	err = util.Read[int32](&width, deserial)
	if err != nil {
		return LType{}, err
	}
	ret := LType{
		Id:    LTypeId(id),
		Width: int(width),
	}
	if _, has := lTypeIdToStr[ret.Id]; !has {
		return LType{}, fmt.Errorf("unknown type id %d", id)
	}
	ret.PTyp = ret.GetInternalType()
	return ret, nil
}

func MakeLType(id LTypeId) LType {
	ret := LType{Id: id}
	ret.PTyp = ret.GetInternalType()
	return ret
}

func BooleanType() LType {
	return MakeLType(LTID_BOOLEAN)
}

func IntegerType() LType {
	return MakeLType(LTID_INTEGER)
}

func BigintType() LType {
	return MakeLType(LTID_BIGINT)
}

func UbigintType() LType {
	return MakeLType(LTID_UBIGINT)
}

// HashType is the type of the per-row hash column.
func HashType() LType {
	return MakeLType(LTID_UBIGINT)
}

func DoubleType() LType {
	return MakeLType(LTID_DOUBLE)
}

func VarcharType() LType {
	return MakeLType(LTID_VARCHAR)
}

func (lt LType) GetInternalType() PhyType {
	switch lt.Id {
	case LTID_BOOLEAN:
		return BOOL
	case LTID_INTEGER:
		return INT32
	case LTID_BIGINT:
		return INT64
	case LTID_UBIGINT, LTID_POINTER:
		return UINT64
	case LTID_DOUBLE:
		return DOUBLE
	case LTID_VARCHAR:
		return VARCHAR
	case LTID_NULL, LTID_INVALID:
		return INVALID
	default:
		panic(fmt.Sprintf("usp %s", lt.Id))
	}
}

func (lt LType) Equal(o LType) bool {
	return lt.Id == o.Id && lt.Width == o.Width
}

func (lt LType) String() string {
	return lt.Id.String()
}

func CopyLTypes(typs ...LType) []LType {
	return util.CopyTo(typs)
}
