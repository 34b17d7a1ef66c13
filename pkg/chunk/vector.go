package chunk

import (
	"fmt"

	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/util"
)

// Vector is a flat column. Fixed width values live in Data,
// strings in Str. Mask tracks NULLs.
type Vector struct {
	_Typ common.LType
	_Cap int
	Data []byte
	Str  []string
	Mask *util.Bitmap
}

func NewFlatVector(typ common.LType, cap int) *Vector {
	vec := &Vector{
		_Typ: typ,
		Mask: &util.Bitmap{},
	}
	vec.Init(cap)
	return vec
}

func (vec *Vector) Init(cap int) {
	vec._Cap = cap
	vec.Mask.Reset()
	pTyp := vec._Typ.GetInternalType()
	if pTyp.IsVarchar() {
		vec.Data = nil
		vec.Str = make([]string, cap)
	} else {
		vec.Str = nil
		vec.Data = make([]byte, cap*pTyp.Size())
	}
}

func (vec *Vector) Typ() common.LType {
	return vec._Typ
}

func (vec *Vector) Cap() int {
	return vec._Cap
}

// Reserve grows the vector to hold at least n rows.
func (vec *Vector) Reserve(n int) {
	if n <= vec._Cap {
		return
	}
	newCap := max(n, vec._Cap*2, util.DefaultVectorSize)
	pTyp := vec._Typ.GetInternalType()
	if pTyp.IsVarchar() {
		str := make([]string, newCap)
		copy(str, vec.Str)
		vec.Str = str
	} else {
		data := make([]byte, newCap*pTyp.Size())
		copy(data, vec.Data)
		vec.Data = data
	}
	vec.Mask.Resize(vec._Cap, newCap)
	vec._Cap = newCap
}

func GetSliceInPhyFormatFlat[T any](vec *Vector) []T {
	return util.ToSlice[T](vec.Data, vec._Typ.GetInternalType().Size())
}

func (vec *Vector) IsNull(idx int) bool {
	return !vec.Mask.RowIsValid(uint64(idx))
}

func (vec *Vector) SetNull(idx int, null bool) {
	vec.Mask.Set(uint64(idx), !null)
}

func (vec *Vector) GetValue(idx int) *Value {
	if vec.IsNull(idx) {
		return NullValue(vec._Typ)
	}
	switch vec._Typ.GetInternalType() {
	case common.BOOL:
		data := GetSliceInPhyFormatFlat[bool](vec)
		return &Value{Typ: vec._Typ, Bool: data[idx]}
	case common.INT32:
		data := GetSliceInPhyFormatFlat[int32](vec)
		return &Value{Typ: vec._Typ, I64: int64(data[idx])}
	case common.INT64:
		data := GetSliceInPhyFormatFlat[int64](vec)
		return &Value{Typ: vec._Typ, I64: data[idx]}
	case common.UINT64:
		data := GetSliceInPhyFormatFlat[uint64](vec)
		return &Value{Typ: vec._Typ, U64: data[idx]}
	case common.DOUBLE:
		data := GetSliceInPhyFormatFlat[float64](vec)
		return &Value{Typ: vec._Typ, F64: data[idx]}
	case common.VARCHAR:
		return &Value{Typ: vec._Typ, Str: vec.Str[idx]}
	default:
		panic("usp")
	}
}

func (vec *Vector) SetValue(idx int, val *Value) {
	util.AssertFunc(val.Typ.Id == vec._Typ.Id || val.IsNull)
	vec.Reserve(idx + 1)
	vec.SetNull(idx, val.IsNull)
	if val.IsNull {
		return
	}
	switch vec._Typ.GetInternalType() {
	case common.BOOL:
		GetSliceInPhyFormatFlat[bool](vec)[idx] = val.Bool
	case common.INT32:
		GetSliceInPhyFormatFlat[int32](vec)[idx] = int32(val.I64)
	case common.INT64:
		GetSliceInPhyFormatFlat[int64](vec)[idx] = val.I64
	case common.UINT64:
		GetSliceInPhyFormatFlat[uint64](vec)[idx] = val.U64
	case common.DOUBLE:
		GetSliceInPhyFormatFlat[float64](vec)[idx] = val.F64
	case common.VARCHAR:
		vec.Str[idx] = val.Str
	default:
		panic("usp")
	}
}

// CopyRows copies rows [srcOffset, srcOffset+count) of src into
// rows [dstOffset, dstOffset+count) of vec.
func (vec *Vector) CopyRows(src *Vector, srcOffset, dstOffset, count int) {
	util.AssertFunc(vec._Typ.Equal(src._Typ))
	if count == 0 {
		return
	}
	vec.Reserve(dstOffset + count)
	pTyp := vec._Typ.GetInternalType()
	if pTyp.IsVarchar() {
		copy(vec.Str[dstOffset:dstOffset+count], src.Str[srcOffset:srcOffset+count])
	} else {
		sz := pTyp.Size()
		copy(vec.Data[dstOffset*sz:(dstOffset+count)*sz], src.Data[srcOffset*sz:(srcOffset+count)*sz])
	}
	vec.Mask.CopyFrom(src.Mask, srcOffset, dstOffset, count)
}

// CopySel gathers the rows of src listed in sel into vec starting at dstOffset.
func (vec *Vector) CopySel(src *Vector, sel []int, dstOffset int) {
	util.AssertFunc(vec._Typ.Equal(src._Typ))
	if len(sel) == 0 {
		return
	}
	vec.Reserve(dstOffset + len(sel))
	pTyp := vec._Typ.GetInternalType()
	sz := pTyp.Size()
	for i, idx := range sel {
		if pTyp.IsVarchar() {
			vec.Str[dstOffset+i] = src.Str[idx]
		} else {
			copy(vec.Data[(dstOffset+i)*sz:(dstOffset+i+1)*sz], src.Data[idx*sz:(idx+1)*sz])
		}
		if !src.Mask.AllValid() || !vec.Mask.AllValid() {
			vec.SetNull(dstOffset+i, src.IsNull(idx))
		}
	}
}

// MemUsage estimates the bytes held by the first count rows.
func (vec *Vector) MemUsage(count int) int64 {
	pTyp := vec._Typ.GetInternalType()
	ret := int64(len(vec.Mask.Bits))
	if pTyp.IsVarchar() {
		ret += int64(count * common.VarcharSize)
		for i := 0; i < count && i < len(vec.Str); i++ {
			ret += int64(len(vec.Str[i]))
		}
		return ret
	}
	return ret + int64(count*pTyp.Size())
}

func (vec *Vector) Serialize(count int, serial util.Serialize) error {
	hasMask := !vec.Mask.AllValid()
	err := util.Write[bool](hasMask, serial)
	if err != nil {
		return err
	}
	if hasMask {
		bits := make([]byte, util.EntryCount(count))
		for i := range bits {
			bits[i] = 0xFF
		}
		copy(bits, vec.Mask.Bits)
		err = util.WriteBytes(bits, serial)
		if err != nil {
			return err
		}
	}
	pTyp := vec._Typ.GetInternalType()
	if pTyp.IsVarchar() {
		for i := 0; i < count; i++ {
			err = util.WriteString(vec.Str[i], serial)
			if err != nil {
				return err
			}
		}
		return nil
	}
	return util.WriteBytes(vec.Data[:count*pTyp.Size()], serial)
}

func (vec *Vector) Deserialize(count int, deserial util.Deserialize) error {
	vec.Init(max(count, 1))
	hasMask := false
	err := util.Read[bool](&hasMask, deserial)
	if err != nil {
		return err
	}
	if hasMask {
		bits, err := util.ReadBytes(deserial)
		if err != nil {
			return err
		}
		if len(bits) != util.EntryCount(count) {
			return fmt.Errorf("corrupted validity mask: %d bytes for %d rows", len(bits), count)
		}
		vec.Mask.Bits = bits
	}
	pTyp := vec._Typ.GetInternalType()
	if pTyp.IsVarchar() {
		for i := 0; i < count; i++ {
			vec.Str[i], err = util.ReadString(deserial)
			if err != nil {
				return err
			}
		}
		return nil
	}
	data, err := util.ReadBytes(deserial)
	if err != nil {
		return err
	}
	if len(data) != count*pTyp.Size() {
		return fmt.Errorf("corrupted %s column: %d bytes for %d rows", vec._Typ, len(data), count)
	}
	copy(vec.Data, data)
	return nil
}
