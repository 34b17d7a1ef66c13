package common

import "fmt"

type PhyType int

const (
	NA      PhyType = 0
	BOOL    PhyType = 1
	INT32   PhyType = 7
	UINT64  PhyType = 8
	INT64   PhyType = 9
	DOUBLE  PhyType = 12
	VARCHAR PhyType = 200
	INVALID PhyType = 255
)

const (
	BoolSize   = 1
	Int32Size  = 4
	Int64Size  = 8
	Uint64Size = 8
	DoubleSize = 8
	// VarcharSize is the estimated width of a string slot used for
	// memory accounting. Payload bytes are counted separately.
	VarcharSize = 16
)

var pTypeToStr = map[PhyType]string{
	NA:      "NA",
	BOOL:    "BOOL",
	INT32:   "INT32",
	UINT64:  "UINT64",
	INT64:   "INT64",
	DOUBLE:  "DOUBLE",
	VARCHAR: "VARCHAR",
	INVALID: "INVALID",
}

func (pt PhyType) String() string {
	if s, has := pTypeToStr[pt]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", pt))
}

// Size is the width of one value in a flat buffer. Varchar is
// not stored in the flat buffer and reports 0.
func (pt PhyType) Size() int {
	switch pt {
	case BOOL:
		return BoolSize
	case INT32:
		return Int32Size
	case INT64:
		return Int64Size
	case UINT64:
		return Uint64Size
	case DOUBLE:
		return DoubleSize
	case VARCHAR:
		return 0
	default:
		panic(fmt.Sprintf("usp %s", pt))
	}
}

func (pt PhyType) IsVarchar() bool {
	return pt == VARCHAR
}
