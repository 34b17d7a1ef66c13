package chunk

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/util"
)

type Chunk struct {
	Data  []*Vector
	Count int
	_Cap  int
}

func NewChunk(types []common.LType, cap int) *Chunk {
	c := &Chunk{}
	c.Init(types, cap)
	return c
}

func (c *Chunk) Init(types []common.LType, cap int) {
	c._Cap = cap
	c.Count = 0
	c.Data = nil
	for _, lType := range types {
		c.Data = append(c.Data, NewFlatVector(lType, c._Cap))
	}
}

func (c *Chunk) Cap() int {
	return c._Cap
}

func (c *Chunk) SetCard(count int) {
	util.AssertFunc(count >= 0)
	c.Count = count
	if count > c._Cap {
		c._Cap = count
	}
}

func (c *Chunk) Card() int {
	if c == nil {
		return 0
	}
	return c.Count
}

func (c *Chunk) IsEmpty() bool {
	return c == nil || c.Count == 0
}

func (c *Chunk) ColumnCount() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

func (c *Chunk) Types() []common.LType {
	ret := make([]common.LType, 0, len(c.Data))
	for _, vec := range c.Data {
		ret = append(ret, vec.Typ())
	}
	return ret
}

// AppendColumn adds vec as the last column. vec must hold Card() rows.
func (c *Chunk) AppendColumn(vec *Vector) {
	util.AssertFunc(vec.Cap() >= c.Count)
	c.Data = append(c.Data, vec)
}

// Project returns a chunk referencing the columns in indice.
// Vectors are shared, not copied.
func (c *Chunk) Project(indice []int) *Chunk {
	ret := &Chunk{
		Count: c.Count,
		_Cap:  c._Cap,
	}
	for _, idx := range indice {
		ret.Data = append(ret.Data, c.Data[idx])
	}
	return ret
}

// Append copies the rows of other listed in sel to the end of c.
// A nil sel appends every row.
func (c *Chunk) Append(other *Chunk, sel []int) {
	util.AssertFunc(other.ColumnCount() == c.ColumnCount())
	if sel == nil {
		for i := range c.Data {
			c.Data[i].CopyRows(other.Data[i], 0, c.Count, other.Count)
		}
		c.SetCard(c.Count + other.Count)
		return
	}
	for i := range c.Data {
		c.Data[i].CopySel(other.Data[i], sel, c.Count)
	}
	c.SetCard(c.Count + len(sel))
}

// Cutoff copies rows [offset, offset+count) of the columns starting at
// colOffset into a new chunk.
func (c *Chunk) Cutoff(offset, count, colOffset int) *Chunk {
	util.AssertFunc(offset+count <= c.Count)
	ret := NewChunk(c.Types()[colOffset:], max(count, 1))
	for i := colOffset; i < len(c.Data); i++ {
		ret.Data[i-colOffset].CopyRows(c.Data[i], offset, 0, count)
	}
	ret.SetCard(count)
	return ret
}

func (c *Chunk) MemUsage() int64 {
	if c == nil {
		return 0
	}
	ret := int64(0)
	for _, vec := range c.Data {
		ret += vec.MemUsage(c.Count)
	}
	return ret
}

func (c *Chunk) Hash(result *Vector) {
	util.AssertFunc(result.Typ().Id == common.HashType().Id)
	HashTypeSwitch(c.Data[0], result, c.Card())
	for i := 1; i < c.ColumnCount(); i++ {
		CombineHashTypeSwitch(result, c.Data[i], c.Card())
	}
}

func (c *Chunk) Serialize(serial util.Serialize) error {
	//save row count
	err := util.Write[uint32](uint32(c.Card()), serial)
	if err != nil {
		return err
	}
	//save column count
	err = util.Write[uint32](uint32(c.ColumnCount()), serial)
	if err != nil {
		return err
	}
	//save column types
	for i := 0; i < c.ColumnCount(); i++ {
		err = c.Data[i].Typ().Serialize(serial)
		if err != nil {
			return err
		}
	}
	//save column data
	for i := 0; i < c.ColumnCount(); i++ {
		err = c.Data[i].Serialize(c.Card(), serial)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Chunk) Deserialize(deserial util.Deserialize) error {
	//read row count
	rowCnt := uint32(0)
	err := util.Read[uint32](&rowCnt, deserial)
	if err != nil {
		return err
	}
	//read column count
	colCnt := uint32(0)
	err = util.Read[uint32](&colCnt, deserial)
	if err != nil {
		return err
	}
	if colCnt > 4096 {
		return fmt.Errorf("corrupted chunk: %d columns", colCnt)
	}
	//read column types
	typs := make([]common.LType, colCnt)
	for i := uint32(0); i < colCnt; i++ {
		typs[i], err = common.DeserializeLType(deserial)
		if err != nil {
			return err
		}
	}
	c.Init(typs, max(int(rowCnt), 1))
	//read column data
	for i := uint32(0); i < colCnt; i++ {
		err = c.Data[i].Deserialize(int(rowCnt), deserial)
		if err != nil {
			return err
		}
	}
	c.SetCard(int(rowCnt))
	return nil
}

func (c *Chunk) Print2(rowPrefix string) {
	for i := 0; i < c.Card(); i++ {
		fields := make([]zap.Field, 0, c.ColumnCount())
		for j := 0; j < c.ColumnCount(); j++ {
			fields = append(fields, zap.String(fmt.Sprintf("c%d", j), c.Data[j].GetValue(i).String()))
		}
		util.Info(rowPrefix, fields...)
	}
}
