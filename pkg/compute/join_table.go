package compute

import (
	"fmt"
	"sync/atomic"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/util"
)

const (
	// column 0 of the build chunk chains rows with the same bucket
	HASH_JOIN_KEY_COLUMN_OFFSET = 1

	noNextRow int64 = -1
)

// JoinHashTable stores build rows in one growing chunk:
//
//	column 0   : next row in the same bucket
//	column 1.. : build row
//
// Build and Finalize run on the owning lane. MemUsage may be read from
// any goroutine.
type JoinHashTable struct {
	_keys       []*Expr
	_keyExec    *ExprExec
	_buildTypes []common.LType

	_buildChunk *chunk.Chunk
	//hash of the join keys, one per row
	_hashes []uint64
	//does the key of the row contain NULL
	_nullKey []bool
	_hasNull bool

	_finalized bool
	//bucket -> first row
	_hashMap []int64
	_bitmask uint64
	//evaluated keys of every row, ready after Finalize
	_keyChunk *chunk.Chunk

	_memUsage atomic.Int64
}

func NewJoinHashTable(keys []*Expr, buildTypes []common.LType) *JoinHashTable {
	util.AssertFunc(len(keys) != 0)
	keys = copyExprs(keys...)
	ht := &JoinHashTable{
		_keys:       keys,
		_keyExec:    NewExprExec(keys...),
		_buildTypes: common.CopyLTypes(buildTypes...),
	}
	ht.Reset()
	return ht
}

func (jht *JoinHashTable) layoutTypes() []common.LType {
	ret := make([]common.LType, 0, len(jht._buildTypes)+HASH_JOIN_KEY_COLUMN_OFFSET)
	ret = append(ret, common.BigintType())
	ret = append(ret, jht._buildTypes...)
	return ret
}

func (jht *JoinHashTable) BuildTypes() []common.LType {
	return jht._buildTypes
}

func (jht *JoinHashTable) Keys() []*Expr {
	return jht._keys
}

// Build appends the rows of data.
func (jht *JoinHashTable) Build(data *chunk.Chunk) error {
	util.AssertFunc(!jht._finalized)
	if data.IsEmpty() {
		return nil
	}
	if data.ColumnCount() != len(jht._buildTypes) {
		return fmt.Errorf("build chunk has %d columns, expect %d",
			data.ColumnCount(), len(jht._buildTypes))
	}
	for i, vec := range data.Data {
		if !vec.Typ().Equal(jht._buildTypes[i]) {
			return fmt.Errorf("build column %d has type %s, expect %s",
				i, vec.Typ(), jht._buildTypes[i])
		}
	}
	keys, err := jht._keyExec.executeExprs(data)
	if err != nil {
		return err
	}
	hashes := chunk.NewFlatVector(common.HashType(), data.Card())
	keys.Hash(hashes)

	for i := 0; i < data.Card(); i++ {
		null := false
		for _, vec := range keys.Data {
			if vec.IsNull(i) {
				null = true
				break
			}
		}
		jht._nullKey = append(jht._nullKey, null)
		jht._hasNull = jht._hasNull || null
	}
	jht._hashes = append(jht._hashes, chunk.GetSliceInPhyFormatFlat[uint64](hashes)[:data.Card()]...)

	next := chunk.NewFlatVector(common.BigintType(), data.Card())
	util.Fill(chunk.GetSliceInPhyFormatFlat[int64](next), data.Card(), noNextRow)
	source := &chunk.Chunk{}
	source.Data = append(source.Data, next)
	source.Data = append(source.Data, data.Data...)
	source.SetCard(data.Card())
	jht._buildChunk.Append(source, nil)

	// next column + hash + null flag per row
	jht._memUsage.Add(data.MemUsage() + int64(data.Card())*(8+8+1))
	return nil
}

// BuildChunk is the row storage. Column 0 is bookkeeping.
func (jht *JoinHashTable) BuildChunk() *chunk.Chunk {
	return jht._buildChunk
}

func (jht *JoinHashTable) RowCount() int {
	return jht._buildChunk.Card()
}

func (jht *JoinHashTable) HasNull() bool {
	return jht._hasNull
}

func (jht *JoinHashTable) MemUsage() int64 {
	return jht._memUsage.Load()
}

// Reset drops every row and the buckets.
func (jht *JoinHashTable) Reset() {
	jht._buildChunk = chunk.NewChunk(jht.layoutTypes(), util.DefaultVectorSize)
	jht._hashes = nil
	jht._nullKey = nil
	jht._hasNull = false
	jht._finalized = false
	jht._hashMap = nil
	jht._bitmask = 0
	jht._keyChunk = nil
	jht._memUsage.Store(0)
}

func pointerTableCap(cnt int) int {
	return max(int(util.NextPowerOfTwo(uint64(cnt*2))), 1024)
}

func (jht *JoinHashTable) InitPointerTable() {
	pCap := pointerTableCap(jht.RowCount())
	util.AssertFunc(util.IsPowerOfTwo(uint64(pCap)))
	jht._hashMap = make([]int64, pCap)
	util.Fill(jht._hashMap, pCap, noNextRow)
	jht._bitmask = uint64(pCap - 1)
}

// Finalize links every row with a non NULL key into its bucket.
func (jht *JoinHashTable) Finalize() error {
	if jht._finalized {
		return nil
	}
	jht.InitPointerTable()
	next := chunk.GetSliceInPhyFormatFlat[int64](jht._buildChunk.Data[0])
	for row := 0; row < jht.RowCount(); row++ {
		if jht._nullKey[row] {
			continue
		}
		bucket := jht._hashes[row] & jht._bitmask
		next[row] = jht._hashMap[bucket]
		jht._hashMap[bucket] = int64(row)
	}
	payload := jht.payload()
	keys, err := jht._keyExec.executeExprs(payload)
	if err != nil {
		return err
	}
	jht._keyChunk = keys
	jht._memUsage.Add(int64(len(jht._hashMap)) * 8)
	jht._finalized = true
	return nil
}

// payload is the build rows without the bookkeeping column.
func (jht *JoinHashTable) payload() *chunk.Chunk {
	indice := make([]int, 0, len(jht._buildTypes))
	for i := range jht._buildTypes {
		indice = append(indice, i+HASH_JOIN_KEY_COLUMN_OFFSET)
	}
	return jht._buildChunk.Project(indice)
}

// KeyHashes returns the key hash and the null flag of every row.
func (jht *JoinHashTable) KeyHashes() ([]uint64, []bool) {
	return jht._hashes, jht._nullKey
}

// KeyColumns returns the evaluated join keys. Valid after Finalize.
func (jht *JoinHashTable) KeyColumns() *chunk.Chunk {
	return jht._keyChunk
}

// Probe matches the rows of keys, whose columns are the probe side join
// keys in build key order. It returns (probe row, build row) pairs.
func (jht *JoinHashTable) Probe(keys *chunk.Chunk) ([]util.Pair[int, int], error) {
	util.AssertFunc(jht._finalized)
	if keys.ColumnCount() != len(jht._keys) {
		return nil, fmt.Errorf("probe has %d keys, expect %d", keys.ColumnCount(), len(jht._keys))
	}
	for i, vec := range keys.Data {
		if vec.Typ().Id != jht._keys[i].DataTyp.Id {
			return nil, fmt.Errorf("probe key %d has type %s, expect %s",
				i, vec.Typ(), jht._keys[i].DataTyp)
		}
	}
	if keys.IsEmpty() || jht.RowCount() == 0 {
		return nil, nil
	}
	hashes := chunk.NewFlatVector(common.HashType(), keys.Card())
	keys.Hash(hashes)
	hashVals := chunk.GetSliceInPhyFormatFlat[uint64](hashes)
	next := chunk.GetSliceInPhyFormatFlat[int64](jht._buildChunk.Data[0])

	ret := make([]util.Pair[int, int], 0)
	for i := 0; i < keys.Card(); i++ {
		for row := jht._hashMap[hashVals[i]&jht._bitmask]; row != noNextRow; row = next[row] {
			if jht._hashes[row] != hashVals[i] {
				continue
			}
			if jht.keyEqual(keys, i, int(row)) {
				ret = append(ret, util.Pair[int, int]{First: i, Second: int(row)})
			}
		}
	}
	return ret, nil
}

func (jht *JoinHashTable) keyEqual(keys *chunk.Chunk, probeRow, buildRow int) bool {
	for j, vec := range keys.Data {
		if !vec.GetValue(probeRow).Equal(jht._keyChunk.Data[j].GetValue(buildRow)) {
			return false
		}
	}
	return true
}
