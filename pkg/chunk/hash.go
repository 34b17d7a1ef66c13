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

package chunk

import (
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/util"
)

const (
	NULL_HASH = 0xbf58476d1ce4e5b9
)

func murmurhash64(x uint64) uint64 {
	x ^= x >> 32
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	return x
}

func murmurhash32(x uint32) uint64 {
	return murmurhash64(uint64(x))
}

// CombineHashScalar is order sensitive: combine(a,b) != combine(b,a).
func CombineHashScalar(a, b uint64) uint64 {
	return (a * 0xbf58476d1ce4e5b9) ^ b
}

func hashRow(vec *Vector, idx int) uint64 {
	if vec.IsNull(idx) {
		return NULL_HASH
	}
	switch vec.Typ().GetInternalType() {
	case common.BOOL:
		if GetSliceInPhyFormatFlat[bool](vec)[idx] {
			return murmurhash64(1)
		}
		return murmurhash64(0)
	case common.INT32:
		return murmurhash32(uint32(GetSliceInPhyFormatFlat[int32](vec)[idx]))
	case common.INT64:
		return murmurhash64(uint64(GetSliceInPhyFormatFlat[int64](vec)[idx]))
	case common.UINT64:
		return murmurhash64(GetSliceInPhyFormatFlat[uint64](vec)[idx])
	case common.DOUBLE:
		f := GetSliceInPhyFormatFlat[float64](vec)[idx]
		if f == 0 {
			// -0.0 and 0.0 join
			f = 0
		}
		return murmurhash64(math.Float64bits(f))
	case common.VARCHAR:
		return xxhash.Sum64String(vec.Str[idx])
	default:
		panic("usp")
	}
}

// HashValue hashes a single value the same way HashTypeSwitch hashes a row.
func HashValue(val *Value) uint64 {
	vec := NewFlatVector(val.Typ, 1)
	vec.SetValue(0, val)
	return hashRow(vec, 0)
}

// HashTypeSwitch writes the hash of the first count rows of input into result.
func HashTypeSwitch(input, result *Vector, count int) {
	util.AssertFunc(result.Typ().Id == common.HashType().Id)
	result.Reserve(count)
	hashes := GetSliceInPhyFormatFlat[uint64](result)
	for i := 0; i < count; i++ {
		hashes[i] = hashRow(input, i)
	}
}

// CombineHashTypeSwitch folds the hash of input into hashes.
func CombineHashTypeSwitch(hashes, input *Vector, count int) {
	util.AssertFunc(hashes.Typ().Id == common.HashType().Id)
	data := GetSliceInPhyFormatFlat[uint64](hashes)
	for i := 0; i < count; i++ {
		data[i] = CombineHashScalar(data[i], hashRow(input, i))
	}
}
