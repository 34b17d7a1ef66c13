package util

// Bitmap is a validity mask. Nil Bits means every row is valid.
type Bitmap struct {
	Bits []uint8
}

func (bm *Bitmap) Init(count int) {
	cnt := EntryCount(count)
	bm.Bits = make([]uint8, cnt)
	for i := range bm.Bits {
		bm.Bits[i] = 0xFF
	}
}

func (bm *Bitmap) Invalid() bool {
	return len(bm.Bits) == 0
}

func GetEntryIndex(idx uint64) (uint64, uint64) {
	return idx / 8, idx % 8
}

func EntryIsSet(e uint8, pos uint64) bool {
	return e&(1<<pos) != 0
}

func (bm *Bitmap) RowIsValid(idx uint64) bool {
	if bm.Invalid() {
		return true
	}
	eIdx, pos := GetEntryIndex(idx)
	if eIdx >= uint64(len(bm.Bits)) {
		return true
	}
	return EntryIsSet(bm.Bits[eIdx], pos)
}

func (bm *Bitmap) Set(ridx uint64, valid bool) {
	if valid {
		bm.SetValid(ridx)
	} else {
		bm.SetInvalid(ridx)
	}
}

func (bm *Bitmap) SetValid(ridx uint64) {
	if bm.Invalid() {
		return
	}
	eIdx, pos := GetEntryIndex(ridx)
	if eIdx >= uint64(len(bm.Bits)) {
		return
	}
	bm.Bits[eIdx] |= 1 << pos
}

func (bm *Bitmap) SetInvalid(ridx uint64) {
	if bm.Invalid() {
		bm.Init(max(DefaultVectorSize, int(ridx)+1))
	}
	bm.Resize(len(bm.Bits)*8, int(ridx)+1)
	eIdx, pos := GetEntryIndex(ridx)
	bm.Bits[eIdx] &= ^(1 << pos)
}

func (bm *Bitmap) Reset() {
	bm.Bits = nil
}

func EntryCount(cnt int) int {
	return (cnt + 7) / 8
}

func (bm *Bitmap) Resize(old int, new int) {
	if new <= old || bm.Invalid() {
		return
	}
	ncnt := EntryCount(new)
	ocnt := EntryCount(old)
	if ncnt <= len(bm.Bits) {
		return
	}
	newData := make([]uint8, ncnt)
	copy(newData, bm.Bits)
	for i := ocnt; i < ncnt; i++ {
		newData[i] = 0xFF
	}
	bm.Bits = newData
}

func (bm *Bitmap) AllValid() bool {
	return bm.Invalid()
}

// CopyFrom copies validity of rows [offset, offset+count) of other
// into rows [target, target+count).
func (bm *Bitmap) CopyFrom(other *Bitmap, offset, target, count int) {
	if other == nil || other.AllValid() {
		if bm.Invalid() {
			return
		}
		for i := 0; i < count; i++ {
			bm.SetValid(uint64(target + i))
		}
		return
	}
	for i := 0; i < count; i++ {
		bm.Set(uint64(target+i), other.RowIsValid(uint64(offset+i)))
	}
}
