package chunk

// ChunkSlice hands out successive row ranges of one chunk.
type ChunkSlice struct {
	_chunk     *Chunk
	_offset    int
	_colOffset int
}

func (s *ChunkSlice) Reset(c *Chunk) {
	s._chunk = c
	s._offset = 0
	s._colOffset = 0
}

// Skip drops the first n columns from every produced chunk.
func (s *ChunkSlice) Skip(n int) {
	s._colOffset = n
}

func (s *ChunkSlice) Empty() bool {
	return s._chunk == nil || s._offset >= s._chunk.Card()
}

func (s *ChunkSlice) Remaining() int {
	if s.Empty() {
		return 0
	}
	return s._chunk.Card() - s._offset
}

// Cutoff copies out the next at most size rows.
func (s *ChunkSlice) Cutoff(size int) *Chunk {
	cnt := min(size, s.Remaining())
	ret := s._chunk.Cutoff(s._offset, cnt, s._colOffset)
	s._offset += cnt
	return ret
}
