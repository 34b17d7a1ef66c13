package util

import (
	"errors"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap(t *testing.T) {
	bm := &Bitmap{}
	assert.True(t, bm.AllValid())
	assert.True(t, bm.RowIsValid(100))

	bm.SetInvalid(3)
	assert.False(t, bm.AllValid())
	assert.False(t, bm.RowIsValid(3))
	assert.True(t, bm.RowIsValid(2))
	assert.Equal(t, EntryCount(DefaultVectorSize), len(bm.Bits))

	bm.SetInvalid(uint64(DefaultVectorSize + 10))
	assert.False(t, bm.RowIsValid(uint64(DefaultVectorSize+10)))
	assert.True(t, bm.RowIsValid(uint64(DefaultVectorSize+9)))
	assert.False(t, bm.RowIsValid(3))

	bm.SetValid(3)
	assert.True(t, bm.RowIsValid(3))

	dst := &Bitmap{}
	dst.CopyFrom(bm, DefaultVectorSize+8, 0, 4)
	assert.True(t, dst.RowIsValid(1))
	assert.False(t, dst.RowIsValid(2))

	dst.CopyFrom(&Bitmap{}, 0, 0, 4)
	assert.True(t, dst.RowIsValid(2))

	bm.Reset()
	assert.True(t, bm.AllValid())
}

func TestSerialize(t *testing.T) {
	serial := NewBufferSerialize(64)
	require.NoError(t, Write[uint32](7, serial))
	require.NoError(t, Write[int64](-9, serial))
	require.NoError(t, WriteString("spill", serial))
	require.NoError(t, WriteString("", serial))
	require.NoError(t, WriteBytes([]byte{1, 2, 3}, serial))
	require.NoError(t, serial.Close())

	deserial := NewBufferDeserialize(serial.Bytes())
	var u uint32
	var i int64
	require.NoError(t, Read[uint32](&u, deserial))
	require.NoError(t, Read[int64](&i, deserial))
	assert.Equal(t, uint32(7), u)
	assert.Equal(t, int64(-9), i)
	s, err := ReadString(deserial)
	require.NoError(t, err)
	assert.Equal(t, "spill", s)
	s, err = ReadString(deserial)
	require.NoError(t, err)
	assert.Equal(t, "", s)
	b, err := ReadBytes(deserial)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
	assert.Equal(t, 0, deserial.Remaining())

	_, err = ReadBytes(deserial)
	assert.Error(t, err)

	// length says 100 bytes, only 2 follow
	short := NewBufferSerialize(8)
	require.NoError(t, Write[uint32](100, short))
	require.NoError(t, short.WriteData([]byte{1, 2}, 2))
	_, err = ReadBytes(NewBufferDeserialize(short.Bytes()))
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	data := []byte("spilled partition block payload")
	sum := Checksum(data)
	assert.Equal(t, sum, Checksum(append([]byte(nil), data...)))
	data[3] ^= 0x1
	assert.NotEqual(t, sum, Checksum(data))
	assert.NotEqual(t, HashBytes([]byte("a")), HashBytes([]byte("b")))
}

func TestPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint64(1024), NextPowerOfTwo(1000))
	assert.Equal(t, uint64(1024), NextPowerOfTwo(1024))
	assert.True(t, IsPowerOfTwo(4096))
	assert.False(t, IsPowerOfTwo(4095))
}

func TestParseSize(t *testing.T) {
	sz, err := ParseSize("memTableSize", "4KB")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), sz)
	sz, err = ParseSize("memTableSize", "16mb")
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20), sz)
	sz, err = ParseSize("memTableSize", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sz)
	_, err = ParseSize("memTableSize", "lots")
	assert.ErrorContains(t, err, "memTableSize")
}

func TestConfig(t *testing.T) {
	def := DefaultConfig()
	assert.Equal(t, "auto", def.Spill.Mode)
	assert.Equal(t, DefaultVectorSize, def.Bench.ChunkSize)

	conf := &Config{}
	_, err := toml.DecodeFile("../../etc/ut_config.toml", conf)
	require.NoError(t, err)
	assert.Equal(t, "memory", conf.Spill.Storage)
	assert.Equal(t, 4, conf.Spill.InitPartition)
	assert.Equal(t, "4KB", conf.Spill.MemTableSize)
	assert.Greater(t, conf.Bench.Lanes, 0)
}

func TestFaultInject(t *testing.T) {
	assert.Nil(t, Check(FAULTS_SCOPE_SPILL, "f"))
	Register(FAULTS_SCOPE_SPILL, "f", nil, func([]string) error { return errors.New("x") })
	assert.Nil(t, Check(FAULTS_SCOPE_SPILL, "f"))

	Open(FAULTS_SCOPE_SPILL)
	defer Close(FAULTS_SCOPE_SPILL)
	Register(FAULTS_SCOPE_SPILL, "f", []string{"disk full"}, func(args []string) error {
		return errors.New(args[0])
	})
	fa := Check(FAULTS_SCOPE_SPILL, "f")
	require.NotNil(t, fa)
	assert.EqualError(t, fa.Run(), "disk full")
	assert.Nil(t, Check(FAULTS_SCOPE_SPILL, "g"))
	assert.NoError(t, Check(FAULTS_SCOPE_SPILL, "g").Run())

	Close(FAULTS_SCOPE_SPILL)
	assert.Nil(t, Check(FAULTS_SCOPE_SPILL, "f"))
}

func TestStl(t *testing.T) {
	data := []int{1, 2, 3}
	assert.Equal(t, 3, Back(data))
	assert.Equal(t, 1, FindIf(data, func(v int) bool { return v == 2 }))
	assert.Equal(t, -1, FindIf(data, func(v int) bool { return v == 5 }))
	front, rest := PopFront(data)
	assert.Equal(t, 1, front)
	assert.Equal(t, []int{2, 3}, rest)
	assert.True(t, Empty[int](nil))
}

func TestInitLogger(t *testing.T) {
	old := Logger()
	defer gLogger.Store(old)
	require.NoError(t, InitLogger(LogOptions{Level: "warn"}))
	assert.NotSame(t, old, Logger())
	assert.Error(t, InitLogger(LogOptions{Level: "loud"}))
}
