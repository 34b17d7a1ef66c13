package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/spilljoin/pkg/util"
)

func TestLTypeSerialize(t *testing.T) {
	typs := []LType{BooleanType(), IntegerType(), BigintType(), DoubleType(), VarcharType(), HashType()}
	serial := util.NewBufferSerialize(64)
	for _, typ := range typs {
		require.NoError(t, typ.Serialize(serial))
	}
	deserial := util.NewBufferDeserialize(serial.Bytes())
	for _, typ := range typs {
		got, err := DeserializeLType(deserial)
		require.NoError(t, err)
		assert.True(t, typ.Equal(got), "%s vs %s", typ, got)
		assert.Equal(t, typ.PTyp, got.PTyp)
	}

	bad := util.NewBufferSerialize(8)
	require.NoError(t, util.Write[int32](999, bad))
	require.NoError(t, util.Write[int32](0, bad))
	_, err := DeserializeLType(util.NewBufferDeserialize(bad.Bytes()))
	assert.Error(t, err)
}

func TestPhyType(t *testing.T) {
	assert.Equal(t, 8, BigintType().GetInternalType().Size())
	assert.Equal(t, 4, IntegerType().GetInternalType().Size())
	assert.True(t, VarcharType().GetInternalType().IsVarchar())
	assert.True(t, HashType().Equal(UbigintType()))
	assert.Equal(t, "LTID_BIGINT", BigintType().String())
	assert.Equal(t, "LTID_77", LTypeId(77).String())
}
