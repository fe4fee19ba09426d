package kds

import (
	"encoding/binary"
	"testing"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamBufferConsts(t *testing.T) {
	params := []ParamNode{
		NewConst(common.INT4OID, storage.NullValue()),
		NewConst(common.INT4OID, storage.DatumValue(common.Int32GetDatum(0x12345678))),
	}
	pb, err := BuildParamBuffer(params, &ExprContext{})
	require.NoError(t, err)
	hdr := pb.Header()
	assert.Equal(t, uint32(2), hdr.NParams)
	assert.Equal(t, uint32(len(pb)), hdr.Length)
	assert.Equal(t, 0, len(pb)%util.StromAlignLen)
	assert.Equal(t, uint32(0), pb.Offset(0))
	assert.NotEqual(t, uint32(0), pb.Offset(1))
	assert.Nil(t, pb.Value(0, 4))
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, pb.Value(1, 4))
	assert.Equal(t, uint32(16), pb.Offset(1))
}

func TestParamBufferByRef(t *testing.T) {
	uid := []byte("0123456789abcdef")
	params := []ParamNode{
		NewConst(common.TEXTOID, storage.RefValue([]byte("hello"))),
		NewConst(common.UUIDOID, storage.RefValue(uid)),
		NewConst(common.INT8OID, storage.DatumValue(common.Int64GetDatum(-1))),
	}
	pb, err := BuildParamBuffer(params, nil)
	require.NoError(t, err)
	txt := pb.Value(0, -1)
	assert.Len(t, txt, 9)
	assert.Equal(t, 9, storage.VarSize(txt))
	assert.Equal(t, "hello", string(txt[4:]))
	assert.Equal(t, uid, []byte(pb.Value(1, 16)))
	assert.Equal(t, int64(-1), int64(binary.LittleEndian.Uint64(pb.Value(2, 8))))
	//a corrupt header does not reach past the buffer
	storage.SetVarSize(txt, 1<<20)
	assert.Len(t, pb.Value(0, -1), len(pb)-int(pb.Offset(0)))
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint32(0), pb.Offset(i)%util.StromAlignLen)
	}

	_, err = BuildParamBuffer([]ParamNode{NewConst(common.UUIDOID, storage.RefValue([]byte{1}))}, nil)
	assert.Error(t, err)
}

type otherNode struct{}

func (otherNode) String() string { return "{FUNCEXPR}" }

func TestParamBufferParams(t *testing.T) {
	info := &ParamListInfo{
		Params: []ParamExternData{
			{Value: common.Int32GetDatum(7), PType: common.INT4OID},
			{IsNull: true, PType: common.INT8OID},
			{},
			{Ref: []byte("late")},
		},
	}
	fetched := 0
	info.ParamFetch = func(info *ParamListInfo, paramId int) {
		fetched++
		if paramId == 4 {
			info.Params[paramId-1].PType = common.TEXTOID
		}
	}
	econtext := &ExprContext{ParamListInfo: info}

	pb, err := BuildParamBuffer([]ParamNode{
		&Param{ParamId: 1, ParamType: common.INT4OID},
		&Param{ParamId: 2, ParamType: common.INT8OID},
		&Param{ParamId: 3, ParamType: common.INT4OID},
		&Param{ParamId: 4, ParamType: common.TEXTOID},
		&Param{ParamId: 9, ParamType: common.INT4OID},
	}, econtext)
	require.NoError(t, err)
	assert.Equal(t, 2, fetched)
	assert.Equal(t, uint32(5), pb.Header().NParams)
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(pb.Value(0, 4)))
	assert.Nil(t, pb.Value(1, 8))
	assert.Nil(t, pb.Value(2, 4))
	assert.Equal(t, "late", string(pb.Value(3, -1)[4:]))
	assert.Nil(t, pb.Value(4, 4))

	_, err = BuildParamBuffer([]ParamNode{&Param{ParamId: 1, ParamType: common.INT8OID}}, econtext)
	assert.ErrorContains(t, err, "does not match")

	_, err = BuildParamBuffer([]ParamNode{otherNode{}}, econtext)
	assert.ErrorContains(t, err, "unexpected node")
}

func TestParamBufferFetchReplaces(t *testing.T) {
	info := &ParamListInfo{
		Params: []ParamExternData{{Ref: []byte("old")}},
	}
	info.ParamFetch = func(info *ParamListInfo, paramId int) {
		info.Params = []ParamExternData{
			{Value: common.Int64GetDatum(42), PType: common.INT8OID},
		}
	}
	pb, err := BuildParamBuffer([]ParamNode{&Param{ParamId: 1, ParamType: common.INT8OID}},
		&ExprContext{ParamListInfo: info})
	require.NoError(t, err)
	assert.Equal(t, int64(42), int64(binary.LittleEndian.Uint64(pb.Value(0, 8))))

	//a hook that shrinks the list leaves the param null
	info = &ParamListInfo{
		Params: []ParamExternData{{}, {}},
		ParamFetch: func(info *ParamListInfo, paramId int) {
			info.Params = info.Params[:1]
		},
	}
	pb, err = BuildParamBuffer([]ParamNode{&Param{ParamId: 2, ParamType: common.INT8OID}},
		&ExprContext{ParamListInfo: info})
	require.NoError(t, err)
	assert.Nil(t, pb.Value(0, 8))
}
