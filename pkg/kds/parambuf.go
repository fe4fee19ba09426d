package kds

import (
	"fmt"
	"unsafe"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
	"go.uber.org/zap"
)

type KernParamBuf struct {
	Length  uint32
	NParams uint32
	//poffset[nparams] follows
}

var (
	SizeOfKernParamBuf = int(unsafe.Sizeof(KernParamBuf{}))
)

// ParamNode is an expression whose value is shipped in a param buffer.
type ParamNode interface {
	String() string
}

type Const struct {
	TypeId common.Oid
	Len    int16
	ByVal  bool
	IsNull bool
	Value  common.Datum
	//by-reference value; payload only for variable length types
	Ref []byte
}

func (c *Const) String() string {
	if c.IsNull {
		return fmt.Sprintf("{CONST :consttype %d :constisnull true}", c.TypeId)
	}
	return fmt.Sprintf("{CONST :consttype %d :constlen %d}", c.TypeId, c.Len)
}

func NewConst(typ common.Oid, val storage.Value) *Const {
	info, ok := common.LookupType(typ)
	if !ok {
		panic(fmt.Sprintf("usp type %d", typ))
	}
	return &Const{
		TypeId: typ,
		Len:    info.Len,
		ByVal:  info.ByVal,
		IsNull: val.IsNull,
		Value:  val.Datum,
		Ref:    val.Ref,
	}
}

type Param struct {
	ParamId   int
	ParamType common.Oid
}

func (p *Param) String() string {
	return fmt.Sprintf("{PARAM :paramid %d :paramtype %d}", p.ParamId, p.ParamType)
}

type ParamExternData struct {
	Value  common.Datum
	Ref    []byte
	IsNull bool
	PType  common.Oid
}

type ParamListInfo struct {
	Params []ParamExternData
	//called when a param has no type yet
	ParamFetch func(info *ParamListInfo, paramId int)
}

type ExprContext struct {
	ParamListInfo *ParamListInfo
}

// ParamBuf is a view over a param buffer.
type ParamBuf []byte

func (pb ParamBuf) Header() *KernParamBuf {
	return util.Overlay[KernParamBuf](pb, 0)
}

func (pb ParamBuf) Offset(i int) uint32 {
	return *util.Overlay[uint32](pb, SizeOfKernParamBuf+4*i)
}

// Value returns the bytes of param i, or nil for null. typlen is the
// length of the param's type; a variable length value ends where its
// varlena header says.
func (pb ParamBuf) Value(i int, typlen int16) []byte {
	off := int(pb.Offset(i))
	if off == 0 {
		return nil
	}
	sz := int(typlen)
	if typlen < 0 {
		sz = storage.VarSize(pb[off:])
	}
	end := min(off+sz, int(pb.Header().Length))
	return pb[off:end]
}

func appendValue(buf []byte, typlen int16, byval bool, d common.Datum, ref []byte) ([]byte, error) {
	switch {
	case typlen > 0 && byval:
		var tmp [8]byte
		util.Store[uint64](uint64(d), util.BytesSliceToPointer(tmp[:]))
		return append(buf, tmp[:typlen]...), nil
	case typlen > 0:
		if len(ref) != int(typlen) {
			return nil, fmt.Errorf("value of %d bytes for a type of length %d", len(ref), typlen)
		}
		return append(buf, ref...), nil
	default:
		return append(buf, storage.MakeVarlena(ref)...), nil
	}
}

// BuildParamBuffer serializes the constants and params used by a kernel.
// Each entry is STROMALIGNed; a zero offset means null.
func BuildParamBuffer(usedParams []ParamNode, econtext *ExprContext) (ParamBuf, error) {
	nparams := len(usedParams)
	offset := util.StromAlign(SizeOfKernParamBuf + 4*nparams)
	buf := make([]byte, offset, offset*2)
	poffset := make([]uint32, nparams)
	var err error

	for index, node := range usedParams {
		switch n := node.(type) {
		case *Const:
			if !n.IsNull {
				poffset[index] = uint32(len(buf))
				if buf, err = appendValue(buf, n.Len, n.ByVal, n.Value, n.Ref); err != nil {
					return nil, err
				}
			}
		case *Param:
			var info *ParamListInfo
			if econtext != nil {
				info = econtext.ParamListInfo
			}
			if info == nil || n.ParamId <= 0 || n.ParamId > len(info.Params) {
				break
			}
			if !info.Params[n.ParamId-1].PType.Valid() && info.ParamFetch != nil {
				info.ParamFetch(info, n.ParamId)
				//the hook may have replaced the list
				if n.ParamId > len(info.Params) {
					break
				}
			}
			prm := &info.Params[n.ParamId-1]
			if !prm.PType.Valid() {
				util.Info("Param has no particular data type",
					zap.Int("paramid", n.ParamId))
				break
			}
			if prm.PType != n.ParamType {
				return nil, fmt.Errorf("type of parameter %d (%s) does not match that when preparing the plan (%s)",
					n.ParamId, common.TypeName(prm.PType), common.TypeName(n.ParamType))
			}
			if prm.IsNull {
				break
			}
			tinfo, ok := common.LookupType(prm.PType)
			if !ok {
				return nil, fmt.Errorf("cache lookup failed for type %d", prm.PType)
			}
			poffset[index] = uint32(len(buf))
			if buf, err = appendValue(buf, tinfo.Len, tinfo.ByVal, prm.Value, prm.Ref); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unexpected node: %s", node)
		}
		if pad := util.StromAlign(len(buf)) - len(buf); pad > 0 {
			buf = append(buf, make([]byte, pad)...)
		}
	}
	util.AssertFunc(util.StromAlign(len(buf)) == len(buf))
	pb := ParamBuf(buf)
	hdr := pb.Header()
	hdr.Length = uint32(len(buf))
	hdr.NParams = uint32(nparams)
	copy(util.OverlaySlice[uint32](pb, SizeOfKernParamBuf, nparams), poffset)
	return pb, nil
}
