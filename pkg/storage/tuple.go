package storage

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/util"
)

// infomask bits
const (
	HEAP_HASNULL        uint16 = 0x0001
	HEAP_HASVARWIDTH    uint16 = 0x0002
	HEAP_HASOID         uint16 = 0x0008
	HEAP_XMIN_COMMITTED uint16 = 0x0100
	HEAP_XMIN_INVALID   uint16 = 0x0200
	HEAP_XMAX_COMMITTED uint16 = 0x0400
	HEAP_XMAX_INVALID   uint16 = 0x0800

	HEAP_NATTS_MASK uint16 = 0x07FF
)

type HeapTupleHeader struct {
	Xmin      uint32
	Xmax      uint32
	CtidBlk   uint32
	CtidOff   uint16
	Infomask2 uint16
	Infomask  uint16
	Hoff      uint8
	//t_bits follows
}

var (
	// SizeofHeapTupleHeader is the offset of the null bitmap.
	SizeofHeapTupleHeader = int(unsafe.Offsetof(HeapTupleHeader{}.Hoff)) + 1
)

const (
	VarHdrSz = 4
)

var (
	ErrTupleCorrupted = errors.New("tuple data corrupted")
)

func (hdr *HeapTupleHeader) NAtts() int {
	return int(hdr.Infomask2 & HEAP_NATTS_MASK)
}

func (hdr *HeapTupleHeader) HasNulls() bool {
	return util.FlagIsSet(hdr.Infomask, HEAP_HASNULL)
}

func (hdr *HeapTupleHeader) HasOid() bool {
	return util.FlagIsSet(hdr.Infomask, HEAP_HASOID)
}

type ItemPointer struct {
	Blkno  uint32
	Offset OffsetNumber
}

func (ip ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", ip.Blkno, ip.Offset)
}

// HeapTuple is a tuple handle. Data may point into a page or a chunk.
type HeapTuple struct {
	Len      uint32
	Self     ItemPointer
	TableOid common.Oid
	Data     []byte
}

func (tup *HeapTuple) Header() *HeapTupleHeader {
	return util.Overlay[HeapTupleHeader](tup.Data, 0)
}

func (tup *HeapTuple) Copy() *HeapTuple {
	ret := *tup
	ret.Data = make([]byte, len(tup.Data))
	copy(ret.Data, tup.Data)
	return &ret
}

func (tup *HeapTuple) Oid() common.Oid {
	hdr := tup.Header()
	if !hdr.HasOid() {
		return common.InvalidOid
	}
	return util.Load[common.Oid](util.PointerAdd(
		util.BytesSliceToPointer(tup.Data), int(hdr.Hoff)-4))
}

func (tup *HeapTuple) SetOid(oid common.Oid) {
	hdr := tup.Header()
	util.AssertFunc(hdr.HasOid())
	util.Store[common.Oid](oid, util.PointerAdd(
		util.BytesSliceToPointer(tup.Data), int(hdr.Hoff)-4))
}

// Value is one attribute in host form. By-value attributes use Datum.
// By-reference attributes use Ref: the payload of a varlena without its
// header, or exactly attlen bytes for fixed-length types.
type Value struct {
	IsNull bool
	Datum  common.Datum
	Ref    []byte
}

func NullValue() Value {
	return Value{IsNull: true}
}

func DatumValue(d common.Datum) Value {
	return Value{Datum: d}
}

func RefValue(b []byte) Value {
	return Value{Ref: b}
}

// VarSize returns the total size of the varlena at data[0:], header included.
func VarSize(data []byte) int {
	return int(util.Load[uint32](util.BytesSliceToPointer(data)))
}

func SetVarSize(data []byte, sz int) {
	util.Store[uint32](uint32(sz), util.BytesSliceToPointer(data))
}

// MakeVarlena prepends a varlena header to payload.
func MakeVarlena(payload []byte) []byte {
	ret := make([]byte, VarHdrSz+len(payload))
	SetVarSize(ret, len(ret))
	copy(ret[VarHdrSz:], payload)
	return ret
}

func alignBy(off int, align byte) int {
	return util.TypeAlign(common.TypeAlignWidth(align), off)
}

// HeapTupleHeaderSize returns t_hoff of a tuple with natts attributes.
func HeapTupleHeaderSize(natts int, hasNull, hasOid bool) int {
	sz := SizeofHeapTupleHeader
	if hasNull {
		sz += util.EntryCount(natts)
	}
	if hasOid {
		sz += 4
	}
	return util.MaxAlign(sz)
}

func ComputeDataSize(desc *common.TupleDesc, values []Value) int {
	off := 0
	for i := range desc.Attrs {
		attr := &desc.Attrs[i]
		if values[i].IsNull {
			continue
		}
		off = alignBy(off, attr.Align)
		if attr.Len > 0 {
			off += int(attr.Len)
		} else {
			off += VarHdrSz + len(values[i].Ref)
		}
	}
	return off
}

// FormTuple builds a heap tuple in its native encoding.
func FormTuple(desc *common.TupleDesc, values []Value) (*HeapTuple, error) {
	natts := desc.NAtts()
	if len(values) != natts {
		return nil, fmt.Errorf("form tuple: %d values for %d attributes",
			len(values), natts)
	}
	hasNull := false
	hasVarWidth := false
	for i := range desc.Attrs {
		attr := &desc.Attrs[i]
		if values[i].IsNull {
			hasNull = true
			continue
		}
		if attr.Len < 0 {
			hasVarWidth = true
		} else if !attr.ByVal && len(values[i].Ref) != int(attr.Len) {
			return nil, fmt.Errorf("form tuple: attribute %d needs %d bytes, got %d",
				i+1, attr.Len, len(values[i].Ref))
		}
	}
	hoff := HeapTupleHeaderSize(natts, hasNull, desc.HasOid)
	dataLen := ComputeDataSize(desc, values)
	tup := &HeapTuple{
		Len:  uint32(hoff + dataLen),
		Self: ItemPointer{Blkno: InvalidBlockNumber, Offset: InvalidOffsetNumber},
		Data: make([]byte, hoff+dataLen),
	}
	hdr := tup.Header()
	hdr.Infomask2 = uint16(natts) & HEAP_NATTS_MASK
	hdr.Hoff = uint8(hoff)
	hdr.CtidBlk = InvalidBlockNumber
	if hasNull {
		hdr.Infomask |= HEAP_HASNULL
	}
	if hasVarWidth {
		hdr.Infomask |= HEAP_HASVARWIDTH
	}
	if desc.HasOid {
		hdr.Infomask |= HEAP_HASOID
	}

	//t_bits: a set bit is a non-null attribute
	var nulls util.Bitmap
	if hasNull {
		nulls.Bits = tup.Data[SizeofHeapTupleHeader : SizeofHeapTupleHeader+util.EntryCount(natts)]
	}
	base := util.BytesSliceToPointer(tup.Data)
	off := hoff
	for i := range desc.Attrs {
		attr := &desc.Attrs[i]
		if values[i].IsNull {
			continue
		}
		nulls.SetValid(uint64(i))
		off = hoff + alignBy(off-hoff, attr.Align)
		ptr := util.PointerAdd(base, off)
		switch {
		case attr.ByVal:
			storeByVal(ptr, values[i].Datum, attr.Len)
			off += int(attr.Len)
		case attr.Len > 0:
			copy(tup.Data[off:], values[i].Ref)
			off += int(attr.Len)
		default:
			SetVarSize(tup.Data[off:], VarHdrSz+len(values[i].Ref))
			copy(tup.Data[off+VarHdrSz:], values[i].Ref)
			off += VarHdrSz + len(values[i].Ref)
		}
	}
	util.AssertFunc(off == len(tup.Data))
	return tup, nil
}

func storeByVal(ptr unsafe.Pointer, d common.Datum, typlen int16) {
	switch typlen {
	case 1:
		util.Store[uint8](uint8(d), ptr)
	case 2:
		util.Store[uint16](uint16(d), ptr)
	case 4:
		util.Store[uint32](uint32(d), ptr)
	case 8:
		util.Store[uint64](uint64(d), ptr)
	default:
		panic(fmt.Sprintf("usp by-value length %d", typlen))
	}
}

func FetchByVal(ptr unsafe.Pointer, typlen int16) common.Datum {
	switch typlen {
	case 1:
		return common.Datum(util.Load[uint8](ptr))
	case 2:
		return common.Datum(util.Load[uint16](ptr))
	case 4:
		return common.Datum(util.Load[uint32](ptr))
	case 8:
		return common.Datum(util.Load[uint64](ptr))
	default:
		panic(fmt.Sprintf("usp by-value length %d", typlen))
	}
}

// DeformTuple extracts every attribute. By-reference values alias the
// tuple bytes. Attributes beyond the stored natts are null.
func DeformTuple(desc *common.TupleDesc, tup *HeapTuple) ([]Value, error) {
	if len(tup.Data) < SizeofHeapTupleHeader+1 {
		return nil, ErrTupleCorrupted
	}
	hdr := tup.Header()
	natts := desc.NAtts()
	stored := hdr.NAtts()
	hoff := int(hdr.Hoff)
	if hoff > len(tup.Data) {
		return nil, ErrTupleCorrupted
	}
	var bits []uint8
	if hdr.HasNulls() {
		bits = tup.Data[SizeofHeapTupleHeader:hoff]
	}
	values := make([]Value, natts)
	base := util.BytesSliceToPointer(tup.Data)
	off := hoff
	for i := 0; i < natts; i++ {
		attr := &desc.Attrs[i]
		if i >= stored || (bits != nil && util.AttIsNull(i, bits)) {
			values[i].IsNull = true
			continue
		}
		off = hoff + alignBy(off-hoff, attr.Align)
		switch {
		case attr.ByVal:
			if off+int(attr.Len) > len(tup.Data) {
				return nil, ErrTupleCorrupted
			}
			values[i].Datum = FetchByVal(util.PointerAdd(base, off), attr.Len)
			off += int(attr.Len)
		case attr.Len > 0:
			if off+int(attr.Len) > len(tup.Data) {
				return nil, ErrTupleCorrupted
			}
			values[i].Ref = tup.Data[off : off+int(attr.Len)]
			off += int(attr.Len)
		default:
			if off+VarHdrSz > len(tup.Data) {
				return nil, ErrTupleCorrupted
			}
			sz := VarSize(tup.Data[off:])
			if sz < VarHdrSz || off+sz > len(tup.Data) {
				return nil, ErrTupleCorrupted
			}
			values[i].Ref = tup.Data[off+VarHdrSz : off+sz]
			off += sz
		}
	}
	return values, nil
}
