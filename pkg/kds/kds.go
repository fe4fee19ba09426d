package kds

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
)

const (
	KDS_FORMAT_ROW  uint8 = 1
	KDS_FORMAT_SLOT uint8 = 2
)

// RowIndexClaimed is the low bit of a row index entry. Offsets are
// LONGALIGNed, so the bit is free for the projection to mark rows it
// has moved into a sort segment.
const RowIndexClaimed uint32 = 0x1

var (
	ErrDataStoreNoSpace = errors.New("data store has no space")
	ErrDataCorruption   = errors.New("data store corrupted")
)

type KernColMeta struct {
	AttByVal    bool
	AttAlign    uint8
	AttLen      int16
	AttNum      int16
	_           int16
	AttCacheOff int32
}

type KernDataStore struct {
	HostPtr  uint64
	Length   uint32
	Usage    uint32
	NCols    uint32
	NItems   uint32
	NRooms   uint32
	Format   uint8
	TdHasOid bool
	_        [2]byte
	TdTypeId uint32
	TdTypMod int32
	_        uint32
	//colmeta follows
}

type KernTupItem struct {
	TLen   uint32
	Blkno  uint32
	OffNum uint16
	_      [6]byte
	//htup follows
}

var (
	SizeOfKernDataStore = int(unsafe.Sizeof(KernDataStore{}))
	SizeOfKernColMeta   = int(unsafe.Sizeof(KernColMeta{}))
	SizeOfKernTupItem   = int(unsafe.Sizeof(KernTupItem{}))
)

func init() {
	if SizeOfKernDataStore != 48 || SizeOfKernColMeta != 12 || SizeOfKernTupItem != 16 {
		panic(fmt.Sprintf("kern_data_store layout %d %d %d",
			SizeOfKernDataStore, SizeOfKernColMeta, SizeOfKernTupItem))
	}
}

// HeadLength is the offset of the body of a store with ncols columns.
func HeadLength(ncols int) int {
	return util.StromAlign(SizeOfKernDataStore + SizeOfKernColMeta*ncols)
}

// SlotSize is the size of one slot row: values[ncols] then isnull[ncols].
func SlotSize(ncols int) int {
	return util.LongAlign(8*ncols) + util.LongAlign(ncols)
}

func RowStoreLength(ncols int, bodyLen int) int {
	return HeadLength(ncols) + util.StromAlign(bodyLen)
}

func SlotStoreLength(ncols int, nrooms int, extraLen int) int {
	return HeadLength(ncols) + SlotSize(ncols)*nrooms + util.StromAlign(extraLen)
}

// Kds is a view over the bytes of a data store. It is valid in any address
// space: nothing inside refers to the address of the bytes, except HostPtr
// which is only consulted by the pointer fixup.
type Kds []byte

func (k Kds) Header() *KernDataStore {
	return util.Overlay[KernDataStore](k, 0)
}

func (k Kds) ColMeta(i int) *KernColMeta {
	return util.Overlay[KernColMeta](k, SizeOfKernDataStore+SizeOfKernColMeta*i)
}

func (k Kds) NCols() int {
	return int(k.Header().NCols)
}

func (k Kds) BodyOffset() int {
	return HeadLength(k.NCols())
}

// Fits reports whether an index of nindex entries and a tail of usage
// bytes fit in the store. Every mutation of a row store checks it first.
func (k Kds) Fits(nindex int, usage int) bool {
	return k.BodyOffset()+util.StromAlign(4*nindex)+usage <= int(k.Header().Length)
}

func (k Kds) RowIndexEntry(i int) *uint32 {
	return util.Overlay[uint32](k, k.BodyOffset()+4*i)
}

// TupItem returns the item of row i in a row store. The claimed bit of
// the index entry is ignored.
func (k Kds) TupItem(i int) (*KernTupItem, []byte, error) {
	off := int(*k.RowIndexEntry(i) &^ RowIndexClaimed)
	if off < k.BodyOffset() || off+SizeOfKernTupItem > len(k) {
		return nil, nil, fmt.Errorf("row %d offset %d: %w", i, off, ErrDataCorruption)
	}
	item := util.Overlay[KernTupItem](k, off)
	start := off + SizeOfKernTupItem
	end := start + int(item.TLen)
	if end > len(k) {
		return nil, nil, fmt.Errorf("row %d length %d: %w", i, item.TLen, ErrDataCorruption)
	}
	return item, k[start:end], nil
}

func (k Kds) SlotOffset(i int) int {
	return k.BodyOffset() + SlotSize(k.NCols())*i
}

func (k Kds) SlotValues(i int) []uint64 {
	return util.OverlaySlice[uint64](k, k.SlotOffset(i), k.NCols())
}

func (k Kds) SlotIsNull(i int) []bool {
	ncols := k.NCols()
	return util.OverlaySlice[bool](k, k.SlotOffset(i)+util.LongAlign(8*ncols), ncols)
}

// ExtraStart is the first byte of the extra area of a slot store.
func (k Kds) ExtraStart() int {
	return k.SlotOffset(int(k.Header().NRooms))
}

// ExtraCapacity is the size of the extra area of a slot store.
func (k Kds) ExtraCapacity() int {
	return int(k.Header().Length) - k.ExtraStart()
}

// AllocRows reserves n slot rows. It returns the first row or false
// when nrooms would be exceeded. The store is not changed on failure.
func (k Kds) AllocRows(n uint32) (uint32, bool) {
	hdr := k.Header()
	for {
		cur := atomic.LoadUint32(&hdr.NItems)
		if uint64(cur)+uint64(n) > uint64(hdr.NRooms) {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&hdr.NItems, cur, cur+n) {
			return cur, true
		}
	}
}

// AllocExtra reserves sz bytes from the tail of the extra area and
// returns their offset.
func (k Kds) AllocExtra(sz uint32) (uint32, bool) {
	hdr := k.Header()
	capacity := uint64(k.ExtraCapacity())
	for {
		cur := atomic.LoadUint32(&hdr.Usage)
		if uint64(cur)+uint64(sz) > capacity {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&hdr.Usage, cur, cur+sz) {
			return hdr.Length - (cur + sz), true
		}
	}
}

// CheckInvariants validates the double-ended layout.
func (k Kds) CheckInvariants() error {
	hdr := k.Header()
	if int(hdr.Length) > len(k) {
		return fmt.Errorf("length %d beyond %d bytes: %w", hdr.Length, len(k), ErrDataCorruption)
	}
	if hdr.NItems > hdr.NRooms {
		return fmt.Errorf("nitems %d > nrooms %d: %w", hdr.NItems, hdr.NRooms, ErrDataCorruption)
	}
	switch hdr.Format {
	case KDS_FORMAT_ROW:
		if !k.Fits(int(hdr.NItems), int(hdr.Usage)) {
			return fmt.Errorf("index of %d and usage %d beyond %d: %w",
				hdr.NItems, hdr.Usage, hdr.Length, ErrDataCorruption)
		}
	case KDS_FORMAT_SLOT:
		if k.ExtraCapacity() < 0 || int(hdr.Usage) > k.ExtraCapacity() {
			return fmt.Errorf("usage %d beyond extra area: %w", hdr.Usage, ErrDataCorruption)
		}
	default:
		return fmt.Errorf("format %d: %w", hdr.Format, ErrDataCorruption)
	}
	return nil
}

// InitKernDataStore lays out the header and column metadata. With
// internalFormat, columns that have a fixed device representation are
// stored by value.
func InitKernDataStore(k Kds, desc *common.TupleDesc, length int, format uint8, nrooms uint32, internalFormat bool) {
	util.AssertFunc(length <= len(k) && length <= math.MaxUint32)
	hdr := k.Header()
	hdr.HostPtr = util.AddressOf(k)
	hdr.Length = uint32(length)
	hdr.Usage = 0
	hdr.NCols = uint32(desc.NAtts())
	hdr.NItems = 0
	hdr.NRooms = nrooms
	hdr.Format = format
	hdr.TdHasOid = desc.HasOid
	hdr.TdTypeId = uint32(desc.TypeId)
	hdr.TdTypMod = desc.TypMod

	attcacheoff := storage.SizeofHeapTupleHeader
	if desc.HasOid {
		attcacheoff += 4
	}
	attcacheoff = util.MaxAlign(attcacheoff)

	for i := range desc.Attrs {
		attr := &desc.Attrs[i]
		attbyval := attr.ByVal
		attalign := common.TypeAlignWidth(attr.Align)
		attlen := int(attr.Len)
		if internalFormat && attr.TypeId == common.NUMERICOID {
			attbyval = true
			attalign = 8
			attlen = 8
		}
		if attcacheoff > 0 {
			if attlen > 0 {
				attcacheoff = util.TypeAlign(attalign, attcacheoff)
			} else {
				//no shortcut any more
				attcacheoff = -1
			}
		}
		cmeta := k.ColMeta(i)
		cmeta.AttByVal = attbyval
		cmeta.AttAlign = uint8(attalign)
		cmeta.AttLen = int16(attlen)
		cmeta.AttNum = attr.AttNum
		cmeta.AttCacheOff = int32(attcacheoff)
		if attcacheoff >= 0 {
			attcacheoff += attlen
		}
	}
}

// DeformHeapTuple extracts the columns of a tuple stored in a data store
// into values/isnull. By-reference columns yield the offset of the
// attribute (the varlena header for variable length) relative to the
// tuple start. Columns with a cached offset are read directly while the
// tuple has no nulls; the rest are walked from the last known offset.
func (k Kds) DeformHeapTuple(htup []byte, values []uint64, isnull []bool) error {
	if len(htup) < storage.SizeofHeapTupleHeader+1 {
		return ErrDataCorruption
	}
	tup := storage.HeapTuple{Data: htup}
	hdr := tup.Header()
	ncols := k.NCols()
	natts := hdr.NAtts()
	hoff := int(hdr.Hoff)
	if hoff > len(htup) {
		return ErrDataCorruption
	}
	var bits []uint8
	if hdr.HasNulls() {
		bits = htup[storage.SizeofHeapTupleHeader:hoff]
	}
	base := util.BytesSliceToPointer(htup)
	off := hoff
	for i := 0; i < ncols; i++ {
		cmeta := k.ColMeta(i)
		if i >= natts || (bits != nil && util.AttIsNull(i, bits)) {
			isnull[i] = true
			values[i] = 0
			continue
		}
		isnull[i] = false
		if bits == nil && cmeta.AttCacheOff >= 0 {
			off = int(cmeta.AttCacheOff)
		} else {
			off = util.TypeAlign(int(cmeta.AttAlign), off)
		}
		attlen := int(cmeta.AttLen)
		if attlen < 0 {
			if off+storage.VarHdrSz > len(htup) {
				return ErrDataCorruption
			}
			attlen = storage.VarSize(htup[off:])
			if attlen < storage.VarHdrSz {
				return ErrDataCorruption
			}
		}
		if off+attlen > len(htup) {
			return ErrDataCorruption
		}
		if cmeta.AttByVal && cmeta.AttLen > 0 {
			values[i] = uint64(storage.FetchByVal(util.PointerAdd(base, off), cmeta.AttLen))
		} else {
			values[i] = uint64(off)
		}
		off += attlen
	}
	return nil
}
