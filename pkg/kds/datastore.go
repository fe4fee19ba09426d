package kds

import (
	"fmt"
	"math"
	"sync"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
	"github.com/huandu/go-clone"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// Context owns every data store created through it. Stores are released
// explicitly; Close releases whatever is left.
type Context struct {
	mu         sync.Mutex
	nextId     uint64
	stores     *btree.Map[uint64, *DataStore]
	tempDir    string
	fileMapped bool
}

func NewContext(cfg *util.Config) *Context {
	if cfg == nil {
		cfg = util.DefaultConfig()
	}
	return &Context{
		nextId:     1,
		stores:     btree.NewMap[uint64, *DataStore](0),
		tempDir:    cfg.TempDir(),
		fileMapped: cfg.Chunk.FileMapped,
	}
}

func (ctx *Context) FileMapped() bool {
	return ctx.fileMapped
}

func (ctx *Context) register(ds *DataStore) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ds.id = ctx.nextId
	ctx.nextId++
	ctx.stores.Set(ds.id, ds)
}

func (ctx *Context) unregister(ds *DataStore) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.stores.Delete(ds.id)
}

func (ctx *Context) NumStores() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.stores.Len()
}

// Close releases every live store. Live stores at this point are leaks
// of the caller and are logged.
func (ctx *Context) Close() {
	ctx.mu.Lock()
	live := make([]*DataStore, 0, ctx.stores.Len())
	ctx.stores.Scan(func(_ uint64, ds *DataStore) bool {
		live = append(live, ds)
		return true
	})
	ctx.mu.Unlock()
	for _, ds := range live {
		if ds.released {
			continue
		}
		util.Warn("data store leak",
			zap.Uint64("id", ds.id),
			zap.String("format", ds.FormatName()),
			zap.Uint32("length", ds.Kds().Header().Length))
		ds.Release()
	}
}

// DataStore is a host handle of one chunk.
type DataStore struct {
	ctx      *Context
	id       uint64
	desc     *common.TupleDesc
	backing  *Backing
	toast    *DataStore
	released bool
}

func (ctx *Context) newDataStore(desc *common.TupleDesc, backing *Backing, toast *DataStore) *DataStore {
	ds := &DataStore{
		ctx:     ctx,
		desc:    clone.Clone(desc).(*common.TupleDesc),
		backing: backing,
		toast:   toast,
	}
	ctx.register(ds)
	return ds
}

// CreateRow creates a row store with bodyLen bytes of body.
func (ctx *Context) CreateRow(desc *common.TupleDesc, bodyLen int, fileMapped bool) (*DataStore, error) {
	length := RowStoreLength(desc.NAtts(), bodyLen)
	if length > math.MaxUint32 {
		return nil, fmt.Errorf("row store of %d bytes is too large", length)
	}
	var backing *Backing
	var err error
	if fileMapped {
		backing, err = allocMapped(ctx.tempDir, length)
		if err != nil {
			return nil, err
		}
	} else {
		backing = allocHeap(length)
	}
	InitKernDataStore(backing.Data, desc, length, KDS_FORMAT_ROW, math.MaxInt32, false)
	return ctx.newDataStore(desc, backing, nil), nil
}

// CreateSlot creates a slot store of nrooms rows and extraLen bytes of
// extra area. A slot store with a file-mapped toast shares its file.
// The slot store owns the toast from now on.
func (ctx *Context) CreateSlot(desc *common.TupleDesc, nrooms int, extraLen int, internalFormat bool, toast *DataStore) (*DataStore, error) {
	if toast != nil && toast.Format() != KDS_FORMAT_ROW {
		return nil, fmt.Errorf("toast must be a row store, not %s", toast.FormatName())
	}
	length := SlotStoreLength(desc.NAtts(), nrooms, extraLen)
	if length > math.MaxUint32 || nrooms < 0 {
		return nil, fmt.Errorf("slot store of %d rooms and %d extra bytes is too large",
			nrooms, extraLen)
	}
	var backing *Backing
	var err error
	if toast == nil || !toast.backing.Mapped() {
		backing = allocHeap(length)
	} else {
		backing, err = allocChained(toast.backing, length)
		if err != nil {
			return nil, err
		}
	}
	InitKernDataStore(backing.Data, desc, length, KDS_FORMAT_SLOT, uint32(nrooms), internalFormat)
	return ctx.newDataStore(desc, backing, toast), nil
}

// OpenExisting maps a store laid out by someone else. Release only unmaps it.
func (ctx *Context) OpenExisting(desc *common.TupleDesc, fname string, offset int64, length int) (*DataStore, error) {
	backing, err := openExisting(fname, offset, length)
	if err != nil {
		return nil, err
	}
	return ctx.newDataStore(desc, backing, nil), nil
}

func (ds *DataStore) Id() uint64 {
	return ds.id
}

func (ds *DataStore) Kds() Kds {
	return ds.backing.Data
}

func (ds *DataStore) Bytes() []byte {
	return ds.backing.Data
}

func (ds *DataStore) Desc() *common.TupleDesc {
	return ds.desc
}

func (ds *DataStore) Toast() *DataStore {
	return ds.toast
}

func (ds *DataStore) FileName() string {
	return ds.backing.FileName
}

func (ds *DataStore) FileOffset() int64 {
	return ds.backing.Offset
}

func (ds *DataStore) Released() bool {
	return ds.released
}

func (ds *DataStore) Format() uint8 {
	return ds.Kds().Header().Format
}

func (ds *DataStore) FormatName() string {
	return formatName(ds.Format())
}

func formatName(format uint8) string {
	switch format {
	case KDS_FORMAT_ROW:
		return "row"
	case KDS_FORMAT_SLOT:
		return "slot"
	default:
		return "unknown"
	}
}

func (ds *DataStore) NItems() int {
	return int(ds.Kds().Header().NItems)
}

func (ds *DataStore) NRooms() int {
	return int(ds.Kds().Header().NRooms)
}

func (ds *DataStore) Usage() int {
	return int(ds.Kds().Header().Usage)
}

func (ds *DataStore) Length() int {
	return int(ds.Kds().Header().Length)
}

// Release frees the store and its toast. Safe to call twice.
func (ds *DataStore) Release() {
	if ds.released {
		return
	}
	ds.released = true
	if ds.toast != nil {
		ds.toast.Release()
	}
	ds.ctx.unregister(ds)
	ds.backing.release()
}

// InsertTuple appends tup to a row store. It returns false when the tuple
// does not fit; the store is unchanged then.
func (ds *DataStore) InsertTuple(tup *storage.HeapTuple) bool {
	k := ds.Kds()
	hdr := k.Header()
	if hdr.NItems >= hdr.NRooms {
		return false
	}
	if hdr.Format != KDS_FORMAT_ROW {
		panic(fmt.Sprintf("bug? unexpected data-store format: %d", hdr.Format))
	}

	itemsz := util.LongAlign(SizeOfKernTupItem + len(tup.Data))
	if !k.Fits(int(hdr.NItems)+1, int(hdr.Usage)+itemsz) {
		return false
	}
	k.putTuple(int(hdr.NItems), tup, itemsz)
	hdr.NItems++
	return true
}

// putTuple copies tup into the tail and records its offset at index i.
func (k Kds) putTuple(i int, tup *storage.HeapTuple, itemsz int) {
	hdr := k.Header()
	hdr.Usage += uint32(itemsz)
	off := int(hdr.Length - hdr.Usage)
	item := util.Overlay[KernTupItem](k, off)
	item.TLen = uint32(len(tup.Data))
	item.Blkno = tup.Self.Blkno
	item.OffNum = uint16(tup.Self.Offset)
	copy(k[off+SizeOfKernTupItem:], tup.Data)
	*k.RowIndexEntry(i) = uint32(off)
}

// TupleSlot is a zero-copy row of a data store. Row stores fill Tuple,
// slot stores fill Values/IsNull.
type TupleSlot struct {
	Tuple  *storage.HeapTuple
	Values []common.Datum
	IsNull []bool
}

func (slot *TupleSlot) Clear() {
	slot.Tuple = nil
	slot.Values = nil
	slot.IsNull = nil
}

func (slot *TupleSlot) IsVirtual() bool {
	return slot.Tuple == nil && slot.Values != nil
}

// Fetch fills slot with row i. It returns false when i is out of range.
func (ds *DataStore) Fetch(slot *TupleSlot, i int) bool {
	k := ds.Kds()
	hdr := k.Header()
	if i < 0 || i >= int(hdr.NItems) {
		return false
	}
	slot.Clear()
	switch hdr.Format {
	case KDS_FORMAT_ROW:
		item, htup, err := k.TupItem(i)
		if err != nil {
			panic(fmt.Sprintf("bug? %v", err))
		}
		slot.Tuple = &storage.HeapTuple{
			Len:  item.TLen,
			Self: storage.ItemPointer{Blkno: item.Blkno, Offset: storage.OffsetNumber(item.OffNum)},
			Data: htup,
		}
		return true
	case KDS_FORMAT_SLOT:
		ncols := k.NCols()
		slot.Values = util.OverlaySlice[common.Datum](k, k.SlotOffset(i), ncols)
		slot.IsNull = k.SlotIsNull(i)
		return true
	}
	panic(fmt.Sprintf("bug? unexpected data-store format: %d", hdr.Format))
}

// RefBytes resolves a by-reference datum of column col of a fixed-up slot
// store. Variable length values are returned without their header.
func (ds *DataStore) RefBytes(col int, datum common.Datum) ([]byte, error) {
	k := ds.Kds()
	hdr := k.Header()
	off := int64(uint64(datum) - hdr.HostPtr)
	if uint64(datum) < hdr.HostPtr || off < int64(k.ExtraStart()) || off >= int64(hdr.Length) {
		return nil, fmt.Errorf("datum %#x of column %d out of the extra area: %w",
			uint64(datum), col, ErrDataCorruption)
	}
	return k.RefAt(col, int(off))
}

// RefAt returns the by-reference value of column col stored at offset off
// of the store. Variable length values are returned without their header.
func (k Kds) RefAt(col int, off int) ([]byte, error) {
	cmeta := k.ColMeta(col)
	end := int(k.Header().Length)
	if off < k.BodyOffset() {
		return nil, ErrDataCorruption
	}
	if cmeta.AttLen > 0 {
		if off+int(cmeta.AttLen) > end {
			return nil, ErrDataCorruption
		}
		return k[off : off+int(cmeta.AttLen)], nil
	}
	if off+storage.VarHdrSz > end {
		return nil, ErrDataCorruption
	}
	sz := storage.VarSize(k[off:])
	if sz < storage.VarHdrSz || off+sz > end {
		return nil, ErrDataCorruption
	}
	return k[off+storage.VarHdrSz : off+sz], nil
}

// Value returns column col of a slot fetched from ds in host form.
func (ds *DataStore) Value(slot *TupleSlot, col int) (storage.Value, error) {
	if slot.Tuple != nil {
		vals, err := storage.DeformTuple(ds.desc, slot.Tuple)
		if err != nil {
			return storage.Value{}, err
		}
		return vals[col], nil
	}
	if slot.IsNull[col] {
		return storage.NullValue(), nil
	}
	cmeta := ds.Kds().ColMeta(col)
	if cmeta.AttByVal {
		return storage.DatumValue(slot.Values[col]), nil
	}
	ref, err := ds.RefBytes(col, slot.Values[col])
	if err != nil {
		return storage.Value{}, err
	}
	return storage.RefValue(ref), nil
}
