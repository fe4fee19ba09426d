package storage

import (
	"fmt"
	"unsafe"

	"github.com/daviszhen/strom/pkg/util"
)

func init() {
	itemSz := unsafe.Sizeof(ItemIdData{})
	if itemSz != ItemIdDataSize {
		panic(fmt.Sprintf("ItemIdData size is not 4 bytes %d", itemSz))
	}
	if SizeOfPageHeaderData != 24 {
		panic(fmt.Sprintf("PageHeaderData size is not 24 bytes %d", SizeOfPageHeaderData))
	}
}

type OffsetNumber uint16

const (
	InvalidBlockNumber uint32 = 0xFFFFFFFF

	InvalidOffsetNumber OffsetNumber = 0
	FirstOffsetNumber   OffsetNumber = 1
	MaxOffsetNumber     OffsetNumber = util.BLCKSZ / ItemIdDataSize

	ItemIdDataSize = 4
)

// line pointer flags
const (
	LP_UNUSED   uint32 = 0
	LP_NORMAL   uint32 = 1
	LP_REDIRECT uint32 = 2
	LP_DEAD     uint32 = 3
)

// pd_flags
const (
	PD_HAS_FREE_LINES uint16 = 0x0001
	PD_PAGE_FULL      uint16 = 0x0002
	PD_ALL_VISIBLE    uint16 = 0x0004
)

type ItemIdData struct {
	linePointer uint32 //off:15,flags:2,len:15
}

func (lp *ItemIdData) Off() uint32 {
	return lp.linePointer & 0x7FFF
}

func (lp *ItemIdData) Flags() uint32 {
	return (lp.linePointer >> 15) & 0x3
}

func (lp *ItemIdData) Len() uint32 {
	return (lp.linePointer >> 17) & 0x7FFF
}

func (lp *ItemIdData) Set(off, flags, length uint32) {
	lp.linePointer = (off & 0x7FFF) | ((flags & 0x3) << 15) | ((length & 0x7FFF) << 17)
}

func (lp *ItemIdData) SetFlags(flags uint32) {
	lp.linePointer = (lp.linePointer & ^(uint32(0x3) << 15)) | ((flags & 0x3) << 15)
}

func (lp *ItemIdData) IsNormal() bool {
	return lp.Flags() == LP_NORMAL
}

func (lp *ItemIdData) IsUsed() bool {
	return lp.Flags() != LP_UNUSED
}

type PageHeaderData struct {
	Lsn             uint64
	Checksum        uint16
	Flags           uint16
	Lower           uint16
	Upper           uint16
	Special         uint16
	PageSizeVersion uint16
	PruneXid        TransactionId
	//line pointers follow
}

var (
	SizeOfPageHeaderData = int(unsafe.Sizeof(PageHeaderData{}))
)

// Page is one BLCKSZ block of a heap relation.
type Page []byte

func NewPage() Page {
	page := Page(make([]byte, util.BLCKSZ))
	page.Init()
	return page
}

func (page Page) Init() {
	clear(page)
	hdr := page.Header()
	hdr.Lower = uint16(SizeOfPageHeaderData)
	hdr.Upper = uint16(util.BLCKSZ)
	hdr.Special = uint16(util.BLCKSZ)
	hdr.PageSizeVersion = uint16(util.BLCKSZ) | 4
}

func (page Page) Header() *PageHeaderData {
	return util.Overlay[PageHeaderData](page, 0)
}

func (page Page) MaxOffsetNumber() OffsetNumber {
	lower := int(page.Header().Lower)
	if lower <= SizeOfPageHeaderData {
		return 0
	}
	return OffsetNumber((lower - SizeOfPageHeaderData) / ItemIdDataSize)
}

// ItemId returns the line pointer of offnum (1-based).
func (page Page) ItemId(offnum OffsetNumber) *ItemIdData {
	util.AssertFunc(offnum >= FirstOffsetNumber && offnum <= page.MaxOffsetNumber())
	return util.Overlay[ItemIdData](page,
		SizeOfPageHeaderData+int(offnum-1)*ItemIdDataSize)
}

func (page Page) Item(lp *ItemIdData) []byte {
	off := int(lp.Off())
	return page[off : off+int(lp.Len())]
}

func (page Page) FreeSpace() int {
	hdr := page.Header()
	space := int(hdr.Upper) - int(hdr.Lower)
	if space < ItemIdDataSize {
		return 0
	}
	return space - ItemIdDataSize
}

func (page Page) IsAllVisible() bool {
	return util.FlagIsSet(page.Header().Flags, PD_ALL_VISIBLE)
}

func (page Page) SetAllVisible() {
	page.Header().Flags |= PD_ALL_VISIBLE
}

func (page Page) ClearAllVisible() {
	page.Header().Flags &= ^PD_ALL_VISIBLE
}

// AddItem places item at the end of the line pointer array.
// It returns InvalidOffsetNumber when the page is full.
func (page Page) AddItem(item []byte) OffsetNumber {
	hdr := page.Header()
	alignedSz := util.MaxAlign(len(item))
	if page.FreeSpace() < alignedSz || len(item) > 0x7FFF {
		return InvalidOffsetNumber
	}
	offnum := page.MaxOffsetNumber() + 1
	upper := int(hdr.Upper) - alignedSz
	copy(page[upper:], item)
	hdr.Upper = uint16(upper)
	hdr.Lower += ItemIdDataSize
	page.ItemId(offnum).Set(uint32(upper), LP_NORMAL, uint32(len(item)))
	return offnum
}
