package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/util"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrTupleTooLarge = errors.New("tuple too large for a page")
	ErrTupleNotFound = errors.New("tuple not found")
)

// Relation is a heap of buffers keyed by block number.
type Relation struct {
	Oid  common.Oid
	Name string
	Desc *common.TupleDesc
	Clog *CommitLog

	mu    sync.RWMutex
	pages *btree.Map[uint32, *Buffer]
}

func NewRelation(oid common.Oid, name string, desc *common.TupleDesc, clog *CommitLog) *Relation {
	return &Relation{
		Oid:   oid,
		Name:  name,
		Desc:  desc,
		Clog:  clog,
		pages: btree.NewMap[uint32, *Buffer](0),
	}
}

func (rel *Relation) NBlocks() uint32 {
	rel.mu.RLock()
	defer rel.mu.RUnlock()
	return uint32(rel.pages.Len())
}

// ReadBuffer returns the buffer of blkno. The caller locks it.
func (rel *Relation) ReadBuffer(blkno uint32) (*Buffer, error) {
	rel.mu.RLock()
	defer rel.mu.RUnlock()
	buf, ok := rel.pages.Get(blkno)
	if !ok {
		return nil, fmt.Errorf("relation %s block %d: %w", rel.Name, blkno, ErrBlockNotFound)
	}
	return buf, nil
}

func (rel *Relation) extend() *Buffer {
	rel.mu.Lock()
	defer rel.mu.Unlock()
	blkno := uint32(rel.pages.Len())
	buf := NewBuffer(blkno)
	rel.pages.Set(blkno, buf)
	return buf
}

func (rel *Relation) lastBuffer() *Buffer {
	rel.mu.RLock()
	defer rel.mu.RUnlock()
	_, buf, ok := rel.pages.Max()
	if !ok {
		return nil
	}
	return buf
}

// Insert stores tup as created by xid and sets tup.Self.
func (rel *Relation) Insert(xid TransactionId, tup *HeapTuple) (ItemPointer, error) {
	if util.MaxAlign(len(tup.Data))+ItemIdDataSize > util.BLCKSZ-SizeOfPageHeaderData {
		return ItemPointer{}, fmt.Errorf("relation %s: %d bytes: %w", rel.Name, len(tup.Data), ErrTupleTooLarge)
	}
	hdr := tup.Header()
	hdr.Xmin = uint32(xid)
	hdr.Xmax = uint32(InvalidTransactionId)
	hdr.Infomask &= ^(HEAP_XMIN_COMMITTED | HEAP_XMIN_INVALID | HEAP_XMAX_COMMITTED)
	hdr.Infomask |= HEAP_XMAX_INVALID

	buf := rel.lastBuffer()
	for {
		if buf == nil {
			buf = rel.extend()
		}
		LockBuffer(buf, BUFFER_LOCK_EXCLUSIVE)
		if buf.Page.FreeSpace() >= util.MaxAlign(len(tup.Data)) {
			break
		}
		UnlockBuffer(buf)
		buf = nil
	}
	defer UnlockBuffer(buf)

	self := ItemPointer{Blkno: buf.Blkno, Offset: buf.Page.MaxOffsetNumber() + 1}
	hdr.CtidBlk = self.Blkno
	hdr.CtidOff = uint16(self.Offset)
	offnum := buf.Page.AddItem(tup.Data)
	util.AssertFunc(offnum == self.Offset)
	buf.Page.ClearAllVisible()
	tup.Self = self
	tup.Len = uint32(len(tup.Data))
	tup.TableOid = rel.Oid
	return self, nil
}

// Delete marks the tuple at tid deleted by xid.
func (rel *Relation) Delete(xid TransactionId, tid ItemPointer) error {
	buf, err := rel.ReadBuffer(tid.Blkno)
	if err != nil {
		return err
	}
	LockBuffer(buf, BUFFER_LOCK_EXCLUSIVE)
	defer UnlockBuffer(buf)
	if tid.Offset < FirstOffsetNumber || tid.Offset > buf.Page.MaxOffsetNumber() {
		return fmt.Errorf("relation %s tid %v: %w", rel.Name, tid, ErrTupleNotFound)
	}
	lp := buf.Page.ItemId(tid.Offset)
	if !lp.IsNormal() {
		return fmt.Errorf("relation %s tid %v: %w", rel.Name, tid, ErrTupleNotFound)
	}
	tup := HeapTuple{Data: buf.Page.Item(lp)}
	hdr := tup.Header()
	hdr.Xmax = uint32(xid)
	hdr.Infomask &= ^(HEAP_XMAX_INVALID | HEAP_XMAX_COMMITTED)
	buf.Page.ClearAllVisible()
	return nil
}

// PrunePage is the opportunistic cleanup done before a page scan. It
// takes the exclusive lock only if nobody holds the buffer. Dead tuples
// are turned into LP_DEAD, hint bits are set and the page is marked
// all-visible when every remaining tuple is visible to everyone.
// It returns the number of line pointers marked dead.
func (rel *Relation) PrunePage(buf *Buffer) int {
	if !ConditionalLockBuffer(buf) {
		return 0
	}
	defer UnlockBuffer(buf)

	oldestXmin := rel.Clog.OldestXmin()
	page := buf.Page
	pruned := 0
	allVisible := true
	maxOff := page.MaxOffsetNumber()
	for off := FirstOffsetNumber; off <= maxOff; off++ {
		lp := page.ItemId(off)
		if !lp.IsNormal() {
			continue
		}
		tup := HeapTuple{Data: page.Item(lp)}
		hdr := tup.Header()
		xmin := TransactionId(hdr.Xmin)
		xmax := TransactionId(hdr.Xmax)

		switch rel.Clog.Status(xmin) {
		case XID_ABORTED:
			hdr.Infomask |= HEAP_XMIN_INVALID
			lp.SetFlags(LP_DEAD)
			pruned++
			continue
		case XID_IN_PROGRESS:
			allVisible = false
			continue
		case XID_COMMITTED:
			hdr.Infomask |= HEAP_XMIN_COMMITTED
		}
		if xmin >= oldestXmin {
			allVisible = false
		}
		if xmax == InvalidTransactionId || util.FlagIsSet(hdr.Infomask, HEAP_XMAX_INVALID) {
			continue
		}
		switch rel.Clog.Status(xmax) {
		case XID_ABORTED:
			hdr.Infomask |= HEAP_XMAX_INVALID
		case XID_IN_PROGRESS:
			allVisible = false
		case XID_COMMITTED:
			hdr.Infomask |= HEAP_XMAX_COMMITTED
			if xmax < oldestXmin {
				lp.SetFlags(LP_DEAD)
				pruned++
			} else {
				allVisible = false
			}
		}
	}
	if allVisible {
		page.SetAllVisible()
	}
	if pruned > 0 {
		util.Debug("prune page",
			zap.String("relation", rel.Name),
			zap.Uint32("blkno", buf.Blkno),
			zap.Int("pruned", pruned))
	}
	return pruned
}
