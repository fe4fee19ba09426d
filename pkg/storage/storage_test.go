package storage

import (
	"sync"
	"testing"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDesc() *common.TupleDesc {
	return common.NewTupleDesc(common.INT4OID, common.TEXTOID, common.INT8OID, common.UUIDOID)
}

func testValues(i int) []Value {
	uid := make([]byte, 16)
	uid[15] = byte(i)
	return []Value{
		DatumValue(common.Int32GetDatum(int32(i))),
		RefValue([]byte("row-" + string(rune('a'+i%26)))),
		DatumValue(common.Int64GetDatum(int64(-i))),
		RefValue(uid),
	}
}

func TestFormDeformTuple(t *testing.T) {
	desc := testDesc()
	t.Run("no nulls", func(t *testing.T) {
		tup, err := FormTuple(desc, testValues(3))
		require.NoError(t, err)
		hdr := tup.Header()
		assert.Equal(t, 4, hdr.NAtts())
		assert.False(t, hdr.HasNulls())
		assert.Equal(t, uint8(24), hdr.Hoff)
		assert.NotZero(t, hdr.Infomask&HEAP_HASVARWIDTH)

		vals, err := DeformTuple(desc, tup)
		require.NoError(t, err)
		assert.Equal(t, int32(3), common.DatumGetInt32(vals[0].Datum))
		assert.Equal(t, "row-d", string(vals[1].Ref))
		assert.Equal(t, int64(-3), common.DatumGetInt64(vals[2].Datum))
		assert.Len(t, vals[3].Ref, 16)
	})

	t.Run("nulls", func(t *testing.T) {
		vals := testValues(1)
		vals[1] = NullValue()
		tup, err := FormTuple(desc, vals)
		require.NoError(t, err)
		assert.True(t, tup.Header().HasNulls())
		out, err := DeformTuple(desc, tup)
		require.NoError(t, err)
		assert.False(t, out[0].IsNull)
		assert.True(t, out[1].IsNull)
		assert.Equal(t, int64(-1), common.DatumGetInt64(out[2].Datum))
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := FormTuple(desc, testValues(1)[:2])
		assert.Error(t, err)
		vals := testValues(1)
		vals[3] = RefValue([]byte{1, 2})
		_, err = FormTuple(desc, vals)
		assert.Error(t, err)

		tup, err := FormTuple(desc, testValues(1))
		require.NoError(t, err)
		tup.Data = tup.Data[:30]
		_, err = DeformTuple(desc, tup)
		assert.ErrorIs(t, err, ErrTupleCorrupted)
	})

	t.Run("oid", func(t *testing.T) {
		odesc := common.NewTupleDesc(common.INT4OID)
		odesc.HasOid = true
		tup, err := FormTuple(odesc, []Value{DatumValue(7)})
		require.NoError(t, err)
		tup.SetOid(12345)
		assert.Equal(t, common.Oid(12345), tup.Oid())
		assert.Equal(t, uint8(24), tup.Header().Hoff)
	})
}

func TestPage(t *testing.T) {
	page := NewPage()
	assert.Equal(t, OffsetNumber(0), page.MaxOffsetNumber())
	free := page.FreeSpace()
	off := page.AddItem(make([]byte, 100))
	assert.Equal(t, FirstOffsetNumber, off)
	assert.Equal(t, free-104-ItemIdDataSize, page.FreeSpace())
	lp := page.ItemId(off)
	assert.True(t, lp.IsNormal())
	assert.Equal(t, uint32(100), lp.Len())
	lp.SetFlags(LP_DEAD)
	assert.Equal(t, LP_DEAD, lp.Flags())
	assert.Equal(t, uint32(100), lp.Len())

	for page.AddItem(make([]byte, 1000)) != InvalidOffsetNumber {
	}
	assert.Less(t, page.FreeSpace(), 1000)

	assert.False(t, page.IsAllVisible())
	page.SetAllVisible()
	assert.True(t, page.IsAllVisible())
}

func TestBufferLock(t *testing.T) {
	buf := NewBuffer(0)
	LockBuffer(buf, BUFFER_LOCK_SHARE)
	assert.Equal(t, BUFFER_LOCK_SHARE, HeldBufferMode(buf))
	assert.False(t, ConditionalLockBuffer(buf))

	done := make(chan struct{})
	go func() {
		LockBuffer(buf, BUFFER_LOCK_SHARE)
		assert.True(t, HaveHeldBuffers())
		UnlockBuffer(buf)
		close(done)
	}()
	<-done
	UnlockBuffer(buf)
	assert.False(t, HaveHeldBuffers())

	assert.True(t, ConditionalLockBuffer(buf))
	UnlockBuffer(buf)

	counter := 0
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				LockBuffer(buf, BUFFER_LOCK_EXCLUSIVE)
				counter++
				LockBuffer(buf, BUFFER_LOCK_UNLOCK)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, counter)
	//finished goroutines leave no entries behind
	assert.Equal(t, 0, NumThreadBuffers())

	LockBuffer(buf, BUFFER_LOCK_SHARE)
	other := NewBuffer(1)
	LockBuffer(other, BUFFER_LOCK_EXCLUSIVE)
	assert.Equal(t, 1, NumThreadBuffers())
	ReleaseAllBufferLocks()
	assert.False(t, HaveHeldBuffers())
	assert.Equal(t, BUFFER_LOCK_UNLOCK, HeldBufferMode(other))
	assert.Equal(t, 0, NumThreadBuffers())
}

func TestVisibility(t *testing.T) {
	clog := NewCommitLog()
	rel := NewRelation(1000, "t", testDesc(), clog)

	insert := func(xid TransactionId, i int) ItemPointer {
		tup, err := FormTuple(rel.Desc, testValues(i))
		require.NoError(t, err)
		tid, err := rel.Insert(xid, tup)
		require.NoError(t, err)
		return tid
	}
	fetch := func(tid ItemPointer) *HeapTuple {
		buf, err := rel.ReadBuffer(tid.Blkno)
		require.NoError(t, err)
		lp := buf.Page.ItemId(tid.Offset)
		return &HeapTuple{Data: buf.Page.Item(lp), Self: tid}
	}

	x1 := clog.Begin()
	committed := insert(x1, 1)
	clog.Commit(x1)

	x2 := clog.Begin()
	aborted := insert(x2, 2)
	clog.Abort(x2)

	x3 := clog.Begin()
	running := insert(x3, 3)

	//visibleNow checks tid under a fresh snapshot
	visibleNow := func(tid ItemPointer) bool {
		snap := clog.GetSnapshot(InvalidTransactionId)
		defer clog.ReleaseSnapshot(snap)
		return HeapTupleSatisfiesVisibility(fetch(tid), snap, clog)
	}

	snap := clog.GetSnapshot(InvalidTransactionId)
	assert.True(t, HeapTupleSatisfiesVisibility(fetch(committed), snap, clog))
	assert.False(t, HeapTupleSatisfiesVisibility(fetch(aborted), snap, clog))
	assert.False(t, HeapTupleSatisfiesVisibility(fetch(running), snap, clog))

	own := clog.GetSnapshot(x3)
	assert.True(t, HeapTupleSatisfiesVisibility(fetch(running), own, clog))
	clog.ReleaseSnapshot(own)

	//committed after the snapshot was taken
	clog.Commit(x3)
	assert.False(t, HeapTupleSatisfiesVisibility(fetch(running), snap, clog))
	assert.True(t, visibleNow(running))

	//the old snapshot holds the horizon back
	assert.Equal(t, x3, clog.OldestXmin())
	clog.ReleaseSnapshot(snap)
	clog.ReleaseSnapshot(snap)
	assert.Equal(t, x3+1, clog.OldestXmin())
	assert.Equal(t, 0, clog.NumSnapshots())

	x4 := clog.Begin()
	require.NoError(t, rel.Delete(x4, committed))
	assert.True(t, visibleNow(committed))
	clog.Commit(x4)
	assert.False(t, visibleNow(committed))

	assert.ErrorIs(t, rel.Delete(x4, ItemPointer{Blkno: 9, Offset: 1}), ErrBlockNotFound)
	assert.ErrorIs(t, rel.Delete(x4, ItemPointer{Blkno: 0, Offset: 99}), ErrTupleNotFound)

	t.Run("prune", func(t *testing.T) {
		buf, err := rel.ReadBuffer(0)
		require.NoError(t, err)
		pruned := rel.PrunePage(buf)
		//aborted insert and committed delete
		assert.Equal(t, 2, pruned)
		assert.Equal(t, LP_DEAD, buf.Page.ItemId(aborted.Offset).Flags())
		assert.Equal(t, LP_DEAD, buf.Page.ItemId(committed.Offset).Flags())
		assert.True(t, buf.Page.IsAllVisible())

		LockBuffer(buf, BUFFER_LOCK_SHARE)
		assert.Equal(t, 0, rel.PrunePage(buf))
		UnlockBuffer(buf)
	})
}

func TestRelationExtend(t *testing.T) {
	clog := NewCommitLog()
	rel := NewRelation(1001, "big", testDesc(), clog)
	xid := clog.Begin()
	for i := 0; i < 500; i++ {
		tup, err := FormTuple(rel.Desc, testValues(i))
		require.NoError(t, err)
		tid, err := rel.Insert(xid, tup)
		require.NoError(t, err)
		assert.Equal(t, tid, tup.Self)
		assert.Equal(t, tid.Blkno, tup.Header().CtidBlk)
	}
	clog.Commit(xid)
	assert.Greater(t, rel.NBlocks(), uint32(1))

	tup, err := FormTuple(common.NewTupleDesc(common.TEXTOID),
		[]Value{RefValue(make([]byte, 9000))})
	require.NoError(t, err)
	_, err = rel.Insert(xid, tup)
	assert.ErrorIs(t, err, ErrTupleTooLarge)
}
