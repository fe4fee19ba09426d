package kds

import (
	"bytes"
	"context"
	"testing"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRelation inserts n committed rows of (int4 id, text, int8).
func buildRelation(t *testing.T, n int) *storage.Relation {
	clog := storage.NewCommitLog()
	desc := common.NewTupleDesc(common.INT4OID, common.TEXTOID, common.INT8OID)
	rel := storage.NewRelation(2000, "t", desc, clog)
	xid := clog.Begin()
	for i := 0; i < n; i++ {
		tup, err := storage.FormTuple(desc, []storage.Value{
			storage.DatumValue(common.Int32GetDatum(int32(i))),
			storage.RefValue(bytes.Repeat([]byte{'a' + byte(i%26)}, i%40)),
			storage.DatumValue(common.Int64GetDatum(int64(n - i))),
		})
		require.NoError(t, err)
		_, err = rel.Insert(xid, tup)
		require.NoError(t, err)
	}
	clog.Commit(xid)
	return rel
}

func TestInsertBlock(t *testing.T) {
	rel := buildRelation(t, 300)
	clog := rel.Clog
	ctx := NewContext(nil)
	defer ctx.Close()

	ds, err := ctx.CreateRow(rel.Desc, 1<<16, false)
	require.NoError(t, err)
	defer ds.Release()

	checker := &storage.CountingSerializableChecker{}
	snap := clog.GetSnapshot(storage.InvalidTransactionId)
	defer clog.ReleaseSnapshot(snap)
	n, err := ds.InsertBlock(context.Background(), rel, 0, snap, false, checker)
	require.NoError(t, err)
	buf, err := rel.ReadBuffer(0)
	require.NoError(t, err)
	lines := int(buf.Page.MaxOffsetNumber())
	assert.Equal(t, lines, n)
	assert.Equal(t, n, ds.NItems())
	assert.Equal(t, int64(lines), checker.Checked.Load())
	require.NoError(t, ds.Kds().CheckInvariants())

	slot := &TupleSlot{}
	for i := 0; i < n; i++ {
		require.True(t, ds.Fetch(slot, i))
		assert.Equal(t, uint32(0), slot.Tuple.Self.Blkno)
		assert.Equal(t, storage.OffsetNumber(i+1), slot.Tuple.Self.Offset)
		val, err := ds.Value(slot, 0)
		require.NoError(t, err)
		assert.Equal(t, int32(i), common.DatumGetInt32(val.Datum))
	}
	assert.False(t, storage.HaveHeldBuffers())
}

func TestInsertBlockPrecheck(t *testing.T) {
	rel := buildRelation(t, 300)
	snap := rel.Clog.GetSnapshot(storage.InvalidTransactionId)
	defer rel.Clog.ReleaseSnapshot(snap)
	ctx := NewContext(nil)
	defer ctx.Close()

	t.Run("length", func(t *testing.T) {
		ds, err := ctx.CreateRow(rel.Desc, 12000, false)
		require.NoError(t, err)
		defer ds.Release()
		_, err = ds.InsertBlock(context.Background(), rel, 0, snap, false, nil)
		require.NoError(t, err)

		before := bytes.Clone(ds.Bytes())
		_, err = ds.InsertBlock(context.Background(), rel, 1, snap, false, nil)
		assert.ErrorIs(t, err, ErrDataStoreNoSpace)
		assert.Equal(t, before, ds.Bytes())
		assert.False(t, storage.HaveHeldBuffers())
	})

	t.Run("nrooms", func(t *testing.T) {
		ds := newRowStore(ctx, rel.Desc, 1<<16, 10)
		defer ds.Release()
		before := bytes.Clone(ds.Bytes())
		_, err := ds.InsertBlock(context.Background(), rel, 0, snap, false, nil)
		assert.ErrorIs(t, err, ErrDataStoreNoSpace)
		assert.Equal(t, before, ds.Bytes())
	})

	t.Run("canceled", func(t *testing.T) {
		ds, err := ctx.CreateRow(rel.Desc, 1<<16, false)
		require.NoError(t, err)
		defer ds.Release()
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = ds.InsertBlock(cctx, rel, 0, snap, false, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, ds.NItems())
	})

	t.Run("missing block", func(t *testing.T) {
		ds, err := ctx.CreateRow(rel.Desc, 1<<16, false)
		require.NoError(t, err)
		defer ds.Release()
		_, err = ds.InsertBlock(context.Background(), rel, 1000, snap, false, nil)
		assert.ErrorIs(t, err, storage.ErrBlockNotFound)
	})
}

func TestInsertBlockVisibility(t *testing.T) {
	clog := storage.NewCommitLog()
	desc := common.NewTupleDesc(common.INT4OID)
	rel := storage.NewRelation(2001, "v", desc, clog)
	insert := func(xid storage.TransactionId, v int32) {
		tup, err := storage.FormTuple(desc, []storage.Value{storage.DatumValue(common.Int32GetDatum(v))})
		require.NoError(t, err)
		_, err = rel.Insert(xid, tup)
		require.NoError(t, err)
	}
	x1 := clog.Begin()
	insert(x1, 1)
	insert(x1, 2)
	clog.Commit(x1)
	x2 := clog.Begin()
	insert(x2, 3)
	clog.Abort(x2)
	x3 := clog.Begin()
	insert(x3, 4)

	ctx := NewContext(nil)
	defer ctx.Close()
	load := func(snap *storage.Snapshot, prune bool) (int, *storage.CountingSerializableChecker) {
		ds, err := ctx.CreateRow(desc, 1<<15, false)
		require.NoError(t, err)
		defer ds.Release()
		checker := &storage.CountingSerializableChecker{}
		n, err := ds.InsertBlock(context.Background(), rel, 0, snap, prune, checker)
		require.NoError(t, err)
		return n, checker
	}

	snap := clog.GetSnapshot(storage.InvalidTransactionId)
	defer clog.ReleaseSnapshot(snap)
	n, checker := load(snap, false)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(4), checker.Checked.Load())
	assert.Equal(t, int64(2), checker.Visible.Load())

	//the aborted insert becomes LP_DEAD and is not even checked
	n, checker = load(snap, true)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), checker.Checked.Load())

	//an all-visible page is trusted unless the snapshot comes from recovery
	buf, err := rel.ReadBuffer(0)
	require.NoError(t, err)
	buf.Page.SetAllVisible()
	n, _ = load(snap, false)
	assert.Equal(t, 3, n)
	recovery := *snap
	recovery.TakenDuringRecovery = true
	n, _ = load(&recovery, false)
	assert.Equal(t, 2, n)
}

// An old snapshot holds back page cleanup: neither the all-visible mark
// nor dead line pointers may change what it sees.
func TestInsertBlockPruneHorizon(t *testing.T) {
	rel := buildRelation(t, 5)
	clog := rel.Clog
	ctx := NewContext(nil)
	defer ctx.Close()
	load := func(snap *storage.Snapshot, prune bool) []int32 {
		ds, err := ctx.CreateRow(rel.Desc, 1<<15, false)
		require.NoError(t, err)
		defer ds.Release()
		n, err := ds.InsertBlock(context.Background(), rel, 0, snap, prune, nil)
		require.NoError(t, err)
		var ids []int32
		slot := &TupleSlot{}
		for i := 0; i < n; i++ {
			require.True(t, ds.Fetch(slot, i))
			val, err := ds.Value(slot, 0)
			require.NoError(t, err)
			ids = append(ids, common.DatumGetInt32(val.Datum))
		}
		return ids
	}

	old := clog.GetSnapshot(storage.InvalidTransactionId)
	xid := clog.Begin()
	for i := 5; i < 8; i++ {
		tup, err := storage.FormTuple(rel.Desc, []storage.Value{
			storage.DatumValue(common.Int32GetDatum(int32(i))),
			storage.RefValue([]byte("new")),
			storage.DatumValue(common.Int64GetDatum(0)),
		})
		require.NoError(t, err)
		_, err = rel.Insert(xid, tup)
		require.NoError(t, err)
	}
	require.NoError(t, rel.Delete(xid, storage.ItemPointer{Blkno: 0, Offset: 1}))
	require.NoError(t, rel.Delete(xid, storage.ItemPointer{Blkno: 0, Offset: 2}))
	clog.Commit(xid)

	expect := []int32{0, 1, 2, 3, 4}
	assert.Equal(t, expect, load(old, false))
	assert.Equal(t, expect, load(old, true))
	assert.Equal(t, expect, load(old, false))
	buf, err := rel.ReadBuffer(0)
	require.NoError(t, err)
	assert.False(t, buf.Page.IsAllVisible())
	assert.True(t, buf.Page.ItemId(1).IsNormal())
	assert.True(t, buf.Page.ItemId(2).IsNormal())

	clog.ReleaseSnapshot(old)
	cur := clog.GetSnapshot(storage.InvalidTransactionId)
	defer clog.ReleaseSnapshot(cur)
	expect = []int32{2, 3, 4, 5, 6, 7}
	assert.Equal(t, expect, load(cur, false))
	assert.Equal(t, expect, load(cur, true))
	assert.True(t, buf.Page.IsAllVisible())
	assert.Equal(t, storage.LP_DEAD, buf.Page.ItemId(1).Flags())
	assert.Equal(t, storage.LP_DEAD, buf.Page.ItemId(2).Flags())
	assert.Equal(t, expect, load(cur, false))
}

func TestScanRelation(t *testing.T) {
	rel := buildRelation(t, 3000)
	snap := rel.Clog.GetSnapshot(storage.InvalidTransactionId)
	defer rel.Clog.ReleaseSnapshot(snap)
	ctx := NewContext(nil)
	defer ctx.Close()

	for _, workers := range []int{1, 4} {
		checker := &storage.CountingSerializableChecker{}
		stores, err := ScanRelation(context.Background(), ctx, rel, snap, ScanOptions{
			Workers:   workers,
			ChunkSize: 3 * 8192,
			Checker:   checker,
		})
		require.NoError(t, err)
		assert.Greater(t, len(stores), 1)

		seen := make(map[int32]bool)
		slot := &TupleSlot{}
		for _, ds := range stores {
			require.NoError(t, ds.Kds().CheckInvariants())
			for i := 0; i < ds.NItems(); i++ {
				require.True(t, ds.Fetch(slot, i))
				val, err := ds.Value(slot, 0)
				require.NoError(t, err)
				id := common.DatumGetInt32(val.Datum)
				assert.False(t, seen[id])
				seen[id] = true
			}
			ds.Release()
		}
		assert.Len(t, seen, 3000)
		assert.Equal(t, int64(3000), checker.Checked.Load())
		assert.Equal(t, 0, storage.NumThreadBuffers())
	}
	assert.Equal(t, 0, ctx.NumStores())

	t.Run("too small", func(t *testing.T) {
		_, err := ScanRelation(context.Background(), ctx, rel, snap, ScanOptions{
			Workers:   2,
			ChunkSize: 4096,
		})
		assert.ErrorIs(t, err, ErrDataStoreNoSpace)
		assert.Equal(t, 0, ctx.NumStores())
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := ScanRelation(cctx, ctx, rel, snap, ScanOptions{Workers: 2, ChunkSize: 1 << 16})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, ctx.NumStores())
	})
}
