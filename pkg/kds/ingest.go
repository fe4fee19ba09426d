package kds

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InsertBlock loads the tuples of page blkno visible under snap. When the
// worst case of the page may not fit, the store is left untouched and
// ErrDataStoreNoSpace asks the caller to load the page into the next store.
func (ds *DataStore) InsertBlock(
	ctx context.Context,
	rel *storage.Relation,
	blkno uint32,
	snap *storage.Snapshot,
	pagePrune bool,
	checker storage.SerializableChecker,
) (int, error) {
	k := ds.Kds()
	hdr := k.Header()
	if hdr.Format != KDS_FORMAT_ROW {
		panic(fmt.Sprintf("bug? unexpected data-store format: %d", hdr.Format))
	}
	if checker == nil {
		checker = storage.NoopSerializableChecker{}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	buf, err := rel.ReadBuffer(blkno)
	if err != nil {
		return 0, err
	}
	if pagePrune {
		rel.PrunePage(buf)
	}

	storage.LockBuffer(buf, storage.BUFFER_LOCK_SHARE)
	page := buf.Page
	lines := int(page.MaxOffsetNumber())

	maxConsume := k.BodyOffset() +
		4*(int(hdr.NItems)+lines) +
		SizeOfKernTupItem*lines + util.BLCKSZ +
		int(hdr.Usage)
	if maxConsume > int(hdr.Length) ||
		uint64(hdr.NItems)+uint64(lines) > uint64(hdr.NRooms) {
		storage.UnlockBuffer(buf)
		return 0, ErrDataStoreNoSpace
	}

	allVisible := page.IsAllVisible() && !snap.TakenDuringRecovery
	ntup := 0
	for lineoff := storage.FirstOffsetNumber; int(lineoff) <= lines; lineoff++ {
		lp := page.ItemId(lineoff)
		if !lp.IsNormal() {
			continue
		}
		tup := &storage.HeapTuple{
			Len:      lp.Len(),
			Self:     storage.ItemPointer{Blkno: blkno, Offset: lineoff},
			TableOid: rel.Oid,
			Data:     page.Item(lp),
		}
		valid := allVisible ||
			storage.HeapTupleSatisfiesVisibility(tup, snap, rel.Clog)
		checker.CheckForSerializableConflictOut(valid, rel, tup, buf, snap)
		if !valid {
			continue
		}
		itemsz := util.LongAlign(SizeOfKernTupItem + len(tup.Data))
		util.AssertFunc(k.Fits(int(hdr.NItems)+ntup+1, int(hdr.Usage)+itemsz))
		k.putTuple(int(hdr.NItems)+ntup, tup, itemsz)
		ntup++
	}
	storage.UnlockBuffer(buf)
	util.AssertFunc(uint64(hdr.NItems)+uint64(ntup) <= uint64(hdr.NRooms))
	hdr.NItems += uint32(ntup)
	return ntup, nil
}

type ScanOptions struct {
	Workers    int
	ChunkSize  int
	FileMapped bool
	PagePrune  bool
	Checker    storage.SerializableChecker
}

// ScanRelation loads every visible tuple of rel into row stores. Each
// worker fills its own stores, taking pages in increasing block order.
// On error every store created by the scan is released.
func ScanRelation(ctx context.Context, dsctx *Context, rel *storage.Relation, snap *storage.Snapshot, opts ScanOptions) ([]*DataStore, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	nblocks := rel.NBlocks()
	var nextBlock atomic.Uint32
	results := make([][]*DataStore, workers)

	grp, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		grp.Go(func() error {
			var cur *DataStore
			newStore := func() error {
				if cur != nil {
					results[w] = append(results[w], cur)
				}
				var err error
				cur, err = dsctx.CreateRow(rel.Desc, opts.ChunkSize, opts.FileMapped)
				return err
			}
			defer func() {
				if cur != nil {
					results[w] = append(results[w], cur)
				}
			}()
			for {
				blkno := nextBlock.Add(1) - 1
				if blkno >= nblocks {
					return nil
				}
				if cur == nil {
					if err := newStore(); err != nil {
						return err
					}
				}
				_, err := cur.InsertBlock(gctx, rel, blkno, snap, opts.PagePrune, opts.Checker)
				if errors.Is(err, ErrDataStoreNoSpace) {
					if cur.NItems() == 0 {
						return fmt.Errorf("store of %d bytes cannot hold block %d: %w",
							cur.Length(), blkno, err)
					}
					if err = newStore(); err != nil {
						return err
					}
					_, err = cur.InsertBlock(gctx, rel, blkno, snap, opts.PagePrune, opts.Checker)
				}
				if err != nil {
					return err
				}
			}
		})
	}
	err := grp.Wait()

	var stores []*DataStore
	for _, list := range results {
		for _, ds := range list {
			if err != nil || ds.NItems() == 0 {
				ds.Release()
				continue
			}
			stores = append(stores, ds)
		}
	}
	if err != nil {
		return nil, err
	}
	util.Debug("scan relation",
		zap.String("relation", rel.Name),
		zap.Uint32("blocks", nblocks),
		zap.Int("stores", len(stores)))
	return stores, nil
}
