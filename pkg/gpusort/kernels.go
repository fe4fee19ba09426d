package gpusort

import (
	"errors"
	"sync/atomic"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/device"
	"github.com/daviszhen/strom/pkg/kds"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
)

// devSegment is the device memory of a sort segment.
type devSegment struct {
	slot    kds.Kds
	results ResultBuf
}

// projectRow prepares one deformed row for the slot store: numeric is
// converted to the device encoding when the slot column is by value, and
// the extra bytes of the by-reference columns are counted.
func projectRow(kin, kslot kds.Kds, desc *common.TupleDesc, htup []byte, values []uint64, isnull []bool) (uint32, int32) {
	var extra int
	for i := range values {
		if isnull[i] {
			continue
		}
		src, dst := kin.ColMeta(i), kslot.ColMeta(i)
		if src.AttByVal {
			continue
		}
		off := int(values[i])
		sz := int(src.AttLen)
		if sz < 0 {
			sz = storage.VarSize(htup[off:])
		}
		if !dst.AttByVal {
			extra += util.MaxAlign(sz)
			continue
		}
		if desc.Attr(i).TypeId != common.NUMERICOID {
			return 0, StromErrorDataCorruption
		}
		dec, err := common.ParseDecimal(string(htup[off+storage.VarHdrSz : off+sz]))
		if err != nil {
			return 0, StromErrorDataCorruption
		}
		word, err := common.NumericToDevice(dec)
		if errors.Is(err, common.ErrNumericOutOfRange) {
			return 0, StromErrorCpuReCheck
		} else if err != nil {
			return 0, StromErrorDataCorruption
		}
		values[i] = word
	}
	return uint32(extra), StromErrorSuccess
}

// projectionKernel moves the unclaimed rows of the input row store into
// the slot store of the segment. A block reserves rows, extra bytes and
// results for all its rows at once; if any does not fit, none of its
// rows are loaded and the segment reports no space.
func projectionKernel(task GpuSortBuf, seg *devSegment, desc *common.TupleDesc) *device.Kernel {
	return &device.Kernel{
		Name: "gpusort_projection",
		Func: func(blk *device.Block) {
			kcxt := newKernContext(PhaseProject)
			ctl := task.Header()
			defer kcxt.writeBack(&ctl.KError)

			kin := task.KdsIn()
			kslot := seg.slot
			ncols := kslot.NCols()
			nitems := int(kin.Header().NItems)
			values := make([]uint64, blk.Dim*ncols)
			isnull := make([]bool, blk.Dim*ncols)
			htups := make([][]byte, blk.Dim)
			nrows := make([]uint32, blk.Dim)
			extra := make([]uint32, blk.Dim)

			blk.Threads(func(lid int) {
				gid := blk.GlobalId(lid)
				if gid >= nitems || *kin.RowIndexEntry(gid)&kds.RowIndexClaimed != 0 {
					return
				}
				vals := values[lid*ncols : (lid+1)*ncols]
				nulls := isnull[lid*ncols : (lid+1)*ncols]
				_, htup, err := kin.TupItem(gid)
				if err == nil {
					err = kin.DeformHeapTuple(htup, vals, nulls)
				}
				if err != nil {
					kcxt.SetError(StromErrorDataCorruption)
					return
				}
				sz, code := projectRow(kin, kslot, desc, htup, vals, nulls)
				if code != StromErrorSuccess {
					kcxt.SetError(code)
					return
				}
				htups[lid] = htup
				nrows[lid] = 1
				extra[lid] = sz
			})
			if kcxt.Failed() {
				return
			}

			//count resource consumption by this block
			nrowsOfs, nrowsSum := device.StairlikeAdd(nrows)
			extraOfs, extraSum := device.StairlikeAdd(extra)
			if nrowsSum == 0 {
				return
			}

			//quick bailout prior to atomic operations
			hdr := kslot.Header()
			if uint64(atomic.LoadUint32(&hdr.NItems))+uint64(nrowsSum) > uint64(hdr.NRooms) ||
				uint64(atomic.LoadUint32(&hdr.Usage))+uint64(extraSum) > uint64(kslot.ExtraCapacity()) {
				kcxt.SetError(StromErrorDataStoreNoSpace)
				return
			}
			//extra first: an extra area reserved in vain is never visible
			var extraBase uint32
			if extraSum > 0 {
				var ok bool
				if extraBase, ok = kslot.AllocExtra(extraSum); !ok {
					kcxt.SetError(StromErrorDataStoreNoSpace)
					return
				}
			}
			rowBase, ok := kslot.AllocRows(nrowsSum)
			if !ok {
				kcxt.SetError(StromErrorDataStoreNoSpace)
				return
			}
			//results has as many rooms as the slot store
			resBase, ok := seg.results.Alloc(nrowsSum)
			if !ok {
				kcxt.SetError(StromErrorDataCorruption)
				return
			}
			results := seg.results.Results()

			blk.Threads(func(lid int) {
				if nrows[lid] == 0 {
					return
				}
				kdsIndex := rowBase + nrowsOfs[lid]
				results[resBase+nrowsOfs[lid]] = kdsIndex
				vals := values[lid*ncols : (lid+1)*ncols]
				nulls := isnull[lid*ncols : (lid+1)*ncols]
				dstValues := kslot.SlotValues(int(kdsIndex))
				dstIsNull := kslot.SlotIsNull(int(kdsIndex))
				pos := int(extraBase + extraOfs[lid])
				htup := htups[lid]
				for i := 0; i < ncols; i++ {
					if nulls[i] {
						dstIsNull[i] = true
						dstValues[i] = 0
						continue
					}
					dstIsNull[i] = false
					cmeta := kslot.ColMeta(i)
					if cmeta.AttByVal {
						dstValues[i] = vals[i]
						continue
					}
					off := int(vals[i])
					sz := int(cmeta.AttLen)
					if sz < 0 {
						sz = storage.VarSize(htup[off:])
					}
					copy(kslot[pos:pos+sz], htup[off:off+sz])
					dstValues[i] = uint64(pos)
					pos += util.MaxAlign(sz)
				}
				//this row now lives in the segment
				*kin.RowIndexEntry(blk.GlobalId(lid)) |= kds.RowIndexClaimed
			})
			atomic.AddUint32(&ctl.NLoaded, nrowsSum)
		},
	}
}

func sortError(seg *devSegment) *KernErrorBuf {
	return &seg.results.Header().KError
}

// compareSwap runs one stage of the bitonic network over idx. Pairs
// beyond len(idx) are skipped, as if padded with the largest key.
func compareSwap(kcxt *KernContext, comp *KeyComp, kslot kds.Kds, idx []uint32, id int, unitSize int, reversing bool) {
	halfUnitSize := unitSize / 2
	unitMask := unitSize - 1
	idx0 := (id/halfUnitSize)*unitSize + id%halfUnitSize
	idx1 := idx0 + halfUnitSize
	if reversing {
		idx1 = (idx0 &^ unitMask) | (^idx0 & unitMask)
	}
	if idx1 >= len(idx) {
		return
	}
	pos0, pos1 := idx[idx0], idx[idx1]
	if comp.Compare(kcxt, kslot, pos0, pos1) > 0 {
		idx[idx0] = pos1
		idx[idx1] = pos0
	}
}

// loadPartition copies the window of block blk into shared memory.
func loadPartition(blk *device.Block, results []uint32, nitems int) ([]uint32, int) {
	partSize := 2 * blk.Dim
	partBase := blk.Id * partSize
	if partBase >= nitems {
		return nil, partBase
	}
	partSize = min(partSize, nitems-partBase)
	localIdx := util.OverlaySlice[uint32](blk.Shared, 0, 2*blk.Dim)[:partSize]
	blk.Threads(func(lid int) {
		for i := lid; i < partSize; i += blk.Dim {
			localIdx[i] = results[partBase+i]
		}
	})
	return localIdx, partBase
}

func storePartition(blk *device.Block, results []uint32, localIdx []uint32, partBase int) {
	blk.Threads(func(lid int) {
		for i := lid; i < len(localIdx); i += blk.Dim {
			results[partBase+i] = localIdx[i]
		}
	})
}

// bitonicLocalKernel sorts each window of 2*blockSize results in shared
// memory.
func bitonicLocalKernel(comp *KeyComp, seg *devSegment) *device.Kernel {
	return &device.Kernel{
		Name: "gpusort_bitonic_local",
		Func: func(blk *device.Block) {
			kcxt := newKernContext(PhaseLocalSort)
			defer kcxt.writeBack(sortError(seg))
			results := seg.results.Results()
			localIdx, partBase := loadPartition(blk, results, int(seg.results.Header().NItems))
			if localIdx == nil {
				return
			}
			width := int(util.NextPowerOfTwo(uint64(len(localIdx))))
			for blockSize := 2; blockSize <= width; blockSize *= 2 {
				for unitSize := blockSize; unitSize >= 2; unitSize /= 2 {
					reversing := unitSize == blockSize
					blk.Threads(func(lid int) {
						compareSwap(kcxt, comp, seg.slot, localIdx, lid, unitSize, reversing)
					})
				}
			}
			storePartition(blk, results, localIdx, partBase)
		},
	}
}

// bitonicStepKernel compare-and-swaps over the whole result array at
// distance unitSize/2, with no shared memory.
func bitonicStepKernel(comp *KeyComp, seg *devSegment, unitSize int, reversing bool) *device.Kernel {
	return &device.Kernel{
		Name: "gpusort_bitonic_step",
		Func: func(blk *device.Block) {
			kcxt := newKernContext(PhaseGlobalStep)
			defer kcxt.writeBack(sortError(seg))
			nitems := int(seg.results.Header().NItems)
			results := seg.results.Results()[:nitems]
			blk.Threads(func(lid int) {
				compareSwap(kcxt, comp, seg.slot, results, blk.GlobalId(lid), unitSize, reversing)
			})
		},
	}
}

// bitonicMergeKernel runs the half-cleaners of each window once the
// global steps brought the distance down to the window size.
func bitonicMergeKernel(comp *KeyComp, seg *devSegment) *device.Kernel {
	return &device.Kernel{
		Name: "gpusort_bitonic_merge",
		Func: func(blk *device.Block) {
			kcxt := newKernContext(PhaseMerge)
			defer kcxt.writeBack(sortError(seg))
			results := seg.results.Results()
			localIdx, partBase := loadPartition(blk, results, int(seg.results.Header().NItems))
			if localIdx == nil {
				return
			}
			for unitSize := 2 * blk.Dim; unitSize >= 2; unitSize /= 2 {
				blk.Threads(func(lid int) {
					compareSwap(kcxt, comp, seg.slot, localIdx, lid, unitSize, false)
				})
			}
			storePartition(blk, results, localIdx, partBase)
		},
	}
}

// fixupKernel turns the by-reference values of the sorted rows from
// offsets into host addresses of the slot store.
func fixupKernel(seg *devSegment) *device.Kernel {
	return &device.Kernel{
		Name: "gpusort_fixup_pointers",
		Func: func(blk *device.Block) {
			kcxt := newKernContext(PhaseFixup)
			defer kcxt.writeBack(sortError(seg))
			kslot := seg.slot
			hdr := kslot.Header()
			nitems := int(seg.results.Header().NItems)
			results := seg.results.Results()
			ncols := kslot.NCols()
			blk.Threads(func(lid int) {
				gid := blk.GlobalId(lid)
				if gid >= nitems {
					return
				}
				kdsIndex := results[gid]
				if kdsIndex >= hdr.NItems {
					kcxt.SetError(StromErrorDataCorruption)
					return
				}
				values := kslot.SlotValues(int(kdsIndex))
				isnull := kslot.SlotIsNull(int(kdsIndex))
				for i := 0; i < ncols; i++ {
					if kslot.ColMeta(i).AttByVal || isnull[i] {
						continue
					}
					values[i] += hdr.HostPtr
				}
			})
		},
	}
}
