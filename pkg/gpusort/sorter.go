package gpusort

import (
	"errors"
	"fmt"
	"math"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/device"
	"github.com/daviszhen/strom/pkg/kds"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
	"github.com/liyue201/gostl/ds/priorityqueue"
	"go.uber.org/zap"
)

type Options struct {
	//rows of a sort segment
	SegmentRows int
	//bytes of the extra area of a sort segment
	ExtraLen       int
	InternalFormat bool
}

// Segment is one sorted run. Slot holds the rows, fixed up for the host;
// Results lists its rows in sort order.
type Segment struct {
	Id      uint32
	Slot    *kds.DataStore
	Results []uint32

	dev     devSegment
	hostRes ResultBuf
}

func (seg *Segment) NItems() int {
	return len(seg.Results)
}

// Fetch fills slot with the i-th row of the segment in sort order.
func (seg *Segment) Fetch(slot *kds.TupleSlot, i int) bool {
	if i < 0 || i >= len(seg.Results) {
		return false
	}
	return seg.Slot.Fetch(slot, int(seg.Results[i]))
}

// Sorter feeds row stores into sort segments on a device and sorts every
// segment. Rows that do not fit the current segment go to a new one.
type Sorter struct {
	dev      *device.Device
	dsctx    *kds.Context
	desc     *common.TupleDesc
	keys     []SortKey
	opts     Options
	comp     *KeyComp
	params   kds.ParamBuf
	segments []*Segment
	cur      *Segment
	nextId   uint32
}

func NewSorter(dev *device.Device, dsctx *kds.Context, desc *common.TupleDesc, keys []SortKey, params kds.ParamBuf, opts Options) (*Sorter, error) {
	if opts.SegmentRows <= 0 || opts.SegmentRows > math.MaxInt32 {
		return nil, fmt.Errorf("invalid segment rows %d", opts.SegmentRows)
	}
	comp, err := NewKeyComp(desc, keys, opts.InternalFormat)
	if err != nil {
		return nil, err
	}
	if params == nil {
		if params, err = kds.BuildParamBuffer(nil, nil); err != nil {
			return nil, err
		}
	}
	return &Sorter{
		dev:    dev,
		dsctx:  dsctx,
		desc:   desc,
		keys:   keys,
		opts:   opts,
		comp:   comp,
		params: params,
	}, nil
}

func (s *Sorter) InternalFormat() bool {
	return s.opts.InternalFormat
}

func (s *Sorter) Segments() []*Segment {
	return s.segments
}

// NItems is the number of rows in the sorted segments.
func (s *Sorter) NItems() int {
	n := 0
	for _, seg := range s.segments {
		n += seg.NItems()
	}
	return n
}

// newSegment creates the slot store of the next segment. With file mapped
// chunks, the slot store is chained after an empty row store in a temp
// file of its own; releasing the slot store removes the file.
func (s *Sorter) newSegment() (*Segment, error) {
	var toast *kds.DataStore
	if s.dsctx.FileMapped() {
		var err error
		if toast, err = s.dsctx.CreateRow(s.desc, 0, true); err != nil {
			return nil, err
		}
	}
	slot, err := s.dsctx.CreateSlot(s.desc, s.opts.SegmentRows, s.opts.ExtraLen, s.opts.InternalFormat, toast)
	if err != nil {
		if toast != nil {
			toast.Release()
		}
		return nil, err
	}
	seg := &Segment{
		Id:      s.nextId,
		Slot:    slot,
		hostRes: NewResultBuf(s.opts.SegmentRows),
	}
	s.nextId++
	if err = s.uploadSegment(seg); err != nil {
		s.freeSegment(seg)
		slot.Release()
		return nil, err
	}
	return seg, nil
}

func (s *Sorter) uploadSegment(seg *Segment) error {
	mem, err := s.dev.MemAlloc(seg.Slot.Length())
	if err != nil {
		return err
	}
	seg.dev.slot = kds.Kds(mem)
	if err = s.dev.MemcpyHtoD(seg.dev.slot, seg.Slot.Bytes()[:seg.Slot.Length()]); err != nil {
		return err
	}
	mem, err = s.dev.MemAlloc(len(seg.hostRes))
	if err != nil {
		return err
	}
	seg.dev.results = ResultBuf(mem)
	return s.dev.MemcpyHtoD(seg.dev.results, seg.hostRes)
}

func (s *Sorter) freeSegment(seg *Segment) {
	s.dev.MemFree(seg.dev.slot)
	s.dev.MemFree(seg.dev.results)
	seg.dev = devSegment{}
}

// deviceNItems reads the number of rows loaded into the segment.
func (s *Sorter) deviceNItems(seg *Segment) (int, error) {
	if err := s.dev.MemcpyDtoH(seg.hostRes[:SizeOfKernResultBuf], seg.dev.results[:SizeOfKernResultBuf]); err != nil {
		return 0, err
	}
	return int(seg.hostRes.Header().NItems), nil
}

// synchronize waits for the launched kernels and checks the device error
// and the status of the sort phases.
func (s *Sorter) synchronize(seg *Segment, phase Phase) error {
	if err := s.dev.Synchronize(); err != nil {
		return &StatusError{Code: StromErrorRuntime, Phase: phase, Cause: err}
	}
	if _, err := s.deviceNItems(seg); err != nil {
		return err
	}
	return statusError(&seg.hostRes.Header().KError)
}

func (s *Sorter) launch(k *device.Kernel, phase Phase, grid, block, shmem int) error {
	if err := s.dev.Launch(k, grid, block, shmem); err != nil {
		return &StatusError{Code: StromErrorRuntime, Phase: phase, Cause: err}
	}
	return nil
}

// blockSize is the common block size of the bitonic kernels: the least of
// their largest block sizes, as a power of two.
func (s *Sorter) blockSize(seg *Segment, nitems int) (int, error) {
	kernels := []*device.Kernel{
		bitonicLocalKernel(s.comp, &seg.dev),
		bitonicStepKernel(s.comp, &seg.dev, 2, false),
		bitonicMergeKernel(s.comp, &seg.dev),
	}
	blockSize := math.MaxInt32
	for _, k := range kernels {
		_, block, err := s.dev.LargestWorkgroupSize(k, (nitems+1)/2, 0, 2*4)
		if err != nil {
			return 0, &StatusError{Code: StromErrorRuntime, Phase: PhaseLocalSort, Cause: err}
		}
		blockSize = min(blockSize, int(util.PrevPowerOfTwo(uint64(block))))
	}
	return blockSize, nil
}

// sortSegment runs the bitonic sort and the pointer fixup on the device
// and copies the segment back to the host.
func (s *Sorter) sortSegment(seg *Segment) error {
	nitems, err := s.deviceNItems(seg)
	if err != nil {
		return err
	}
	if nitems > 1 {
		blockSize, err := s.blockSize(seg, nitems)
		if err != nil {
			return err
		}
		for _, step := range BitonicSchedule(nitems, blockSize) {
			var k *device.Kernel
			var grid, shmem int
			switch step.Phase {
			case PhaseLocalSort:
				k = bitonicLocalKernel(s.comp, &seg.dev)
				grid = ((nitems+1)/2 + blockSize - 1) / blockSize
				shmem = 2 * 4 * blockSize
			case PhaseGlobalStep:
				k = bitonicStepKernel(s.comp, &seg.dev, step.UnitSize, step.Reversing)
				workSize := (nitems + step.UnitSize - 1) / step.UnitSize * step.UnitSize / 2
				grid = (workSize + blockSize - 1) / blockSize
			case PhaseMerge:
				k = bitonicMergeKernel(s.comp, &seg.dev)
				grid = ((nitems+1)/2 + blockSize - 1) / blockSize
				shmem = 2 * 4 * blockSize
			}
			util.Debug("gpusort launch",
				zap.Uint32("segment", seg.Id),
				zap.Stringer("step", step),
				zap.Int("grid", grid),
				zap.Int("block", blockSize))
			if err = s.launch(k, step.Phase, grid, blockSize, shmem); err != nil {
				return err
			}
			if err = s.synchronize(seg, step.Phase); err != nil {
				return err
			}
		}
	}
	if nitems > 0 {
		k := fixupKernel(&seg.dev)
		grid, block, err := s.dev.OptimalWorkgroupSize(k, nitems, 0, 4)
		if err != nil {
			return &StatusError{Code: StromErrorRuntime, Phase: PhaseFixup, Cause: err}
		}
		if err = s.launch(k, PhaseFixup, grid, block, 0); err != nil {
			return err
		}
		if err = s.synchronize(seg, PhaseFixup); err != nil {
			return err
		}
	}

	slot := seg.Slot.Bytes()[:seg.Slot.Length()]
	if err = s.dev.MemcpyDtoH(slot, seg.dev.slot); err != nil {
		return err
	}
	if err = s.dev.MemcpyDtoH(seg.hostRes, seg.dev.results); err != nil {
		return err
	}
	seg.Results = seg.hostRes.Results()[:nitems]
	s.freeSegment(seg)
	util.Debug("gpusort segment sorted",
		zap.Uint32("segment", seg.Id),
		zap.Int("nitems", nitems))
	return nil
}

// closeSegment sorts the current segment and keeps it when not empty.
func (s *Sorter) closeSegment() error {
	seg := s.cur
	s.cur = nil
	if err := s.sortSegment(seg); err != nil {
		s.freeSegment(seg)
		seg.Slot.Release()
		return err
	}
	if seg.NItems() == 0 {
		seg.Slot.Release()
		return nil
	}
	s.segments = append(s.segments, seg)
	return nil
}

// Add loads every row of the row store in into segments.
func (s *Sorter) Add(in *kds.DataStore) error {
	if in.Format() != kds.KDS_FORMAT_ROW {
		return fmt.Errorf("sort input must be a row store, not %s", in.FormatName())
	}
	nitems := in.NItems()
	if nitems == 0 {
		return nil
	}
	host := NewGpuSortBuf(0, s.params, 0)
	mem, err := s.dev.MemAlloc(len(host) + in.Length())
	if err != nil {
		return err
	}
	defer s.dev.MemFree(mem)
	task := GpuSortBuf(mem)
	if err = s.dev.MemcpyHtoD(task[len(host):], in.Bytes()[:in.Length()]); err != nil {
		return err
	}

	loaded := 0
	for {
		if s.cur == nil {
			if s.cur, err = s.newSegment(); err != nil {
				return err
			}
		}
		hdr := host.Header()
		hdr.KError.Reset()
		hdr.SegId = s.cur.Id
		hdr.NLoaded = 0
		if err = s.dev.MemcpyHtoD(task, host); err != nil {
			return err
		}

		k := projectionKernel(task, &s.cur.dev, s.desc)
		grid, block, err := s.dev.OptimalWorkgroupSize(k, nitems, 0, 0)
		if err != nil {
			return &StatusError{Code: StromErrorRuntime, Phase: PhaseProject, Cause: err}
		}
		if block > s.opts.SegmentRows {
			block = s.opts.SegmentRows
			grid = (nitems + block - 1) / block
		}
		if err = s.launch(k, PhaseProject, grid, block, 0); err != nil {
			return err
		}
		if err = s.dev.Synchronize(); err != nil {
			return &StatusError{Code: StromErrorRuntime, Phase: PhaseProject, Cause: err}
		}
		if err = s.dev.MemcpyDtoH(host[:host.DMARecvLength()], task[:host.DMARecvLength()]); err != nil {
			return err
		}
		loaded += int(hdr.NLoaded)

		err = statusError(&hdr.KError)
		if err == nil {
			util.AssertFunc(loaded == nitems)
			return nil
		}
		if !errors.Is(err, ErrSegmentNoSpace) {
			return err
		}
		inSegment, err2 := s.deviceNItems(s.cur)
		if err2 != nil {
			return err2
		}
		if inSegment == 0 {
			return fmt.Errorf("segment of %d rows and %d extra bytes cannot hold a block of %d rows: %w",
				s.opts.SegmentRows, s.opts.ExtraLen, block, err)
		}
		util.Debug("gpusort segment full",
			zap.Uint32("segment", s.cur.Id),
			zap.Int("nitems", inSegment),
			zap.Int("loaded", loaded))
		if err = s.closeSegment(); err != nil {
			return err
		}
	}
}

// Finish sorts the last segment.
func (s *Sorter) Finish() error {
	if s.cur == nil {
		return nil
	}
	return s.closeSegment()
}

// Close releases every segment.
func (s *Sorter) Close() {
	if s.cur != nil {
		s.freeSegment(s.cur)
		s.cur.Slot.Release()
		s.cur = nil
	}
	for _, seg := range s.segments {
		seg.Slot.Release()
	}
	s.segments = nil
}

// Sort sorts the rows of inputs. When a numeric value has no device
// encoding, it starts over with numeric kept in the host encoding.
func Sort(dev *device.Device, dsctx *kds.Context, desc *common.TupleDesc, keys []SortKey, params kds.ParamBuf, inputs []*kds.DataStore, opts Options) (*Sorter, error) {
	s, err := NewSorter(dev, dsctx, desc, keys, params, opts)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if err = s.Add(in); err != nil {
			break
		}
	}
	if err == nil {
		err = s.Finish()
	}
	if err == nil {
		return s, nil
	}
	s.Close()
	if errors.Is(err, ErrCpuReCheck) && opts.InternalFormat {
		util.Info("numeric out of device range, sorting in host encoding", zap.Error(err))
		opts.InternalFormat = false
		return Sort(dev, dsctx, desc, keys, params, inputs, opts)
	}
	return nil, err
}

type cursor struct {
	seg *Segment
	pos int
}

func (c *cursor) row() uint32 {
	return c.seg.Results[c.pos]
}

// MergeIterator returns the rows of every segment in sort order.
type MergeIterator struct {
	comp *KeyComp
	kcxt *KernContext
	pq   *priorityqueue.PriorityQueue[*cursor]
}

func (s *Sorter) Iterator() *MergeIterator {
	it := &MergeIterator{
		comp: s.comp,
		kcxt: newKernContext(PhaseFixup),
	}
	it.pq = priorityqueue.New[*cursor](func(a, b *cursor) int {
		cmp := it.comp.CompareFixed(it.kcxt, a.seg.Slot.Kds(), a.row(), b.seg.Slot.Kds(), b.row())
		if cmp == 0 {
			return int(a.seg.Id) - int(b.seg.Id)
		}
		return cmp
	})
	for _, seg := range s.segments {
		if seg.NItems() > 0 {
			it.pq.Push(&cursor{seg: seg})
		}
	}
	return it
}

// Next fills slot with the next row. It returns the segment holding the
// row, or false at the end.
func (it *MergeIterator) Next(slot *kds.TupleSlot) (*Segment, bool) {
	if it.pq.Empty() {
		return nil, false
	}
	c := it.pq.Pop()
	c.seg.Slot.Fetch(slot, int(c.row()))
	seg := c.seg
	c.pos++
	if c.pos < seg.NItems() {
		it.pq.Push(c)
	}
	return seg, true
}

// Err reports a corrupted value met while merging.
func (it *MergeIterator) Err() error {
	return statusError(&it.kcxt.e)
}

// Value is column col of a row fetched from seg, in host form. Numeric
// sorted in the device encoding is converted back.
func (s *Sorter) Value(seg *Segment, slot *kds.TupleSlot, col int) (storage.Value, error) {
	val, err := seg.Slot.Value(slot, col)
	if err != nil || val.IsNull {
		return val, err
	}
	if s.opts.InternalFormat && s.desc.Attr(col).TypeId == common.NUMERICOID {
		dec, err := common.NumericFromDevice(uint64(val.Datum))
		if err != nil {
			return storage.Value{}, err
		}
		return storage.RefValue([]byte(dec.String())), nil
	}
	return val, nil
}
