package gpusort

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/strom/pkg/kds"
	"github.com/daviszhen/strom/pkg/util"
)

// Error codes of kern_errorbuf.
const (
	StromErrorSuccess int32 = iota
	StromErrorCpuReCheck
	StromErrorDataStoreNoSpace
	StromErrorDataCorruption
	StromErrorRuntime
)

var (
	// ErrSegmentNoSpace means the current sort segment is full. The rows
	// not loaded yet go to a new segment.
	ErrSegmentNoSpace = errors.New("sort segment has no space")
	// ErrCpuReCheck means a value has no device representation.
	ErrCpuReCheck = errors.New("rows need to be rechecked on CPU")
)

func errorCodeName(code int32) string {
	switch code {
	case StromErrorSuccess:
		return "Success"
	case StromErrorCpuReCheck:
		return "CpuReCheck"
	case StromErrorDataStoreNoSpace:
		return "DataStoreNoSpace"
	case StromErrorDataCorruption:
		return "DataCorruption"
	case StromErrorRuntime:
		return "Runtime"
	}
	return fmt.Sprintf("Unknown(%d)", code)
}

type KernErrorBuf struct {
	ErrCode int32
	Phase   Phase
}

func (e *KernErrorBuf) Code() int32 {
	return atomic.LoadInt32(&e.ErrCode)
}

// Set records code unless an error is already recorded.
func (e *KernErrorBuf) Set(code int32, phase Phase) {
	if code == StromErrorSuccess {
		return
	}
	if atomic.CompareAndSwapInt32(&e.ErrCode, StromErrorSuccess, code) {
		atomic.StoreInt32((*int32)(&e.Phase), int32(phase))
	}
}

func (e *KernErrorBuf) Reset() {
	atomic.StoreInt32(&e.ErrCode, StromErrorSuccess)
	atomic.StoreInt32((*int32)(&e.Phase), 0)
}

// StatusError is a device-side error seen by the host.
type StatusError struct {
	Code  int32
	Phase Phase
	Cause error
}

func (e *StatusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gpusort %s: %s: %v", e.Phase, errorCodeName(e.Code), e.Cause)
	}
	return fmt.Sprintf("gpusort %s: %s", e.Phase, errorCodeName(e.Code))
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case StromErrorDataStoreNoSpace:
		return ErrSegmentNoSpace
	case StromErrorCpuReCheck:
		return ErrCpuReCheck
	case StromErrorDataCorruption:
		return kds.ErrDataCorruption
	}
	return e.Cause
}

func statusError(kerr *KernErrorBuf) error {
	code := kerr.Code()
	if code == StromErrorSuccess {
		return nil
	}
	return &StatusError{Code: code, Phase: kerr.Phase}
}

// KernContext collects the first error raised by the threads of a block.
type KernContext struct {
	e KernErrorBuf
}

func newKernContext(phase Phase) *KernContext {
	return &KernContext{e: KernErrorBuf{Phase: phase}}
}

func (kcxt *KernContext) SetError(code int32) {
	if kcxt.e.ErrCode == StromErrorSuccess {
		kcxt.e.ErrCode = code
	}
}

func (kcxt *KernContext) Failed() bool {
	return kcxt.e.ErrCode != StromErrorSuccess
}

func (kcxt *KernContext) writeBack(dst *KernErrorBuf) {
	dst.Set(kcxt.e.ErrCode, kcxt.e.Phase)
}

// KernGpuSort is the control block of a sort task. The param buffer and
// the input row store follow it, so one copy moves them all.
type KernGpuSort struct {
	KError  KernErrorBuf
	SegId   uint32
	NLoaded uint32
	//kparams follows
}

// KernResultBuf is followed by results[nrooms], the slot rows of a
// segment in sort order.
type KernResultBuf struct {
	NRooms uint32
	NItems uint32
	KError KernErrorBuf
}

var (
	SizeOfKernGpuSort   = int(unsafe.Sizeof(KernGpuSort{}))
	SizeOfKernResultBuf = int(unsafe.Sizeof(KernResultBuf{}))
)

// GpuSortBuf is a view over a control block and what follows it.
type GpuSortBuf []byte

// NewGpuSortBuf lays out the control block and params and leaves room
// for an input store of inLength bytes.
func NewGpuSortBuf(segId uint32, params kds.ParamBuf, inLength int) GpuSortBuf {
	buf := GpuSortBuf(make([]byte, SizeOfKernGpuSort+len(params)+inLength))
	hdr := buf.Header()
	hdr.SegId = segId
	copy(buf[SizeOfKernGpuSort:], params)
	return buf
}

func (g GpuSortBuf) Header() *KernGpuSort {
	return util.Overlay[KernGpuSort](g, 0)
}

func (g GpuSortBuf) Params() kds.ParamBuf {
	plen := util.Overlay[kds.KernParamBuf](g, SizeOfKernGpuSort).Length
	return kds.ParamBuf(g[SizeOfKernGpuSort : SizeOfKernGpuSort+int(plen)])
}

func (g GpuSortBuf) KdsIn() kds.Kds {
	return kds.Kds(g[g.DMASendLength():])
}

// DMASendLength covers the control block and params.
func (g GpuSortBuf) DMASendLength() int {
	return SizeOfKernGpuSort + len(g.Params())
}

// DMARecvLength covers the control block only.
func (g GpuSortBuf) DMARecvLength() int {
	return SizeOfKernGpuSort
}

// ResultBuf is a view over a result buffer.
type ResultBuf []byte

func ResultBufLength(nrooms int) int {
	return util.StromAlign(SizeOfKernResultBuf + 4*nrooms)
}

func NewResultBuf(nrooms int) ResultBuf {
	rb := ResultBuf(make([]byte, ResultBufLength(nrooms)))
	rb.Header().NRooms = uint32(nrooms)
	return rb
}

func (rb ResultBuf) Header() *KernResultBuf {
	return util.Overlay[KernResultBuf](rb, 0)
}

func (rb ResultBuf) Results() []uint32 {
	return util.OverlaySlice[uint32](rb, SizeOfKernResultBuf, int(rb.Header().NRooms))
}

// Alloc reserves n entries. The buffer is not changed on failure.
func (rb ResultBuf) Alloc(n uint32) (uint32, bool) {
	hdr := rb.Header()
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
