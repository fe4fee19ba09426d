package storage

import (
	"sync/atomic"
	"time"

	"github.com/daviszhen/strom/pkg/util"
	"github.com/petermattis/goid"
	"golang.org/x/sync/syncmap"
)

type BufferLockMode int

const (
	BUFFER_LOCK_UNLOCK BufferLockMode = iota
	BUFFER_LOCK_SHARE
	BUFFER_LOCK_EXCLUSIVE
)

const (
	MaxBuffersPerGoroutine = 16

	//low 24 bits: shared holders
	BufferStateShareMask     uint32 = 0x00FFFFFF
	BufferStateExclusiveFlag uint32 = 0x01000000
)

var (
	gThreadBuffers syncmap.Map
)

type HeldBuffer struct {
	buf  *Buffer
	mode BufferLockMode
}

type ThreadBuffers struct {
	held    [MaxBuffersPerGoroutine]HeldBuffer
	numHeld int
}

// GetThreadBuffers returns the held buffers of the calling goroutine,
// creating the entry on first use.
func GetThreadBuffers() *ThreadBuffers {
	gid := goid.Get()
	val, _ := gThreadBuffers.LoadOrStore(gid, &ThreadBuffers{})
	return val.(*ThreadBuffers)
}

// lookupThreadBuffers returns nil when the calling goroutine holds nothing.
func lookupThreadBuffers() *ThreadBuffers {
	val, ok := gThreadBuffers.Load(goid.Get())
	if !ok {
		return nil
	}
	return val.(*ThreadBuffers)
}

// NumThreadBuffers is the number of goroutines holding buffer locks.
func NumThreadBuffers() int {
	n := 0
	gThreadBuffers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func getHeldBufferIndex(tBufs *ThreadBuffers, buf *Buffer) int {
	if tBufs == nil {
		return -1
	}
	for i := 0; i < tBufs.numHeld; i++ {
		if tBufs.held[i].buf == buf {
			return i
		}
	}
	return -1
}

func heldBufferAdd(buf *Buffer, mode BufferLockMode) {
	tBufs := GetThreadBuffers()
	util.AssertFunc(getHeldBufferIndex(tBufs, buf) < 0)
	util.AssertFunc(tBufs.numHeld < MaxBuffersPerGoroutine)
	tBufs.held[tBufs.numHeld] = HeldBuffer{buf: buf, mode: mode}
	tBufs.numHeld++
}

// heldBufferDel forgets buf. The entry of the goroutine goes away with
// its last buffer.
func heldBufferDel(buf *Buffer) BufferLockMode {
	tBufs := lookupThreadBuffers()
	index := getHeldBufferIndex(tBufs, buf)
	util.AssertFunc(index >= 0)
	mode := tBufs.held[index].mode
	tBufs.held[index] = tBufs.held[tBufs.numHeld-1]
	tBufs.held[tBufs.numHeld-1] = HeldBuffer{}
	tBufs.numHeld--
	if tBufs.numHeld == 0 {
		gThreadBuffers.Delete(goid.Get())
	}
	return mode
}

// HaveHeldBuffers reports whether the calling goroutine holds any buffer lock.
func HaveHeldBuffers() bool {
	tBufs := lookupThreadBuffers()
	return tBufs != nil && tBufs.numHeld > 0
}

func HeldBufferMode(buf *Buffer) BufferLockMode {
	tBufs := lookupThreadBuffers()
	index := getHeldBufferIndex(tBufs, buf)
	if index < 0 {
		return BUFFER_LOCK_UNLOCK
	}
	return tBufs.held[index].mode
}

func ReleaseAllBufferLocks() {
	for tBufs := lookupThreadBuffers(); tBufs != nil && tBufs.numHeld > 0; {
		UnlockBuffer(tBufs.held[0].buf)
	}
}

// Buffer is an in-memory page with a content lock.
type Buffer struct {
	Blkno       uint32
	Page        Page
	stateAtomic uint32
	waitC       chan struct{}
}

func NewBuffer(blkno uint32) *Buffer {
	return &Buffer{
		Blkno: blkno,
		Page:  NewPage(),
		waitC: make(chan struct{}, 1),
	}
}

func BufferStateIsLocked(state uint32) bool {
	return util.FlagIsSet(state, BufferStateExclusiveFlag)
}

func BufferStateShares(state uint32) uint32 {
	return state & BufferStateShareMask
}

func (buf *Buffer) wait() {
	select {
	case <-buf.waitC:
	case <-time.After(time.Millisecond * 10):
	}
}

func (buf *Buffer) wake() {
	select {
	case buf.waitC <- struct{}{}:
	default:
	}
}

func (buf *Buffer) tryLock(mode BufferLockMode) bool {
	state := atomic.LoadUint32(&buf.stateAtomic)
	var newState uint32
	switch mode {
	case BUFFER_LOCK_SHARE:
		if BufferStateIsLocked(state) {
			return false
		}
		newState = state + 1
	case BUFFER_LOCK_EXCLUSIVE:
		if state != 0 {
			return false
		}
		newState = BufferStateExclusiveFlag
	default:
		panic("usp buffer lock mode")
	}
	return atomic.CompareAndSwapUint32(&buf.stateAtomic, state, newState)
}

// LockBuffer acquires or releases the content lock of buf.
func LockBuffer(buf *Buffer, mode BufferLockMode) {
	if mode == BUFFER_LOCK_UNLOCK {
		UnlockBuffer(buf)
		return
	}
	for !buf.tryLock(mode) {
		buf.wait()
	}
	heldBufferAdd(buf, mode)
}

// ConditionalLockBuffer takes the exclusive lock only if it is free.
func ConditionalLockBuffer(buf *Buffer) bool {
	for i := 0; i < 4; i++ {
		state := atomic.LoadUint32(&buf.stateAtomic)
		if state != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&buf.stateAtomic, 0, BufferStateExclusiveFlag) {
			heldBufferAdd(buf, BUFFER_LOCK_EXCLUSIVE)
			return true
		}
	}
	return false
}

func UnlockBuffer(buf *Buffer) {
	mode := heldBufferDel(buf)
	switch mode {
	case BUFFER_LOCK_SHARE:
		state := atomic.AddUint32(&buf.stateAtomic, ^uint32(0))
		util.AssertFunc(!BufferStateIsLocked(state))
	case BUFFER_LOCK_EXCLUSIVE:
		util.AssertFunc(atomic.CompareAndSwapUint32(&buf.stateAtomic,
			BufferStateExclusiveFlag, 0))
	default:
		panic("usp buffer lock mode")
	}
	buf.wake()
}
