package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daviszhen/strom/pkg/util"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrInvalidValue         = errors.New("invalid argument")
	ErrOutOfMemory          = errors.New("out of memory")
	ErrLaunchOutOfResources = errors.New("too many resources requested for launch")
	ErrLaunchFailed         = errors.New("unspecified launch failure")
)

// Kernel is a device function. Func runs once per block of a launch.
type Kernel struct {
	Name string
	//limit of the function itself, 0 means the device limit
	MaxThreadsPerBlock int
	StaticShmem        int
	Func               func(blk *Block)
}

// Block is one thread block of a launch. The threads of a block run
// in lockstep phases; see Threads.
type Block struct {
	Id     int
	Dim    int
	Grid   int
	Shared []byte
}

func (blk *Block) GlobalId(lid int) int {
	return blk.Id*blk.Dim + lid
}

func (blk *Block) GlobalSize() int {
	return blk.Grid * blk.Dim
}

// Threads runs fn for every thread of the block. Returning from Threads
// is a barrier: the next phase sees every write of this one.
func (blk *Block) Threads(fn func(lid int)) {
	for lid := 0; lid < blk.Dim; lid++ {
		fn(lid)
	}
}

// StairlikeAdd returns the exclusive prefix sums of vals and their total.
func StairlikeAdd(vals []uint32) ([]uint32, uint32) {
	ofs := make([]uint32, len(vals))
	var sum uint32
	for i, v := range vals {
		ofs[i] = sum
		sum += v
	}
	return ofs, sum
}

// Device emulates one GPU. Blocks of a launch run on a goroutine pool
// sized by the number of multiprocessors. A device is driven by one
// host goroutine; kernels cannot launch kernels.
type Device struct {
	Attrs *Attributes

	pool    *ants.Pool
	pending sync.WaitGroup

	mu  sync.Mutex
	err error

	memUsed  atomic.Int64
	launches atomic.Int64
}

func Open(attrs *Attributes) (*Device, error) {
	pool, err := ants.NewPool(max(attrs.MultiprocessorCount, 1))
	if err != nil {
		return nil, err
	}
	util.Debug("open device", zap.String("summary", attrs.Summary()))
	return &Device{
		Attrs: attrs,
		pool:  pool,
	}, nil
}

// Close waits for running kernels and stops the pool.
func (d *Device) Close() {
	d.pending.Wait()
	d.pool.Release()
}

func (d *Device) MemAlloc(sz int) ([]byte, error) {
	if sz <= 0 {
		return nil, fmt.Errorf("alloc %d bytes: %w", sz, ErrInvalidValue)
	}
	if d.memUsed.Add(int64(sz)) > d.Attrs.DevTotalMemSz {
		d.memUsed.Add(-int64(sz))
		return nil, fmt.Errorf("alloc %d bytes: %w", sz, ErrOutOfMemory)
	}
	return util.GAlloc.Alloc(sz), nil
}

func (d *Device) MemFree(mem []byte) {
	if mem == nil {
		return
	}
	d.memUsed.Add(-int64(len(mem)))
	util.GAlloc.Free(mem)
}

func (d *Device) MemUsed() int64 {
	return d.memUsed.Load()
}

func (d *Device) Launches() int64 {
	return d.launches.Load()
}

func (d *Device) MemcpyHtoD(dst []byte, src []byte) error {
	if len(dst) < len(src) {
		return fmt.Errorf("copy %d bytes to device region of %d: %w", len(src), len(dst), ErrInvalidValue)
	}
	copy(dst, src)
	return nil
}

func (d *Device) MemcpyDtoH(dst []byte, src []byte) error {
	if len(dst) < len(src) {
		return fmt.Errorf("copy %d bytes to host region of %d: %w", len(src), len(dst), ErrInvalidValue)
	}
	copy(dst, src)
	return nil
}

// FuncMaxThreads is the largest block size k can be launched with.
func (d *Device) FuncMaxThreads(k *Kernel) int {
	if k.MaxThreadsPerBlock > 0 && k.MaxThreadsPerBlock < d.Attrs.MaxThreadsPerBlock {
		return k.MaxThreadsPerBlock
	}
	return d.Attrs.MaxThreadsPerBlock
}

func (d *Device) setError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// Launch starts grid blocks of block threads. It returns once every block
// is queued; Synchronize waits for them.
func (d *Device) Launch(k *Kernel, grid int, block int, dynShmem int) error {
	if grid <= 0 || block <= 0 || block > d.FuncMaxThreads(k) || dynShmem < 0 {
		return fmt.Errorf("launch %s grid=%d block=%d: %w", k.Name, grid, block, ErrInvalidValue)
	}
	shmem := k.StaticShmem + dynShmem
	if shmem > d.Attrs.MaxSharedMemoryPerBlock {
		return fmt.Errorf("launch %s with %d bytes of shared memory: %w",
			k.Name, shmem, ErrLaunchOutOfResources)
	}
	d.launches.Add(1)
	d.pending.Add(grid)
	for id := 0; id < grid; id++ {
		blk := &Block{Id: id, Dim: block, Grid: grid}
		err := d.pool.Submit(func() {
			defer d.pending.Done()
			d.runBlock(k, blk, shmem)
		})
		if err != nil {
			d.pending.Add(id - grid)
			err = fmt.Errorf("launch %s: %w", k.Name, err)
			d.setError(err)
			return err
		}
	}
	return nil
}

func (d *Device) runBlock(k *Kernel, blk *Block, shmem int) {
	defer func() {
		if r := recover(); r != nil {
			err := util.ConvertPanicError(r)
			util.Error("kernel panic",
				zap.String("kernel", k.Name),
				zap.Int("block", blk.Id),
				zap.Error(err))
			d.setError(fmt.Errorf("%w: kernel %s block %d: %v", ErrLaunchFailed, k.Name, blk.Id, err))
		}
	}()
	if shmem > 0 {
		blk.Shared = make([]byte, shmem)
	}
	k.Func(blk)
}

// Synchronize waits for every launched block and returns the first
// failure since the previous call.
func (d *Device) Synchronize() error {
	d.pending.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.err
	d.err = nil
	return err
}
