package device

import (
	"fmt"
	"math"
)

func roundUp(v, unit int) int {
	return (v + unit - 1) / unit * unit
}

// LargestWorkgroupSize picks the largest block size k can run with, given
// the shared memory it consumes per block and per thread, and the grid
// size covering nitems threads.
func (d *Device) LargestWorkgroupSize(k *Kernel, nitems int, shmemPerBlock int, shmemPerThread int) (int, int, error) {
	warpSize := d.Attrs.WarpSize
	maxShmemSize := d.Attrs.MaxSharedMemoryPerBlock
	maxBlockSize := d.FuncMaxThreads(k)

	//only shared memory consumption is what we have to control
	if k.StaticShmem+shmemPerBlock+shmemPerThread*maxBlockSize > maxShmemSize {
		if shmemPerThread > 0 &&
			k.StaticShmem+shmemPerBlock+shmemPerThread*warpSize <= maxShmemSize {
			maxBlockSize = (maxShmemSize - k.StaticShmem - shmemPerBlock) / shmemPerThread
			maxBlockSize = (maxBlockSize / warpSize) * warpSize
		} else {
			return 0, 0, fmt.Errorf("too large fixed amount of shared memory consumption: "+
				"static: %d, dynamic-per-block: %d, dynamic-per-thread: %d: %w",
				k.StaticShmem, shmemPerBlock, shmemPerThread, ErrLaunchOutOfResources)
		}
	}
	if uint64(maxBlockSize)*math.MaxInt32 < uint64(nitems) {
		return 0, 0, fmt.Errorf("too large nitems (%d) to launch kernel (blockSz=%d): %w",
			nitems, maxBlockSize, ErrInvalidValue)
	}
	return (nitems + maxBlockSize - 1) / maxBlockSize, maxBlockSize, nil
}

// OptimalBlockSize returns the block size up to limit that keeps the most
// threads resident on one multiprocessor. A limit of 0 means no limit.
func (d *Device) OptimalBlockSize(k *Kernel, shmemPerBlock int, shmemPerThread int, limit int) (int, error) {
	attrs := d.Attrs
	warpSize := attrs.WarpSize
	maxBlockSize := d.FuncMaxThreads(k)
	if limit > 0 && limit < maxBlockSize {
		maxBlockSize = limit
	}
	best, bestOccupancy := 0, 0
	for try := roundUp(maxBlockSize, warpSize); try > 0; try -= warpSize {
		blockSize := min(try, maxBlockSize)
		shmem := k.StaticShmem + shmemPerBlock + shmemPerThread*blockSize
		if shmem > attrs.MaxSharedMemoryPerBlock {
			continue
		}
		nblocks := attrs.MaxThreadsPerMultiprocessor / roundUp(blockSize, warpSize)
		if shmem > 0 {
			nblocks = min(nblocks, attrs.MaxSharedMemoryPerMultiprocessor/shmem)
		}
		if occupancy := nblocks * blockSize; occupancy > bestOccupancy {
			best, bestOccupancy = blockSize, occupancy
		}
		if bestOccupancy >= attrs.MaxThreadsPerMultiprocessor {
			break
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("kernel %s cannot fit its shared memory: %w", k.Name, ErrLaunchOutOfResources)
	}
	return best, nil
}

// OptimalWorkgroupSize returns the grid and block size covering nitems
// threads with the best occupancy.
func (d *Device) OptimalWorkgroupSize(k *Kernel, nitems int, shmemPerBlock int, shmemPerThread int) (int, int, error) {
	blockSize, err := d.OptimalBlockSize(k, shmemPerBlock, shmemPerThread, min(nitems, math.MaxInt32))
	if err != nil {
		return 0, 0, err
	}
	if uint64(blockSize)*math.MaxInt32 < uint64(nitems) {
		return 0, 0, fmt.Errorf("too large nitems (%d) to launch kernel (blockSz=%d): %w",
			nitems, blockSize, ErrInvalidValue)
	}
	return (nitems + blockSize - 1) / blockSize, blockSize, nil
}
