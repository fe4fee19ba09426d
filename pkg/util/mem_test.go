package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_alloc(t *testing.T) {
	buf := GAlloc.Alloc(1024)
	assert.Equal(t, 1024, len(buf))
	for i := 0; i < 1024; i++ {
		assert.Equal(t, byte(0), buf[i])
	}
	GAlloc.Free(buf)
}

func Test_overlay(t *testing.T) {
	buf := GAlloc.Alloc(64)
	v := Overlay[uint32](buf, 8)
	*v = 0x01020304
	assert.Equal(t, byte(0x04), buf[8])
	arr := OverlaySlice[uint32](buf, 16, 4)
	arr[3] = 7
	assert.Equal(t, byte(7), buf[28])
	assert.Panics(t, func() {
		Overlay[uint64](buf, 60)
	})
	assert.Nil(t, OverlaySlice[uint32](buf, 0, 0))
}

func Test_align(t *testing.T) {
	assert.Equal(t, 16, MaxAlign(9))
	assert.Equal(t, 8, MaxAlign(8))
	assert.Equal(t, uint32(12), IntAlign(uint32(9)))
	assert.Equal(t, int64(8192), TypeAlign(int64(BLCKSZ), 1))
	assert.Equal(t, int64(16384), TypeAlign(int64(BLCKSZ), 8193))
	assert.Equal(t, uint64(512), PrevPowerOfTwo(1000))
	assert.Equal(t, uint64(1024), PrevPowerOfTwo(1024))
	assert.Equal(t, uint64(1), PrevPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(256))
	assert.False(t, IsPowerOfTwo(6))
}

func Test_bitmap(t *testing.T) {
	bm := &Bitmap{}
	assert.True(t, bm.RowIsValid(3))
	bm.Init(12)
	assert.Equal(t, 2, len(bm.Bits))
	bm.Set(9, false)
	assert.False(t, bm.RowIsValid(9))
	assert.True(t, AttIsNull(9, bm.Bits))
	assert.False(t, AttIsNull(8, bm.Bits))
	bm.Set(9, true)
	assert.True(t, bm.RowIsValid(9))
}
