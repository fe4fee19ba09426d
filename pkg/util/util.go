// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"fmt"
	"os"
	"runtime"
)

const (
	// BLCKSZ is the size of a relation page and the alignment unit of
	// chained file mappings.
	BLCKSZ = 8192

	MaxAlignLen   = 8
	LongAlignLen  = 8
	IntAlignLen   = 4
	ShortAlignLen = 2
	// StromAlignLen is the alignment of every offset inside a data store
	// or a param buffer.
	StromAlignLen = 8
)

func TypeAlign[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](align, value T) T {
	return (value + (align - 1)) & ^(align - 1)
}

func MaxAlign[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](value T) T {
	return TypeAlign(T(MaxAlignLen), value)
}

func LongAlign[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](value T) T {
	return TypeAlign(T(LongAlignLen), value)
}

func IntAlign[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](value T) T {
	return TypeAlign(T(IntAlignLen), value)
}

func StromAlign[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](value T) T {
	return TypeAlign(T(StromAlignLen), value)
}

func AssertFunc(b bool) {
	if !b {
		panic("assertion failed")
	}
}

func FileIsValid(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !stat.IsDir()
}

func ConvertPanicError(v interface{}) error {
	return fmt.Errorf("panic %v: %+v", v, Callers(3))
}

type Stack []uintptr

// Callers makes the depth customizable.
func Callers(depth int) *Stack {
	const numFrames = 32
	var pcs [numFrames]uintptr
	n := runtime.Callers(2+depth, pcs[:])
	var st Stack = pcs[0:n]
	return &st
}

func NextPowerOfTwo(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// PrevPowerOfTwo returns the largest power of two not greater than v.
// v must be positive.
func PrevPowerOfTwo(v uint64) uint64 {
	return NextPowerOfTwo(v+1) >> 1
}

func IsPowerOfTwo(v uint64) bool {
	return (v & (v - 1)) == 0
}

func FlagIsSet[T uint8 | uint16 | uint32 | uint64](val, flag T) bool {
	return (val & flag) != 0
}
