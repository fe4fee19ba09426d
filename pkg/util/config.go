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
	"os"
)

const (
	DefaultChunkSizeKB = 15872
	MinChunkSizeKB     = 4096
	MaxChunkSizeKB     = 4 << 20
)

type ChunkOptions struct {
	SizeKB     int    `tag:"sizeKB"`
	TempDir    string `tag:"tempDir"`
	FileMapped bool   `tag:"fileMapped"`
}

type DeviceOptions struct {
	AttrFile    string `tag:"attrFile"`
	DeviceIndex int    `tag:"deviceIndex"`
}

type SortOptions struct {
	Rows        int    `tag:"rows"`
	Workers     int    `tag:"workers"`
	SegmentRows int    `tag:"segmentRows"`
	Keys        string `tag:"keys"`
}

type DebugOptions struct {
	LogLevel    string `tag:"logLevel"`
	PrintResult bool   `tag:"printResult"`
	DumpChunk   bool   `tag:"dumpChunk"`
	MaxPrint    int    `tag:"maxPrint"`
}

type Config struct {
	Chunk  ChunkOptions  `tag:"chunk"`
	Device DeviceOptions `tag:"device"`
	Sort   SortOptions   `tag:"sort"`
	Debug  DebugOptions  `tag:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Chunk: ChunkOptions{
			SizeKB:  DefaultChunkSizeKB,
			TempDir: os.TempDir(),
		},
		Sort: SortOptions{
			Rows:        10000,
			Workers:     2,
			SegmentRows: 1 << 16,
			Keys:        "0",
		},
		Debug: DebugOptions{
			LogLevel: "info",
			MaxPrint: 20,
		},
	}
}

// ChunkSize returns the configured chunk size in bytes, clamped into the
// supported range.
func (cfg *Config) ChunkSize() int {
	kb := cfg.Chunk.SizeKB
	if kb < MinChunkSizeKB {
		kb = MinChunkSizeKB
	} else if kb > MaxChunkSizeKB {
		kb = MaxChunkSizeKB
	}
	return kb << 10
}

func (cfg *Config) TempDir() string {
	if cfg.Chunk.TempDir == "" {
		return os.TempDir()
	}
	return cfg.Chunk.TempDir
}
