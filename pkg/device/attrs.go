package device

import (
	"errors"
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
	"github.com/daviszhen/strom/pkg/util"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"
)

var ErrNoDevice = errors.New("no supported GPU devices found")

// Attributes of one device as reported by the device probe.
type Attributes struct {
	DevId                            int    `toml:"device_id"`
	DevName                          string `toml:"device_name"`
	DevTotalMemSz                    int64  `toml:"global_memory_size"`
	MaxThreadsPerBlock               int    `toml:"max_threads_per_block"`
	MaxSharedMemoryPerBlock          int    `toml:"max_shared_memory_per_block"`
	MaxRegistersPerBlock             int    `toml:"max_registers_per_block"`
	WarpSize                         int    `toml:"warp_size"`
	MultiprocessorCount              int    `toml:"multiprocessor_count"`
	MaxThreadsPerMultiprocessor      int    `toml:"max_threads_per_multiprocessor"`
	MaxSharedMemoryPerMultiprocessor int    `toml:"max_shared_memory_per_multiprocessor"`
	ClockRate                        int    `toml:"clock_rate"`
	MemoryClockRate                  int    `toml:"memory_clock_rate"`
	GlobalMemoryBusWidth             int    `toml:"global_memory_bus_width"`
	L2CacheSize                      int    `toml:"l2_cache_size"`
	ComputeCapabilityMajor           int    `toml:"compute_capability_major"`
	ComputeCapabilityMinor           int    `toml:"compute_capability_minor"`
	ComputeMode                      int    `toml:"compute_mode"`
	PciBusId                         int    `toml:"pci_bus_id"`
	//derived from the compute capability
	CoresPerMPU int `toml:"-"`
}

// Platform is the content of a device attribute file.
type Platform struct {
	CudaRuntimeVersion  string       `toml:"cuda_runtime_version"`
	NvidiaDriverVersion string       `toml:"nvidia_driver_version"`
	Devices             []Attributes `toml:"device"`

	//baseline over the supported devices
	ComputeCapability          int `toml:"-"`
	BaselineMaxThreadsPerBlock int `toml:"-"`
}

const defaultAttributes = `
cuda_runtime_version = "emulated"
nvidia_driver_version = "emulated"

[[device]]
device_id = 0
device_name = "Emulated GPU"
global_memory_size = 4294967296
max_threads_per_block = 1024
max_shared_memory_per_block = 49152
max_registers_per_block = 65536
warp_size = 32
multiprocessor_count = 8
max_threads_per_multiprocessor = 2048
max_shared_memory_per_multiprocessor = 98304
clock_rate = 1380000
memory_clock_rate = 877000
global_memory_bus_width = 4096
l2_cache_size = 6291456
compute_capability_major = 7
compute_capability_minor = 0
compute_mode = 0
`

// DefaultPlatform describes one emulated device, used when no attribute
// file is configured.
func DefaultPlatform() *Platform {
	plat, err := DecodeAttributes(defaultAttributes)
	if err != nil {
		panic(fmt.Sprintf("bug? default device attributes: %v", err))
	}
	return plat
}

// LoadAttributes reads a device attribute file and keeps the supported
// devices only.
func LoadAttributes(path string) (*Platform, error) {
	plat := &Platform{}
	if _, err := toml.DecodeFile(path, plat); err != nil {
		return nil, fmt.Errorf("decode device attributes %s: %w", path, err)
	}
	if err := plat.collect(); err != nil {
		return nil, err
	}
	return plat, nil
}

// DecodeAttributes is LoadAttributes over an in-memory document.
func DecodeAttributes(data string) (*Platform, error) {
	plat := &Platform{}
	if _, err := toml.Decode(data, plat); err != nil {
		return nil, fmt.Errorf("decode device attributes: %w", err)
	}
	if err := plat.collect(); err != nil {
		return nil, err
	}
	return plat, nil
}

func coresPerMPU(major, minor int) int {
	switch major {
	case 1:
		return 8
	case 2:
		switch minor {
		case 0:
			return 32
		case 1:
			return 48
		}
		return -1
	case 3:
		return 192
	case 5:
		return 128
	case 6:
		if minor == 0 {
			return 64
		}
		return 128
	case 7:
		return 64
	}
	//unknown
	return 0
}

func (plat *Platform) collect() error {
	if plat.CudaRuntimeVersion == "" || plat.NvidiaDriverVersion == "" {
		return fmt.Errorf("device attributes without platform versions")
	}
	plat.ComputeCapability = math.MaxInt32
	plat.BaselineMaxThreadsPerBlock = math.MaxInt32
	supported := plat.Devices[:0]
	for i := range plat.Devices {
		dattrs := plat.Devices[i]
		if dattrs.DevId != i {
			return fmt.Errorf("device %d reported as index %d", dattrs.DevId, i)
		}
		if dattrs.MaxThreadsPerBlock <= 0 || dattrs.MaxSharedMemoryPerBlock <= 0 {
			return fmt.Errorf("device %d lacks block limits", dattrs.DevId)
		}
		if dattrs.WarpSize <= 0 {
			dattrs.WarpSize = 32
		}
		if dattrs.MaxThreadsPerMultiprocessor < dattrs.MaxThreadsPerBlock {
			dattrs.MaxThreadsPerMultiprocessor = dattrs.MaxThreadsPerBlock
		}
		if dattrs.MaxSharedMemoryPerMultiprocessor < dattrs.MaxSharedMemoryPerBlock {
			dattrs.MaxSharedMemoryPerMultiprocessor = dattrs.MaxSharedMemoryPerBlock
		}
		if dattrs.ComputeCapabilityMajor < 6 {
			util.Info("GPU is not supported",
				zap.Int("id", dattrs.DevId),
				zap.String("name", dattrs.DevName),
				zap.String("cc", dattrs.CC()))
			continue
		}
		cc := dattrs.ComputeCapabilityMajor*10 + dattrs.ComputeCapabilityMinor
		plat.ComputeCapability = min(plat.ComputeCapability, cc)
		plat.BaselineMaxThreadsPerBlock = min(plat.BaselineMaxThreadsPerBlock, dattrs.MaxThreadsPerBlock)
		dattrs.CoresPerMPU = coresPerMPU(dattrs.ComputeCapabilityMajor, dattrs.ComputeCapabilityMinor)
		util.Info("GPU", zap.String("summary", dattrs.Summary()))
		supported = append(supported, dattrs)
	}
	plat.Devices = supported
	if len(plat.Devices) == 0 {
		return ErrNoDevice
	}
	return nil
}

func (dattrs *Attributes) CC() string {
	return fmt.Sprintf("%d.%d", dattrs.ComputeCapabilityMajor, dattrs.ComputeCapabilityMinor)
}

// Summary is a one-line description of the device.
func (dattrs *Attributes) Summary() string {
	s := fmt.Sprintf("GPU%d %s (", dattrs.DevId, dattrs.DevName)
	if dattrs.CoresPerMPU > 0 {
		s += fmt.Sprintf("%d CUDA cores", dattrs.CoresPerMPU*dattrs.MultiprocessorCount)
	} else {
		s += fmt.Sprintf("%d SMs", dattrs.MultiprocessorCount)
	}
	s += fmt.Sprintf("; %dMHz, L2 %dkB)", dattrs.ClockRate/1000, dattrs.L2CacheSize>>10)
	if dattrs.DevTotalMemSz > 4<<30 {
		s += fmt.Sprintf(", RAM %.2fGB", float64(dattrs.DevTotalMemSz)/float64(1<<30))
	} else {
		s += fmt.Sprintf(", RAM %dMB", dattrs.DevTotalMemSz>>20)
	}
	if dattrs.MemoryClockRate > 1<<20 {
		s += fmt.Sprintf(" (%dbits, %.2fGHz)", dattrs.GlobalMemoryBusWidth,
			float64(dattrs.MemoryClockRate)/float64(1<<20))
	} else {
		s += fmt.Sprintf(" (%dbits, %dMHz)", dattrs.GlobalMemoryBusWidth, dattrs.MemoryClockRate>>10)
	}
	s += ", CC " + dattrs.CC()
	return s
}

func formatBytes(sz int64) string {
	switch {
	case sz > 8<<40:
		return fmt.Sprintf("%dTB", sz>>40)
	case sz > 8<<30:
		return fmt.Sprintf("%dGB", sz>>30)
	case sz > 8<<20:
		return fmt.Sprintf("%dMB", sz>>20)
	case sz > 8<<10:
		return fmt.Sprintf("%dKB", sz>>10)
	}
	return fmt.Sprintf("%d bytes", sz)
}

func formatKHz(v int) string {
	switch {
	case v > 4000000:
		return fmt.Sprintf("%.2f GHz", float64(v)/1000000.0)
	case v > 4000:
		return fmt.Sprintf("%d MHz", v/1000)
	}
	return fmt.Sprintf("%d kHz", v)
}

func computeModeName(mode int) string {
	switch mode {
	case 0:
		return "Default"
	case 2:
		return "Prohibited"
	case 3:
		return "Exclusive Process"
	}
	return "Unknown"
}

// Print adds the attributes of the device to tree.
func (dattrs *Attributes) Print(tree treeprint.Tree) {
	br := tree.AddMetaBranch(fmt.Sprintf("GPU%d", dattrs.DevId), dattrs.DevName)
	br.AddMetaNode("GPU Total RAM Size", formatBytes(dattrs.DevTotalMemSz))
	br.AddMetaNode("Maximum number of threads per block", dattrs.MaxThreadsPerBlock)
	br.AddMetaNode("Maximum shared memory available per block", formatBytes(int64(dattrs.MaxSharedMemoryPerBlock)))
	br.AddMetaNode("Maximum number of 32-bit registers per block", dattrs.MaxRegistersPerBlock)
	br.AddMetaNode("Warp size in threads", dattrs.WarpSize)
	br.AddMetaNode("Number of multiprocessors on device", dattrs.MultiprocessorCount)
	br.AddMetaNode("Number of CUDA cores", dattrs.CoresPerMPU*dattrs.MultiprocessorCount)
	br.AddMetaNode("Maximum resident threads per multiprocessor", dattrs.MaxThreadsPerMultiprocessor)
	br.AddMetaNode("Maximum shared memory available per multiprocessor",
		formatBytes(int64(dattrs.MaxSharedMemoryPerMultiprocessor)))
	br.AddMetaNode("Typical clock frequency", formatKHz(dattrs.ClockRate))
	br.AddMetaNode("Peak memory clock frequency", formatKHz(dattrs.MemoryClockRate))
	br.AddMetaNode("Global memory bus width", fmt.Sprintf("%dbits", dattrs.GlobalMemoryBusWidth))
	br.AddMetaNode("Size of L2 cache", formatBytes(int64(dattrs.L2CacheSize)))
	br.AddMetaNode("Compute capability", dattrs.CC())
	br.AddMetaNode("Compute mode", computeModeName(dattrs.ComputeMode))
	br.AddMetaNode("PCI bus ID", dattrs.PciBusId)
}

// String renders every device of the platform.
func (plat *Platform) String() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("CUDA %s, driver %s",
		plat.CudaRuntimeVersion, plat.NvidiaDriverVersion))
	for i := range plat.Devices {
		plat.Devices[i].Print(tree)
	}
	return tree.String()
}
