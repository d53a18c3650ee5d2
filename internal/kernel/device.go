package kernel

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/kvdecode/internal/tensor"
)

const (
	// DefaultSharedMemory is the per-block working buffer a kernel gets
	// without raising its attribute.
	DefaultSharedMemory = 64 << 10
	// DefaultSharedMemoryLimit is the most a kernel may request.
	DefaultSharedMemoryLimit = 160 << 10
)

// Device describes where blocks execute and how much working buffer each
// block may use.
type Device struct {
	Name                tensor.Device
	Workers             int
	SharedMemoryDefault int
	SharedMemoryLimit   int
	Features            []string
}

// HostDevice probes the host CPU.
func HostDevice() Device {
	return Device{
		Name:                tensor.CPU,
		Workers:             runtime.GOMAXPROCS(0),
		SharedMemoryDefault: DefaultSharedMemory,
		SharedMemoryLimit:   DefaultSharedMemoryLimit,
		Features:            cpuFeatures(),
	}
}

func (d Device) workers() int {
	if d.Workers < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return d.Workers
}

func cpuFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasASIMDHP, "asimdhp")
		add(cpu.ARM64.HasASIMDDP, "asimddp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return out
}
