// Package topology enumerates CPUs, cores, hardware threads, and NUMA
// sockets from the kernel-exposed topology tree, and answers "what CPU /
// socket am I running on". It is grounded on the sysfs-walking style used
// by the corpus's own NUMA helpers (golang.org/x/sys/unix for affinity
// syscalls, plain os.ReadFile/os.Stat for the sysfs tree).
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Sentinel "unset" IDs, mirroring NVME_CPU_ID_ANY / NVME_SOCKET_ID_ANY.
const (
	CPUIDAny    = ^uint32(0)
	SocketIDAny = ^uint32(0)
)

// Limits matching the reference driver's NVME_CPU_MAX / NVME_SOCKET_MAX.
const (
	MaxCPUs    = 64
	MaxSockets = 32
)

const (
	sysfsNodeDir = "/sys/devices/system/node"
	sysfsCPUDir  = "/sys/devices/system/cpu"
)

// CPU describes one logical CPU as enumerated from sysfs.
type CPU struct {
	ID      uint32
	Socket  uint32
	Core    uint32
	Thread  uint32
	Present bool
}

// Info is the immutable, process-wide topology snapshot established once
// by Init.
type Info struct {
	CPUs       [MaxCPUs]CPU
	NumCPUs    uint32
	NumSockets uint32
	NumCores   uint32
}

// Init enumerates sockets, then every CPU slot up to MaxCPUs, populating an
// Info snapshot. CPU presence is a simple "does this sysfs path exist"
// check, matching the reference driver's nvme_cpu_present: CPUs that are
// hot-unplugged after Init but leave a stub sysfs entry are not detected as
// absent, and newly hot-plugged CPUs are never picked up after Init runs
// once.
func Init() (*Info, error) {
	info := &Info{}
	info.NumSockets = countSockets()

	for i := uint32(0); i < MaxCPUs; i++ {
		cpu := &info.CPUs[i]
		cpu.ID = i
		cpu.Present = cpuPresent(i)
		if !cpu.Present {
			continue
		}

		socket, err := readSysfsUint(cpuTopologyPath(i, "physical_package_id"))
		if err != nil {
			return nil, fmt.Errorf("read socket id for cpu %d: %w", i, err)
		}
		core, err := readSysfsUint(cpuTopologyPath(i, "core_id"))
		if err != nil {
			return nil, fmt.Errorf("read core id for cpu %d: %w", i, err)
		}

		cpu.Socket = uint32(socket)
		cpu.Core = uint32(core)
		info.NumCPUs++
	}

	assignThreadIndices(info)

	for i := uint32(0); i < MaxCPUs; i++ {
		if info.CPUs[i].Present && info.CPUs[i].Thread == 0 {
			info.NumCores++
		}
	}

	return info, nil
}

// assignThreadIndices computes, for each present CPU, the count of prior
// CPUs sharing the same (socket, core) pair in enumeration order --
// mirroring nvme_cpu_thread_id in the reference driver exactly.
func assignThreadIndices(info *Info) {
	for i := uint32(0); i < MaxCPUs; i++ {
		cpu := &info.CPUs[i]
		if !cpu.Present {
			continue
		}
		var thread uint32
		for j := uint32(0); j < i; j++ {
			other := info.CPUs[j]
			if other.Present && other.Socket == cpu.Socket && other.Core == cpu.Core {
				thread++
			}
		}
		cpu.Thread = thread
	}
}

func cpuPresent(id uint32) bool {
	_, err := os.Stat(cpuTopologyPath(id, "core_id"))
	return err == nil
}

func countSockets() uint32 {
	var n uint32
	for i := uint32(0); i < MaxSockets; i++ {
		path := filepath.Join(sysfsNodeDir, fmt.Sprintf("node%d", i))
		if _, err := os.Stat(path); err != nil {
			break
		}
		n++
	}
	return n
}

func cpuTopologyPath(id uint32, file string) string {
	return filepath.Join(sysfsCPUDir, fmt.Sprintf("cpu%d", id), "topology", file)
}

func readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
}

// CurrentCPU returns the CPU descriptor for the CPU the calling OS thread
// is currently scheduled on, or nil if the thread isn't pinned to a known
// CPU (the kernel-reported index is out of range of what Init enumerated).
func (info *Info) CurrentCPU() *CPU {
	id, err := unix.SchedGetcpu()
	if err != nil || id < 0 || uint32(id) >= info.NumCPUs {
		return nil
	}
	return &info.CPUs[id]
}

// CurrentSocketID returns the socket of CurrentCPU, or SocketIDAny if the
// calling thread isn't pinned to a known CPU.
func (info *Info) CurrentSocketID() uint32 {
	cpu := info.CurrentCPU()
	if cpu == nil {
		return SocketIDAny
	}
	return cpu.Socket
}

// CurrentCPUID returns the ID of CurrentCPU, or CPUIDAny if the calling
// thread isn't pinned to a known CPU.
func (info *Info) CurrentCPUID() uint32 {
	cpu := info.CurrentCPU()
	if cpu == nil {
		return CPUIDAny
	}
	return cpu.ID
}

// SocketCount returns the number of NUMA sockets discovered at Init.
func (info *Info) SocketCount() uint32 { return info.NumSockets }
