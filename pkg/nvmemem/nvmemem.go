// Package nvmemem is the public facade for the DMA memory subsystem: a
// single entry point that wires together topology discovery, the
// hugepage manager, the address translator and the slab memory pools
// behind an allocate/free/translate API.
package nvmemem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/hgst/nvmemem/internal/hugepage"
	"github.com/hgst/nvmemem/internal/mempool"
	"github.com/hgst/nvmemem/internal/nvmelog"
	"github.com/hgst/nvmemem/internal/topology"
	"github.com/hgst/nvmemem/internal/vtophys"
)

// Sentinel errors returned at the package boundary.
var (
	ErrInvalidArgument    = mempool.ErrInvalidArgument
	ErrOutOfMemory        = errors.New("nvmemem: out of memory")
	ErrEnvironmentMissing = errors.New("nvmemem: required OS support unavailable (hugetlbfs, pagemap, or sysfs)")
	ErrTranslationFailed  = vtophys.ErrTranslationFailed
)

// Config controls how Init sets up the allocator. The zero value is not
// valid; use DefaultConfig.
type Config struct {
	// HugepageDir overrides hugetlbfs mount auto-discovery. Leave empty
	// in production; set it in tests or containers with a
	// non-standard mount point.
	HugepageDir string

	LogLevel    nvmelog.Level
	LogFacility nvmelog.Facility
	LogFilePath string
}

// DefaultConfig returns the allocator's documented defaults: stdout
// logging at notice level, automatic hugetlbfs discovery.
func DefaultConfig() Config {
	return Config{
		LogLevel:    nvmelog.LevelNotice,
		LogFacility: nvmelog.FacilityStdout,
	}
}

// Allocator is the live, initialized DMA memory subsystem.
type Allocator struct {
	log  *nvmelog.Sink
	topo *topology.Info
	hp   *hugepage.Manager
	pm   *vtophys.PagemapReader
	tr   *vtophys.Translator
	pool *mempool.Manager
}

var (
	initOnce sync.Once
	instance *Allocator
	initErr  error
)

// Init brings up the allocator with DefaultConfig as a process-wide
// singleton. Subsequent calls return the already-initialized instance.
func Init() (*Allocator, error) {
	return InitWithConfig(DefaultConfig())
}

// InitWithConfig brings up the allocator with cfg. Only the first call
// (Init or InitWithConfig) in a process takes effect; later calls return
// the instance created by that first call, regardless of cfg.
func InitWithConfig(cfg Config) (*Allocator, error) {
	initOnce.Do(func() {
		instance, initErr = newAllocator(cfg)
	})
	return instance, initErr
}

func newAllocator(cfg Config) (*Allocator, error) {
	log := nvmelog.New()
	log.SetLevel(cfg.LogLevel)
	if cfg.LogFacility != nvmelog.FacilityStdout {
		if err := log.SetFacility(cfg.LogFacility, cfg.LogFilePath); err != nil {
			log.Warning("log facility setup failed, staying on stdout", "err", err)
		}
	}

	topo, err := topology.Init()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("%w: cpu topology: %v", ErrEnvironmentMissing, err)
	}

	pm, err := vtophys.OpenPagemap()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("%w: pagemap: %v", ErrEnvironmentMissing, err)
	}

	hp, err := hugepage.NewManager(cfg.HugepageDir, pm, log)
	if err != nil {
		pm.Close()
		log.Close()
		return nil, fmt.Errorf("%w: hugepages: %v", ErrEnvironmentMissing, err)
	}

	return &Allocator{
		log:  log,
		topo: topo,
		hp:   hp,
		pm:   pm,
		tr:   vtophys.NewTranslator(pm, hp),
		pool: mempool.NewManager(hp, log),
	}, nil
}

// Malloc allocates size bytes with no particular alignment, on the
// calling thread's current NUMA node.
func (a *Allocator) Malloc(size uintptr) (uintptr, error) {
	vaddr, _, err := a.AllocNode(size, 0, topology.SocketIDAny)
	return vaddr, err
}

// Zalloc is Malloc followed by zeroing the returned slot. Slots recycled
// from a freed heap are not implicitly zero, unlike a hugepage's first
// fault-in, so this does real work on the common path.
func (a *Allocator) Zalloc(size uintptr) (uintptr, error) {
	vaddr, err := a.Malloc(size)
	if err != nil {
		return 0, err
	}
	zero(vaddr, size)
	return vaddr, nil
}

func zero(vaddr, size uintptr) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(vaddr)), int(size))
	for i := range buf {
		buf[i] = 0
	}
}

// Alloc allocates size bytes aligned to align (0 = natural alignment of
// the chosen size class) on the calling thread's current NUMA node, and
// also returns the physical address.
func (a *Allocator) Alloc(size, align uintptr) (vaddr, paddr uintptr, err error) {
	return a.AllocNode(size, align, topology.SocketIDAny)
}

// AllocNode is Alloc with an explicit NUMA node preference. Passing
// topology.SocketIDAny (or any ID beyond the discovered socket count)
// resolves to the calling thread's current socket, matching
// nvme_mem_alloc_node's fallback.
func (a *Allocator) AllocNode(size, align uintptr, nodeID uint32) (vaddr, paddr uintptr, err error) {
	if nodeID == topology.SocketIDAny || nodeID >= a.topo.SocketCount() {
		// CurrentSocketID falls back to SocketIDAny itself when the
		// calling thread isn't pinned to a known CPU; that value is
		// numerically identical to hugepage.NodeAny, so no further
		// translation is needed before handing it to the pool.
		nodeID = a.topo.CurrentSocketID()
	}

	vaddr, paddr, err = a.pool.Alloc(size, align, nodeID)
	if err != nil {
		if errors.Is(err, mempool.ErrInvalidArgument) || errors.Is(err, mempool.ErrTooLarge) {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return vaddr, paddr, nil
}

// Free releases a previously allocated address. Freeing an address this
// allocator never handed out, or freeing the same address twice, is a
// usage violation: it is logged at critical level and otherwise ignored,
// never returned as an error.
func (a *Allocator) Free(vaddr uintptr) error {
	return a.pool.Free(vaddr)
}

// VtoPhys resolves a virtual address (allocated by this package or not)
// to its physical address. On failure it returns ^uintptr(0) together with
// an error wrapping ErrTranslationFailed.
func (a *Allocator) VtoPhys(vaddr uintptr) (uintptr, error) {
	paddr, err := a.tr.Translate(vaddr)
	if err != nil {
		return ^uintptr(0), err
	}
	return paddr, nil
}

// Stats is a memory usage snapshot.
type Stats struct {
	NumHugepages int32
	TotalBytes   uintptr
	FreeBytes    uintptr
}

// MemStat reports current hugepage and pool usage.
func (a *Allocator) MemStat() Stats {
	s := a.pool.Stats()
	return Stats{
		NumHugepages: a.hp.Count(),
		TotalBytes:   s.TotalBytes,
		FreeBytes:    s.FreeBytes,
	}
}

// Topology returns the process-wide CPU/socket topology snapshot
// established at Init.
func (a *Allocator) Topology() *topology.Info {
	return a.topo
}

// SetLogLevel adjusts the allocator's internal log verbosity.
func (a *Allocator) SetLogLevel(l nvmelog.Level) {
	a.log.SetLevel(l)
}

// Cleanup releases every hugepage, closes the pagemap file descriptor, and
// shuts down logging. Mirrors nvme_mem_cleanup's full teardown sequence.
func (a *Allocator) Cleanup() error {
	a.pool.Cleanup()
	a.hp.Cleanup()
	if err := a.pm.Close(); err != nil {
		a.log.Crit("close pagemap failed", "err", err)
	}
	return a.log.Close()
}
