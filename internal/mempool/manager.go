package mempool

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/hgst/nvmemem/internal/hugepage"
	"github.com/hgst/nvmemem/internal/nvmelog"
)

// ErrInvalidArgument is returned for a zero size or a non-power-of-two
// alignment.
var ErrInvalidArgument = errors.New("mempool: invalid argument")

// ErrTooLarge is returned when size/align exceeds the largest pool
// (2 MiB). It wraps ErrInvalidArgument.
var ErrTooLarge = fmt.Errorf("%w: request exceeds largest pool", ErrInvalidArgument)

// hugepageFinder is the single method Manager.Free needs to route an
// address back to its owning hugepage; hugepage.Manager satisfies it.
type hugepageFinder interface {
	Find(vaddr uintptr) *hugepage.Page
}

// Manager owns the full ladder of fixed-size-slot pools, from 128 B to
// 2 MiB objects, and routes Free calls back to the owning pool via the
// hugepage each slot lives in.
type Manager struct {
	pools [NumPools]*Pool
	hp    hugepageFinder
	log   *nvmelog.Sink
}

// NewManager builds the full pool ladder against the given hugepage
// manager.
func NewManager(hp *hugepage.Manager, log *nvmelog.Sink) *Manager {
	m := &Manager{hp: hp, log: log}
	for i := range m.pools {
		m.pools[i] = newPool(uint(MinSizeBits+i), hp, log)
	}
	return m
}

// Alloc reserves size bytes aligned to align (0 meaning "no particular
// alignment beyond the natural size class") from the pool whose slot size
// is the smallest power of two covering both, preferentially on nodeID.
func (m *Manager) Alloc(size, align uintptr, nodeID uint32) (vaddr, paddr uintptr, err error) {
	if size == 0 || (align != 0 && !isPow2(align)) {
		return 0, 0, fmt.Errorf("%w: size=%d align=%d", ErrInvalidArgument, size, align)
	}

	need := size
	if align > need {
		need = align
	}
	sizeBits := log2(nextPow2(need))
	if sizeBits < MinSizeBits {
		sizeBits = MinSizeBits
	}
	if sizeBits > MaxSizeBits {
		return 0, 0, fmt.Errorf("%w: %d B (align %d B)", ErrTooLarge, size, align)
	}

	pool := m.pools[sizeBits-MinSizeBits]
	return pool.Alloc(nodeID)
}

// Free releases a previously allocated address. An unknown address is a
// usage violation, not a recoverable error: it is logged critically and
// the call becomes a no-op, matching freeSlot's double-free handling
// below it in the call chain.
func (m *Manager) Free(vaddr uintptr) error {
	page := m.hp.Find(vaddr)
	if page == nil {
		m.log.Crit("free of unknown address", "vaddr", fmt.Sprintf("%#x", vaddr))
		return nil
	}
	owner, ok := page.Owner.(slotOwner)
	if !ok {
		m.log.Crit("free of address with no owning pool", "vaddr", fmt.Sprintf("%#x", vaddr))
		return nil
	}
	owner.pool.freeSlot(owner.heapIdx, vaddr)
	return nil
}

// Stat is a snapshot of aggregate pool usage.
type Stat struct {
	TotalBytes uintptr
	FreeBytes  uintptr
}

// Stats sums usage across every size-class pool.
func (m *Manager) Stats() Stat {
	var s Stat
	for _, p := range m.pools {
		total, free := p.Stats()
		s.TotalBytes += total
		s.FreeBytes += free
	}
	return s
}

// Cleanup force-frees every heap in every pool, in ascending size-class
// order (the 128 B pool first).
func (m *Manager) Cleanup() {
	for _, p := range m.pools {
		p.Cleanup()
	}
}

func isPow2(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

func nextPow2(v uintptr) uintptr {
	if isPow2(v) {
		return v
	}
	return uintptr(1) << (bits.Len(uint(v)))
}

func log2(v uintptr) uint {
	return uint(bits.Len(uint(v))) - 1
}
