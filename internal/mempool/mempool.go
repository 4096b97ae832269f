// Package mempool implements the fixed-size-slot memory pools that sit on
// top of hugepages: one pool per power-of-two object size, each made of
// heaps (one heap per hugepage) tracked on "in use" and "full" lists.
//
// List membership uses index-based intrusive doubly linked lists (heaps
// referenced by their slice index, prev/next stored as ints) instead of
// pointer-chasing, since the heap slice itself is the only thing that owns
// the heaps and Go has no address-stable struct-embedded list pointers the
// way the C LIST_ENTRY macros do.
package mempool

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/hgst/nvmemem/internal/hugepage"
	"github.com/hgst/nvmemem/internal/nvmelog"
)

// Size class bounds, matching NVME_MP_SIZE_BITS_MIN/MAX/NUM.
const (
	MinSizeBits = 7  // 128 B
	MaxSizeBits = 21 // 2 MiB
	NumPools    = MaxSizeBits - MinSizeBits + 1
)

const listNil = -1

// hugepageSource is the slice of hugepage.Manager that a Pool needs. It
// exists so pool logic can be exercised in tests against a fake backing
// store instead of a real hugetlbfs mount.
type hugepageSource interface {
	Alloc(nodeID uint32) (*hugepage.Page, error)
	Free(p *hugepage.Page)
}

// heap is one hugepage carved into fixed-size slots, tracked by a bitmap
// (0 = free, 1 = allocated).
type heap struct {
	page        *hugepage.Page
	bitmap      []uint64
	nrObjs      int
	nrFreeObjs  int
	prev, next  int
}

func (h *heap) empty() bool { return h.nrFreeObjs == h.nrObjs }
func (h *heap) full() bool  { return h.nrFreeObjs == 0 }

// Pool is the set of heaps backing a single object size class.
type Pool struct {
	mu sync.Mutex

	sizeBits uint
	size     uintptr

	nrObjs     int
	nrFreeObjs int

	heaps   []*heap
	freeIdx []int

	useHead, fullHead int
	nrUse, nrFull     int

	hp  hugepageSource
	log *nvmelog.Sink
}

func newPool(sizeBits uint, hp hugepageSource, log *nvmelog.Sink) *Pool {
	return &Pool{
		sizeBits: sizeBits,
		size:     uintptr(1) << sizeBits,
		useHead:  listNil,
		fullHead: listNil,
		hp:       hp,
		log:      log,
	}
}

func (p *Pool) listInsertHead(head *int, idx int) {
	h := p.heaps[idx]
	h.prev = listNil
	h.next = *head
	if *head != listNil {
		p.heaps[*head].prev = idx
	}
	*head = idx
}

func (p *Pool) listRemove(head *int, idx int) {
	h := p.heaps[idx]
	if h.prev != listNil {
		p.heaps[h.prev].next = h.next
	} else {
		*head = h.next
	}
	if h.next != listNil {
		p.heaps[h.next].prev = h.prev
	}
	h.prev, h.next = listNil, listNil
}

// slotOwner is stashed on a hugepage.Page so a bare virtual address can be
// routed back to the pool and heap that own it, without scanning every
// pool's heaps.
type slotOwner struct {
	pool    *Pool
	heapIdx int
}

// grow carves a new heap out of a freshly allocated hugepage and pushes it
// onto the use list. Caller must hold p.mu.
func (p *Pool) grow(nodeID uint32) (int, error) {
	page, err := p.hp.Alloc(nodeID)
	if err != nil {
		return listNil, fmt.Errorf("grow pool %d B: %w", p.size, err)
	}

	nrObjs := int(page.Size >> p.sizeBits)
	h := &heap{
		page:       page,
		bitmap:     make([]uint64, (nrObjs+63)/64),
		nrObjs:     nrObjs,
		nrFreeObjs: nrObjs,
	}

	idx := p.allocHeapSlot(h)
	page.Owner = slotOwner{pool: p, heapIdx: idx}

	p.listInsertHead(&p.useHead, idx)
	p.nrUse++
	p.nrObjs += nrObjs
	p.nrFreeObjs += nrObjs

	p.log.Debug("grew mempool", "size", p.size, "objects", nrObjs, "heaps", p.nrUse+p.nrFull)
	return idx, nil
}

func (p *Pool) allocHeapSlot(h *heap) int {
	if n := len(p.freeIdx); n > 0 {
		idx := p.freeIdx[n-1]
		p.freeIdx = p.freeIdx[:n-1]
		p.heaps[idx] = h
		return idx
	}
	p.heaps = append(p.heaps, h)
	return len(p.heaps) - 1
}

// Alloc reserves one slot, growing the pool if every existing heap is
// full. It returns the heap's virtual and physical base offsets applied to
// the slot.
func (p *Pool) Alloc(nodeID uint32) (vaddr, paddr uintptr, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.useHead
	if idx == listNil {
		idx, err = p.grow(nodeID)
		if err != nil {
			return 0, 0, err
		}
	}

	h := p.heaps[idx]
	bit := findFirstZeroBit(h.bitmap, h.nrObjs)
	if bit < 0 {
		return 0, 0, fmt.Errorf("mempool %d B: heap %d reports space but bitmap is full (%d/%d)",
			p.size, idx, h.nrFreeObjs, h.nrObjs)
	}
	setBit(h.bitmap, bit)

	offset := uintptr(bit) << p.sizeBits
	vaddr = h.page.Vaddr + offset
	paddr = h.page.Paddr + offset

	p.nrFreeObjs--
	h.nrFreeObjs--
	if h.full() {
		p.listRemove(&p.useHead, idx)
		p.nrUse--
		p.listInsertHead(&p.fullHead, idx)
		p.nrFull++
	}

	p.log.Debug("mempool alloc", "size", p.size, "heap", idx, "bit", bit,
		"in_use", p.nrObjs-p.nrFreeObjs, "total", p.nrObjs)
	return vaddr, paddr, nil
}

// freeSlot releases the slot at heapIdx containing vaddr. Usage violations
// (address outside the heap, double free) are logged critically and
// otherwise ignored, matching the reference allocator's behavior on a path
// with no caller to report an error to.
func (p *Pool) freeSlot(heapIdx int, vaddr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.heaps[heapIdx]
	if h == nil {
		p.log.Crit("free on stale heap reference", "heap", heapIdx)
		return
	}

	base := h.page.Vaddr
	if vaddr < base || vaddr >= base+h.page.Size {
		p.log.Crit("free address outside heap", "vaddr", fmt.Sprintf("%#x", vaddr))
		return
	}

	bit := int((vaddr - base) >> p.sizeBits)
	if h.empty() || !testBit(h.bitmap, bit) {
		p.log.Crit("double free detected", "size", p.size, "vaddr", fmt.Sprintf("%#x", vaddr))
		return
	}
	clearBit(h.bitmap, bit)

	if h.full() {
		p.listRemove(&p.fullHead, heapIdx)
		p.nrFull--
		p.listInsertHead(&p.useHead, heapIdx)
		p.nrUse++
	}

	h.nrFreeObjs++
	p.nrFreeObjs++

	if h.empty() {
		p.shrinkLocked(false)
	}

	p.log.Debug("mempool free", "size", p.size, "heap", heapIdx, "bit", bit,
		"in_use", p.nrObjs-p.nrFreeObjs, "total", p.nrObjs)
}

// shrinkLocked scans the use list and releases unused heaps, retaining the
// first empty heap found as a one-heap cache unless force is set. Caller
// must hold p.mu.
func (p *Pool) shrinkLocked(force bool) {
	seenEmpty := 0
	idx := p.useHead
	for idx != listNil {
		h := p.heaps[idx]
		next := h.next
		empty := h.empty()

		if !force {
			if empty {
				seenEmpty++
			}
			if !empty || seenEmpty == 1 {
				idx = next
				continue
			}
		}

		if !empty {
			p.log.Warning("freeing non-empty heap", "size", p.size, "heap", idx,
				"in_use", h.nrObjs-h.nrFreeObjs, "total", h.nrObjs)
		}

		p.listRemove(&p.useHead, idx)
		p.nrUse--
		p.nrObjs -= h.nrObjs
		p.nrFreeObjs -= h.nrFreeObjs

		p.hp.Free(h.page)
		p.heaps[idx] = nil
		p.freeIdx = append(p.freeIdx, idx)

		idx = next
	}
}

// Cleanup merges the full list back into the use list, then force-frees
// every heap. The full-list merge mirrors nvme_mem_cleanup exactly: heaps
// still completely full at process exit are not leaked just because they
// never transitioned back onto the use list.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.fullHead
	for idx != listNil {
		next := p.heaps[idx].next
		p.listRemove(&p.fullHead, idx)
		p.nrFull--
		p.listInsertHead(&p.useHead, idx)
		p.nrUse++
		idx = next
	}

	p.shrinkLocked(true)
}

// Stats reports total and free byte counts for this pool's object size.
func (p *Pool) Stats() (totalBytes, freeBytes uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uintptr(p.nrObjs) << p.sizeBits, uintptr(p.nrFreeObjs) << p.sizeBits
}

func findFirstZeroBit(words []uint64, nrObjs int) int {
	for i, w := range words {
		if w == ^uint64(0) {
			continue
		}
		bit := i*64 + bits.TrailingZeros64(^w)
		if bit >= nrObjs {
			return -1
		}
		return bit
	}
	return -1
}

func setBit(words []uint64, bit int)   { words[bit/64] |= 1 << uint(bit%64) }
func clearBit(words []uint64, bit int) { words[bit/64] &^= 1 << uint(bit%64) }
func testBit(words []uint64, bit int) bool {
	return words[bit/64]&(1<<uint(bit%64)) != 0
}
