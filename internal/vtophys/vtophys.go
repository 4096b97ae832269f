// Package vtophys translates process virtual addresses to physical
// addresses by reading /proc/self/pagemap, with an optional fast path for
// callers (the hugepage manager) that already know the mapping.
package vtophys

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hgst/nvmemem/internal/bitutil"
)

// ErrTranslationFailed is returned when a virtual address cannot be
// resolved to a physical address, mirroring NVME_VTOPHYS_ERROR (~0ULL) at
// the Go error-handling boundary instead of a sentinel magic value.
var ErrTranslationFailed = errors.New("vtophys: translation failed")

// pfnMask keeps bits 0-54 of a pagemap entry, the page frame number field
// (see Documentation/admin-guide/mm/pagemap.rst).
const pfnMask = (uint64(1) << 55) - 1

// presentBit is bit 63 of a pagemap entry: set when the page is present in
// RAM.
const presentBit = uint64(1) << 63

// PagemapReader performs the slow-path translation by reading this
// process's /proc/self/pagemap.
type PagemapReader struct {
	file         *os.File
	pageSize     uintptr
	pageSizeBits uint
	pageMask     uintptr
}

// OpenPagemap opens /proc/self/pagemap and caches the system page size.
func OpenPagemap() (*PagemapReader, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("open /proc/self/pagemap: %w", err)
	}

	pageSize := uintptr(unix.Getpagesize())
	return &PagemapReader{
		file:         f,
		pageSize:     pageSize,
		pageSizeBits: bitutil.Log2(uint64(pageSize)),
		pageMask:     pageSize - 1,
	}, nil
}

// Close releases the pagemap file descriptor.
func (r *PagemapReader) Close() error {
	return r.file.Close()
}

// Translate resolves a single virtual address via a positioned 8-byte read
// of the pagemap entry for its containing page.
func (r *PagemapReader) Translate(vaddr uintptr) (uintptr, error) {
	vpn := vaddr >> r.pageSizeBits
	offset := vaddr & r.pageMask

	var entry [8]byte
	n, err := r.file.ReadAt(entry[:], int64(vpn)*8)
	if err != nil || n != 8 {
		if err == nil {
			err = fmt.Errorf("short pagemap read: %d bytes", n)
		}
		return 0, fmt.Errorf("%w: read pagemap entry for vpn %d: %v", ErrTranslationFailed, vpn, err)
	}

	val := le64(entry[:])
	if val&presentBit == 0 {
		return 0, fmt.Errorf("%w: page not present for vaddr %#x", ErrTranslationFailed, vaddr)
	}

	pfn := val & pfnMask
	return uintptr(pfn<<r.pageSizeBits) + offset, nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// HugepageLookup is implemented by anything that can resolve a virtual
// address against hugepages it already owns, letting Translator skip the
// pagemap syscall entirely for the common case.
type HugepageLookup interface {
	LookupHugepage(vaddr uintptr) (baseVaddr, basePaddr, size uintptr, ok bool)
}

// Translator combines the hugepage fast path with the pagemap slow path,
// matching nvme_mem_vtophys's own two-tier lookup.
type Translator struct {
	pm *PagemapReader
	hp HugepageLookup
}

// NewTranslator builds a Translator. hp may be nil, in which case every
// translation goes through the pagemap slow path.
func NewTranslator(pm *PagemapReader, hp HugepageLookup) *Translator {
	return &Translator{pm: pm, hp: hp}
}

// Translate resolves vaddr to a physical address.
func (t *Translator) Translate(vaddr uintptr) (uintptr, error) {
	if t.hp != nil {
		if base, basePaddr, size, ok := t.hp.LookupHugepage(vaddr); ok {
			if vaddr < base || vaddr >= base+size {
				return 0, fmt.Errorf("%w: address %#x outside matched hugepage", ErrTranslationFailed, vaddr)
			}
			return basePaddr + (vaddr - base), nil
		}
	}
	return t.pm.Translate(vaddr)
}

// Close releases the underlying pagemap file descriptor.
func (t *Translator) Close() error {
	return t.pm.Close()
}
