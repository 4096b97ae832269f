// Package hugepage manages hugetlbfs-backed memory: discovering the
// hugetlbfs mount, carving out a per-process scratch directory inside it,
// and allocating/freeing individual hugepages bound to a NUMA node.
package hugepage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hgst/nvmemem/internal/bitutil"
	"github.com/hgst/nvmemem/internal/nvmelog"
	"github.com/hgst/nvmemem/internal/nvmesync"
	"github.com/hgst/nvmemem/internal/vtophys"
)

// hashSize is the number of buckets in the hugepage lookup table, matching
// NVME_HP_HASH_SIZE.
const hashSize = 32

// NodeAny requests a hugepage on no particular NUMA node (MPOL_PREFERRED
// with an empty mask).
const NodeAny = ^uint32(0)

// Page is a single allocated hugepage: its virtual/physical address,
// backing file, and owning NUMA node.
type Page struct {
	Vaddr  uintptr
	Paddr  uintptr
	Size   uintptr
	NodeID uint32
	fd     int
	name   string

	// Owner is opaque storage for the memory pool that carved a heap out
	// of this page; the hugepage package never reads it.
	Owner any
}

// Manager discovers a hugetlbfs mount, owns a scratch subdirectory inside
// it, and tracks every hugepage it has handed out in a hashed lookup table
// guarded by a spinlock -- mirroring mm.hp_lock and mm.hp_list in the
// reference allocator.
type Manager struct {
	dir    string
	dirFD  int
	size   uintptr
	sizeLg uint

	tmp   nvmesync.Counter64
	lock  nvmesync.SpinLock
	count nvmesync.Counter32

	buckets [hashSize][]*Page

	pm  *vtophys.PagemapReader
	log *nvmelog.Sink
}

// NewManager finds the hugetlbfs mount (or uses dirOverride if non-empty),
// creates a unique scratch subdirectory in it, and determines the system
// hugepage size from /proc/meminfo.
func NewManager(dirOverride string, pm *vtophys.PagemapReader, log *nvmelog.Sink) (*Manager, error) {
	mount := dirOverride
	if mount == "" {
		var err error
		mount, err = findHugetlbfsMount()
		if err != nil {
			return nil, err
		}
	}

	hpSize, err := hugepageSize()
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(mount, fmt.Sprintf("nvmemem.%d.", os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("create hugepage scratch dir under %q: %w", mount, err)
	}

	dirFD, err := unix.Open(scratch, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		os.Remove(scratch)
		return nil, fmt.Errorf("open hugepage scratch dir %q: %w", scratch, err)
	}

	m := &Manager{
		dir:    scratch,
		dirFD:  dirFD,
		size:   hpSize,
		sizeLg: bitutil.Log2(uint64(hpSize)),
		pm:     pm,
		log:    log,
	}
	m.lock.Init()
	log.Debug("hugepage manager initialized", "dir", scratch, "size", hpSize)
	return m, nil
}

func findHugetlbfsMount() (string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", fmt.Errorf("open /proc/mounts: %w", err)
	}
	defer f.Close()
	return parseMountsForHugetlbfs(f)
}

// parseMountsForHugetlbfs scans /proc/mounts-formatted text for the first
// hugetlbfs entry and returns its mount point.
func parseMountsForHugetlbfs(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[2] == "hugetlbfs" {
			return fields[1], nil
		}
	}
	return "", fmt.Errorf("no hugetlbfs mount found in /proc/mounts")
}

func hugepageSize() (uintptr, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()
	return parseHugepageSize(f)
}

// parseHugepageSize scans /proc/meminfo-formatted text for the
// "Hugepagesize:" line and returns the size in bytes.
func parseHugepageSize(r io.Reader) (uintptr, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Hugepagesize:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed Hugepagesize line: %q", line)
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse Hugepagesize value %q: %w", fields[1], err)
		}
		return uintptr(kb) * 1024, nil
	}
	return 0, fmt.Errorf("Hugepagesize not found in /proc/meminfo")
}

// Alloc maps a new hugepage, binds it to nodeID (NodeAny for no
// preference), faults it in, locks it resident, and records it in the
// lookup table.
func (m *Manager) Alloc(nodeID uint32) (*Page, error) {
	name := fmt.Sprintf("nvmemem.%d-%d", os.Getpid(), m.tmp.AddReturn(1))

	fd, err := unix.Openat(m.dirFD, name, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create hugepage file %q: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, int(m.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		unix.Close(fd)
		unix.Unlinkat(m.dirFD, name, 0)
		return nil, fmt.Errorf("mmap hugepage file %q: %w", name, err)
	}
	vaddr := uintptr(unsafe.Pointer(&data[0]))

	if err := bindNode(vaddr, m.size, nodeID); err != nil {
		m.unmapAndRemove(data, fd, name)
		return nil, err
	}

	// Fault the page in before locking it.
	for i := range data {
		data[i] = 0
	}

	if err := unix.Mlock(data); err != nil {
		m.unmapAndRemove(data, fd, name)
		return nil, fmt.Errorf("mlock hugepage %q: %w", name, err)
	}

	paddr, err := m.pm.Translate(vaddr)
	if err != nil {
		unix.Munlock(data)
		m.unmapAndRemove(data, fd, name)
		return nil, fmt.Errorf("translate hugepage %q address: %w", name, err)
	}

	page := &Page{
		Vaddr:  vaddr,
		Paddr:  paddr,
		Size:   m.size,
		NodeID: nodeID,
		fd:     fd,
		name:   name,
	}

	bucket := m.bucketFor(vaddr)
	m.lock.Lock()
	m.buckets[bucket] = append(m.buckets[bucket], page)
	m.lock.Unlock()
	m.count.Inc()

	m.log.Debug("allocated hugepage", "name", name, "count", m.count.Read(), "bucket", bucket,
		"vaddr", fmt.Sprintf("%#x", vaddr), "paddr", fmt.Sprintf("%#x", paddr))

	return page, nil
}

func (m *Manager) unmapAndRemove(data []byte, fd int, name string) {
	unix.Munmap(data)
	unix.Close(fd)
	unix.Unlinkat(m.dirFD, name, 0)
}

func bindNode(vaddr, size uintptr, nodeID uint32) error {
	const mposPreferred = 1 // MPOL_PREFERRED

	var mask uint64
	var maxNode uintptr
	if nodeID != NodeAny {
		mask = uint64(1) << nodeID
		maxNode = uintptr(nodeID) + 1
	}

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		vaddr, uintptr(size), uintptr(mposPreferred),
		uintptr(unsafe.Pointer(&mask)), maxNode, 0)
	if errno != 0 {
		return fmt.Errorf("mbind hugepage at %#x to node %d: %w", vaddr, nodeID, errno)
	}
	return nil
}

func (m *Manager) bucketFor(vaddr uintptr) int {
	return int((vaddr >> m.sizeLg) & (hashSize - 1))
}

// Free unmaps and removes a previously allocated hugepage. Failures during
// teardown are logged critically and otherwise ignored, matching the
// reference allocator's "best effort cleanup" behavior on a path that has
// no meaningful error to propagate to.
func (m *Manager) Free(p *Page) {
	bucket := m.bucketFor(p.Vaddr)

	m.lock.Lock()
	m.buckets[bucket] = removePage(m.buckets[bucket], p)
	m.lock.Unlock()
	m.count.Dec()

	data := unsafe.Slice((*byte)(unsafe.Pointer(p.Vaddr)), int(p.Size))

	if err := unix.Munlock(data); err != nil {
		m.log.Crit("munlock hugepage failed", "name", p.name, "err", err)
	}
	if err := unix.Munmap(data); err != nil {
		m.log.Crit("munmap hugepage failed", "name", p.name, "err", err)
	}
	if err := unix.Close(p.fd); err != nil {
		m.log.Crit("close hugepage file failed", "name", p.name, "err", err)
	}
	if err := unix.Unlinkat(m.dirFD, p.name, 0); err != nil {
		m.log.Crit("unlink hugepage file failed", "name", p.name, "err", err)
	}

	m.log.Debug("freed hugepage", "name", p.name, "count", m.count.Read())
}

func removePage(bucket []*Page, target *Page) []*Page {
	for i, p := range bucket {
		if p == target {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}

// LookupHugepage implements vtophys.HugepageLookup: it resolves vaddr
// against the hugepage hash table without touching /proc/self/pagemap.
func (m *Manager) LookupHugepage(vaddr uintptr) (baseVaddr, basePaddr, size uintptr, ok bool) {
	hpn := vaddr >> m.sizeLg
	bucket := int(hpn & (hashSize - 1))

	m.lock.Lock()
	defer m.lock.Unlock()
	for _, p := range m.buckets[bucket] {
		if p.Vaddr>>m.sizeLg == hpn {
			return p.Vaddr, p.Paddr, p.Size, true
		}
	}
	return 0, 0, 0, false
}

// Find returns the Page descriptor containing vaddr, or nil if vaddr does
// not belong to any hugepage this manager owns. Unlike LookupHugepage it
// hands back the descriptor itself, letting a caller (the memory pool)
// reach the Owner field it stashed there.
func (m *Manager) Find(vaddr uintptr) *Page {
	hpn := vaddr >> m.sizeLg
	bucket := int(hpn & (hashSize - 1))

	m.lock.Lock()
	defer m.lock.Unlock()
	for _, p := range m.buckets[bucket] {
		if p.Vaddr>>m.sizeLg == hpn {
			return p
		}
	}
	return nil
}

// Count returns the number of hugepages currently allocated.
func (m *Manager) Count() int32 {
	return m.count.Read()
}

// Size returns the configured hugepage size in bytes.
func (m *Manager) Size() uintptr {
	return m.size
}

// Cleanup frees every outstanding hugepage and removes the scratch
// directory, mirroring nvme_mem_hp_cleanup.
func (m *Manager) Cleanup() {
	for i := range m.buckets {
		m.lock.Lock()
		bucket := m.buckets[i]
		m.buckets[i] = nil
		m.lock.Unlock()

		for _, p := range bucket {
			m.Free(p)
		}
	}

	if err := unix.Close(m.dirFD); err != nil {
		m.log.Crit("close hugepage scratch dir failed", "dir", m.dir, "err", err)
	}
	if err := os.Remove(m.dir); err != nil {
		m.log.Crit("remove hugepage scratch dir failed", "dir", m.dir, "err", err)
	}
}
