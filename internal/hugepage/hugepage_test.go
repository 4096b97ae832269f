package hugepage

import (
	"strings"
	"testing"

	"github.com/hgst/nvmemem/internal/nvmelog"
	"github.com/hgst/nvmemem/internal/vtophys"
)

func TestParseMountsForHugetlbfs(t *testing.T) {
	mounts := strings.Join([]string{
		"sysfs /sys sysfs rw,nosuid 0 0",
		"hugetlbfs /dev/hugepages hugetlbfs rw,relatime,pagesize=2M 0 0",
		"tmpfs /tmp tmpfs rw 0 0",
	}, "\n")

	dir, err := parseMountsForHugetlbfs(strings.NewReader(mounts))
	if err != nil {
		t.Fatalf("parseMountsForHugetlbfs() error = %v", err)
	}
	if dir != "/dev/hugepages" {
		t.Fatalf("parseMountsForHugetlbfs() = %q, want /dev/hugepages", dir)
	}
}

func TestParseMountsForHugetlbfs_NotFound(t *testing.T) {
	_, err := parseMountsForHugetlbfs(strings.NewReader("sysfs /sys sysfs rw 0 0\n"))
	if err == nil {
		t.Fatalf("parseMountsForHugetlbfs() want error when no hugetlbfs entry present")
	}
}

func TestParseHugepageSize(t *testing.T) {
	meminfo := strings.Join([]string{
		"MemTotal:       16384000 kB",
		"Hugepagesize:       2048 kB",
		"DirectMap4k:      123456 kB",
	}, "\n")

	size, err := parseHugepageSize(strings.NewReader(meminfo))
	if err != nil {
		t.Fatalf("parseHugepageSize() error = %v", err)
	}
	if want := uintptr(2048 * 1024); size != want {
		t.Fatalf("parseHugepageSize() = %d, want %d", size, want)
	}
}

func TestParseHugepageSize_Missing(t *testing.T) {
	_, err := parseHugepageSize(strings.NewReader("MemTotal: 16384000 kB\n"))
	if err == nil {
		t.Fatalf("parseHugepageSize() want error when Hugepagesize missing")
	}
}

func TestBucketFor(t *testing.T) {
	m := &Manager{sizeLg: 21} // 2 MiB hugepages
	a := m.bucketFor(0)
	b := m.bucketFor(1 << 21)
	if a == b {
		t.Fatalf("bucketFor() collided for adjacent hugepages: %d == %d", a, b)
	}
	if got := m.bucketFor(0); got < 0 || got >= hashSize {
		t.Fatalf("bucketFor() = %d, out of range [0,%d)", got, hashSize)
	}
}

func TestRemovePage(t *testing.T) {
	p1, p2, p3 := &Page{name: "a"}, &Page{name: "b"}, &Page{name: "c"}
	bucket := []*Page{p1, p2, p3}

	bucket = removePage(bucket, p2)
	if len(bucket) != 2 {
		t.Fatalf("removePage() len = %d, want 2", len(bucket))
	}
	for _, p := range bucket {
		if p == p2 {
			t.Fatalf("removePage() did not remove target")
		}
	}
}

func TestLookupHugepage_Miss(t *testing.T) {
	m := &Manager{sizeLg: 21}
	m.lock.Init()

	if _, _, _, ok := m.LookupHugepage(0x1234); ok {
		t.Fatalf("LookupHugepage() on empty manager want ok=false")
	}
}

// TestManager_Alloc exercises the full allocation path. It requires a
// configured hugetlbfs mount, free hugepages, and CAP_IPC_LOCK, none of
// which are guaranteed in arbitrary test environments, so it skips rather
// than fails when the environment can't provide them.
func TestManager_Alloc(t *testing.T) {
	log := nvmelog.New()
	defer log.Close()

	pm, err := vtophys.OpenPagemap()
	if err != nil {
		t.Skipf("pagemap unavailable: %v", err)
	}
	defer pm.Close()

	m, err := NewManager("", pm, log)
	if err != nil {
		t.Skipf("hugepage environment unavailable: %v", err)
	}
	defer m.Cleanup()

	page, err := m.Alloc(NodeAny)
	if err != nil {
		t.Skipf("hugepage allocation unavailable: %v", err)
	}

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	base, paddr, size, ok := m.LookupHugepage(page.Vaddr + 16)
	if !ok {
		t.Fatalf("LookupHugepage() after Alloc() want ok=true")
	}
	if base != page.Vaddr || paddr != page.Paddr || size != page.Size {
		t.Fatalf("LookupHugepage() = (%#x,%#x,%#x), want (%#x,%#x,%#x)",
			base, paddr, size, page.Vaddr, page.Paddr, page.Size)
	}

	m.Free(page)
	if m.Count() != 0 {
		t.Fatalf("Count() after Free() = %d, want 0", m.Count())
	}
}
