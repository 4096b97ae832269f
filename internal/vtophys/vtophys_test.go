package vtophys

import (
	"errors"
	"testing"
)

func TestLe64(t *testing.T) {
	b := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if got := le64(b); got != 0x1122334455667788 {
		t.Fatalf("le64() = %#x, want 0x1122334455667788", got)
	}
}

type fakeHugepageLookup struct {
	base, paddr, size uintptr
	ok                bool
}

func (f fakeHugepageLookup) LookupHugepage(vaddr uintptr) (uintptr, uintptr, uintptr, bool) {
	if !f.ok {
		return 0, 0, 0, false
	}
	return f.base, f.paddr, f.size, true
}

func TestTranslator_FastPath(t *testing.T) {
	hp := fakeHugepageLookup{base: 0x1000, paddr: 0x9000, size: 0x2000, ok: true}
	tr := &Translator{hp: hp}

	got, err := tr.Translate(0x1500)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if want := uintptr(0x9500); got != want {
		t.Fatalf("Translate() = %#x, want %#x", got, want)
	}
}

func TestTranslator_FastPathOutOfRange(t *testing.T) {
	hp := fakeHugepageLookup{base: 0x1000, paddr: 0x9000, size: 0x2000, ok: true}
	tr := &Translator{hp: hp}

	_, err := tr.Translate(0x5000)
	if !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("Translate() error = %v, want ErrTranslationFailed", err)
	}
}

func TestPagemapReader_Smoke(t *testing.T) {
	pm, err := OpenPagemap()
	if err != nil {
		t.Skipf("pagemap unavailable in this environment: %v", err)
	}
	defer pm.Close()

	// Permission to read pagemap contents (CAP_SYS_ADMIN on recent
	// kernels) varies by environment, so only the absence of a crash is
	// asserted here, not a particular address or error outcome.
	_, _ = pm.Translate(0)
}
