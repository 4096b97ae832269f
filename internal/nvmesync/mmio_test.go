package nvmesync

import "testing"

func TestMMIO32RoundTrip(t *testing.T) {
	var reg uint32
	MMIOWrite32(&reg, 0xdeadbeef)
	if got := MMIORead32(&reg); got != 0xdeadbeef {
		t.Fatalf("MMIORead32() = %#x, want 0xdeadbeef", got)
	}
}

func TestMMIO64RoundTrip(t *testing.T) {
	var reg uint64
	MMIOWrite64(&reg, 0x1122334455667788, false)
	if got := MMIORead64(&reg); got != 0x1122334455667788 {
		t.Fatalf("MMIORead64() = %#x, want 0x1122334455667788", got)
	}
}

func TestMMIO64SplitLowFirst(t *testing.T) {
	var reg uint64
	MMIOWrite64(&reg, 0x1122334455667788, true)
	if got := MMIORead64(&reg); got != 0x1122334455667788 {
		t.Fatalf("MMIORead64() after split write = %#x, want 0x1122334455667788", got)
	}
}
