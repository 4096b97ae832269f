package nvmesync

import (
	"sync"
	"testing"
)

func TestCounter32_Basic(t *testing.T) {
	var c Counter32
	c.Init()

	if got := c.Read(); got != 0 {
		t.Fatalf("Read() after Init() = %d, want 0", got)
	}

	c.Set(10)
	if got := c.Read(); got != 10 {
		t.Fatalf("Read() after Set(10) = %d, want 10", got)
	}

	c.Add(5)
	if got := c.Read(); got != 15 {
		t.Fatalf("Read() after Add(5) = %d, want 15", got)
	}

	c.Sub(3)
	if got := c.Read(); got != 12 {
		t.Fatalf("Read() after Sub(3) = %d, want 12", got)
	}

	c.Inc()
	c.Dec()
	if got := c.Read(); got != 12 {
		t.Fatalf("Read() after Inc()+Dec() = %d, want 12", got)
	}

	if got := c.AddReturn(1); got != 13 {
		t.Fatalf("AddReturn(1) = %d, want 13", got)
	}
	if got := c.SubReturn(1); got != 12 {
		t.Fatalf("SubReturn(1) = %d, want 12", got)
	}

	c.Clear()
	if got := c.Read(); got != 0 {
		t.Fatalf("Read() after Clear() = %d, want 0", got)
	}
}

func TestCounter32_IncDecAndTest(t *testing.T) {
	var c Counter32
	c.Set(-1)
	if !c.IncAndTest() {
		t.Fatalf("IncAndTest() from -1 want true")
	}

	c.Set(1)
	if !c.DecAndTest() {
		t.Fatalf("DecAndTest() from 1 want true")
	}
}

func TestCounter32_TestAndSet(t *testing.T) {
	var c Counter32
	if !c.TestAndSet() {
		t.Fatalf("TestAndSet() on zero counter want true")
	}
	if c.TestAndSet() {
		t.Fatalf("TestAndSet() on already-set counter want false")
	}
	if got := c.Read(); got != 1 {
		t.Fatalf("Read() after TestAndSet() = %d, want 1", got)
	}
}

func TestCounter32_Concurrent(t *testing.T) {
	var c Counter32
	const goroutines = 16
	const perGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	if got := c.Read(); got != goroutines*perGoroutine {
		t.Fatalf("Read() = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestCounter64_Basic(t *testing.T) {
	var c Counter64
	c.Init()
	c.Set(1 << 40)
	if got := c.Read(); got != 1<<40 {
		t.Fatalf("Read() = %d, want %d", got, int64(1)<<40)
	}

	c.Add(1)
	if got := c.AddReturn(1); got != 1<<40+2 {
		t.Fatalf("AddReturn(1) = %d, want %d", got, int64(1)<<40+2)
	}
}

func TestCounter64_TestAndSet(t *testing.T) {
	var c Counter64
	if !c.TestAndSet() {
		t.Fatalf("TestAndSet() on zero counter want true")
	}
	if c.TestAndSet() {
		t.Fatalf("TestAndSet() on already-set counter want false")
	}
}
