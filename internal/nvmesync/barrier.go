package nvmesync

import (
	"runtime"
	"sync/atomic"
)

var barrierFence atomic.Int32

// CompilerBarrier prevents the Go compiler from reordering memory accesses
// across this call, without emitting any CPU fence instruction. It is
// implemented as a no-op atomic fence: every sync/atomic operation already
// forces the compiler to treat surrounding memory accesses as ordered
// around it, so a dedicated assembly barrier is unnecessary here.
func CompilerBarrier() {
	barrierFence.Load()
}

// Mb is a full memory barrier: loads and stores issued before the call are
// globally visible before loads and stores issued after it. On top of the
// atomic fence, runtime.KeepAlive pins any DMA descriptor the caller just
// wrote so the compiler cannot hoist that write past the barrier.
func Mb() {
	barrierFence.Add(1)
	runtime.KeepAlive(&barrierFence)
}

// Wmb is a write memory barrier.
func Wmb() { Mb() }

// Rmb is a read memory barrier.
func Rmb() { Mb() }

// SmpMb is the SMP (inter-core) variant of Mb. On Go's memory model, which
// is already sequentially consistent with respect to atomic operations,
// this degrades to the same compiler barrier as Mb.
func SmpMb() { Mb() }

// SmpWmb is the SMP write barrier; on a TSO-like model it degrades to a
// compiler-only barrier, matching the reference driver's nvme_smp_wmb on
// strongly-ordered architectures.
func SmpWmb() { CompilerBarrier() }

// SmpRmb is the SMP read barrier; degrades to a compiler-only barrier for
// the same reason as SmpWmb.
func SmpRmb() { CompilerBarrier() }
