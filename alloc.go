// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memalloc implements a general-purpose dynamic memory
// allocator that obtains its backing memory directly from the
// operating system, in page-sized units, rather than relying on any
// host-provided allocator.
//
// Requests are satisfied from one of a fixed set of size classes, each
// backed by a pool of fixed-slot chunks (see sizeclass.go and
// chunk.go), or, for requests too large for any class, by a dedicated
// mapping (see large.go). Allocator state is sharded across a small
// fixed number of arenas (see arena.go) so that independent goroutines
// rarely contend on the same mutex.
//
// The kernel refusing a mapping is treated as fatal: every call site
// here assumes success, the same way a C program linked against this
// allocator would, so there is no error return to thread through three
// layers of call sites for a condition nothing can recover from.
// Caller misuse (double free, freeing a foreign pointer) is undefined
// behavior and is not detected.
//
// Changelog
//
// 2024-01-01 Initial release: multi-arena size-class allocator with a
// large-object fallback.
package memalloc

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

const trace = false // flip on locally to log every Malloc and Free call to stderr

// fatalMapFailure reports an unrecoverable OS mapping failure and
// aborts, per spec.md §7: there is no graceful recovery path for
// out-of-memory in this allocator.
func fatalMapFailure(err error) {
	fmt.Fprintf(os.Stderr, "memalloc: fatal: %v\n", err)
	panic(fmt.Sprintf("memalloc: OS refused a mapping: %v", err))
}

// Allocator allocates and frees memory obtained directly from the
// operating system. Its zero value is ready for use: arena mutexes and
// chunk-ring sentinels are installed lazily, on first allocation, by a
// double-checked init guarded by initMu (§5 "Initialization").
type Allocator struct {
	initMu sync.Mutex
	ready  atomic.Bool
	arenas [numArenas]*Arena
}

// New returns a ready-to-use Allocator. It is equivalent to new(Allocator);
// it exists for callers who prefer an explicit constructor.
func New() *Allocator { return &Allocator{} }

// ensureInit installs the per-arena state exactly once. Concurrent
// first callers serialize only for the duration of that one-time
// setup; every later call observes al.ready true without taking
// initMu at all.
func (al *Allocator) ensureInit() {
	if al.ready.Load() {
		return
	}
	al.initMu.Lock()
	defer al.initMu.Unlock()
	if al.ready.Load() {
		return
	}
	for i := range al.arenas {
		al.arenas[i] = newArena(i)
	}
	al.ready.Store(true)
}

// Malloc allocates size bytes and returns a byte slice over the
// allocated memory. The memory is not initialized. Malloc panics for
// size < 0 and returns nil for zero size. This, together with
// UnsafeMalloc below, is the allocate(n) of spec.md §4.4/§6.
func (al *Allocator) Malloc(size int) (r []byte) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p\n", size, p)
		}()
	}
	if size < 0 {
		panic("memalloc: invalid Malloc size")
	}
	if size == 0 {
		return nil
	}

	p, usable := al.allocate(size)
	return unsafe.Slice((*byte)(p), usable)[:size]
}

// Calloc is deliberately not provided: zero-initialization on
// allocation is an explicit Non-goal (see spec.md §1).

// Free deallocates memory previously returned by Malloc or Realloc. As
// a no-op, Free(nil) is safe; freeing any other pointer not obtained
// from this Allocator, or already freed, is undefined behavior and is
// not detected (spec.md §7).
func (al *Allocator) Free(b []byte) {
	if trace {
		var p *byte
		if len(b) != 0 {
			p = &b[0]
		}
		defer fmt.Fprintf(os.Stderr, "Free(%#x)\n", p)
	}
	b = b[:cap(b)]
	if len(b) == 0 {
		return
	}
	al.free(unsafe.Pointer(&b[0]))
}

// Realloc changes the size of the backing allocation of b to size
// bytes. Content is preserved up to min(old usable size, size). If b
// has zero capacity, Realloc is equivalent to Malloc(size); if size is
// zero and b has nonzero capacity, Realloc is equivalent to Free(b) and
// returns nil. Otherwise the returned slice may or may not alias b's
// backing array; b must not be used afterward.
func (al *Allocator) Realloc(b []byte, size int) []byte {
	switch {
	case cap(b) == 0:
		return al.Malloc(size)
	case size == 0:
		al.Free(b)
		return nil
	}

	r := al.Malloc(size)
	copy(r, b[:cap(b)])
	al.Free(b)
	return r
}

// UsableSize reports the usable capacity of the live block at p, which
// must be the first byte of a slice previously returned by Malloc or
// Realloc. The usable size may exceed the size originally requested.
func (al *Allocator) UsableSize(p *byte) int { return UnsafeUsableSize(unsafe.Pointer(p)) }

// Close unmaps every bucketed chunk this Allocator currently owns and
// resets its arenas' chunk rings, leaving it in a fresh, ready-to-use
// state. The arenas' small sentinel mappings are kept, and large
// allocations that are still live are not released. It is not
// necessary to call Close before process exit.
func (al *Allocator) Close() {
	if !al.ready.Load() {
		return
	}
	for _, a := range al.arenas {
		a.mu.Lock()
		for _, head := range a.lists {
			for c := head.next; c != head; {
				next := c.next
				if err := unmap(unsafe.Pointer(c), c.size); err != nil {
					fatalMapFailure(err)
				}
				c = next
			}
		}
		for _, s := range a.lists {
			resetSentinel(s)
		}
		a.chunkBytes = 0
		a.mu.Unlock()
	}
}

// --- dispatch (§4.4) --------------------------------------------------

// allocate is the dispatch layer's core: it adds the back-reference
// overhead, picks a size class or the large path, and returns the
// caller-visible address plus the slot's total usable capacity.
func (al *Allocator) allocate(n int) (unsafe.Pointer, int) {
	s := n + backRefSize
	classIdx := classFor(s)
	if classIdx == classSentinel {
		c := newLargeChunk(n)
		p := writeBackRef(c.slotBase(), c)
		return p, largeUsableSize(c)
	}

	al.ensureInit()
	a, _ := al.selectArena()
	defer a.mu.Unlock()
	c := a.findOrMakeChunk(classIdx)
	p := carve(c, classIdx)
	return p, classTable[classIdx].slotSize - backRefSize
}

// free follows p's back-reference to its owning chunk and dispatches
// to the bucketed or large release path (§4.2, §4.3).
func (al *Allocator) free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	c := chunkOf(p)
	if c.classID == classSentinel {
		releaseLarge(c)
		return
	}

	a := al.arenas[c.arenaIdx]
	a.mu.Lock()
	defer a.mu.Unlock()
	release(a, c, p)
}
