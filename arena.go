// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"
)

// numArenas is the fixed number of concurrency shards, per §5. Four is
// the documented sweet spot for modest multi-core workloads; raising
// it trades memory fragmentation (more partially-used chunks, one set
// per arena) for less lock contention.
const numArenas = 4

// Arena is a mutex-guarded shard owning one per-class chunk ring.
// Bucketed allocate/free for any slot living in this arena serializes
// on mu; the large-allocation path never touches an Arena at all.
type Arena struct {
	mu    sync.Mutex
	idx   int
	sents []byte         // backing mapping for this arena's sentinels, one chunkHeader-sized slot per class
	lists []*chunkHeader // one ring sentinel per size class, indexed like classTable, carved from sents

	// chunkBytes is the total size of every bucketed chunk this arena
	// currently has mapped. It exists for white-box testing only (the
	// teacher tracks the analogous alloc/mmap/byte counts on Allocator
	// itself) — spec.md's "no reporting, statistics, or debugging hooks"
	// Non-goal is about the public API, not same-package test assertions.
	chunkBytes int64
}

// newArena maps a small region to hold this arena's per-class ring
// sentinels and initializes each as an empty ring. A genuine OS
// mapping is used, rather than ordinary Go heap values, so that every
// pointer a bucketed chunk ever stores (prev/next) refers to
// OS-managed memory the allocator itself tracks, never to a Go-GC
// managed object (see the note on chunkHeader).
func newArena(idx int) *Arena {
	n := len(classTable)
	b, err := mmap(roundup(n*headerSize, pageSize))
	if err != nil {
		fatalMapFailure(err)
	}
	a := &Arena{idx: idx, sents: b, lists: make([]*chunkHeader, n)}
	for i := 0; i < n; i++ {
		s := (*chunkHeader)(unsafe.Pointer(&b[i*headerSize]))
		resetSentinel(s)
		a.lists[i] = s
	}
	return a
}

// findOrMakeChunk walks the class's ring looking for a chunk with at
// least one free slot (occupancy not all-ones); if none is found it
// mmaps a fresh chunk, links it at the head of the ring, and returns
// it. Must be called with a.mu held.
func (a *Arena) findOrMakeChunk(classIdx int) *chunkHeader {
	class := &classTable[classIdx]
	head := a.lists[classIdx]
	for c := head.next; c != head; c = c.next {
		if !occupancyFull(&c.occ) {
			return c
		}
	}

	b, err := mmap(class.chunkPages * pageSize)
	if err != nil {
		fatalMapFailure(err)
	}
	c := (*chunkHeader)(unsafe.Pointer(&b[0]))
	*c = chunkHeader{
		size:     len(b),
		classID:  classIdx,
		arenaIdx: a.idx,
		occ:      class.empty,
	}
	linkHead(head, c)
	a.chunkBytes += int64(c.size)
	return c
}

// carve finds a free slot in c, marks it occupied, stamps the
// back-reference, and returns the caller-visible pointer. Must be
// called with the owning arena's mutex held.
func carve(c *chunkHeader, classIdx int) unsafe.Pointer {
	class := &classTable[classIdx]
	bit := lowestFreeBit(&c.occ)
	setBit(&c.occ, bit)
	return writeBackRef(c.slotAt(class, bit), c)
}

// release returns slot p's bit to free in its owning chunk c; if the
// chunk becomes entirely empty it is unlinked and unmapped. Must be
// called with a.mu held, where a.idx == c.arenaIdx.
func release(a *Arena, c *chunkHeader, p unsafe.Pointer) {
	class := &classTable[c.classID]
	idx := int((backRefAddr(p) - c.slotBase()) / uintptr(class.slotSize))
	clearBit(&c.occ, idx)
	if occupancyEmpty(&c.occ, class) {
		unlink(c)
		if err := unmap(unsafe.Pointer(c), c.size); err != nil {
			fatalMapFailure(err)
		}
		a.chunkBytes -= int64(c.size)
	}
}

func backRefAddr(p unsafe.Pointer) uintptr { return uintptr(p) - uintptr(backRefSize) }

// --- arena selection -------------------------------------------------

// preferredArena is the calling goroutine's sticky arena index hint.
// Go exposes no OS-thread-local storage to library code, so this is
// approximated with a per-goroutine cache keyed by a parsed goroutine
// id (see goroutineID). The cache is a performance heuristic only:
// correctness of free() never depends on it, since free always
// targets the chunk's actual owning arena (see (*Allocator).free).
var preferredArena sync.Map // goroutine id (int64) -> *int32

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

func preferredArenaSlot() *int32 {
	gid := goroutineID()
	if v, ok := preferredArena.Load(gid); ok {
		return v.(*int32)
	}
	v, _ := preferredArena.LoadOrStore(gid, new(int32))
	return v.(*int32)
}

// selectArena implements §5's round-robin-with-sticky-hint rule: start
// at the thread's (goroutine's) preferred arena, try a non-blocking
// lock at each arena in turn, and take the first one that succeeds,
// updating the hint to match. Under low contention this always
// succeeds immediately on the preferred arena; under contention it
// fans out across all of them.
func (al *Allocator) selectArena() (*Arena, int) {
	hint := preferredArenaSlot()
	start := int(atomic.LoadInt32(hint))
	for i := 0; i < numArenas; i++ {
		idx := (start + i) % numArenas
		a := al.arenas[idx]
		if a.mu.TryLock() {
			if idx != start {
				atomic.StoreInt32(hint, int32(idx))
			}
			return a, idx
		}
	}
	// All arenas momentarily contended: block on the preferred one.
	a := al.arenas[start]
	a.mu.Lock()
	return a, start
}
