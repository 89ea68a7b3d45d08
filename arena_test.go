// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"testing"
	"unsafe"
)

// newTestArena returns a freshly mapped arena the caller is responsible
// for tearing down via drainArena.
func newTestArena(t *testing.T) *Arena {
	t.Helper()
	return newArena(0)
}

func drainArena(t *testing.T, a *Arena) {
	t.Helper()
	for _, head := range a.lists {
		for c := head.next; c != head; {
			next := c.next
			if err := unmap(unsafe.Pointer(c), c.size); err != nil {
				t.Fatal(err)
			}
			c = next
		}
	}
	if err := unmap(unsafe.Pointer(&a.sents[0]), len(a.sents)); err != nil {
		t.Fatal(err)
	}
}

// TestManyAllocationsSpanMultipleChunks exercises spec.md §8 property 2:
// enough same-class allocations to force more than one backing chunk,
// each returned pointer distinct and non-overlapping.
func TestManyAllocationsSpanMultipleChunks(t *testing.T) {
	a := newTestArena(t)
	defer drainArena(t, a)

	const classIdx = 0
	class := &classTable[classIdx]
	const n = 10000

	seen := make(map[uintptr]bool, n)
	for i := 0; i < n; i++ {
		c := a.findOrMakeChunk(classIdx)
		p := carve(c, classIdx)
		addr := uintptr(p)
		if seen[addr] {
			t.Fatalf("slot address %#x handed out twice", addr)
		}
		seen[addr] = true
	}
	if a.chunkBytes <= int64(class.chunkPages*pageSize) {
		t.Fatal("10000 allocations of a small class should have required more than one chunk")
	}
}

// TestFreedSlotsAreReusedBeforeNewChunk exercises spec.md §8 property 3:
// freeing slots makes them available again without mapping a new chunk,
// until the freed supply is exhausted.
func TestFreedSlotsAreReusedBeforeNewChunk(t *testing.T) {
	a := newTestArena(t)
	defer drainArena(t, a)

	const classIdx = 0
	var live []unsafe.Pointer
	for i := 0; i < 1000; i++ {
		c := a.findOrMakeChunk(classIdx)
		live = append(live, carve(c, classIdx))
	}

	var freed []unsafe.Pointer
	for i, p := range live {
		if i%2 == 0 {
			freed = append(freed, p)
		}
	}
	for _, p := range freed {
		release(a, chunkOf(p), p)
	}

	before := a.chunkBytes
	for i := 0; i < len(freed); i++ {
		c := a.findOrMakeChunk(classIdx)
		carve(c, classIdx)
	}
	if a.chunkBytes != before {
		t.Fatalf("reallocating exactly the freed count should not have mapped a new chunk: before=%d after=%d", before, a.chunkBytes)
	}
}

func TestReleaseUnmapsFullyEmptiedChunk(t *testing.T) {
	a := newTestArena(t)
	defer drainArena(t, a)

	const classIdx = 0
	class := &classTable[classIdx]

	var ptrs []unsafe.Pointer
	for i := 0; i < class.slotCount; i++ {
		c := a.findOrMakeChunk(classIdx)
		ptrs = append(ptrs, carve(c, classIdx))
	}
	if a.chunkBytes != int64(class.chunkPages*pageSize) {
		t.Fatalf("filling exactly one chunk's worth of slots should not have mapped a second chunk, got %d bytes", a.chunkBytes)
	}

	for _, p := range ptrs {
		release(a, chunkOf(p), p)
	}
	if a.chunkBytes != 0 {
		t.Fatalf("emptying the only chunk should unmap it, got %d bytes still mapped", a.chunkBytes)
	}
}
