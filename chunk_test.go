// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"testing"
	"unsafe"
)

func TestBackReferenceRoundtrip(t *testing.T) {
	b, err := mmap(pageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer unmap(unsafe.Pointer(&b[0]), len(b))

	c := (*chunkHeader)(unsafe.Pointer(&b[0]))
	*c = chunkHeader{classID: 0}

	p := writeBackRef(c.slotBase(), c)
	if got := chunkOf(p); got != c {
		t.Fatalf("chunkOf returned %p, want %p", got, c)
	}
}

func TestRingLinkAndUnlink(t *testing.T) {
	var sentSpace [3 * 256]byte // generously oversized; headerSize is far smaller
	sentinel := (*chunkHeader)(unsafe.Pointer(&sentSpace[0]))
	resetSentinel(sentinel)
	if sentinel.next != sentinel || sentinel.prev != sentinel {
		t.Fatal("fresh sentinel must point to itself")
	}

	var aSpace, bSpace [256]byte
	a := (*chunkHeader)(unsafe.Pointer(&aSpace[0]))
	b := (*chunkHeader)(unsafe.Pointer(&bSpace[0]))

	linkHead(sentinel, a)
	linkHead(sentinel, b)
	// b was linked last, so it sits at the head.
	if sentinel.next != b || b.next != a || a.next != sentinel {
		t.Fatal("ring order after two linkHead calls is wrong")
	}
	if a.prev != b || b.prev != sentinel || sentinel.prev != a {
		t.Fatal("backward ring links are wrong")
	}

	unlink(a)
	if sentinel.next != b || b.next != sentinel || sentinel.prev != b || b.prev != sentinel {
		t.Fatal("ring should hold only b after unlinking a")
	}
	if a.prev != nil || a.next != nil {
		t.Fatal("unlink must clear the removed node's own links")
	}

	unlink(b)
	if sentinel.next != sentinel || sentinel.prev != sentinel {
		t.Fatal("ring should be empty again after unlinking its only member")
	}
}

func TestResetSentinelOccupancyIsFull(t *testing.T) {
	var space [256]byte
	s := (*chunkHeader)(unsafe.Pointer(&space[0]))
	resetSentinel(s)
	if !occupancyFull(&s.occ) {
		t.Fatal("a reset sentinel's occupancy must read as full so ring walks never treat it as usable")
	}
	if s.classID != classSentinel {
		t.Fatalf("sentinel classID = %d, want classSentinel", s.classID)
	}
}
