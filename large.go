// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"sync/atomic"
	"unsafe"
)

// largeBytes is the total size of every large chunk currently mapped,
// across every Allocator in the process. It exists purely for
// white-box test assertions (see the note on Arena.chunkBytes); the
// large path has no arena to hang a per-Allocator counter off of, so
// this mirrors the teacher's own process-wide `bytes` field instead.
var largeBytes atomic.Int64

// newLargeChunk maps a fresh, self-contained chunk sized to the
// smallest whole number of pages holding a chunk header, one slot's
// back-reference, and n caller bytes (§4.3). The large path touches no
// arena state: every large chunk fully describes itself.
func newLargeChunk(n int) *chunkHeader {
	need := headerSize + backRefSize + n
	size := roundup(need, pageSize)
	b, err := mmap(size)
	if err != nil {
		fatalMapFailure(err)
	}
	c := (*chunkHeader)(unsafe.Pointer(&b[0]))
	*c = chunkHeader{size: len(b), classID: classSentinel}
	largeBytes.Add(int64(c.size))
	return c
}

// largeUsableSize returns the caller-visible usable capacity of a
// large chunk: the bytes available after the header and back-reference.
func largeUsableSize(c *chunkHeader) int {
	return c.size - headerSize - backRefSize
}

func releaseLarge(c *chunkHeader) {
	size := c.size
	if err := unmap(unsafe.Pointer(c), size); err != nil {
		fatalMapFailure(err)
	}
	largeBytes.Add(-int64(size))
}
