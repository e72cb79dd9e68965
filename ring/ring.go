// Package ring implements a bounded, segmented ring buffer allocator.
//
// A Buffer serves every per-connection read buffer in a readmux server from
// one contiguous arena. The arena is partitioned into variable-length
// Blocks, each carrying a small header (length, read offset, chain link,
// owning id). Blocks belonging to the same connection are threaded into a
// Chain via their next link; a Chain can be walked, linearized into one
// contiguous Block via Copy, or advanced (and partially freed) via Yield.
//
// When the arena has no room for a new allocation, Collect forcibly
// reclaims the oldest live chain, by arena-scan order — "oldest chain
// wins" is the buffer's only back-pressure mechanism. Collect never
// chooses an arbitrary block; callers that need eviction fairness beyond
// that must close connections themselves.
//
// A Buffer is not safe for concurrent use; it is designed to be driven by
// a single-threaded caller (see package readmux).
package ring

import "unsafe"

// wordSize is the platform alignment unit used to size and address blocks.
var wordSize = int(unsafe.Sizeof(uintptr(0)))

// Ref addresses a Block by its byte offset within a Buffer's arena.
type Ref int32

// NoRef is the sentinel Ref denoting "no block".
const NoRef Ref = -1

// blockHeader is the fixed-size header prefixing every block in the arena.
//
// length is the block's total byte span, header included, before alignment
// padding. offset is the count of payload bytes already consumed by the
// reader. next is the byte offset of the next block in the same chain, or
// -1. id is the owning connection's slot index, or -1 if the block is free.
type blockHeader struct {
	length uint32
	offset uint32
	next   int32
	id     int32
}

var headerSize = int(unsafe.Sizeof(blockHeader{}))

// alignUp rounds n up to the nearest multiple of the platform word size.
func alignUp(n int) int {
	return (n + wordSize - 1) &^ (wordSize - 1)
}

// Align rounds n up to the nearest multiple of the platform word size,
// the same alignment New requires of its size argument. Callers sizing an
// arena before construction should round through this rather than
// hardcoding an alignment.
func Align(n int) int { return alignUp(n) }

// Buffer is a single contiguous arena of bytes, partitioned into a sequence
// of aligned, header-prefixed Blocks.
type Buffer struct {
	arena []byte
	head  int
}

// New allocates a Buffer with an arena of exactly size bytes. size must
// already be a multiple of the platform word size and at least large
// enough to hold one block header; callers needing the readmux
// normalization rules (default size, minimum floor, alignment) should
// apply them before calling New.
func New(size int) *Buffer {
	if size < headerSize {
		panic("ring: size smaller than one block header")
	}
	if size != alignUp(size) {
		panic("ring: size not word-aligned")
	}
	b := &Buffer{arena: make([]byte, size)}
	h := b.header(0)
	h.length = uint32(size)
	h.id = -1
	h.next = -1
	return b
}

// Size returns the arena's total byte capacity.
func (b *Buffer) Size() int { return len(b.arena) }

func (b *Buffer) header(ref Ref) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&b.arena[int(ref)]))
}

// scanNext returns the block immediately following ref in arena layout
// order (not chain order), or NoRef if ref's span reaches the arena's end.
func (b *Buffer) scanNext(ref Ref) Ref {
	h := b.header(ref)
	nxt := int(ref) + alignUp(int(h.length))
	if nxt == len(b.arena) {
		return NoRef
	}
	return Ref(nxt)
}

// hasHeader reports whether a block's length is large enough to hold a
// real header, as opposed to being pure alignment padding.
func hasHeader(length uint32) bool {
	return int(length) >= headerSize
}

// ID returns the owning connection id of ref, or -1 if ref is free.
func (b *Buffer) ID(ref Ref) int32 { return b.header(ref).id }

// SetID assigns the owning connection id of a freshly allocated, unlinked
// block. Used by callers linking the first block into an empty chain.
func (b *Buffer) SetID(ref Ref, id int32) { b.header(ref).id = id }

// Next returns the chain-link successor of ref, or NoRef if ref is the
// chain tail.
func (b *Buffer) Next(ref Ref) Ref {
	n := b.header(ref).next
	if n < 0 {
		return NoRef
	}
	return Ref(n)
}

// Payload returns the unread payload slice of a single block: from its
// read offset to the end of its data, ignoring any chained successors.
func (b *Buffer) Payload(ref Ref) []byte {
	h := b.header(ref)
	start := int(ref) + headerSize + int(h.offset)
	end := int(ref) + int(h.length)
	return b.arena[start:end]
}

// Alloc reserves a block able to hold size payload bytes, returning its
// Ref. It scans forward from the last allocation point, coalescing
// consecutive free blocks until their span covers the request; a live
// block immovably terminates the scan. On reaching the arena's end the
// scan wraps to offset 0 exactly once; if that retry also fails, Alloc
// reports false — the caller must Collect and retry, or give up.
//
// The returned block is unlinked (its id is -1) and must be assigned an
// id, directly via SetID or implicitly via Link, before use.
func (b *Buffer) Alloc(size int) (Ref, bool) {
	aligned := alignUp(headerSize + size)
	for pass := 0; pass < 2; pass++ {
		start := Ref(b.head)
		cur := start
		free := 0
		for {
			h := b.header(cur)
			if hasHeader(h.length) && h.id >= 0 {
				break // live block: an immovable wall
			}
			free += alignUp(int(h.length))
			if free >= aligned {
				return b.materialize(start, free, size), true
			}
			nxt := b.scanNext(cur)
			if nxt == NoRef {
				break
			}
			cur = nxt
		}
		b.head = 0
	}
	return NoRef, false
}

// materialize carves a freshly allocated block of size payload bytes out of
// a free span of freeSpan bytes starting at start, writing a free trailer
// for any leftover space.
func (b *Buffer) materialize(start Ref, freeSpan, size int) Ref {
	h := b.header(start)
	h.length = uint32(headerSize + size)
	h.offset = 0
	h.next = -1
	h.id = -1

	aligned := alignUp(int(h.length))
	trailerOff := int(start) + aligned
	if trailerOff == len(b.arena) {
		b.head = 0
		return start
	}
	b.head = trailerOff
	if freeSpan > aligned {
		th := b.header(Ref(trailerOff))
		th.length = uint32(freeSpan - aligned)
		if hasHeader(th.length) {
			th.id = -1
		}
	}
	return start
}

// Shrink truncates blk's payload to size bytes, releasing the reclaimed
// suffix as a free trailer block. size == 0 frees the entire block.
func (b *Buffer) Shrink(blk Ref, size int) {
	h := b.header(blk)
	if size == 0 {
		h.id = -1
		b.head = int(blk)
		return
	}
	oldAligned := alignUp(int(h.length))
	newLength := headerSize + size
	newAligned := alignUp(newLength)
	if newAligned > oldAligned {
		panic("ring: shrink grows the block")
	}
	h.length = uint32(newLength)
	if newAligned == oldAligned {
		return
	}
	trailer := int(blk) + newAligned
	th := b.header(Ref(trailer))
	th.length = uint32(oldAligned - newAligned)
	if hasHeader(th.length) {
		th.id = -1
	}
	b.head = trailer
}

// Link appends next to the tail of the chain rooted at head, propagating
// the chain's id into next.
func (b *Buffer) Link(head, next Ref) {
	h := b.header(head)
	for h.next >= 0 {
		h = b.header(Ref(h.next))
	}
	nh := b.header(next)
	nh.id = h.id
	h.next = int32(next)
}

// Free releases every block in chain, setting each one's id to -1. Panics
// if the chain's blocks do not share a single id.
func (b *Buffer) Free(chain Ref) {
	if chain == NoRef {
		return
	}
	h := b.header(chain)
	id := h.id
	h.id = -1
	for h.next >= 0 {
		h = b.header(Ref(h.next))
		if h.id != id {
			panic("ring: chain id mismatch during free")
		}
		h.id = -1
	}
}

// lastID returns the id of the first live block reached scanning forward
// from the current allocation cursor, wrapping once, or -1 if none is live.
func (b *Buffer) lastID() int32 {
	for pass := 0; pass < 2; pass++ {
		cur := Ref(b.head)
		for {
			h := b.header(cur)
			if hasHeader(h.length) && h.id >= 0 {
				return h.id
			}
			nxt := b.scanNext(cur)
			if nxt == NoRef {
				break
			}
			cur = nxt
		}
		b.head = 0
	}
	return -1
}

// Collect forcibly reclaims the oldest live chain — the one nearest the
// current scan cursor — freeing every block sharing its id and returning
// that id. The caller is responsible for informing the owning connection
// that it has been closed.
func (b *Buffer) Collect() int32 {
	id := b.lastID()
	cur := Ref(0)
	for {
		h := b.header(cur)
		if hasHeader(h.length) && h.id == id {
			h.id = -1
		}
		nxt := b.scanNext(cur)
		if nxt == NoRef {
			break
		}
		cur = nxt
	}
	return id
}

// Data walks chain, skipping skip payload bytes from its start. If the
// block under the resulting cursor holds at least n contiguous payload
// bytes, it returns that slice directly. Otherwise it returns a nil slice
// and the total payload remaining in the chain from the cursor, capped at
// n — the caller's signal to linearize via Copy.
func (b *Buffer) Data(chain Ref, n, skip int) ([]byte, int) {
	cur := chain
	h := b.header(cur)
	length := int(h.length) - headerSize - int(h.offset)
	for {
		if length > skip {
			if length-skip >= n {
				start := int(cur) + headerSize + int(h.offset) + skip
				return b.arena[start : start+n], n
			}
			ret := length - skip
			for h.next >= 0 {
				cur = Ref(h.next)
				h = b.header(cur)
				ret += int(h.length) - headerSize
				if ret >= n {
					return nil, n
				}
			}
			return nil, ret
		}
		if h.next < 0 {
			return nil, 0
		}
		cur = Ref(h.next)
		h = b.header(cur)
		skip -= length
		length = int(h.length) - headerSize
	}
}

// Copy linearizes dst's full payload capacity out of src, starting skip
// payload bytes into src, performing one memcpy per segment crossed. It
// copies src's id into dst and returns dst's payload slice.
func (b *Buffer) Copy(src Ref, skip int, dst Ref) []byte {
	dh := b.header(dst)
	size := int(dh.length) - headerSize
	dstStart := int(dst) + headerSize

	sh := b.header(src)
	length := int(sh.length) - headerSize - int(sh.offset)
	for length <= skip {
		if sh.next < 0 {
			panic("ring: copy skip exceeds chain")
		}
		src = Ref(sh.next)
		sh = b.header(src)
		skip -= length
		length = int(sh.length) - headerSize
	}

	srcStart := int(src) + headerSize + int(sh.offset) + skip
	length -= skip
	written := 0
	for length < size {
		copy(b.arena[dstStart+written:], b.arena[srcStart:srcStart+length])
		written += length
		size -= length
		if sh.next < 0 {
			panic("ring: copy exceeds chain")
		}
		src = Ref(sh.next)
		sh = b.header(src)
		srcStart = int(src) + headerSize
		length = int(sh.length) - headerSize
	}
	copy(b.arena[dstStart+written:dstStart+written+size], b.arena[srcStart:srcStart+size])
	dh.id = sh.id
	return b.arena[dstStart : dstStart+int(dh.length)-headerSize]
}

// Yield advances chain's read cursor by skip payload bytes. Every block
// fully consumed in the process has its id freed and is dropped from the
// returned chain; the first block with remaining payload has its offset
// advanced and becomes the new chain head. If skip consumes the whole
// chain, Yield returns NoRef. Panics if a block past the chain head carries
// a nonzero read offset.
func (b *Buffer) Yield(chain Ref, skip int) Ref {
	cur := chain
	h := b.header(cur)
	length := int(h.length) - headerSize - int(h.offset)
	for {
		if length > skip {
			h.offset += uint32(skip)
			return cur
		}
		h.id = -1
		if h.next < 0 {
			return NoRef
		}
		cur = Ref(h.next)
		h = b.header(cur)
		if h.offset != 0 {
			panic("ring: chained block with nonzero offset during yield")
		}
		skip -= length
		length = int(h.length) - headerSize
	}
}

// BlockInfo is a read-only snapshot of one block's header, used by Dump.
type BlockInfo struct {
	Offset  int
	Length  int
	Payload int
	ID      int32
	IsFree  bool
	IsPad   bool
}

// Dump walks the entire arena in layout order and returns a snapshot of
// every block, live, free, or padding. It is an introspection aid for
// tests and operators; it never mutates the buffer.
func (b *Buffer) Dump() []BlockInfo {
	var out []BlockInfo
	cur := Ref(0)
	for {
		h := b.header(cur)
		info := BlockInfo{Offset: int(cur), Length: int(h.length)}
		if hasHeader(h.length) {
			info.Payload = int(h.length) - headerSize
			info.ID = h.id
			info.IsFree = h.id < 0
		} else {
			info.IsPad = true
		}
		out = append(out, info)
		nxt := b.scanNext(cur)
		if nxt == NoRef {
			break
		}
		cur = nxt
	}
	return out
}
