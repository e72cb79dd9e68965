package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// arenaTiles verifies invariant 1 from spec.md §8: walking the arena from
// offset 0 by aligned block length exactly consumes the arena.
func arenaTiles(t *testing.T, b *Buffer) {
	t.Helper()
	total := 0
	for _, blk := range b.Dump() {
		total += alignUp(blk.Length)
	}
	require.Equal(t, b.Size(), total, "blocks must exactly tile the arena")
}

func TestNewSingleFreeBlock(t *testing.T) {
	b := New(4096)
	arenaTiles(t, b)
	dump := b.Dump()
	require.Len(t, dump, 1)
	require.True(t, dump[0].IsFree)
}

func TestAllocShrinkFreeRoundTrip(t *testing.T) {
	b := New(4096)
	ref, ok := b.Alloc(100)
	require.True(t, ok)
	b.SetID(ref, 7)
	require.EqualValues(t, 7, b.ID(ref))
	arenaTiles(t, b)

	b.Shrink(ref, 40)
	require.Len(t, b.Payload(ref), 40)
	arenaTiles(t, b)

	b.Free(ref)
	require.EqualValues(t, -1, b.ID(ref))
	arenaTiles(t, b)
}

// freeShape reduces b's Dump to what Alloc's forward scan sees: each live
// block as {offset, length, id}, and each run of adjacent free or padding
// blocks merged into one {offset, aligned span, -1} entry.
func freeShape(b *Buffer) [][3]int {
	var out [][3]int
	for _, blk := range b.Dump() {
		if blk.IsFree || blk.IsPad {
			span := alignUp(blk.Length)
			if n := len(out); n > 0 && out[n-1][2] == -1 {
				out[n-1][1] += span
				continue
			}
			out = append(out, [3]int{blk.Offset, span, -1})
			continue
		}
		out = append(out, [3]int{blk.Offset, blk.Length, int(blk.ID)})
	}
	return out
}

func TestShrinkCompositionLaw(t *testing.T) {
	// alloc(s); shrink(blk, k) should leave the same free-list shape as a
	// direct alloc(k), for k <= s. Shrink's trailer is not merged with the
	// free block after it, so adjacent free blocks are compared as one run.
	const s, k = 200, 64

	b1 := New(4096)
	ref1, ok := b1.Alloc(s)
	require.True(t, ok)
	b1.SetID(ref1, 1)
	b1.Shrink(ref1, k)

	b2 := New(4096)
	ref2, ok := b2.Alloc(k)
	require.True(t, ok)
	b2.SetID(ref2, 1)

	require.Equal(t, freeShape(b1), freeShape(b2))
}

func TestAllocWrapsToZeroWhenTailIsInsufficient(t *testing.T) {
	// Four one-slot blocks. Allocate three (A, B, C), leaving one free
	// trailing slot. Free A and B, so offset 0 now holds two consecutive
	// free slots while the allocation cursor sits at C's trailing slot.
	// A two-slot request doesn't fit in the lone trailing slot, so the
	// first scan pass runs off the arena's end; the retry from offset 0
	// finds the two freed slots and succeeds there instead.
	slot := alignUp(headerSize + 64)
	b := New(slot * 4)

	a, ok := b.Alloc(64)
	require.True(t, ok)
	b.SetID(a, 1)

	bb, ok := b.Alloc(64)
	require.True(t, ok)
	b.SetID(bb, 2)

	c, ok := b.Alloc(64)
	require.True(t, ok)
	b.SetID(c, 3)

	b.Free(a)
	b.Free(bb)

	twoSlotPayload := 2*slot - headerSize
	wide, ok := b.Alloc(twoSlotPayload)
	require.True(t, ok)
	require.Equal(t, a, wide, "the two-slot request must be satisfied starting at offset 0")
	arenaTiles(t, b)
}

func TestAllocFailsWhenArenaFull(t *testing.T) {
	aligned := alignUp(headerSize + 64)
	b := New(aligned)
	ref, ok := b.Alloc(64)
	require.True(t, ok)
	b.SetID(ref, 1)

	_, ok = b.Alloc(64)
	require.False(t, ok, "arena with no free space must fail to allocate")
}

func TestLinkAndData(t *testing.T) {
	b := New(8192)
	head, ok := b.Alloc(10)
	require.True(t, ok)
	b.SetID(head, 3)
	copy(b.Payload(head), []byte("0123456789"))

	next, ok := b.Alloc(6)
	require.True(t, ok)
	b.Link(head, next)
	require.EqualValues(t, 3, b.ID(next))
	copy(b.Payload(next), []byte("abcdef"))

	// within the first block: contiguous pointer.
	p, n := b.Data(head, 5, 0)
	require.NotNil(t, p)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("01234"), p)

	// spanning both blocks: no contiguous pointer, shortfall reported.
	p, n = b.Data(head, 12, 0)
	require.Nil(t, p)
	require.Equal(t, 12, n)

	// requesting more than the whole chain holds: capped at total.
	p, n = b.Data(head, 100, 0)
	require.Nil(t, p)
	require.Equal(t, 16, n)
}

func TestCopyLinearizesSpanningChain(t *testing.T) {
	b := New(8192)
	head, ok := b.Alloc(10)
	require.True(t, ok)
	b.SetID(head, 3)
	copy(b.Payload(head), []byte("0123456789"))

	next, ok := b.Alloc(6)
	require.True(t, ok)
	b.Link(head, next)
	copy(b.Payload(next), []byte("abcdef"))

	temp, ok := b.Alloc(12)
	require.True(t, ok)
	out := b.Copy(head, 0, temp)
	require.Equal(t, []byte("0123456789ab"), out)
	require.EqualValues(t, 3, b.ID(temp))
}

func TestCopyLinearizationIdempotence(t *testing.T) {
	// If Data returns a contiguous pointer for a span, Copy over the same
	// span must produce identical bytes.
	b := New(8192)
	head, ok := b.Alloc(20)
	require.True(t, ok)
	b.SetID(head, 1)
	copy(b.Payload(head), []byte("abcdefghijklmnopqrst"))

	direct, n := b.Data(head, 8, 2)
	require.NotNil(t, direct)
	require.Equal(t, 8, n)

	temp, ok := b.Alloc(8)
	require.True(t, ok)
	linearized := b.Copy(head, 2, temp)
	require.Equal(t, direct, linearized)
}

func TestYieldAdvancesAndFrees(t *testing.T) {
	b := New(8192)
	head, ok := b.Alloc(10)
	require.True(t, ok)
	b.SetID(head, 1)

	next, ok := b.Alloc(6)
	require.True(t, ok)
	b.Link(head, next)

	chain := b.Yield(head, 10)
	require.Equal(t, next, chain)
	require.EqualValues(t, -1, b.ID(head), "fully consumed block must be freed")

	chain = b.Yield(chain, 6)
	require.Equal(t, NoRef, chain, "consuming the whole chain yields NoRef")
}

func TestYieldSteppingLaw(t *testing.T) {
	// yield(chain, a); yield(chain', b) == yield(chain, a+b).
	b1 := New(8192)
	h1, _ := b1.Alloc(20)
	b1.SetID(h1, 1)
	c1 := b1.Yield(h1, 7)
	c1 = b1.Yield(c1, 5)

	b2 := New(8192)
	h2, _ := b2.Alloc(20)
	b2.SetID(h2, 1)
	c2 := b2.Yield(h2, 12)

	require.Equal(t, c1, c2)
	require.Equal(t, b1.Payload(c1), b2.Payload(c2))
}

func TestCollectPicksNearestLiveToScanCursor(t *testing.T) {
	b := New(alignUp(headerSize+64) * 3)

	a, _ := b.Alloc(64)
	b.SetID(a, 1)
	bb, _ := b.Alloc(64)
	b.SetID(bb, 2)
	c, _ := b.Alloc(64)
	b.SetID(c, 3)

	id := b.Collect()
	require.EqualValues(t, 1, id, "collect reclaims the oldest chain by scan order")
	require.EqualValues(t, -1, b.ID(a))
	require.EqualValues(t, 2, b.ID(bb))
	require.EqualValues(t, 3, b.ID(c))
}

func TestArenaExactWrap(t *testing.T) {
	aligned := alignUp(headerSize + 100)
	b := New(aligned * 2)
	first, ok := b.Alloc(100)
	require.True(t, ok)
	require.EqualValues(t, aligned, b.head, "head should land exactly on the second block")
	b.SetID(first, 1)

	second, ok := b.Alloc(100)
	require.True(t, ok)
	require.EqualValues(t, 0, b.head, "head must wrap to 0 when usage meets the arena end exactly")
	b.SetID(second, 2)
}
