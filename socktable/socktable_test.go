package socktable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// invariant checks spec.md §8 invariant 3: free-list length plus the count
// of non-Invalid slots always equals the table's fixed size.
func invariant(t *testing.T, tbl *Table) {
	t.Helper()
	live := 0
	for i := 0; i < tbl.Len(); i++ {
		if tbl.Slot(i).Status != Invalid {
			live++
		}
	}
	require.Equal(t, tbl.Len(), tbl.FreeCount()+live)
}

func TestNewAllFree(t *testing.T) {
	tbl := New(4)
	invariant(t, tbl)
	require.Equal(t, 4, tbl.FreeCount())
}

func TestAllocReleaseCycle(t *testing.T) {
	tbl := New(3)

	a, ok := tbl.Alloc()
	require.True(t, ok)
	tbl.Slot(a).Status = Suspend
	tbl.Slot(a).FD = 10
	invariant(t, tbl)

	b, ok := tbl.Alloc()
	require.True(t, ok)
	tbl.Slot(b).Status = Suspend
	tbl.Slot(b).FD = 11
	invariant(t, tbl)

	c, ok := tbl.Alloc()
	require.True(t, ok)
	tbl.Slot(c).Status = Suspend
	tbl.Slot(c).FD = 12
	invariant(t, tbl)

	_, ok = tbl.Alloc()
	require.False(t, ok, "table is exhausted")

	tbl.Slot(b).Status = Invalid
	tbl.Release(b)
	invariant(t, tbl)

	reused, ok := tbl.Alloc()
	require.True(t, ok)
	require.Equal(t, b, reused, "freed slot index must reappear at the head of the free list")
}

func TestFreeListCycleManyIterations(t *testing.T) {
	tbl := New(8)
	for i := 0; i < 1000; i++ {
		idx, ok := tbl.Alloc()
		require.True(t, ok)
		tbl.Slot(idx).Status = Suspend
		tbl.Slot(idx).FD = 100 + idx
		invariant(t, tbl)

		tbl.Slot(idx).Status = Invalid
		tbl.Slot(idx).FD = 0
		tbl.Release(idx)
		invariant(t, tbl)
	}
	require.Equal(t, 8, tbl.FreeCount())
}
