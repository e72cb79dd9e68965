// Package socktable implements a fixed-size table of connection slots with
// an intrusive, in-place free list.
//
// Each Slot tracks one TCP connection's file descriptor, the ring buffer
// chain holding its unread bytes, an optional linearization block, and a
// read-state. Free slots are threaded into a singly-linked list through
// the FD field itself, so the table never allocates beyond its initial
// fixed-size backing array.
package socktable

import "github.com/nullstreamio/readmux/ring"

// State is the lifecycle state of a connection slot.
type State int

const (
	// Invalid marks a slot on the free list.
	Invalid State = iota
	// Closed marks a remote close or protocol error; buffered data may
	// still remain and must be drained before the slot is reusable.
	Closed
	// Suspend marks a live slot with no known readable bytes in the
	// kernel, though buffered bytes may still exist.
	Suspend
	// Read marks a live slot whose last recv returned the full requested
	// amount; more data may exist without a further readiness signal.
	Read
	// PollIn marks a live slot the kernel has signalled readable, with no
	// recv attempted since that signal.
	PollIn
)

// String renders State for logging and test failure messages.
func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Closed:
		return "closed"
	case Suspend:
		return "suspend"
	case Read:
		return "read"
	case PollIn:
		return "pollin"
	default:
		return "unknown"
	}
}

// noFree is the free-list terminator, stored in the last free slot's FD.
const noFree = -1

// Slot is one connection's tracked state.
//
// FD doubles as the next-free index while the slot is on the free list; it
// only holds a real file descriptor while Status != Invalid.
type Slot struct {
	FD     int
	Node   ring.Ref
	Temp   ring.Ref
	Status State
}

// Table is a fixed-size array of slots with an intrusive free list.
type Table struct {
	slots    []Slot
	freeHead int
}

// New allocates a Table with max slots, all initially free.
func New(max int) *Table {
	if max <= 0 {
		panic("socktable: max must be positive")
	}
	slots := make([]Slot, max)
	for i := range slots {
		slots[i] = Slot{FD: i + 1, Node: ring.NoRef, Temp: ring.NoRef, Status: Invalid}
	}
	slots[max-1].FD = noFree
	return &Table{slots: slots, freeHead: 0}
}

// Len returns the table's fixed slot count.
func (t *Table) Len() int { return len(t.slots) }

// Slot returns a pointer to the slot at index, for in-place mutation by the
// caller's state machine.
func (t *Table) Slot(index int) *Slot { return &t.slots[index] }

// Alloc pops the head of the free list, returning its index. Reports false
// if the table has no free slots.
func (t *Table) Alloc() (int, bool) {
	if t.freeHead == noFree {
		return 0, false
	}
	index := t.freeHead
	t.freeHead = t.slots[index].FD
	return index, true
}

// Release pushes index back onto the head of the free list. The caller must
// have already reset the slot's Status to Invalid and cleared Node/Temp.
func (t *Table) Release(index int) {
	t.slots[index].FD = t.freeHead
	t.freeHead = index
}

// FreeCount walks the free list and counts its length. It exists to
// support the table's invariant check in tests; production code has no
// need to call it on a hot path.
func (t *Table) FreeCount() int {
	n := 0
	for cur := t.freeHead; cur != noFree; cur = t.slots[cur].FD {
		n++
	}
	return n
}
