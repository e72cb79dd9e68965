package readmux

import (
	"fmt"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
	"golang.org/x/sys/unix"

	"github.com/nullstreamio/readmux/ioready"
	"github.com/nullstreamio/readmux/ring"
	"github.com/nullstreamio/readmux/socktable"
)

const (
	// Backlog is the listen() backlog passed to the kernel.
	Backlog = 32
	// ReadBlockSize is the minimum chunk size requested from a single
	// non-blocking recv call; a larger shortfall is requested whole.
	ReadBlockSize = 2048
	// DefaultBufferSize is used when Create is called with bufferSize == 0.
	DefaultBufferSize = 1024 * 1024
)

// Multiplexer is the top-level connection multiplexer: one listening
// socket, one Poller, one fixed socktable.Table, and one ring.Buffer
// shared by every connection's buffered bytes.
type Multiplexer struct {
	listenFD int
	poller   ioready.Poller
	table    *socktable.Table
	rb       *ring.Buffer
	log      *logiface.Logger[*islog.Event]

	closedCount int
	active      int
	skip        int
}

// Create stands up a non-blocking, SO_REUSEADDR listening socket on port,
// binds it to INADDR_ANY, registers it with a freshly constructed Poller,
// and allocates a maxConnections-slot socktable.Table plus a ring.Buffer
// sized from bufferSize (0 selects DefaultBufferSize; any value is rounded
// up to word alignment, and a value below 2*ReadBlockSize is raised to it).
func Create(port uint16, maxConnections int, bufferSize int, opts ...Option) (*Multiplexer, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrListen, err)
	}

	poller, err := ioready.New()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrPoller, err)
	}
	if err := poller.Register(fd, ioready.ListenTarget); err != nil {
		poller.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrPoller, err)
	}

	m := &Multiplexer{
		listenFD: fd,
		poller:   poller,
		table:    socktable.New(maxConnections),
		rb:       ring.New(normalizeBufferSize(bufferSize)),
		log:      cfg.logger,
		active:   -1,
	}
	m.logInfo().Int("port", int(port)).Int("max_connections", maxConnections).Log("readmux: listening")
	return m, nil
}

func normalizeBufferSize(size int) int {
	if size == 0 {
		size = DefaultBufferSize
	}
	size = ring.Align(size)
	if min := 2 * ReadBlockSize; size < min {
		size = min
	}
	return size
}

// Close closes every live connection's fd, the listening socket, and the
// poller.
func (m *Multiplexer) Close() error {
	for i := 0; i < m.table.Len(); i++ {
		s := m.table.Slot(i)
		if s.Status != socktable.Invalid {
			unix.Close(s.FD)
		}
	}
	unix.Close(m.listenFD)
	m.logInfo().Log("readmux: closed")
	return m.poller.Close()
}

// Socket returns the file descriptor backing the connection at index, for
// logging purposes only.
func (m *Multiplexer) Socket(index int) int {
	return m.table.Slot(index).FD
}

// Port returns the listening socket's bound local port. It exists so
// callers (tests, primarily) can pass port 0 to Create and discover the
// kernel-assigned ephemeral port afterward.
func (m *Multiplexer) Port() (uint16, error) {
	sa, err := unix.Getsockname(m.listenFD)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("readmux: unexpected listening sockaddr type %T", sa)
	}
	return uint16(in4.Port), nil
}

// Poll drains one pending connection event, or blocks in the kernel wait
// call up to timeoutMs milliseconds to obtain one. It returns the index of
// a connection requiring consumer attention, or -1 if none is available
// within the timeout.
func (m *Multiplexer) Poll(timeoutMs int) (int, error) {
	m.skip = 0

	if m.active >= 0 {
		if s := m.table.Slot(m.active); s.Status == socktable.Read {
			return m.active, nil
		}
	}

	if m.closedCount > 0 {
		return m.reportClosed(), nil
	}

	waited := false
	for {
		target, ok := m.poller.Next()
		if !ok {
			if waited {
				m.active = -1
				return -1, nil
			}
			waited = true
			n, err := m.poller.Wait(timeoutMs)
			if err != nil || n == 0 {
				m.active = -1
				return -1, nil
			}
			continue
		}

		if target.Listen {
			m.acceptOne()
			continue
		}

		index := target.Index
		if index < 0 || index >= m.table.Len() {
			panic("readmux: poller reported an out-of-range slot index")
		}
		m.active = index
		m.table.Slot(index).Status = socktable.PollIn
		return index, nil
	}
}

func (m *Multiplexer) reportClosed() int {
	for i := 0; i < m.table.Len(); i++ {
		if m.table.Slot(i).Status == socktable.Closed {
			m.active = i
			return i
		}
	}
	panic("readmux: closedCount > 0 but no slot is in the Closed state")
}

func (m *Multiplexer) acceptOne() {
	fd, _, err := unix.Accept(m.listenFD)
	if err != nil {
		return
	}
	m.logDebug().Int("fd", fd).Log("readmux: accepted connection")

	index, ok := m.table.Alloc()
	if !ok {
		m.logWarn().Int("fd", fd).Log("readmux: slot table exhausted, rejecting connection")
		unix.Close(fd)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		m.table.Release(index)
		return
	}
	if err := m.poller.Register(fd, ioready.Target{Index: index}); err != nil {
		unix.Close(fd)
		m.table.Release(index)
		return
	}

	s := m.table.Slot(index)
	s.FD = fd
	s.Node = ring.NoRef
	s.Temp = ring.NoRef
	s.Status = socktable.Suspend
}

// Pull borrows n contiguous bytes from the active connection (the one
// returned by the most recent Poll), advancing an internal cursor but not
// yet releasing the underlying buffer space; call Yield to commit. It
// returns ErrNotActive if no connection is active.
//
// The returned slice is valid only until the next Pull or Yield call on
// this Multiplexer.
func (m *Multiplexer) Pull(n int) ([]byte, error) {
	if m.active < 0 {
		return nil, ErrNotActive
	}
	id := m.active
	s := m.table.Slot(id)

	rdSize := 0
	if s.Node != ring.NoRef {
		data, avail := m.rb.Data(s.Node, n, m.skip)
		if data != nil {
			m.skip += n
			return data, nil
		}
		rdSize = avail
	}
	return m.tryPull(id, s, n, rdSize), nil
}

// tryPull implements the kernel-read/linearize path of Pull, once a direct
// ring.Data lookup has failed to satisfy the request from already-buffered
// bytes.
func (m *Multiplexer) tryPull(id int, s *socktable.Slot, n, rdSize int) []byte {
	switch s.Status {
	case socktable.Read:
		s.Status = socktable.Suspend
		return nil
	case socktable.Closed, socktable.Suspend:
		return nil
	case socktable.PollIn:
	default:
		panic("readmux: pull on slot in unexpected state")
	}

	sz := n - rdSize
	rd := ReadBlockSize
	if rd < sz {
		rd = sz
	}

	blk, ok := m.allocWithReclaim(id, rd)
	if !ok {
		return nil
	}

	if !m.recvInto(id, s, blk, rd, sz) {
		return nil
	}

	m.linkNode(id, s, blk)

	if data, _ := m.rb.Data(s.Node, n, m.skip); data != nil {
		m.skip += n
		return data
	}

	temp, ok := m.allocWithReclaim(id, n)
	if !ok {
		return nil
	}
	m.rb.SetID(temp, int32(id))
	if s.Temp != ring.NoRef {
		m.rb.Link(temp, s.Temp)
	}
	s.Temp = temp
	ret := m.rb.Copy(s.Node, m.skip, temp)
	m.skip += n
	return ret
}

// allocWithReclaim allocates size bytes from the ring buffer, forcing
// Collect-driven reclamation of oldest chains as needed. It reports false
// once reclamation has closed the connection making the request.
func (m *Multiplexer) allocWithReclaim(id, size int) (ring.Ref, bool) {
	blk, ok := m.rb.Alloc(size)
	for !ok {
		collected := m.rb.Collect()
		m.logWarn().Int("id", int(collected)).Log("readmux: memory pressure, reclaiming oldest connection")
		m.CloseClient(int(collected))
		if int(collected) == id {
			return ring.NoRef, false
		}
		blk, ok = m.rb.Alloc(size)
	}
	return blk, true
}

// recvInto issues one non-blocking recv of up to rd bytes into blk's
// payload, retrying only on EINTR. A read shorter than sz is linked into
// the chain and suspends the slot; a zero-byte read or an error closes the
// connection; a would-block result suspends the slot. It reports true only
// when the read delivered at least sz bytes and the caller should continue
// assembling the Pull response from blk.
func (m *Multiplexer) recvInto(id int, s *socktable.Slot, blk ring.Ref, rd, sz int) bool {
	payload := m.rb.Payload(blk)
	for {
		n, err := unix.Read(s.FD, payload[:rd])
		switch {
		case err == unix.EINTR:
			continue
		case n > 0:
			m.rb.Shrink(blk, n)
			if n < sz {
				m.linkNode(id, s, blk)
				s.Status = socktable.Suspend
				return false
			}
			s.Status = socktable.Read
			return true
		case n == 0 && err == nil:
			m.rb.Shrink(blk, 0)
			m.closeActive()
			return false
		case err == unix.EWOULDBLOCK || err == unix.EAGAIN:
			m.rb.Shrink(blk, 0)
			s.Status = socktable.Suspend
			return false
		default:
			m.rb.Shrink(blk, 0)
			m.closeActive()
			return false
		}
	}
}

func (m *Multiplexer) linkNode(id int, s *socktable.Slot, blk ring.Ref) {
	if s.Node != ring.NoRef {
		m.rb.Link(s.Node, blk)
	} else {
		m.rb.SetID(blk, int32(id))
		s.Node = blk
	}
}

// Yield commits the bytes vended by the current Pull sequence: it frees
// any linearization blocks, advances the connection's chain by the
// committed byte count, and recycles a fully-drained Closed slot back to
// the free list.
func (m *Multiplexer) Yield() {
	if m.active < 0 {
		return
	}
	id := m.active
	s := m.table.Slot(id)

	m.rb.Free(s.Temp)
	s.Temp = ring.NoRef

	if s.Status == socktable.Closed && s.Node == ring.NoRef {
		m.closedCount--
		s.Status = socktable.Invalid
		m.table.Release(id)
		m.skip = 0
		m.active = -1
		return
	}

	if s.Node != ring.NoRef {
		s.Node = m.rb.Yield(s.Node, m.skip)
	}
	m.skip = 0
	if s.Node == ring.NoRef {
		m.active = -1
	}
}

// Closed reports whether the active connection is a drained Closed slot
// (peer gone, all buffered bytes already consumed). If so, it also
// performs the pending Yield, recycling the slot.
func (m *Multiplexer) Closed() bool {
	if m.active < 0 {
		return false
	}
	s := m.table.Slot(m.active)
	if s.Status == socktable.Closed && s.Node == ring.NoRef {
		m.Yield()
		return true
	}
	return false
}

// CloseClient marks the connection at index Closed, detaches (without
// freeing) its chains, closes its fd, and unregisters it from the poller.
// Its ring-buffer chains remain live, stamped with index as their owning
// id, until closeActive explicitly frees them or a future Collect sweep
// reclaims them by id. The consumer may call this directly, e.g. in
// response to an application-level protocol violation.
func (m *Multiplexer) CloseClient(index int) {
	s := m.table.Slot(index)
	s.Status = socktable.Closed
	s.Node = ring.NoRef
	s.Temp = ring.NoRef
	unix.Close(s.FD)
	m.poller.Unregister(s.FD)
	m.closedCount++
	m.logInfo().Int("id", index).Log("readmux: connection closed")
}

// closeActive frees the active slot's chains explicitly (they have not
// been reclaimed by Collect) before closing it.
func (m *Multiplexer) closeActive() {
	id := m.active
	s := m.table.Slot(id)
	m.rb.Free(s.Temp)
	m.rb.Free(s.Node)
	m.CloseClient(id)
}
