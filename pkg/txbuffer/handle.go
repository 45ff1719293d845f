package txbuffer

// Handle grants exclusive access to one reserved buffer. The zero Handle is
// invalid and is what a failed reservation returns.
//
// A Handle stops being live when it is released, when the same HARQ process
// reserves the buffer again, or when the buffer expires. Releasing a Handle
// never returns the buffer to the pool; only slot expiry does.
type Handle struct {
	b             *buffer
	lease         uint64
	id            Identifier
	nofCodeblocks int
	reused        bool
}

func newHandle(b *buffer) Handle {
	return Handle{
		b:             b,
		lease:         b.lease.Load(),
		id:            b.id,
		nofCodeblocks: b.nofCodeblocks,
	}
}

// Valid reports whether the handle still refers to a live reservation.
func (h Handle) Valid() bool {
	return h.b != nil && h.b.lease.Load() == h.lease
}

// Reused reports whether the reservation renewed a buffer already reserved
// for the same identifier, so codeblocks stored by the previous attempt are
// still there. It is false when a free buffer was taken.
func (h Handle) Reused() bool { return h.reused }

// ID returns the identifier the reservation was made with.
func (h Handle) ID() Identifier { return h.id }

// Index returns the pool index of the buffer, or -1 for an invalid handle.
func (h Handle) Index() int {
	if h.b == nil {
		return -1
	}
	return h.b.index
}

func (h Handle) NofCodeblocks() int {
	if !h.Valid() {
		return 0
	}
	return h.nofCodeblocks
}

func (h Handle) CodeblockSize() int {
	if h.b == nil {
		return 0
	}
	return h.b.codeblockSize
}

// Codeblock returns the storage of codeblock i, or nil if the handle is no
// longer live or i is out of range.
func (h Handle) Codeblock(i int) []byte {
	if !h.Valid() || i < 0 || i >= h.nofCodeblocks {
		return nil
	}
	sz := h.b.codeblockSize
	return h.b.storage[i*sz : (i+1)*sz : (i+1)*sz]
}

// Bytes returns the storage of all reserved codeblocks as one slice.
func (h Handle) Bytes() []byte {
	if !h.Valid() {
		return nil
	}
	n := h.nofCodeblocks * h.b.codeblockSize
	return h.b.storage[:n:n]
}

// Release gives up access. The buffer stays reserved until it expires or is
// reserved again by its HARQ process. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.b != nil {
		h.b.lease.CompareAndSwap(h.lease, h.lease+1)
	}
	*h = Handle{}
}
