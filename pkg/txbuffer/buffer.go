package txbuffer

import (
	"sync/atomic"

	"gnb-go/pkg/slot"
)

type State uint8

const (
	StateFree State = iota
	StateReserved
)

func (s State) String() string {
	if s == StateReserved {
		return "reserved"
	}
	return "free"
}

// buffer is one codeblock storage unit. All fields except lease are only
// touched with the owning pool's lock held.
type buffer struct {
	index         int
	state         State
	id            Identifier
	expire        slot.Point
	nofCodeblocks int

	maxCodeblocks int
	codeblockSize int
	storage       []byte

	// lease changes on every reservation, expiry and handle release; a
	// Handle is live only while it holds the current lease.
	lease atomic.Uint64
}

func newBuffer(index, maxCodeblocks, codeblockSize int) *buffer {
	return &buffer{
		index:         index,
		maxCodeblocks: maxCodeblocks,
		codeblockSize: codeblockSize,
		storage:       make([]byte, maxCodeblocks*codeblockSize),
	}
}

// matches reports whether the buffer is reserved under exactly id. Transient
// reservations never match.
func (b *buffer) matches(id Identifier) bool {
	return b.state == StateReserved && !id.IsTransient() && b.id == id
}

// reserve binds the buffer to id until expire. A reserved buffer can only be
// rebound by the identifier it already holds.
func (b *buffer) reserve(id Identifier, expire slot.Point, nofCodeblocks int) Status {
	if nofCodeblocks < 0 || nofCodeblocks > b.maxCodeblocks {
		return StatusInsufficientCapacity
	}
	if b.state == StateReserved && b.id != id {
		return StatusAlreadyReserved
	}
	b.id = id
	b.expire = expire
	b.nofCodeblocks = nofCodeblocks
	b.state = StateReserved
	b.lease.Add(1)
	return StatusSuccessful
}

// runSlot returns false, and frees the buffer, once s reaches the expiry slot.
func (b *buffer) runSlot(s slot.Point) bool {
	if b.state != StateReserved {
		return false
	}
	if !s.AtOrAfter(b.expire) {
		return true
	}
	b.state = StateFree
	b.id = Identifier{}
	b.nofCodeblocks = 0
	b.lease.Add(1)
	return false
}

func (b *buffer) info() BufferInfo {
	bi := BufferInfo{
		Index:         b.index,
		State:         b.state.String(),
		NofCodeblocks: b.nofCodeblocks,
		Lease:         b.lease.Load(),
	}
	if b.state == StateReserved {
		id := b.id
		bi.ID = &id
		bi.Expire = b.expire.String()
	}
	return bi
}

// BufferInfo describes a buffer for management surfaces.
type BufferInfo struct {
	Index         int         `json:"index"`
	State         string      `json:"state"`
	ID            *Identifier `json:"id,omitempty"`
	Expire        string      `json:"expire,omitempty"`
	NofCodeblocks int         `json:"nof_codeblocks"`
	Lease         uint64      `json:"lease"`
}
