package txbuffer

import (
	"errors"
	"sync/atomic"
)

type poolStats struct {
	Reservations          atomic.Uint64
	Retransmissions       atomic.Uint64
	TransientReservations atomic.Uint64
	FailedExhausted       atomic.Uint64
	FailedCapacity        atomic.Uint64
	FailedAlreadyReserved atomic.Uint64
	Expirations           atomic.Uint64
	SlotRuns              atomic.Uint64
	PeakReserved          atomic.Int64
}

// Stats is a point-in-time copy of the pool counters.
type Stats struct {
	Capacity              int    `json:"capacity"`
	Free                  int    `json:"free"`
	Reserved              int    `json:"reserved"`
	PeakReserved          int    `json:"peak_reserved"`
	Reservations          uint64 `json:"reservations"`
	Retransmissions       uint64 `json:"retransmissions"`
	TransientReservations uint64 `json:"transient_reservations"`
	FailedExhausted       uint64 `json:"failed_exhausted"`
	FailedCapacity        uint64 `json:"failed_capacity"`
	FailedAlreadyReserved uint64 `json:"failed_already_reserved"`
	Expirations           uint64 `json:"expirations"`
	SlotRuns              uint64 `json:"slot_runs"`
	LastSlot              string `json:"last_slot,omitempty"`
}

func (s *poolStats) recordFailure(err error) {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		s.FailedExhausted.Add(1)
	case errors.Is(err, ErrInsufficientCapacity):
		s.FailedCapacity.Add(1)
	case errors.Is(err, ErrAlreadyReserved):
		s.FailedAlreadyReserved.Add(1)
	}
}

func (s *poolStats) observeReserved(n int) {
	for {
		peak := s.PeakReserved.Load()
		if int64(n) <= peak || s.PeakReserved.CompareAndSwap(peak, int64(n)) {
			return
		}
	}
}
