// Package txbuffer manages the downlink transmit buffers that hold encoded
// codeblocks while a HARQ process may still retransmit them.
//
// A Pool owns a fixed set of buffers split between a free and a reserved
// queue. Schedulers reserve a buffer per transport block; the slot timing
// driver calls RunSlot once per slot to return expired buffers to the free
// queue. Reservations never wait for capacity: a failed reservation returns
// an invalid Handle and is logged.
package txbuffer

import (
	"fmt"
	"sync"

	"gnb-go/pkg/slot"

	"github.com/eapache/queue"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Pool is safe for concurrent use. Free buffers are handed out in FIFO
// order: the buffer that expired first is reused first.
type Pool struct {
	mu       sync.Mutex
	buffers  []*buffer
	free     *queue.Queue // of int
	reserved *queue.Queue // of int
	lastSlot slot.Point
	ranSlot  bool

	cfg     Config
	logger  zerolog.Logger
	stats   poolStats
	encoder *zstd.Encoder
}

type Option func(*Pool)

// WithLogger sets the logger used to report failed reservations.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool allocates every buffer up front; the pool never grows.
func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("txbuffer: failed to initialize dump encoder: %w", err)
	}
	p := &Pool{
		buffers:  make([]*buffer, cfg.NofBuffers),
		free:     queue.New(),
		reserved: queue.New(),
		cfg:      cfg,
		logger:   zerolog.Nop(),
		encoder:  enc,
	}
	for i := range p.buffers {
		p.buffers[i] = newBuffer(i, cfg.MaxCodeblocks, cfg.CodeblockSize)
		p.free.Add(i)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) Config() Config { return p.cfg }

// Reserve obtains the buffer for HARQ process id. If id already holds a
// reserved buffer that buffer is reused and its expiry pushed to
// s + ExpireTimeoutSlots, keeping previously stored codeblocks. Otherwise a
// free buffer is taken. The transient identifier behaves like
// ReserveTransient.
func (p *Pool) Reserve(s slot.Point, id Identifier, nofCodeblocks int) Handle {
	if id.IsTransient() {
		return p.ReserveTransient(s, nofCodeblocks)
	}
	p.mu.Lock()
	h, err := p.reserveLocked(id, s.Add(p.cfg.ExpireTimeoutSlots), nofCodeblocks)
	p.mu.Unlock()

	if err != nil {
		p.reportFailure(s, id, err)
		return Handle{}
	}
	return h
}

// ReserveTransient obtains a buffer for a transmission that is never
// retransmitted. It expires at the next slot.
func (p *Pool) ReserveTransient(s slot.Point, nofCodeblocks int) Handle {
	p.mu.Lock()
	h, err := p.reserveFreeLocked(TransientID, s.Add(1), nofCodeblocks)
	p.mu.Unlock()

	if err != nil {
		p.reportFailure(s, TransientID, err)
		return Handle{}
	}
	p.stats.TransientReservations.Add(1)
	return h
}

func (p *Pool) reserveLocked(id Identifier, expire slot.Point, nofCodeblocks int) (Handle, error) {
	for i, n := 0, p.reserved.Length(); i < n; i++ {
		b := p.buffers[p.reserved.Get(i).(int)]
		if !b.matches(id) {
			continue
		}
		if st := b.reserve(id, expire, nofCodeblocks); st != StatusSuccessful {
			return Handle{}, st.Err()
		}
		p.stats.Retransmissions.Add(1)
		h := newHandle(b)
		h.reused = true
		return h, nil
	}
	return p.reserveFreeLocked(id, expire, nofCodeblocks)
}

func (p *Pool) reserveFreeLocked(id Identifier, expire slot.Point, nofCodeblocks int) (Handle, error) {
	if p.free.Length() == 0 {
		return Handle{}, ErrPoolExhausted
	}
	idx := p.free.Peek().(int)
	b := p.buffers[idx]
	if st := b.reserve(id, expire, nofCodeblocks); st != StatusSuccessful {
		return Handle{}, st.Err()
	}
	p.free.Remove()
	p.reserved.Add(idx)
	p.stats.Reservations.Add(1)
	p.stats.observeReserved(p.reserved.Length())
	return newHandle(b), nil
}

// reportFailure runs outside the pool lock.
func (p *Pool) reportFailure(s slot.Point, id Identifier, err error) {
	p.stats.recordFailure(err)
	p.logger.Warn().
		Uint32("sfn", s.SFN()).
		Uint32("slot", s.Index()).
		Stringer("harq", id).
		Err(err).
		Msgf("DL HARQ %s: failed to reserve, %v.", id, err)
}

// RunSlot expires every reserved buffer whose expiry slot is at or before s.
// Each buffer reserved when the call starts is visited exactly once.
func (p *Pool) RunSlot(s slot.Point) {
	p.mu.Lock()
	expired := 0
	for i, n := 0, p.reserved.Length(); i < n; i++ {
		idx := p.reserved.Remove().(int)
		if p.buffers[idx].runSlot(s) {
			p.reserved.Add(idx)
			continue
		}
		p.free.Add(idx)
		expired++
	}
	p.lastSlot = s
	p.ranSlot = true
	p.mu.Unlock()

	p.stats.SlotRuns.Add(1)
	if expired > 0 {
		p.stats.Expirations.Add(uint64(expired))
		p.logger.Debug().
			Uint32("sfn", s.SFN()).
			Uint32("slot", s.Index()).
			Int("expired", expired).
			Msg("tx buffers expired")
	}
}

// Stats returns the counters together with the current partition sizes.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	free, reserved := p.free.Length(), p.reserved.Length()
	var last string
	if p.ranSlot {
		last = p.lastSlot.String()
	}
	p.mu.Unlock()

	return Stats{
		Capacity:              len(p.buffers),
		Free:                  free,
		Reserved:              reserved,
		PeakReserved:          int(p.stats.PeakReserved.Load()),
		Reservations:          p.stats.Reservations.Load(),
		Retransmissions:       p.stats.Retransmissions.Load(),
		TransientReservations: p.stats.TransientReservations.Load(),
		FailedExhausted:       p.stats.FailedExhausted.Load(),
		FailedCapacity:        p.stats.FailedCapacity.Load(),
		FailedAlreadyReserved: p.stats.FailedAlreadyReserved.Load(),
		Expirations:           p.stats.Expirations.Load(),
		SlotRuns:              p.stats.SlotRuns.Load(),
		LastSlot:              last,
	}
}

// Snapshot describes every buffer, ordered by index.
func (p *Pool) Snapshot() []BufferInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BufferInfo, len(p.buffers))
	for i, b := range p.buffers {
		out[i] = b.info()
	}
	return out
}

// Close releases the dump encoder. The pool must not be used afterwards.
func (p *Pool) Close() error {
	return p.encoder.Close()
}
