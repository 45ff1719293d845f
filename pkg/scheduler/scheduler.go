// Package scheduler generates downlink HARQ traffic against the transmit
// buffer pool. Its allocation policy is plain round-robin over every HARQ
// process of every configured endpoint.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"gnb-go/pkg/log"
	"gnb-go/pkg/slot"
	"gnb-go/pkg/txbuffer"

	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Config struct {
	Endpoints     []uint16 `mapstructure:"endpoints" toml:"endpoints" json:"endpoints"`
	HarqProcesses int      `mapstructure:"harq_processes" toml:"harq_processes" json:"harq_processes"`
	// TBSize is the transport block size in bytes.
	TBSize  int `mapstructure:"tb_size" toml:"tb_size" json:"tb_size"`
	MaxRetx int `mapstructure:"max_retx" toml:"max_retx" json:"max_retx"`
	// TransientPeriod schedules one broadcast TB every TransientPeriod
	// slots. Zero disables broadcast traffic.
	TransientPeriod int     `mapstructure:"transient_period" toml:"transient_period" json:"transient_period"`
	BLER            float64 `mapstructure:"bler" toml:"bler" json:"bler"`
}

func DefaultConfig() Config {
	return Config{
		Endpoints:       []uint16{0x4601, 0x4602, 0x4603, 0x4604},
		HarqProcesses:   16,
		TBSize:          4096,
		MaxRetx:         4,
		TransientPeriod: 20,
		BLER:            0.1,
	}
}

func (c Config) Validate() error {
	switch {
	case len(c.Endpoints) == 0:
		return fmt.Errorf("%w: no endpoints", ErrInvalidConfig)
	case c.HarqProcesses <= 0 || c.HarqProcesses > 256:
		return fmt.Errorf("%w: harq_processes must be in [1, 256], got %d", ErrInvalidConfig, c.HarqProcesses)
	case c.TBSize <= 0:
		return fmt.Errorf("%w: tb_size must be positive, got %d", ErrInvalidConfig, c.TBSize)
	case c.MaxRetx < 0:
		return fmt.Errorf("%w: max_retx must not be negative, got %d", ErrInvalidConfig, c.MaxRetx)
	case c.TransientPeriod < 0:
		return fmt.Errorf("%w: transient_period must not be negative, got %d", ErrInvalidConfig, c.TransientPeriod)
	case c.BLER < 0 || c.BLER > 1:
		return fmt.Errorf("%w: bler must be in [0, 1], got %v", ErrInvalidConfig, c.BLER)
	}
	for _, ep := range c.Endpoints {
		if ep == txbuffer.TransientID.Endpoint {
			return fmt.Errorf("%w: endpoint %#x is reserved for broadcast", ErrInvalidConfig, ep)
		}
	}
	return nil
}

// BufferPool is the part of *txbuffer.Pool the scheduler needs.
type BufferPool interface {
	Config() txbuffer.Config
	Reserve(s slot.Point, id txbuffer.Identifier, nofCodeblocks int) txbuffer.Handle
	ReserveTransient(s slot.Point, nofCodeblocks int) txbuffer.Handle
}

type harqProcess struct {
	id      txbuffer.Identifier
	pending bool // awaiting retransmission
	retx    int
	seq     uint32
}

// Stats counts scheduling decisions.
type Stats struct {
	NewTx     uint64 `json:"new_tx"`
	Retx      uint64 `json:"retx"`
	Transient uint64 `json:"transient"`
	Acked     uint64 `json:"acked"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
	// Expired counts pending TBs whose buffer expired before the
	// retransmission; each is also counted in Dropped.
	Expired uint64 `json:"expired"`
}

// Scheduler implements timing.SlotHandler.
type Scheduler struct {
	cfg           Config
	pool          BufferPool
	feedback      Feedback
	logger        zerolog.Logger
	nofCodeblocks int
	codeblockSize int

	mu    sync.Mutex
	procs []harqProcess
	next  int
	tb    []byte

	newTx, retx, transient, acked, skipped, dropped, expired atomic.Uint64
}

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithFeedback replaces the random feedback derived from Config.BLER.
func WithFeedback(f Feedback) Option {
	return func(s *Scheduler) { s.feedback = f }
}

func New(cfg Config, pool BufferPool, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg := pool.Config()
	ncb := (cfg.TBSize + pcfg.CodeblockSize - 1) / pcfg.CodeblockSize
	if ncb > pcfg.MaxCodeblocks {
		return nil, fmt.Errorf("%w: tb_size %d needs %d codeblocks, buffers hold %d",
			ErrInvalidConfig, cfg.TBSize, ncb, pcfg.MaxCodeblocks)
	}

	s := &Scheduler{
		cfg:           cfg,
		pool:          pool,
		logger:        zerolog.Nop(),
		nofCodeblocks: ncb,
		codeblockSize: pcfg.CodeblockSize,
		tb:            make([]byte, cfg.TBSize),
	}
	for _, ep := range cfg.Endpoints {
		for h := 0; h < cfg.HarqProcesses; h++ {
			s.procs = append(s.procs, harqProcess{id: txbuffer.Identifier{Endpoint: ep, HarqID: uint8(h)}})
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feedback == nil {
		s.feedback = NewRandomFeedback(cfg.BLER, 0)
	}
	if revisit := len(s.procs); cfg.MaxRetx > 0 && revisit >= pcfg.ExpireTimeoutSlots {
		s.logger.Warn().
			Int("revisit_slots", revisit).
			Int("expire_timeout_slots", pcfg.ExpireTimeoutSlots).
			Msg("HARQ buffers expire before the round-robin returns, retransmissions will be dropped")
	}
	return s, nil
}

// NofCodeblocks is the number of codeblocks one transport block occupies.
func (s *Scheduler) NofCodeblocks() int { return s.nofCodeblocks }

// HandleSlot schedules the broadcast TB when due, then one HARQ transmission.
func (s *Scheduler) HandleSlot(sl slot.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.TransientPeriod > 0 && sl.Count()%uint32(s.cfg.TransientPeriod) == 0 {
		s.scheduleTransient(sl)
	}

	p := &s.procs[s.next]
	s.next = (s.next + 1) % len(s.procs)
	s.scheduleHarq(sl, p)
}

func (s *Scheduler) scheduleTransient(sl slot.Point) {
	h := s.pool.ReserveTransient(sl, s.nofCodeblocks)
	if !h.Valid() {
		s.skipped.Add(1)
		return
	}
	s.fillTB(sl.Count())
	s.encode(h)
	h.Release()
	s.transient.Add(1)
}

func (s *Scheduler) scheduleHarq(sl slot.Point, p *harqProcess) {
	h := s.pool.Reserve(sl, p.id, s.nofCodeblocks)
	if !h.Valid() {
		// Retried when the round-robin comes back to this process.
		s.skipped.Add(1)
		return
	}

	if p.pending && !h.Reused() {
		// The buffer of the previous attempt expired and h is a fresh one
		// holding someone else's codeblocks.
		l := log.WithSlot(s.logger, sl)
		l.Debug().
			Stringer("harq", p.id).
			Int("retx", p.retx).
			Msg("HARQ buffer expired before retransmission, dropping TB")
		p.pending, p.retx = false, 0
		s.expired.Add(1)
		s.dropped.Add(1)
	}

	if p.pending {
		// Codeblocks from the previous attempt are still in the buffer.
		p.retx++
		s.retx.Add(1)
	} else {
		p.seq++
		s.fillTB(p.seq<<16 | uint32(p.id.Endpoint)<<8 | uint32(p.id.HarqID))
		s.encode(h)
		s.newTx.Add(1)
	}
	h.Release()

	if s.feedback.Ack(p.id, sl) {
		p.pending, p.retx = false, 0
		s.acked.Add(1)
		return
	}
	if p.retx >= s.cfg.MaxRetx {
		l := log.WithSlot(s.logger, sl)
		l.Debug().
			Stringer("harq", p.id).
			Int("retx", p.retx).
			Msg("max retransmissions reached, dropping TB")
		p.pending, p.retx = false, 0
		s.dropped.Add(1)
		return
	}
	p.pending = true
}

// fillTB writes a recognizable payload for the next transport block.
func (s *Scheduler) fillTB(seed uint32) {
	for i := range s.tb {
		s.tb[i] = byte(seed>>(8*(i%4))) ^ byte(i)
	}
}

// encode segments the TB into the handle's codeblocks, zero padding the
// last one.
func (s *Scheduler) encode(h txbuffer.Handle) {
	for i := 0; i < h.NofCodeblocks(); i++ {
		cb := h.Codeblock(i)
		n := 0
		if off := i * s.codeblockSize; off < len(s.tb) {
			n = copy(cb, s.tb[off:])
		}
		clear(cb[n:])
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		NewTx:     s.newTx.Load(),
		Retx:      s.retx.Load(),
		Transient: s.transient.Load(),
		Acked:     s.acked.Load(),
		Skipped:   s.skipped.Load(),
		Dropped:   s.dropped.Load(),
		Expired:   s.expired.Load(),
	}
}
