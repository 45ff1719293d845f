// Package timing drives slot-synchronous processing: it ticks once per NR
// slot and hands every slot to the registered handlers in order.
package timing

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gnb-go/pkg/slot"

	"github.com/rs/zerolog"
)

// SlotHandler processes one slot. Handlers run on the driver goroutine and
// must not block.
type SlotHandler interface {
	HandleSlot(s slot.Point)
}

type SlotHandlerFunc func(s slot.Point)

func (f SlotHandlerFunc) HandleSlot(s slot.Point) { f(s) }

type Config struct {
	Numerology uint8 `mapstructure:"numerology" toml:"numerology"`
	// CPU pins the driver thread when >= 0.
	CPU int `mapstructure:"cpu" toml:"cpu"`
}

type namedHandler struct {
	name string
	h    SlotHandler
}

// Driver dispatches slots. Handlers registered first run first, so a
// scheduler registered before the buffer pool sees slot N before the pool
// expires buffers for slot N.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	handlers []namedHandler
	current  slot.Point
	started  bool
	maxJump  int

	dispatched atomic.Uint64
	overruns   atomic.Uint64
}

type Option func(*Driver)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithStart sets the slot preceding the first dispatched slot.
func WithStart(s slot.Point) Option {
	return func(d *Driver) { d.current = s }
}

func New(cfg Config, opts ...Option) (*Driver, error) {
	start, err := slot.FromCount(cfg.Numerology, 0)
	if err != nil {
		return nil, fmt.Errorf("timing: %w", err)
	}
	d := &Driver{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		current: start,
		maxJump: slot.Window(cfg.Numerology)/2 - 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.current.Numerology() != cfg.Numerology {
		return nil, fmt.Errorf("timing: start slot numerology %d does not match %d", d.current.Numerology(), cfg.Numerology)
	}
	return d, nil
}

// Register appends h to the dispatch order.
func (d *Driver) Register(name string, h SlotHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, namedHandler{name: name, h: h})
	d.logger.Debug().Str("handler", name).Int("position", len(d.handlers)).Msg("slot handler registered")
}

// Current returns the last dispatched slot.
func (d *Driver) Current() slot.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Driver) Dispatched() uint64 { return d.dispatched.Load() }

// Overruns counts slots skipped because processing fell behind real time.
func (d *Driver) Overruns() uint64 { return d.overruns.Load() }

// Step advances by exactly one slot and dispatches it. It must not be mixed
// with a running Run loop.
func (d *Driver) Step() slot.Point {
	return d.advance(1)
}

func (d *Driver) advance(n int) slot.Point {
	d.mu.Lock()
	d.current = d.current.Add(n)
	s := d.current
	handlers := d.handlers
	d.mu.Unlock()

	for _, nh := range handlers {
		nh.h.HandleSlot(s)
	}
	d.dispatched.Add(1)
	return s
}

// Run ticks in real time until ctx is done. When processing falls behind,
// the missed slots are skipped and counted; consumers only ever see
// increasing slots.
func (d *Driver) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("timing: driver already running")
	}
	d.started = true
	period := d.current.Duration()
	d.mu.Unlock()

	if d.cfg.CPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinCurrentThread(d.cfg.CPU); err != nil {
			return fmt.Errorf("timing: failed to pin slot thread to cpu %d: %w", d.cfg.CPU, err)
		}
		d.logger.Info().Int("cpu", d.cfg.CPU).Msg("slot thread pinned")
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	var elapsed int64
	d.logger.Info().Dur("period", period).Str("start", d.Current().String()).Msg("slot timing started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Uint64("dispatched", d.Dispatched()).Uint64("overruns", d.Overruns()).Msg("slot timing stopped")
			return nil
		case now := <-ticker.C:
			target := int64(now.Sub(start) / period)
			gap := target - elapsed
			if gap <= 0 {
				continue
			}
			if gap > 1 {
				d.overruns.Add(uint64(gap - 1))
				d.logger.Debug().Int64("missed", gap-1).Msg("slot overrun")
			}
			elapsed = target
			d.catchUp(gap)
		}
	}
}

// catchUp moves the current slot gap slots ahead. Jumps are split so that
// consecutive dispatched slots stay less than half an SFN cycle apart, which
// keeps wrap-aware expiry comparisons in handlers ordered.
func (d *Driver) catchUp(gap int64) {
	for gap > 0 {
		n := min(gap, int64(d.maxJump))
		d.advance(int(n))
		gap -= n
	}
}
