package scheduler

import (
	"bytes"
	"errors"
	"testing"

	"gnb-go/pkg/slot"
	"gnb-go/pkg/txbuffer"

	"github.com/rs/zerolog"
)

func newPool(t *testing.T, nofBuffers int) *txbuffer.Pool {
	t.Helper()
	return newExpiringPool(t, nofBuffers, 10)
}

func newExpiringPool(t *testing.T, nofBuffers, expire int) *txbuffer.Pool {
	t.Helper()
	p, err := txbuffer.NewPool(txbuffer.Config{
		NofBuffers:         nofBuffers,
		MaxCodeblocks:      4,
		CodeblockSize:      8,
		ExpireTimeoutSlots: expire,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func testConfig() Config {
	return Config{
		Endpoints:     []uint16{0x4601},
		HarqProcesses: 2,
		TBSize:        20,
		MaxRetx:       2,
	}
}

func always(ack bool) Feedback {
	return FeedbackFunc(func(txbuffer.Identifier, slot.Point) bool { return ack })
}

func run(sch *Scheduler, pool *txbuffer.Pool, from, to uint32) {
	for c := from; c <= to; c++ {
		s, _ := slot.FromCount(0, c)
		sch.HandleSlot(s)
		pool.RunSlot(s)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	pool := newPool(t, 4)

	cfg := testConfig()
	cfg.TBSize = 33 // 5 codeblocks of 8 bytes
	if _, err := New(cfg, pool); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for oversized TB, got %v", err)
	}

	cfg = testConfig()
	cfg.Endpoints = []uint16{txbuffer.TransientID.Endpoint}
	if _, err := New(cfg, pool); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for broadcast endpoint, got %v", err)
	}

	sch, err := New(testConfig(), pool)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if sch.NofCodeblocks() != 3 {
		t.Errorf("expected 3 codeblocks for 20 bytes, got %d", sch.NofCodeblocks())
	}
}

func TestAckedTrafficRoundRobin(t *testing.T) {
	pool := newPool(t, 4)
	sch, err := New(testConfig(), pool, WithFeedback(always(true)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run(sch, pool, 1, 6)

	st := sch.Stats()
	if st.NewTx != 6 || st.Acked != 6 || st.Retx != 0 || st.Skipped != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
	// Two HARQ processes alternate and each keeps reusing its own buffer.
	if ps := pool.Stats(); ps.Reserved != 2 || ps.Reservations != 2 {
		t.Errorf("expected 2 buffers in use, got %+v", ps)
	}
}

func TestNackedTrafficRetransmitsThenDrops(t *testing.T) {
	pool := newPool(t, 4)
	cfg := testConfig()
	cfg.HarqProcesses = 1
	sch, err := New(cfg, pool, WithFeedback(always(false)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run(sch, pool, 1, 3)

	st := sch.Stats()
	if st.NewTx != 1 || st.Retx != 2 || st.Dropped != 1 {
		t.Errorf("unexpected stats after max retx: %+v", st)
	}
	if ps := pool.Stats(); ps.Retransmissions != 2 {
		t.Errorf("expected retransmissions to reuse the buffer, got %+v", ps)
	}
}

func TestRetransmissionKeepsEncodedCodeblocks(t *testing.T) {
	pool := newPool(t, 4)
	cfg := testConfig()
	cfg.HarqProcesses = 1
	cfg.MaxRetx = 4
	sch, err := New(cfg, pool, WithFeedback(always(false)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run(sch, pool, 1, 1)
	first, err := pool.DumpCodeblocks(0)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	run(sch, pool, 2, 3)
	again, err := pool.DumpCodeblocks(0)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	a, _ := txbuffer.DecodeDump(first)
	b, _ := txbuffer.DecodeDump(again)
	if len(a) != 24 || !bytes.Equal(a, b) {
		t.Errorf("retransmission changed stored codeblocks:\n%x\n%x", a, b)
	}
	if !bytes.Equal(a[20:], make([]byte, 4)) {
		t.Errorf("last codeblock not zero padded: %x", a[16:])
	}
}

func TestExpiredBufferIsNotRetransmitted(t *testing.T) {
	pool := newExpiringPool(t, 4, 2)
	cfg := testConfig()
	cfg.HarqProcesses = 4
	cfg.MaxRetx = 4
	var logs bytes.Buffer
	sch, err := New(cfg, pool, WithFeedback(always(false)), WithLogger(zerolog.New(&logs)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("expire before the round-robin returns")) {
		t.Errorf("expected a warning about the revisit period, got %s", logs.String())
	}

	// Each process comes back every 4 slots, its buffer expires after 2.
	run(sch, pool, 1, 12)

	st := sch.Stats()
	if st.Retx != 0 || st.NewTx != 12 {
		t.Errorf("retransmitted from expired buffers: %+v", st)
	}
	if st.Expired != 8 || st.Dropped != 8 {
		t.Errorf("expected 8 TBs lost to expiry, got %+v", st)
	}
	if ps := pool.Stats(); ps.Retransmissions != 0 || ps.Expirations != 10 {
		t.Errorf("unexpected pool stats %+v", ps)
	}
}

func TestRetransmissionWithinExpiryIsNotDropped(t *testing.T) {
	pool := newExpiringPool(t, 4, 3)
	cfg := testConfig()
	cfg.HarqProcesses = 2
	cfg.MaxRetx = 3
	sch, err := New(cfg, pool, WithFeedback(always(false)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run(sch, pool, 1, 8)

	st := sch.Stats()
	if st.Expired != 0 || st.NewTx != 2 || st.Retx != 6 {
		t.Errorf("unexpected stats %+v", st)
	}
	if ps := pool.Stats(); ps.Retransmissions != 6 {
		t.Errorf("expected every retransmission to reuse its buffer, got %+v", ps)
	}
}

func TestTransientTrafficUsesOwnBuffer(t *testing.T) {
	pool := newPool(t, 4)
	cfg := testConfig()
	cfg.TransientPeriod = 2
	sch, err := New(cfg, pool, WithFeedback(always(true)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run(sch, pool, 1, 5)

	if st := sch.Stats(); st.Transient != 2 {
		t.Errorf("expected 2 broadcast TBs, got %+v", st)
	}
	ps := pool.Stats()
	if ps.TransientReservations != 2 {
		t.Errorf("expected 2 transient reservations, got %+v", ps)
	}
	// Broadcast buffers expire the slot after they are used.
	if ps.Reserved != 2 {
		t.Errorf("expected only HARQ buffers reserved, got %+v", ps)
	}
}

func TestExhaustedPoolSkips(t *testing.T) {
	pool := newPool(t, 1)
	cfg := testConfig()
	cfg.HarqProcesses = 3
	sch, err := New(cfg, pool, WithFeedback(always(true)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run(sch, pool, 1, 3)

	st := sch.Stats()
	if st.NewTx != 1 || st.Skipped != 2 {
		t.Errorf("expected one transmission and two skips, got %+v", st)
	}
}

func TestRandomFeedbackBounds(t *testing.T) {
	s, _ := slot.FromCount(0, 0)
	id := txbuffer.Identifier{Endpoint: 1}
	clean := NewRandomFeedback(0, 1)
	lossy := NewRandomFeedback(1, 1)
	for i := 0; i < 100; i++ {
		if !clean.Ack(id, s) {
			t.Fatal("bler 0 produced a NACK")
		}
		if lossy.Ack(id, s) {
			t.Fatal("bler 1 produced an ACK")
		}
	}
}
