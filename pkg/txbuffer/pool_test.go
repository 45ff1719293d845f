package txbuffer

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"gnb-go/pkg/slot"

	"github.com/rs/zerolog"
)

func newTestPool(t *testing.T, nofBuffers, expire int) *Pool {
	t.Helper()
	p, err := NewPool(Config{
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

func queueIndexes(q interface {
	Length() int
	Get(int) interface{}
}) []int {
	out := make([]int, q.Length())
	for i := range out {
		out[i] = q.Get(i).(int)
	}
	return out
}

// checkPartition verifies free and reserved partition [0, capacity) and agree
// with each buffer's state.
func checkPartition(t *testing.T, p *Pool) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	free, reserved := queueIndexes(p.free), queueIndexes(p.reserved)
	if len(free)+len(reserved) != len(p.buffers) {
		t.Fatalf("free %d + reserved %d != capacity %d", len(free), len(reserved), len(p.buffers))
	}
	seen := make(map[int]bool, len(p.buffers))
	for _, idx := range append(free, reserved...) {
		if seen[idx] {
			t.Fatalf("index %d appears twice", idx)
		}
		seen[idx] = true
	}
	for _, idx := range reserved {
		if p.buffers[idx].state != StateReserved {
			t.Fatalf("buffer %d in reserved queue but %s", idx, p.buffers[idx].state)
		}
	}
	for _, idx := range free {
		if p.buffers[idx].state != StateFree {
			t.Fatalf("buffer %d in free queue but %s", idx, p.buffers[idx].state)
		}
	}
}

func TestNewPoolRejectsInvalidConfig(t *testing.T) {
	for _, timeout := range []int{0, -1, MaxExpireTimeoutSlots + 1, 6000} {
		cfg := DefaultConfig()
		cfg.ExpireTimeoutSlots = timeout
		if _, err := NewPool(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expire_timeout_slots=%d: expected ErrInvalidConfig, got %v", timeout, err)
		}
	}
}

func TestLongestExpiryStaysOrdered(t *testing.T) {
	p := newTestPool(t, 1, MaxExpireTimeoutSlots)
	for _, start := range []uint32{0, 10000} {
		s := mustSlot(t, start)
		h := p.Reserve(s, Identifier{Endpoint: 1}, 1)
		if !h.Valid() {
			t.Fatalf("reservation at %s failed", s)
		}
		p.RunSlot(s.Add(1))
		p.RunSlot(s.Add(MaxExpireTimeoutSlots - 1))
		if !h.Valid() {
			t.Fatalf("buffer reserved at %s expired before its timeout", s)
		}
		p.RunSlot(s.Add(MaxExpireTimeoutSlots))
		if h.Valid() {
			t.Fatalf("buffer reserved at %s did not expire at its timeout", s)
		}
	}
	if st := p.Stats(); st.Expirations != 2 {
		t.Errorf("expected 2 expirations, got %+v", st)
	}
}

func TestPoolScenario(t *testing.T) {
	p := newTestPool(t, 2, 4)
	a := Identifier{Endpoint: 0x10, HarqID: 0}
	b := Identifier{Endpoint: 0x11, HarqID: 0}
	c := Identifier{Endpoint: 0x12, HarqID: 0}

	ha := p.Reserve(mustSlot(t, 10), a, 3)
	if !ha.Valid() {
		t.Fatal("reservation A failed")
	}
	hb := p.Reserve(mustSlot(t, 10), b, 3)
	if !hb.Valid() {
		t.Fatal("reservation B failed")
	}
	if ha.Index() == hb.Index() {
		t.Fatal("A and B share a buffer")
	}
	if s := p.Stats(); s.Free != 0 || s.Reserved != 2 {
		t.Fatalf("expected free=0 reserved=2, got %+v", s)
	}

	if h := p.Reserve(mustSlot(t, 11), c, 1); h.Valid() {
		t.Fatal("expected exhaustion")
	}
	checkPartition(t, p)

	p.RunSlot(mustSlot(t, 13))
	if s := p.Stats(); s.Reserved != 2 {
		t.Fatalf("buffers expired early: %+v", s)
	}
	p.RunSlot(mustSlot(t, 14))
	if s := p.Stats(); s.Free != 2 || s.Reserved != 0 {
		t.Fatalf("expected both buffers free at slot 14, got %+v", s)
	}
	if ha.Valid() || hb.Valid() {
		t.Error("handles survived expiry")
	}

	hc := p.Reserve(mustSlot(t, 14), c, 1)
	if !hc.Valid() {
		t.Fatal("reservation C failed after expiry")
	}
	checkPartition(t, p)

	st := p.Stats()
	if st.FailedExhausted != 1 || st.Expirations != 2 || st.Reservations != 3 {
		t.Errorf("unexpected counters %+v", st)
	}
}

func TestRetransmissionReusesBuffer(t *testing.T) {
	p := newTestPool(t, 4, 8)
	id := Identifier{Endpoint: 0x4601, HarqID: 5}

	h1 := p.Reserve(mustSlot(t, 0), id, 2)
	first := h1.Index()
	copy(h1.Codeblock(0), "softbits")
	h1.Release()

	h2 := p.Reserve(mustSlot(t, 4), id, 2)
	if !h2.Valid() {
		t.Fatal("retransmission reservation failed")
	}
	if h2.Index() != first {
		t.Fatalf("retransmission got buffer %d, want %d", h2.Index(), first)
	}
	if !bytes.Equal(h2.Codeblock(0), []byte("softbits")) {
		t.Error("retransmission lost stored codeblocks")
	}
	if h1.Reused() || !h2.Reused() {
		t.Errorf("reuse flags: first=%v retransmission=%v", h1.Reused(), h2.Reused())
	}
	if s := p.Stats(); s.Reserved != 1 || s.Retransmissions != 1 {
		t.Errorf("unexpected stats %+v", s)
	}

	// Renewal pushed expiry to 4 + 8.
	p.RunSlot(mustSlot(t, 8))
	if !h2.Valid() {
		t.Error("renewed buffer expired at its original expiry")
	}
	p.RunSlot(mustSlot(t, 12))
	if h2.Valid() {
		t.Error("renewed buffer did not expire")
	}
}

func TestReservationAfterExpiryIsNotReused(t *testing.T) {
	p := newTestPool(t, 2, 2)
	id := Identifier{Endpoint: 0x4601, HarqID: 1}

	h := p.Reserve(mustSlot(t, 0), id, 1)
	copy(h.Codeblock(0), "softbits")
	h.Release()
	p.RunSlot(mustSlot(t, 2))

	h = p.Reserve(mustSlot(t, 3), id, 1)
	if !h.Valid() {
		t.Fatal("reservation after expiry failed")
	}
	if h.Reused() {
		t.Error("a buffer taken from the free queue reports reuse")
	}
	if s := p.Stats(); s.Retransmissions != 0 || s.Reservations != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRetransmissionSupersedesOldHandle(t *testing.T) {
	p := newTestPool(t, 2, 8)
	id := Identifier{Endpoint: 1, HarqID: 1}

	h1 := p.Reserve(mustSlot(t, 0), id, 1)
	h2 := p.Reserve(mustSlot(t, 1), id, 1)
	if h1.Valid() {
		t.Error("first handle still live after retransmission reservation")
	}
	if !h2.Valid() || h2.Index() != h1.Index() {
		t.Error("second handle should own the same buffer")
	}
	if h1.Codeblock(0) != nil || h1.Bytes() != nil {
		t.Error("stale handle exposes storage")
	}
}

func TestRetransmissionCapacityFailure(t *testing.T) {
	p := newTestPool(t, 2, 8)
	id := Identifier{Endpoint: 1, HarqID: 1}

	h := p.Reserve(mustSlot(t, 0), id, 2)
	if bad := p.Reserve(mustSlot(t, 1), id, 5); bad.Valid() {
		t.Fatal("expected insufficient capacity")
	}
	if !h.Valid() {
		t.Error("failed retransmission invalidated the existing reservation")
	}
	if s := p.Stats(); s.FailedCapacity != 1 || s.Reserved != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestFreeReservationCapacityFailureLeavesIndexFree(t *testing.T) {
	p := newTestPool(t, 2, 8)
	if h := p.Reserve(mustSlot(t, 0), Identifier{Endpoint: 9}, 99); h.Valid() {
		t.Fatal("expected capacity failure")
	}
	if s := p.Stats(); s.Free != 2 || s.Reserved != 0 {
		t.Errorf("failed reservation moved an index: %+v", s)
	}
	checkPartition(t, p)
}

func TestTransientReservationExpiresNextSlot(t *testing.T) {
	p := newTestPool(t, 2, 8)
	h := p.ReserveTransient(mustSlot(t, 5), 1)
	if !h.Valid() || !h.ID().IsTransient() {
		t.Fatal("transient reservation failed")
	}
	// A null identifier is never matched, so this takes the other buffer.
	h2 := p.Reserve(mustSlot(t, 5), TransientID, 1)
	if !h2.Valid() || h2.Index() == h.Index() {
		t.Fatal("transient reservations must not share a buffer")
	}
	p.RunSlot(mustSlot(t, 6))
	if s := p.Stats(); s.Free != 2 {
		t.Errorf("transient buffers not reclaimed: %+v", s)
	}
}

func TestExhaustionDoesNotMutate(t *testing.T) {
	p := newTestPool(t, 1, 8)
	p.Reserve(mustSlot(t, 0), Identifier{Endpoint: 1}, 1)
	before := p.Snapshot()
	if h := p.ReserveTransient(mustSlot(t, 0), 1); h.Valid() {
		t.Fatal("expected exhaustion")
	}
	after := p.Snapshot()
	b, a := before[0], after[0]
	if a.State != b.State || *a.ID != *b.ID || a.Expire != b.Expire || a.Lease != b.Lease {
		t.Errorf("exhaustion mutated the pool: %+v -> %+v", b, a)
	}
	if s := p.Stats(); s.Free != 0 || s.Reserved != 1 {
		t.Errorf("exhaustion changed the partition: %+v", s)
	}
}

func TestExpiryToleratesSlotGaps(t *testing.T) {
	p := newTestPool(t, 1, 4)
	p.Reserve(mustSlot(t, 10), Identifier{Endpoint: 1}, 1)
	p.RunSlot(mustSlot(t, 30))
	if s := p.Stats(); s.Free != 1 {
		t.Error("buffer not expired after a slot gap")
	}
}

func TestExpiryAcrossSFNWrap(t *testing.T) {
	p := newTestPool(t, 1, 4)
	start, _ := slot.New(0, 1023, 8)
	p.Reserve(start, Identifier{Endpoint: 1}, 1)
	p.RunSlot(start.Add(3))
	if s := p.Stats(); s.Reserved != 1 {
		t.Fatal("buffer expired early across the wrap")
	}
	p.RunSlot(start.Add(4))
	if s := p.Stats(); s.Free != 1 {
		t.Fatal("buffer did not expire across the wrap")
	}
}

func TestHandleRelease(t *testing.T) {
	p := newTestPool(t, 1, 4)
	h := p.Reserve(mustSlot(t, 0), Identifier{Endpoint: 1}, 2)
	if len(h.Bytes()) != 16 || len(h.Codeblock(1)) != 8 || h.Codeblock(2) != nil {
		t.Fatal("unexpected storage layout")
	}
	h.Release()
	h.Release()
	if h.Valid() || h.Index() != -1 {
		t.Error("released handle still valid")
	}
	if s := p.Stats(); s.Reserved != 1 {
		t.Error("release must not free the buffer")
	}
}

func TestFailureIsLogged(t *testing.T) {
	var out bytes.Buffer
	p, err := NewPool(Config{NofBuffers: 1, MaxCodeblocks: 1, CodeblockSize: 1, ExpireTimeoutSlots: 1},
		WithLogger(zerolog.New(&out)))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	p.ReserveTransient(mustSlot(t, 3), 1)
	p.Reserve(mustSlot(t, 3), Identifier{Endpoint: 0x46, HarqID: 2}, 1)
	if !bytes.Contains(out.Bytes(), []byte("endpoint=0x46 h_id=2")) {
		t.Errorf("missing identifier in log: %s", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte(`"slot":3`)) {
		t.Errorf("missing slot in log: %s", out.String())
	}
}

func TestDumpCodeblocks(t *testing.T) {
	p := newTestPool(t, 2, 4)
	h := p.Reserve(mustSlot(t, 0), Identifier{Endpoint: 1}, 2)
	copy(h.Bytes(), "0123456789abcdef")

	blob, err := p.DumpCodeblocks(h.Index())
	if err != nil {
		t.Fatalf("DumpCodeblocks failed: %v", err)
	}
	raw, err := DecodeDump(blob)
	if err != nil {
		t.Fatalf("DecodeDump failed: %v", err)
	}
	if string(raw) != "0123456789abcdef" {
		t.Errorf("unexpected dump %q", raw)
	}

	if _, err := p.DumpCodeblocks(1 - h.Index()); !errors.Is(err, ErrNotReserved) {
		t.Errorf("expected ErrNotReserved, got %v", err)
	}
	if _, err := p.DumpCodeblocks(7); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	p := newTestPool(t, 8, 3)
	rng := rand.New(rand.NewSource(1))
	var issued []Handle

	for s := uint32(0); s < 500; s++ {
		now := mustSlot(t, s)
		for i := 0; i < rng.Intn(4); i++ {
			var h Handle
			if rng.Intn(5) == 0 {
				h = p.ReserveTransient(now, rng.Intn(6))
			} else {
				id := Identifier{Endpoint: uint16(rng.Intn(4) + 1), HarqID: uint8(rng.Intn(3))}
				h = p.Reserve(now, id, rng.Intn(6))
			}
			if h.Valid() {
				issued = append(issued, h)
			}
		}
		p.RunSlot(now)
		checkPartition(t, p)

		perBuffer := map[int]int{}
		for _, h := range issued {
			if h.Valid() {
				perBuffer[h.Index()]++
			}
		}
		for idx, n := range perBuffer {
			if n > 1 {
				t.Fatalf("buffer %d reachable through %d live handles", idx, n)
			}
		}
	}
}

func TestConcurrentReserveAndRunSlot(t *testing.T) {
	p := newTestPool(t, 16, 2)
	slots := make([]slot.Point, 200)
	for i := range slots {
		slots[i] = mustSlot(t, uint32(i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i, s := range slots {
				h := p.Reserve(s, Identifier{Endpoint: uint16(w + 1), HarqID: uint8(i % 8)}, 1)
				if h.Valid() {
					_ = h.NofCodeblocks()
					h.Release()
				}
				p.ReserveTransient(s, 1)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, s := range slots {
			p.RunSlot(s)
			_ = p.Stats()
		}
	}()
	wg.Wait()
	checkPartition(t, p)
}
