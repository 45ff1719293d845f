package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"gnb-go/pkg/slot"
	"gnb-go/pkg/txbuffer"
)

// Feedback reports the HARQ outcome of a transmission.
type Feedback interface {
	Ack(id txbuffer.Identifier, s slot.Point) bool
}

type FeedbackFunc func(id txbuffer.Identifier, s slot.Point) bool

func (f FeedbackFunc) Ack(id txbuffer.Identifier, s slot.Point) bool { return f(id, s) }

// RandomFeedback NACKs each transmission independently with probability
// bler.
type RandomFeedback struct {
	bler float64
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewRandomFeedback seeds from the clock when seed is zero.
func NewRandomFeedback(bler float64, seed int64) *RandomFeedback {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomFeedback{bler: bler, rng: rand.New(rand.NewSource(seed))}
}

func (f *RandomFeedback) Ack(txbuffer.Identifier, slot.Point) bool {
	if f.bler <= 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() >= f.bler
}
