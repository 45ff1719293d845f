// Package slot implements NR slot points: a (numerology, SFN, slot index)
// triple packed into a single counter that wraps every 1024 radio frames.
package slot

import (
	"errors"
	"fmt"
	"time"
)

const (
	// NofSFN is the number of system frame numbers before the counter wraps.
	NofSFN = 1024
	// MaxNumerology is the highest subcarrier spacing index supported (240 kHz).
	MaxNumerology = 4

	subframesPerFrame = 10

	// MinWindow is the SFN cycle length in slots at numerology 0, the
	// shortest of all numerologies.
	MinWindow = NofSFN * subframesPerFrame
)

var ErrInvalidNumerology = errors.New("slot: invalid numerology")

// Point is a slot in time for a given numerology. The zero value is slot
// 0.0 of numerology 0.
type Point struct {
	numerology uint8
	count      uint32
}

// New builds a slot point from its SFN and slot index within the frame.
func New(numerology uint8, sfn, index uint32) (Point, error) {
	if numerology > MaxNumerology {
		return Point{}, fmt.Errorf("%w: %d", ErrInvalidNumerology, numerology)
	}
	spf := slotsPerFrame(numerology)
	if sfn >= NofSFN || index >= spf {
		return Point{}, fmt.Errorf("slot: %d.%d out of range for numerology %d", sfn, index, numerology)
	}
	return Point{numerology: numerology, count: sfn*spf + index}, nil
}

// FromCount builds a slot point from a raw counter, reduced modulo the
// numerology's wrap period.
func FromCount(numerology uint8, count uint32) (Point, error) {
	if numerology > MaxNumerology {
		return Point{}, fmt.Errorf("%w: %d", ErrInvalidNumerology, numerology)
	}
	return Point{numerology: numerology, count: count % period(numerology)}, nil
}

func slotsPerFrame(numerology uint8) uint32 {
	return subframesPerFrame << numerology
}

func period(numerology uint8) uint32 {
	return NofSFN * slotsPerFrame(numerology)
}

// Window returns the number of slots in one SFN cycle. Two points compare
// correctly only while they are less than half a window apart.
func Window(numerology uint8) int { return int(period(numerology)) }

func (p Point) Numerology() uint8 { return p.numerology }

// Count returns the slot counter within the SFN cycle.
func (p Point) Count() uint32 { return p.count }

func (p Point) SlotsPerFrame() uint32 { return slotsPerFrame(p.numerology) }

func (p Point) SFN() uint32 { return p.count / p.SlotsPerFrame() }

// Index returns the slot index within the radio frame.
func (p Point) Index() uint32 { return p.count % p.SlotsPerFrame() }

// Duration is the length of one slot for this numerology.
func (p Point) Duration() time.Duration {
	return time.Millisecond >> p.numerology
}

// Add advances the point by n slots (n may be negative), wrapping around
// the SFN cycle.
func (p Point) Add(n int) Point {
	per := int64(period(p.numerology))
	c := (int64(p.count) + int64(n)) % per
	if c < 0 {
		c += per
	}
	return Point{numerology: p.numerology, count: uint32(c)}
}

// Sub returns the signed distance p - q in slots, choosing the shortest way
// around the SFN cycle. Both points must share a numerology.
func (p Point) Sub(q Point) int {
	per := int64(period(p.numerology))
	d := (int64(p.count) - int64(q.count)) % per
	if d < 0 {
		d += per
	}
	if d >= per/2 {
		d -= per
	}
	return int(d)
}

func (p Point) Before(q Point) bool { return p.Sub(q) < 0 }

func (p Point) After(q Point) bool { return p.Sub(q) > 0 }

// AtOrAfter reports p >= q under wrap-aware comparison.
func (p Point) AtOrAfter(q Point) bool { return p.Sub(q) >= 0 }

func (p Point) String() string {
	return fmt.Sprintf("%d.%d", p.SFN(), p.Index())
}
