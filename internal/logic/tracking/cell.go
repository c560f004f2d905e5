// Package tracking holds the real-time side of the tracker: the latest-error
// handoff between ingest and motion, and the pulse generator that consumes it.
package tracking

import (
	"sync"
	"time"
)

// ErrorSample is one tracking error as received from the link.
type ErrorSample struct {
	Value      float64   // signed pixel offset, positive = clockwise correction
	ReceivedAt time.Time // zero for the initial sample
}

// IsZero reports whether no sample has been published yet.
func (s ErrorSample) IsZero() bool {
	return s.ReceivedAt.IsZero()
}

// Cell is the single-slot, latest-value-wins handoff between one producer and
// one consumer. Value and timestamp are always read as the pair that was published.
// The zero value is ready to use and reads as a zero-error sample.
type Cell struct {
	mu     sync.Mutex
	sample ErrorSample
}

// NewCell returns an empty cell.
func NewCell() *Cell {
	return &Cell{}
}

// Publish replaces the stored sample.
func (c *Cell) Publish(s ErrorSample) {
	c.mu.Lock()
	c.sample = s
	c.mu.Unlock()
}

// Read returns the latest published sample.
func (c *Cell) Read() ErrorSample {
	c.mu.Lock()
	s := c.sample
	c.mu.Unlock()
	return s
}
