package tracking

import (
	"math"
	"time"
)

// PhaseAccumulator turns a step frequency into evenly spaced pulses.
// The phase stays in [0, 1) between calls.
type PhaseAccumulator struct {
	phase float64
}

// Advance adds freqHz*dt to the phase and reports whether a pulse is due.
// A due pulse consumes exactly 1.0 and keeps the fractional carry. At most one
// pulse is reported per call; whole periods beyond that are dropped so a rate
// above the call rate saturates instead of building a backlog.
func (p *PhaseAccumulator) Advance(freqHz float64, dt time.Duration) bool {
	if freqHz <= 0 || dt <= 0 {
		return false
	}
	p.phase += freqHz * dt.Seconds()
	if p.phase < 1.0 {
		return false
	}
	p.phase -= 1.0
	if p.phase >= 1.0 {
		p.phase -= math.Floor(p.phase)
	}
	return true
}

// Discharge drops any partial step.
func (p *PhaseAccumulator) Discharge() {
	p.phase = 0
}

// Phase returns the current fractional phase.
func (p *PhaseAccumulator) Phase() float64 {
	return p.phase
}

// EnableHold tracks the driver ENABLE line with a release delay: once
// asserted it stays asserted until Hold has passed without step demand.
type EnableHold struct {
	Hold time.Duration

	enabled   bool
	holdUntil time.Time
}

// Demand records step demand at now and reports whether ENABLE must be
// asserted (it was not already).
func (h *EnableHold) Demand(now time.Time) bool {
	h.holdUntil = now.Add(h.Hold)
	if h.enabled {
		return false
	}
	h.enabled = true
	return true
}

// Idle records the absence of demand at now and reports whether ENABLE must
// be deasserted (it is asserted and the hold window has elapsed).
func (h *EnableHold) Idle(now time.Time) bool {
	if !h.enabled || now.Before(h.holdUntil) {
		return false
	}
	h.enabled = false
	return true
}

// Enabled reports the tracked ENABLE state.
func (h *EnableHold) Enabled() bool {
	return h.enabled
}

// HoldUntil returns the end of the current hold window.
func (h *EnableHold) HoldUntil() time.Time {
	return h.holdUntil
}

// Reset marks ENABLE as deasserted.
func (h *EnableHold) Reset() {
	h.enabled = false
	h.holdUntil = time.Time{}
}
