package services

import (
	"time"
)

const (
	DefaultGateOpenDelay  = 10 * time.Millisecond
	DefaultGateCloseDelay = 500 * time.Millisecond
)

// NoiseGate decides whether the live microphone or silence is sent. It is a
// deadline-driven state machine: readings arm open/close deadlines and due
// deadlines fire on the next Evaluate or Advance call. Not safe for
// concurrent use.
type NoiseGate struct {
	threshold   float64
	inputVolume float64
	openDelay   time.Duration
	closeDelay  time.Duration

	open  bool
	muted bool

	openAt  time.Time
	closeAt time.Time
}

func NewNoiseGate(threshold, inputVolume float64, openDelay, closeDelay time.Duration) *NoiseGate {
	return &NoiseGate{
		threshold:   threshold,
		inputVolume: inputVolume,
		openDelay:   openDelay,
		closeDelay:  closeDelay,
		open:        threshold <= 0,
	}
}

// Evaluate fires due deadlines, then applies one level reading (0-100,
// before input gain). It reports whether live audio should be sent.
func (g *NoiseGate) Evaluate(now time.Time, level float64) bool {
	g.Advance(now)
	if g.muted {
		return false
	}

	if g.Adjust(level) >= g.threshold {
		g.closeAt = time.Time{}
		if !g.open && g.openAt.IsZero() {
			g.openAt = now.Add(g.openDelay)
		}
	} else {
		g.openAt = time.Time{}
		if g.open && g.closeAt.IsZero() {
			g.closeAt = now.Add(g.closeDelay)
		}
	}

	// A zero delay takes effect on the same reading.
	g.Advance(now)
	return g.Live()
}

// Advance fires deadlines that are due at now.
func (g *NoiseGate) Advance(now time.Time) bool {
	if !g.openAt.IsZero() && !now.Before(g.openAt) {
		g.openAt = time.Time{}
		g.open = true
	}
	if !g.closeAt.IsZero() && !now.Before(g.closeAt) {
		g.closeAt = time.Time{}
		g.open = false
	}
	return g.Live()
}

// NextDeadline returns the earliest pending deadline.
func (g *NoiseGate) NextDeadline() (time.Time, bool) {
	switch {
	case g.openAt.IsZero() && g.closeAt.IsZero():
		return time.Time{}, false
	case g.openAt.IsZero():
		return g.closeAt, true
	case g.closeAt.IsZero():
		return g.openAt, true
	case g.openAt.Before(g.closeAt):
		return g.openAt, true
	default:
		return g.closeAt, true
	}
}

// SetMuted overrides the gate. Unmuting opens it right away.
func (g *NoiseGate) SetMuted(muted bool) bool {
	g.cancel()
	g.muted = muted
	if !muted {
		g.open = true
	}
	return g.Live()
}

func (g *NoiseGate) SetThreshold(threshold float64) bool {
	g.threshold = threshold
	if threshold <= 0 {
		g.cancel()
		g.open = true
	}
	return g.Live()
}

// Adjust applies the input volume to a raw reading.
func (g *NoiseGate) Adjust(level float64) float64 {
	return level * g.inputVolume / 100
}

func (g *NoiseGate) SetInputVolume(volume float64) {
	g.inputVolume = volume
}

// Stop drops pending deadlines.
func (g *NoiseGate) Stop() {
	g.cancel()
}

func (g *NoiseGate) cancel() {
	g.openAt = time.Time{}
	g.closeAt = time.Time{}
}

func (g *NoiseGate) Live() bool {
	return g.open && !g.muted
}

func (g *NoiseGate) Open() bool {
	return g.open
}

func (g *NoiseGate) Muted() bool {
	return g.muted
}
