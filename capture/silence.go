package capture

import "math"

const (
	speechLevel      = 0.02
	silenceWindow    = 12 // blocks, about 3s at 16kHz
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher than speechMinRatio for hysteresis
)

// silenceMonitor watches the share of recent blocks loud enough to be
// speech. It warns once the window is full and that share falls below
// speechMinRatio, and clears when it climbs back to speechClearRatio.
type silenceMonitor struct {
	window [silenceWindow]bool
	ticks  int
	speech int
	warned bool
}

type silenceEvent int

const (
	silenceNone silenceEvent = iota
	silenceWarn
	silenceClear
)

func (m *silenceMonitor) tick(level float64) silenceEvent {
	idx := m.ticks % silenceWindow
	if m.ticks >= silenceWindow && m.window[idx] {
		m.speech--
	}
	loud := level >= speechLevel
	m.window[idx] = loud
	if loud {
		m.speech++
	}
	m.ticks++

	if m.ticks < silenceWindow {
		return silenceNone
	}
	ratio := float64(m.speech) / silenceWindow
	switch {
	case !m.warned && ratio < speechMinRatio:
		m.warned = true
		return silenceWarn
	case m.warned && ratio >= speechClearRatio:
		m.warned = false
		return silenceClear
	}
	return silenceNone
}

func blockLevel(block []int16) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(block)))
}
