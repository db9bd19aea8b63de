package pipeline

import "github.com/connlayer/nftraffic/inject"

// source identifies where a polled frame came from, so Pipeline.step knows
// which buffer it was written into and which bookkeeping applies.
type source uint8

const (
	sourceNone source = iota
	sourceTick
	sourceRX
	sourceSYN
	sourcePayload
)

// Merger schedules one cooperative poll across the tick generator, the NIC
// RX queue, and the two injectors. The tick generator is always polled
// first: timers and control-plane drains must never starve even when RX is
// saturated, since a starved tick also starves timeout release and
// counter/record reporting. RX, SYN, and payload injection are otherwise
// polled round-robin rather than strictly prioritized, so a quota-exhausted
// injector never blocks RX drainage and vice versa.
type Merger struct {
	tick    *inject.TickGenerator
	syn     *inject.Injector
	payload *inject.Injector
	rxTurn  int
}

// NewMerger builds a Merger over the given sources. syn and payload may be
// nil if this pipeline only plays one role.
func NewMerger(tick *inject.TickGenerator, syn, payload *inject.Injector) *Merger {
	return &Merger{tick: tick, syn: syn, payload: payload}
}

// pollInjectors advances the round-robin cursor across syn/payload,
// returning which of the two is due this call, or sourceNone if neither
// injector is ready (the caller should then try RX directly).
func (m *Merger) pollInjectors(nowCycles uint64) source {
	order := [2]source{sourceSYN, sourcePayload}
	if m.rxTurn%2 == 1 {
		order[0], order[1] = sourcePayload, sourceSYN
	}
	m.rxTurn++
	for _, s := range order {
		switch s {
		case sourceSYN:
			if m.syn != nil && m.syn.Poll(nowCycles) {
				return sourceSYN
			}
		case sourcePayload:
			if m.payload != nil && m.payload.Poll(nowCycles) {
				return sourcePayload
			}
		}
	}
	return sourceNone
}

// Next reports which source should be serviced this iteration of the
// pipeline loop at nowCycles.
func (m *Merger) Next(nowCycles uint64) source {
	if m.tick.Poll(nowCycles) {
		return sourceTick
	}
	if s := m.pollInjectors(nowCycles); s != sourceNone {
		return s
	}
	return sourceRX
}
