// Package inject implements the cooperative packet sources that drive
// synthetic traffic: a SYN injector, a Payload injector, and the tick
// generator used to drive periodic housekeeping. All three are polled from
// the pipeline's merge loop alongside the NIC RX queue.
package inject

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/connlayer/nftraffic/ethernet"
)

// Private EtherTypes distinguish internally generated frames from wire
// frames. Both values fall in the IEEE 802 "locally administered, for
// experimental use" EtherType range and are overwritten with
// ethernet.TypeIPv4 before the classifier ever forwards a frame to the NIC.
const (
	EtherTypePacket ethernet.Type = 0x88B5
	EtherTypeTimer  ethernet.Type = 0x88B6
)

// Discriminator destination ports distinguish the SYN injector's frames
// from the Payload injector's frames, both tagged with EtherTypePacket.
const (
	PortSYN     uint16 = 1
	PortPayload uint16 = 2
)

// frameHeaderLen is the number of bytes an injector stamps itself: a full
// Ethernet header (14 bytes) plus the discriminator port (2 bytes).
const frameHeaderLen = 16

// Injector is a cooperative packet source gated by a shared ready flag and
// a token-bucket rate limit expressed in CPU cycles. The classifier clears
// Ready when admission control decides this source should stop producing
// (quota exhausted for SYN, no ready connection for Payload).
type Injector struct {
	ready         *atomic.Bool
	etherType     ethernet.Type
	dstPort       uint16
	cyclesPerEmit uint64
	nextEmit      uint64
	frameSize     int
}

// New builds an Injector emitting frames of frameSize bytes tagged with
// etherType/dstPort, rate limited to one emission every cpuClockHz/cpsLimit*32
// cycles (cpsLimit/32 emissions per second) given a CPU running at
// cpuClockHz. ready is the shared flag the admission-control
// logic elsewhere toggles; New does not take ownership of its initial
// value.
func New(ready *atomic.Bool, etherType ethernet.Type, dstPort uint16, cpsLimit, cpuClockHz uint64, frameSize int) *Injector {
	if cpsLimit == 0 {
		cpsLimit = 1
	}
	if frameSize < frameHeaderLen {
		frameSize = frameHeaderLen
	}
	return &Injector{
		ready:         ready,
		etherType:     etherType,
		dstPort:       dstPort,
		cyclesPerEmit: cpuClockHz / cpsLimit * 32,
		frameSize:     frameSize,
	}
}

// Ready reports whether the shared admission flag currently permits this
// source to emit.
func (inj *Injector) Ready() bool { return inj.ready != nil && inj.ready.Load() }

// SetReady sets the shared admission flag. Safe to call from the
// classifier's state-update step.
func (inj *Injector) SetReady(v bool) {
	if inj.ready != nil {
		inj.ready.Store(v)
	}
}

// Poll reports whether the injector should emit at nowCycles, consuming the
// token if so. It must be called at most once per candidate emission.
func (inj *Injector) Poll(nowCycles uint64) bool {
	if !inj.Ready() || nowCycles < inj.nextEmit {
		return false
	}
	inj.nextEmit = nowCycles + inj.cyclesPerEmit
	return true
}

// WriteFrame stamps buf (which must be at least FrameSize() bytes) with the
// injector's EtherType and discriminator port at the standard Ethernet
// header offsets, zeroing the remainder as padding.
func (inj *Injector) WriteFrame(buf []byte) {
	clear(buf[:inj.frameSize])
	binary.BigEndian.PutUint16(buf[12:14], uint16(inj.etherType))
	binary.BigEndian.PutUint16(buf[14:16], inj.dstPort)
}

// FrameSize returns the configured frame size for this injector.
func (inj *Injector) FrameSize() int { return inj.frameSize }

// TickGenerator emits heartbeat frames with EtherTypeTimer at a fixed cycle
// cadence. Ticks are always scheduled ahead of injector/RX frames by the
// merge policy (see pipeline.Merger), so timers and control-plane polling
// are never starved under RX saturation.
type TickGenerator struct {
	intervalCycles uint64
	nextTick       uint64
}

// NewTickGenerator returns a TickGenerator firing every intervalCycles CPU
// cycles.
func NewTickGenerator(intervalCycles uint64) *TickGenerator {
	if intervalCycles == 0 {
		intervalCycles = 1
	}
	return &TickGenerator{intervalCycles: intervalCycles}
}

// Poll reports whether a tick is due at nowCycles, consuming it if so.
func (tg *TickGenerator) Poll(nowCycles uint64) bool {
	if nowCycles < tg.nextTick {
		return false
	}
	tg.nextTick = nowCycles + tg.intervalCycles
	return true
}

// WriteFrame stamps buf with EtherTypeTimer. Ticks carry no discriminator
// port; the classifier dispatches on EtherType alone for this arm.
func (tg *TickGenerator) WriteFrame(buf []byte) {
	clear(buf[:frameHeaderLen])
	binary.BigEndian.PutUint16(buf[12:14], uint16(EtherTypeTimer))
}
