package control

import (
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// sigSize is the length in bytes of the keyed digest appended to every
// outbound message crossing the control plane.
const sigSize = 16

// Plane is a pipeline's single-producer single-consumer control channel
// pair. Exactly one goroutine (the pipeline) ever sends on Out and receives
// from In; exactly one goroutine (the supervisor) does the reverse. The
// pipeline only ever touches Plane from its tick handler, never mid-batch,
// so both directions are drained non-blocking.
type Plane struct {
	id  PipelineId
	out chan signedOutbound
	in  chan Inbound
	key [32]byte
}

type signedOutbound struct {
	msg Outbound
	sig [sigSize]byte
}

// NewPlane builds a Plane for the given pipeline, signing outbound messages
// with key so a supervisor managing several pipelines can detect a message
// forged under another pipeline's identity. capacity bounds both channels.
func NewPlane(id PipelineId, key [32]byte, capacity int) *Plane {
	return &Plane{
		id:  id,
		out: make(chan signedOutbound, capacity),
		in:  make(chan Inbound, capacity),
		key: key,
	}
}

// TrySend enqueues an outbound message without blocking. It reports false if
// the outbound channel is full, in which case the caller should drop the
// message rather than stall the fast path.
func (p *Plane) TrySend(msg Outbound) bool {
	sig := p.sign(msg)
	select {
	case p.out <- signedOutbound{msg: msg, sig: sig}:
		return true
	default:
		return false
	}
}

// Drain receives every currently queued inbound request without blocking and
// calls fn for each. It is meant to be called once per tick frame.
func (p *Plane) Drain(fn func(Inbound)) {
	for {
		select {
		case req := <-p.in:
			fn(req)
		default:
			return
		}
	}
}

// Supervisor-side accessors; these run on the supervisor goroutine, never on
// the pipeline goroutine.

// Send delivers an inbound request to the pipeline without blocking.
func (p *Plane) Send(req Inbound) bool {
	select {
	case p.in <- req:
		return true
	default:
		return false
	}
}

// Receive pulls the next outbound message, verifying its signature. An error
// indicates the message was corrupted or forged and must not be trusted.
func (p *Plane) Receive() (Outbound, bool, error) {
	select {
	case so := <-p.out:
		want := p.sign(so.msg)
		if want != so.sig {
			return Outbound{}, true, fmt.Errorf("control: bad signature for pipeline %s", p.id)
		}
		return so.msg, true, nil
	default:
		return Outbound{}, false, nil
	}
}

func (p *Plane) sign(msg Outbound) [sigSize]byte {
	h, _ := blake2b.New(sigSize, p.key[:])
	var idbuf [12]byte
	binary.BigEndian.PutUint32(idbuf[0:4], uint32(p.id.Core))
	binary.BigEndian.PutUint32(idbuf[4:8], uint32(p.id.PortID))
	binary.BigEndian.PutUint32(idbuf[8:12], uint32(p.id.RXQ))
	h.Write(idbuf[:])
	if msg.Task != nil {
		h.Write([]byte{1})
		h.Write(msg.Task.TaskUUID[:])
	}
	if msg.Counter != nil {
		h.Write([]byte{2})
		keys := make([]string, 0, len(msg.Counter.Values))
		for k := range msg.Counter.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			var vb [8]byte
			binary.BigEndian.PutUint64(vb[:], msg.Counter.Values[k])
			h.Write(vb[:])
		}
	}
	if msg.CRecords != nil {
		h.Write([]byte{3})
		var nb [8]byte
		binary.BigEndian.PutUint64(nb[:], uint64(len(msg.CRecords.ClientRecords)+len(msg.CRecords.ServerRecords)))
		h.Write(nb[:])
	}
	var out [sigSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
