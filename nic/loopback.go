package nic

// Loopback is an in-memory Queue backed by a buffered channel, used in
// pipeline tests to inject and capture frames without a real NIC or TAP
// device. RecvInto drains the frames queued by Inject; Send only records
// frames in Sent and never feeds them back to RecvInto.
type Loopback struct {
	rx      chan []byte
	offload bool
	// Sent accumulates every frame handed to Send, in order.
	Sent [][]byte
}

// NewLoopback returns a Loopback with the given receive-side capacity.
func NewLoopback(capacity int, checksumOffload bool) *Loopback {
	return &Loopback{rx: make(chan []byte, capacity), offload: checksumOffload}
}

// Inject enqueues a frame as if it had arrived over the wire, for a test to
// set up RX input. It copies frame so the caller's buffer can be reused.
func (lb *Loopback) Inject(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	lb.rx <- cp
}

func (lb *Loopback) RecvInto(buf []byte) (int, error) {
	select {
	case frame := <-lb.rx:
		return copy(buf, frame), nil
	default:
		return 0, nil
	}
}

func (lb *Loopback) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	lb.Sent = append(lb.Sent, cp)
	return nil
}

func (lb *Loopback) ChecksumOffload() bool { return lb.offload }
