package pipeline

import (
	"errors"

	"github.com/connlayer/nftraffic/ethernet"
	"github.com/connlayer/nftraffic/ipv4"
	"github.com/connlayer/nftraffic/tcp"
	"github.com/connlayer/nftraffic/wire"
)

var (
	errShortPayload = errors.New("pipeline: payload too short")
	errNotTCP       = errors.New("pipeline: not a TCP/IPv4 frame")
)

// Headers bundles simultaneous mutable views of the Ethernet, IPv4, and TCP
// headers of one packet buffer. Because ethernet.Frame/ipv4.Frame/tcp.Frame
// are all thin wrappers around offsets into the same backing array rather
// than owners of their own memory, holding all three at once is not
// aliasing in the usual Go sense: each is simply a different slice of buf.
type Headers struct {
	Eth ethernet.Frame
	IP  ipv4.Frame
	TCP tcp.Frame
	buf []byte
}

// ParseHeaders parses buf as an Ethernet/IPv4/TCP frame, validating sizes
// as it goes. It returns an error for a frame that is not IPv4/TCP; Classify
// relies on that to route such frames to the KNI.
func ParseHeaders(buf []byte) (Headers, error) {
	var v wire.Validator
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return Headers{}, err
	}
	efrm.ValidateSize(&v)
	if efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
		return Headers{}, errNotTCP
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return Headers{}, err
	}
	ifrm.ValidateSize(&v)
	if ifrm.Protocol() != wire.IPProtoTCP {
		return Headers{}, errNotTCP
	}
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		return Headers{}, err
	}
	tfrm.ValidateSize(&v)
	if err := v.Err(); err != nil {
		return Headers{}, err
	}
	return Headers{Eth: efrm, IP: ifrm, TCP: tfrm, buf: buf}, nil
}

// minOutboundFrame is the size of a bare Ethernet+IPv4+TCP header template
// with no options and no payload: 14 + 20 + 20.
const minOutboundFrame = 14 + 20 + 20

// NewEmptyHeaders builds a fresh outbound IPv4/TCP template over buf: a
// zeroed, option-free Ethernet/IPv4/TCP header with TotalLength and
// Protocol already consistent, ready for SetHeader and a *Machine's Open to
// fill in addresses and sequence state. Unlike ParseHeaders it does not
// expect buf to already contain a valid classified frame.
func NewEmptyHeaders(buf []byte) (Headers, error) {
	if len(buf) < minOutboundFrame {
		return Headers{}, errShortPayload
	}
	buf = buf[:minOutboundFrame]
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return Headers{}, err
	}
	efrm.ClearHeader()
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, err := ipv4.NewFrame(buf[efrm.HeaderLength():])
	if err != nil {
		return Headers{}, err
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	ifrm.SetTotalLength(40)

	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		return Headers{}, err
	}
	tfrm.ClearHeader()
	tfrm.SetOffsetAndFlags(5, 0)

	return Headers{Eth: efrm, IP: ifrm, TCP: tfrm, buf: buf}, nil
}

// RawData returns the original backing buffer the Headers were parsed from.
func (h Headers) RawData() []byte { return h.buf }

// Payload returns the TCP payload, i.e. everything past the TCP header.
func (h Headers) Payload() []byte {
	return h.TCP.Payload()
}
