package pipeline

import (
	"github.com/connlayer/nftraffic/tcp"
	"github.com/connlayer/nftraffic/wire"
)

// minFrameLen is the minimum Ethernet frame length on the wire; shorter
// frames are zero-padded before transmission.
const minFrameLen = 60

// DoTTL decrements the IPv4 TTL if it is at least 1 and, when the NIC does
// not perform checksum offload, recomputes the header checksum. A TTL of 0
// is left unchanged rather than underflowing.
func DoTTL(h Headers, checksumOffload bool) {
	ttl := h.IP.TTL()
	if ttl == 0 {
		return
	}
	h.IP.SetTTL(ttl - 1)
	if !checksumOffload {
		h.IP.SetCRC(h.IP.CalculateHeaderCRC())
	}
}

// MakeReplyPacket swaps the MAC, IP, and TCP endpoints of h in place and
// turns it into a bare ACK acknowledging the inbound segment: ack = seq +
// payloadLen + inc (inc accounts for a SYN or FIN consuming one sequence
// number). Every caller in this package uses MakeReplyPacket for a plain
// acknowledgment, never to echo the inbound segment's own flags, so the
// flags field is set to ACK outright rather than OR'd onto whatever the
// inbound segment carried (otherwise acking a FIN would still carry FIN).
// It does not change frame length, so it operates on a Headers value like
// every other non-length-changing helper here.
func MakeReplyPacket(h Headers, payloadLen tcp.Size, inc tcp.Size) {
	srcMAC, dstMAC := *h.Eth.SourceHardwareAddr(), *h.Eth.DestinationHardwareAddr()
	*h.Eth.SourceHardwareAddr() = dstMAC
	*h.Eth.DestinationHardwareAddr() = srcMAC

	srcIP, dstIP := *h.IP.SourceAddr(), *h.IP.DestinationAddr()
	*h.IP.SourceAddr() = dstIP
	*h.IP.DestinationAddr() = srcIP

	srcPort, dstPort := h.TCP.SourcePort(), h.TCP.DestinationPort()
	h.TCP.SetSourcePort(dstPort)
	h.TCP.SetDestinationPort(srcPort)

	seq := h.TCP.Seq()
	h.TCP.SetAck(tcp.Add(seq, payloadLen+inc))
	off, _ := h.TCP.OffsetAndFlags()
	h.TCP.SetOffsetAndFlags(off, tcp.FlagACK)
}

// SetHeader stamps h to originate from this engine's identity and target
// server, for a freshly constructed outbound packet (a SYN injection; a
// server-side reply already carries its own endpoints via MakeReplyPacket).
func SetHeader(h Headers, engine, server L234Data, localPort uint16) {
	h.Eth.SetEtherType(0x0800)
	*h.Eth.DestinationHardwareAddr() = server.MAC
	*h.Eth.SourceHardwareAddr() = engine.MAC
	*h.IP.DestinationAddr() = server.IP
	*h.IP.SourceAddr() = engine.IP
	h.TCP.SetDestinationPort(server.Port)
	h.TCP.SetSourcePort(localPort)
}

// StripPayload reduces the IPv4 total length by the current payload size
// and narrows h.TCP's view to just the header, so that h.Payload() is empty
// afterwards. h is a pointer because the frame's logical length changes.
func StripPayload(h *Headers) {
	plen := len(h.TCP.Payload())
	if plen == 0 {
		return
	}
	h.IP.SetTotalLength(h.IP.TotalLength() - uint16(plen))
	headerOnly := h.TCP.RawData()[:h.TCP.HeaderLength()]
	tfrm, err := tcp.NewFrame(headerOnly)
	if err != nil {
		panic(err) // header-only slice is always >= minimum TCP header size.
	}
	h.TCP = tfrm
}

// RemoveTCPOptions resets the TCP data offset to 5 (20-byte header with no
// options) and shrinks the IPv4 total length accordingly. Only valid when
// the payload is empty, matching its use on freshly built SYN/SYN-ACK
// packets before any payload is attached.
func RemoveTCPOptions(h *Headers) {
	off := h.TCP.HeaderLength()
	if off <= 20 {
		return
	}
	removed := off - 20
	_, flags := h.TCP.OffsetAndFlags()
	h.TCP.SetOffsetAndFlags(5, flags)
	h.IP.SetTotalLength(h.IP.TotalLength() - uint16(removed))
	tfrm, err := tcp.NewFrame(h.TCP.RawData()[:20])
	if err != nil {
		panic(err)
	}
	h.TCP = tfrm
}

// PrepareChecksum finalizes the IPv4 and TCP checksums. When checksumOffload
// is true it zeroes the IP checksum and writes the IPv4 pseudo-header
// checksum into the TCP checksum field, leaving final TCP checksum
// computation to NIC hardware; otherwise it computes both checksums in
// software.
func PrepareChecksum(h Headers, checksumOffload bool) {
	if checksumOffload {
		h.IP.SetCRC(0)
		var crc wire.CRC791
		h.IP.CRCWriteTCPPseudo(&crc)
		h.TCP.SetCRC(crc.Sum16())
		return
	}
	h.IP.SetCRC(h.IP.CalculateHeaderCRC())
	var crc wire.CRC791
	h.IP.CRCWriteTCPPseudo(&crc)
	h.TCP.SetCRC(0)
	crc.Write(h.TCP.RawData()[:h.TCP.HeaderLength()])
	crc.Write(h.TCP.Payload())
	h.TCP.SetCRC(crc.Sum16())
}

// MakePayloadPacket extends h's tail by len(payload), copies payload in, and
// sets sequence/ack/window and PSH|ACK flags. Frames shorter than
// minFrameLen are zero-padded. h's backing buffer must have been allocated
// with spare capacity past its current length for this purpose (a fixed
// pool frame size, not a growable slice); exceeding it is a programmer
// error signaling an undersized buffer pool, not a runtime condition to
// recover from.
func MakePayloadPacket(h *Headers, seg tcp.Segment, payload []byte) {
	ethHdrLen := h.Eth.HeaderLength()
	ipHdrLen := h.IP.HeaderLength()
	tcpHdrLen := h.TCP.HeaderLength()
	absOff := ethHdrLen + ipHdrLen + tcpHdrLen

	newLen := absOff + len(payload)
	if newLen < minFrameLen {
		newLen = minFrameLen
	}
	if newLen > cap(h.buf) {
		panic("pipeline: payload exceeds buffer capacity")
	}
	newBuf := h.buf[:newLen]
	clear(newBuf[absOff:])
	copy(newBuf[absOff:absOff+len(payload)], payload)

	newTotalLen := ipHdrLen + tcpHdrLen + len(payload)
	h.IP.SetTotalLength(uint16(newTotalLen))
	h.buf = newBuf

	tfrm, err := tcp.NewFrame(newBuf[ethHdrLen+ipHdrLen:])
	if err != nil {
		panic(err)
	}
	h.TCP = tfrm
	h.TCP.SetSegment(seg, 5)
	_, flags := h.TCP.OffsetAndFlags()
	h.TCP.SetOffsetAndFlags(5, flags|tcp.FlagPSH|tcp.FlagACK)
}
