package pipeline

import (
	"encoding/binary"

	"github.com/connlayer/nftraffic/ethernet"
	"github.com/connlayer/nftraffic/inject"
)

// Kind classifies a received frame for dispatch by the merge loop. Private
// EtherTypes and frames rejected on their Ethernet header alone are
// classified before any Headers parsing; IPv4 frames are parsed once to read
// their TCP destination port.
type Kind uint8

const (
	KindDrop Kind = iota
	KindKNI
	KindSYNInject
	KindPayloadInject
	KindTick
	KindServerData
	KindClientData
)

func (k Kind) String() string {
	switch k {
	case KindKNI:
		return "kni"
	case KindSYNInject:
		return "syn-inject"
	case KindPayloadInject:
		return "payload-inject"
	case KindTick:
		return "tick"
	case KindServerData:
		return "server-data"
	case KindClientData:
		return "client-data"
	default:
		return "drop"
	}
}

// ClassifyConfig carries the identity this pipeline needs to tell its own
// synthetic traffic apart from passthrough traffic bound for the KNI.
type ClassifyConfig struct {
	EngineMAC [6]byte
	ListenLo  uint16 // first port in this pipeline's client-side ephemeral range
	ListenHi  uint16 // one past the last port in the range
	ServerLo  uint16 // first port this pipeline treats as a synthetic server port
	ServerHi  uint16
}

// ownedClientPort reports whether p falls in the client ephemeral range this
// pipeline owns.
func (c ClassifyConfig) ownedClientPort(p uint16) bool {
	return p >= c.ListenLo && p < c.ListenHi
}

func (c ClassifyConfig) ownedServerPort(p uint16) bool {
	return p >= c.ServerLo && p < c.ServerHi
}

// Classify inspects buf's Ethernet header (and, for IPv4/TCP frames, the TCP
// ports) and reports which arm of the merge loop should handle it.
//
// The dispatch order is: private EtherTypes first (they never need IP/TCP
// parsing), then broadcast/multicast and foreign-MAC prefiltering, then
// protocol/port based routing of genuine IPv4/TCP frames.
func Classify(buf []byte, cfg ClassifyConfig) Kind {
	if len(buf) < 14 {
		return KindDrop
	}
	et := ethernet.Type(binary.BigEndian.Uint16(buf[12:14]))
	switch et {
	case inject.EtherTypeTimer:
		return KindTick
	case inject.EtherTypePacket:
		if len(buf) < 16 {
			return KindDrop
		}
		switch binary.BigEndian.Uint16(buf[14:16]) {
		case inject.PortSYN:
			return KindSYNInject
		case inject.PortPayload:
			return KindPayloadInject
		default:
			return KindDrop
		}
	}

	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return KindDrop
	}
	dst := *efrm.DestinationHardwareAddr()
	if dst != cfg.EngineMAC && !efrm.IsBroadcast() && !isMulticast(dst) {
		return KindDrop
	}
	if et != ethernet.TypeIPv4 {
		return KindKNI
	}

	h, err := ParseHeaders(buf)
	if err != nil {
		return KindKNI
	}
	dstPort := h.TCP.DestinationPort()
	switch {
	case cfg.ownedClientPort(dstPort):
		// A reply to one of our own synthetic clients: arrives addressed to
		// the ephemeral port we allocated when opening the connection. The
		// client state machine (ManagerC) owns this half-connection.
		return KindServerData
	case cfg.ownedServerPort(dstPort):
		// An inbound connection attempt or subsequent segment addressed to
		// one of the ports this pipeline answers as a server. The server
		// state machine (ManagerS) owns this half-connection.
		return KindClientData
	default:
		return KindKNI
	}
}

// isMulticast reports whether mac has the IEEE 802 multicast bit set.
func isMulticast(mac [6]byte) bool {
	return mac[0]&0x01 != 0
}
