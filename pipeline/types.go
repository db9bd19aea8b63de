// Package pipeline implements the per-core packet processing loop: the
// classifier, the client and server half-connection state machines, the
// packet mutation helpers they share, and the merge scheduler that
// combines injector output with the NIC RX queue.
package pipeline

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// L234Data is a layer-2 through layer-4 identity tuple: one per local
// endpoint, one per server in the target pool.
type L234Data struct {
	MAC  [6]byte
	IP   [4]byte
	Port uint16
}

// cdataSize is the wire size of an encoded CData: 4(peer ip)+2(peer port)+
// 2(client port)+16(uuid).
const cdataSize = 4 + 2 + 2 + 16

// CData is the small application payload carried in the one data packet
// per synthetic flow: the peer's socket, the client-allocated local port,
// and a UUID correlating the flow across client and server records.
type CData struct {
	PeerIP     [4]byte
	PeerPort   uint16
	ClientPort uint16
	UUID       uuid.UUID
}

// Encode appends the wire form of c to dst.
func (c CData) Encode(dst []byte) []byte {
	var buf [cdataSize]byte
	copy(buf[0:4], c.PeerIP[:])
	binary.BigEndian.PutUint16(buf[4:6], c.PeerPort)
	binary.BigEndian.PutUint16(buf[6:8], c.ClientPort)
	copy(buf[8:24], c.UUID[:])
	return append(dst, buf[:]...)
}

// DecodeCData parses a CData from the front of buf. It reports an error if
// buf is too short; per the error design, a malformed payload is not fatal,
// callers are expected to ignore the error and leave the Connection without
// uuid/client_port.
func DecodeCData(buf []byte) (CData, error) {
	var c CData
	if len(buf) < cdataSize {
		return c, errShortPayload
	}
	copy(c.PeerIP[:], buf[0:4])
	c.PeerPort = binary.BigEndian.Uint16(buf[4:6])
	c.ClientPort = binary.BigEndian.Uint16(buf[6:8])
	copy(c.UUID[:], buf[8:24])
	return c, nil
}
