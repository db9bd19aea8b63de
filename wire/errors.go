package wire

import "errors"

// Generic errors shared across the ethernet/ipv4/tcp frame codecs.
var (
	ErrPacketDrop      = errors.New("wire: packet dropped")
	ErrBadCRC          = errors.New("wire: incorrect checksum")
	ErrZeroSource      = errors.New("wire: zero source port/address")
	ErrZeroDestination = errors.New("wire: zero destination port/address")
)
