//go:build linux && !baremetal

package nic

import (
	"net/netip"

	"github.com/connlayer/nftraffic/internal"
)

// TapQueue adapts a Linux TUN/TAP device (internal.Tap) to the Queue
// interface, for running the pipeline against a real kernel interface
// without a DPDK-class NIC. It has no checksum offload and its Recv/Send
// calls the underlying syscalls directly, so unlike a poll-mode NIC it can
// block; this implementation exists for development and integration tests,
// not the production fast path.
type TapQueue struct {
	tap *internal.Tap
}

// NewTapQueue creates (or attaches to) a TAP device named name, optionally
// assigning it ip.
func NewTapQueue(name string, ip netip.Prefix) (*TapQueue, error) {
	tap, err := internal.NewTap(name, ip)
	if err != nil {
		return nil, err
	}
	return &TapQueue{tap: tap}, nil
}

func (q *TapQueue) RecvInto(buf []byte) (int, error) { return q.tap.Read(buf) }
func (q *TapQueue) Send(buf []byte) error {
	_, err := q.tap.Write(buf)
	return err
}
func (q *TapQueue) ChecksumOffload() bool { return false }
func (q *TapQueue) Close() error          { return q.tap.Close() }

// BridgeQueue adapts an AF_PACKET socket bound to an existing interface
// (internal.Bridge) to the Queue interface. Used for the KNI side-channel
// when the host interface to bridge to is a real NIC rather than a TAP
// device.
type BridgeQueue struct {
	br *internal.Bridge
}

// NewBridgeQueue attaches to the named existing network interface.
func NewBridgeQueue(name string) (*BridgeQueue, error) {
	br, err := internal.NewBridge(name)
	if err != nil {
		return nil, err
	}
	return &BridgeQueue{br: br}, nil
}

func (q *BridgeQueue) RecvInto(buf []byte) (int, error) { return q.br.Read(buf) }
func (q *BridgeQueue) Send(buf []byte) error {
	_, err := q.br.Write(buf)
	return err
}
func (q *BridgeQueue) ChecksumOffload() bool { return false }
func (q *BridgeQueue) Close() error          { return q.br.Close() }
