// Package cmanager implements the two connection managers that own
// half-connection state: ManagerC for client-initiated connections (keyed
// by locally-allocated port) and ManagerS for server-side connections
// accepted from the DUT (keyed by peer socket).
package cmanager

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/connlayer/nftraffic/tcp"
)

// Role identifies which side of a connection a Connection represents.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ReleaseCause records why a Connection was released from its manager.
type ReleaseCause uint8

const (
	CauseNone ReleaseCause = iota
	CauseProtocolComplete
	CausePassiveClose
	CauseActiveClose
	CausePassiveRst
	CauseTimedOut
)

func (c ReleaseCause) String() string {
	switch c {
	case CauseProtocolComplete:
		return "ProtocolComplete"
	case CausePassiveClose:
		return "PassiveClose"
	case CauseActiveClose:
		return "ActiveClose"
	case CausePassiveRst:
		return "PassiveRst"
	case CauseTimedOut:
		return "TimedOut"
	default:
		return "None"
	}
}

// ConnRecord is the append-only history kept for each Connection, surfaced
// to the supervisor on request.
type ConnRecord struct {
	StateHistory   []tcp.State
	ServerIndex    int
	PayloadPackets uint64
	ReleaseCause   ReleaseCause
	UUID           uuid.UUID
	ClientPort     uint16
}

// PushState appends a new state to the history.
func (r *ConnRecord) PushState(s tcp.State) { r.StateHistory = append(r.StateHistory, s) }

// LastState returns the most recently pushed state, or StateClosed if the
// record has no history yet.
func (r *ConnRecord) LastState() tcp.State {
	if len(r.StateHistory) == 0 {
		return tcp.StateClosed
	}
	return r.StateHistory[len(r.StateHistory)-1]
}

// Connection is a half-connection record as described in section 3 of the
// design: a local port/peer socket pair, next sequence/ack state, and an
// append-only ConnRecord.
type Connection struct {
	Port    uint16
	DutIP   [4]byte
	DutPort uint16
	DutMAC  [6]byte
	SeqNxt  tcp.Value
	AckNxt  tcp.Value
	Role    Role
	Rec     ConnRecord
}

var (
	// ErrPortsExhausted is returned by ManagerC.Allocate when no free port
	// remains in the owned range.
	ErrPortsExhausted = errors.New("cmanager: no free client ports")
	// ErrUnknownPort is returned when looking up a port ManagerC never
	// allocated.
	ErrUnknownPort = errors.New("cmanager: unknown client port")
)

// ManagerC owns the client-side half-connections for one pipeline: a free
// pool of local TCP ports drawn from the port range hardware flow steering
// assigned to this pipeline, and a ready queue of Connections whose
// handshake has completed and are eligible for payload injection.
type ManagerC struct {
	conns       map[uint16]*Connection
	freePorts   []uint16
	readyQueue  []uint16
	payloadFlag *atomic.Bool
}

// NewManagerC builds a ManagerC owning the half-open port range
// [loPort, hiPort). payloadReady is the shared flag the Payload injector
// polls; ManagerC raises it on the 0->1 ready-queue transition and
// NextReady clears it when the queue drains.
func NewManagerC(loPort, hiPort uint16, payloadReady *atomic.Bool) *ManagerC {
	free := make([]uint16, 0, int(hiPort)-int(loPort))
	for p := loPort; p < hiPort; p++ {
		free = append(free, p)
	}
	return &ManagerC{
		conns:       make(map[uint16]*Connection, len(free)),
		freePorts:   free,
		payloadFlag: payloadReady,
	}
}

// Allocate draws a free port and creates a new client Connection for it.
func (m *ManagerC) Allocate() (*Connection, error) {
	if len(m.freePorts) == 0 {
		return nil, ErrPortsExhausted
	}
	port := m.freePorts[len(m.freePorts)-1]
	m.freePorts = m.freePorts[:len(m.freePorts)-1]
	c := &Connection{Port: port, Role: RoleClient}
	c.Rec.UUID = uuid.New()
	c.Rec.ClientPort = port
	m.conns[port] = c
	return c, nil
}

// Get returns the Connection owning port, or nil if none exists.
func (m *ManagerC) Get(port uint16) *Connection {
	return m.conns[port]
}

// MarkReady enqueues port's Connection as eligible for payload injection,
// raising the shared Payload-injector ready flag on the 0->1 transition.
func (m *ManagerC) MarkReady(port uint16) {
	wasEmpty := len(m.readyQueue) == 0
	m.readyQueue = append(m.readyQueue, port)
	if wasEmpty && m.payloadFlag != nil {
		m.payloadFlag.Store(true)
	}
}

// NextReady pops the next ready connection's port, reporting false if the
// queue is empty. Clears the shared ready flag on 1->0 transition.
func (m *ManagerC) NextReady() (uint16, bool) {
	if len(m.readyQueue) == 0 {
		return 0, false
	}
	port := m.readyQueue[0]
	m.readyQueue = m.readyQueue[1:]
	if len(m.readyQueue) == 0 && m.payloadFlag != nil {
		m.payloadFlag.Store(false)
	}
	return port, true
}

// Release removes port's Connection, returning the port to the free pool
// and recording cause on the Connection's record before discarding it. The
// caller must have already flushed any record it wants kept.
func (m *ManagerC) Release(port uint16, cause ReleaseCause) {
	c, ok := m.conns[port]
	if !ok {
		return
	}
	c.Rec.ReleaseCause = cause
	delete(m.conns, port)
	m.freePorts = append(m.freePorts, port)
}

// Len returns the number of currently tracked client connections.
func (m *ManagerC) Len() int { return len(m.conns) }

// Flush returns the record of every still-tracked client Connection without
// releasing them. Used to answer a FetchCRecords control request.
func (m *ManagerC) Flush() []ConnRecord {
	recs := make([]ConnRecord, 0, len(m.conns))
	for _, c := range m.conns {
		recs = append(recs, c.Rec)
	}
	return recs
}

// peerKey identifies a server-side Connection by the DUT's socket.
type peerKey struct {
	ip   [4]byte
	port uint16
}

// ManagerS owns server-side half-connections, keyed by (peer_ip, peer_port)
// since the listen port is shared across every accepted connection.
type ManagerS struct {
	conns map[peerKey]*Connection
}

// NewManagerS builds an empty ManagerS.
func NewManagerS() *ManagerS {
	return &ManagerS{conns: make(map[peerKey]*Connection)}
}

// GetOrInsert returns the existing Connection for (peerIP, peerPort), or
// creates one in StateListen if none exists yet. created reports whether a
// new Connection was created.
func (m *ManagerS) GetOrInsert(peerIP [4]byte, peerPort uint16) (c *Connection, created bool) {
	key := peerKey{ip: peerIP, port: peerPort}
	if c, ok := m.conns[key]; ok {
		return c, false
	}
	c = &Connection{DutIP: peerIP, DutPort: peerPort, Role: RoleServer}
	c.Rec.PushState(tcp.StateListen)
	m.conns[key] = c
	return c, true
}

// Get returns the Connection for (peerIP, peerPort), or nil if none exists.
func (m *ManagerS) Get(peerIP [4]byte, peerPort uint16) *Connection {
	return m.conns[peerKey{ip: peerIP, port: peerPort}]
}

// Release discards the Connection for (peerIP, peerPort), recording cause.
func (m *ManagerS) Release(peerIP [4]byte, peerPort uint16, cause ReleaseCause) {
	key := peerKey{ip: peerIP, port: peerPort}
	c, ok := m.conns[key]
	if !ok {
		return
	}
	c.Rec.ReleaseCause = cause
	delete(m.conns, key)
}

// Len returns the number of currently tracked server connections.
func (m *ManagerS) Len() int { return len(m.conns) }

// Flush returns the record of every still-tracked server Connection without
// releasing them. Used to answer a FetchCRecords control request.
func (m *ManagerS) Flush() []ConnRecord {
	recs := make([]ConnRecord, 0, len(m.conns))
	for _, c := range m.conns {
		recs = append(recs, c.Rec)
	}
	return recs
}
