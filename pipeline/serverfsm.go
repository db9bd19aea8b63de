package pipeline

import (
	"github.com/google/uuid"

	"github.com/connlayer/nftraffic/cmanager"
	"github.com/connlayer/nftraffic/tcp"
)

// ServerMachine drives the server-side half-connection state machine: it
// answers SYNs addressed to this pipeline's synthetic listen ports,
// optionally pushes a payload, and closes actively or passively. Like
// ClientMachine it carries no retransmission or congestion control.
type ServerMachine struct {
	mgr      *cmanager.ManagerS
	engine   L234Data
	checksum bool
	stats    *TcpCounter
}

// NewServerMachine builds a ServerMachine over mgr, stamping outbound
// packets with engine's MAC/IP identity. stats is the pipeline's shared
// TcpCounter; every transition below increments its own arm's counter.
func NewServerMachine(mgr *cmanager.ManagerS, engine L234Data, checksumOffload bool, stats *TcpCounter) *ServerMachine {
	return &ServerMachine{mgr: mgr, engine: engine, checksum: checksumOffload, stats: stats}
}

// HandleSegment advances the server-side Connection for (peerIP, peerPort)
// in response to an inbound segment carried in h, creating the Connection
// on its first SYN. It reports whether a reply was written into h and the
// cause if the connection should be released.
func (sm *ServerMachine) HandleSegment(peerIP [4]byte, peerPort uint16, h *Headers) (conn *cmanager.Connection, reply bool, release cmanager.ReleaseCause) {
	seg := h.TCP.Segment(len(h.TCP.Payload()))
	conn, created := sm.mgr.GetOrInsert(peerIP, peerPort)
	if created {
		conn.DutIP, conn.DutPort = peerIP, peerPort
		conn.DutMAC = *h.Eth.SourceHardwareAddr()
	}

	if seg.Flags.HasAny(tcp.FlagRST) {
		sm.stats.Incr(RecvRst)
		conn.Rec.PushState(tcp.StateClosed)
		return conn, false, cmanager.CausePassiveRst
	}

	state := conn.Rec.LastState()
	switch state {
	case tcp.StateListen:
		if !seg.Flags.HasAll(tcp.FlagSYN) {
			return conn, false, cmanager.CauseNone
		}
		sm.stats.Incr(RecvSyn)
		conn.AckNxt = tcp.Add(seg.SEQ, 1)
		conn.SeqNxt = tcp.Add(conn.SeqNxt, 1) // ISN consumed by our own SYN below.
		conn.Rec.PushState(tcp.StateSynRcvd)
		MakeReplyPacket(*h, 0, 1)
		StripPayload(h)
		RemoveTCPOptions(h)
		replySeg := tcp.Segment{SEQ: tcp.Sub(conn.SeqNxt, 1), ACK: conn.AckNxt, WND: 4096, Flags: tcp.FlagSYN | tcp.FlagACK}
		h.TCP.SetSegment(replySeg, 5)
		PrepareChecksum(*h, sm.checksum)
		sm.stats.Incr(SentSynAck)
		return conn, true, cmanager.CauseNone

	case tcp.StateSynRcvd:
		if !seg.Flags.HasAll(tcp.FlagACK) {
			return conn, false, cmanager.CauseNone
		}
		sm.stats.Incr(RecvSynAck2)
		conn.Rec.PushState(tcp.StateEstablished)
		return conn, false, cmanager.CauseNone

	case tcp.StateEstablished:
		if payload := h.Payload(); len(payload) > 0 {
			sm.stats.Incr(Payload)
			if conn.Rec.UUID == (uuid.UUID{}) {
				// First payload: correlate this record to the client's via the
				// CData it carries, then piggyback the server's active close
				// on the ack rather than waiting for a separate send.
				cd, err := DecodeCData(payload)
				if err != nil {
					sm.stats.Incr(Malformed)
				} else {
					conn.Rec.UUID = cd.UUID
					conn.Rec.ClientPort = cd.ClientPort
				}
				conn.AckNxt = tcp.Add(seg.Last(), 1)
				MakeReplyPacket(*h, 0, 0)
				sm.CloseActive(conn, h)
				sm.stats.Incr(SentFin)
				return conn, true, cmanager.CauseNone
			}
			// Subsequent payloads on an already-correlated flow just advance
			// the ack; the server only ever closes on the first one.
			conn.AckNxt = tcp.Add(conn.AckNxt, tcp.Size(len(payload)))
			return conn, false, cmanager.CauseNone
		}
		if seg.Flags.HasAny(tcp.FlagFIN) {
			// Passive close: acknowledge the peer's FIN and send our own FIN
			// in the same segment.
			sm.stats.Incr(RecvFin)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateLastAck)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			off, _ := h.TCP.OffsetAndFlags()
			h.TCP.SetOffsetAndFlags(off, tcp.FlagFIN|tcp.FlagACK)
			conn.SeqNxt = tcp.Add(conn.SeqNxt, 1)
			sm.stats.Incr(SentFinAck)
			return conn, true, cmanager.CauseNone
		}
		return conn, false, cmanager.CauseNone

	case tcp.StateFinWait1:
		switch {
		case seg.Flags.HasAll(tcp.FlagFIN | tcp.FlagACK):
			sm.stats.Incr(RecvFinAck)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateClosed)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			sm.stats.Incr(SentFinAck2)
			return conn, true, cmanager.CauseProtocolComplete
		case seg.Flags.HasAny(tcp.FlagFIN):
			sm.stats.Incr(RecvFinAck)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateClosing)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			sm.stats.Incr(SentFinAck2)
			return conn, true, cmanager.CauseNone
		case seg.Flags.HasAny(tcp.FlagACK):
			conn.Rec.PushState(tcp.StateFinWait2)
			return conn, false, cmanager.CauseNone
		}
		return conn, false, cmanager.CauseNone

	case tcp.StateFinWait2:
		if seg.Flags.HasAny(tcp.FlagFIN) {
			sm.stats.Incr(RecvFinAck)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateClosed)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			sm.stats.Incr(SentFinAck2)
			return conn, true, cmanager.CauseProtocolComplete
		}
		return conn, false, cmanager.CauseNone

	case tcp.StateClosing:
		if seg.Flags.HasAny(tcp.FlagACK) {
			sm.stats.Incr(RecvFinAck2)
			conn.Rec.PushState(tcp.StateClosed)
			return conn, false, cmanager.CauseProtocolComplete
		}
		return conn, false, cmanager.CauseNone

	case tcp.StateLastAck:
		if seg.Flags.HasAny(tcp.FlagACK) {
			sm.stats.Incr(RecvFinAck2)
			conn.Rec.PushState(tcp.StateClosed)
			return conn, false, cmanager.CauseProtocolComplete
		}
		return conn, false, cmanager.CauseNone

	default:
		sm.stats.Incr(Unexpected)
		return conn, false, cmanager.CauseNone
	}
}

// SendPayload writes a data segment for conn into h and advances SeqNxt.
func (sm *ServerMachine) SendPayload(conn *cmanager.Connection, h *Headers, payload []byte) {
	seg := tcp.Segment{SEQ: conn.SeqNxt, ACK: conn.AckNxt, WND: 4096, DATALEN: tcp.Size(len(payload))}
	MakePayloadPacket(h, seg, payload)
	conn.SeqNxt = tcp.Add(conn.SeqNxt, tcp.Size(len(payload)))
	conn.Rec.PayloadPackets++
	PrepareChecksum(*h, sm.checksum)
}

// CloseActive writes a FIN|ACK into h and advances conn to CLOSE-WAIT's
// active-close counterpart, FIN-WAIT-1, but also handles the case where the
// peer had already half-closed (CLOSE-WAIT), moving to LAST-ACK instead.
func (sm *ServerMachine) CloseActive(conn *cmanager.Connection, h *Headers) {
	seg := tcp.Segment{SEQ: conn.SeqNxt, ACK: conn.AckNxt, WND: 4096, Flags: tcp.FlagFIN | tcp.FlagACK}
	StripPayload(h)
	h.TCP.SetSegment(seg, 5)
	conn.SeqNxt = tcp.Add(conn.SeqNxt, 1)
	if conn.Rec.LastState() == tcp.StateCloseWait {
		conn.Rec.PushState(tcp.StateLastAck)
	} else {
		conn.Rec.PushState(tcp.StateFinWait1)
	}
	PrepareChecksum(*h, sm.checksum)
}
