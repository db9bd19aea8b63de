package pipeline

import (
	"github.com/connlayer/nftraffic/cmanager"
	"github.com/connlayer/nftraffic/tcp"
)

// ClientMachine drives the client-side half-connection state machine: one
// per pipeline, shared across every connection ManagerC tracks. It has no
// retransmission, window scaling, or congestion control (the synthetic
// client never needs to recover from loss it caused itself), matching the
// reduced TCB described for this traffic generator.
type ClientMachine struct {
	mgr      *cmanager.ManagerC
	engine   L234Data
	checksum bool // true when the NIC performs checksum offload
	stats    *TcpCounter
}

// NewClientMachine builds a ClientMachine over mgr, stamping outbound
// packets with engine's MAC/IP identity. stats is the pipeline's shared
// TcpCounter; every transition below increments its own arm's counter.
func NewClientMachine(mgr *cmanager.ManagerC, engine L234Data, checksumOffload bool, stats *TcpCounter) *ClientMachine {
	return &ClientMachine{mgr: mgr, engine: engine, checksum: checksumOffload, stats: stats}
}

// Open allocates a new client Connection and writes a SYN into h, addressed
// to server. iss is the initial sequence number (drawn by the caller from
// its internal.Prand32 state, per the design's ISN policy).
func (cm *ClientMachine) Open(h *Headers, server L234Data, iss tcp.Value, wnd tcp.Size) (*cmanager.Connection, error) {
	conn, err := cm.mgr.Allocate()
	if err != nil {
		return nil, err
	}
	conn.DutIP, conn.DutPort, conn.DutMAC = server.IP, server.Port, server.MAC
	conn.SeqNxt = tcp.Add(iss, 1)
	conn.Rec.PushState(tcp.StateSynSent)

	SetHeader(*h, cm.engine, server, conn.Port)
	RemoveTCPOptions(h)
	seg := tcp.ClientSynSegment(iss, wnd)
	h.TCP.SetSegment(seg, 5)
	_, flags := h.TCP.OffsetAndFlags()
	h.TCP.SetOffsetAndFlags(5, flags)
	PrepareChecksum(*h, cm.checksum)
	return conn, nil
}

// HandleSegment advances conn's state machine in response to an inbound
// segment from the real server, carried in h. It reports whether a reply
// was written into h (the caller transmits it iff true), the cause if the
// connection should now be released, and whether the segment was
// unexpected for conn's current state — the caller routes those to KNI
// instead of dropping them, per the classifier's unexpected-flag handling.
func (cm *ClientMachine) HandleSegment(conn *cmanager.Connection, h *Headers) (reply bool, release cmanager.ReleaseCause, unexpected bool) {
	seg := h.TCP.Segment(len(h.TCP.Payload()))

	if seg.Flags.HasAny(tcp.FlagRST) {
		cm.stats.Incr(RecvRst)
		conn.Rec.PushState(tcp.StateClosed)
		return false, cmanager.CausePassiveRst, false
	}

	state := conn.Rec.LastState()
	switch state {
	case tcp.StateSynSent:
		if !seg.Flags.HasAll(tcp.FlagSYN|tcp.FlagACK) || seg.ACK != conn.SeqNxt {
			return false, cmanager.CauseNone, false // not the SYN-ACK we're waiting for; drop.
		}
		cm.stats.Incr(RecvSynAck)
		conn.AckNxt = tcp.Add(seg.SEQ, 1)
		conn.Rec.PushState(tcp.StateEstablished)
		MakeReplyPacket(*h, 0, 0)
		h.TCP.SetSeq(conn.SeqNxt)
		h.TCP.SetAck(conn.AckNxt)
		cm.mgr.MarkReady(conn.Port)
		cm.stats.Incr(SentSynAck2)
		return true, cmanager.CauseNone, false

	case tcp.StateEstablished:
		if seg.Flags.HasAny(tcp.FlagFIN) {
			// Passive close: DUT is the one closing on us. Acknowledge its
			// FIN and send our own FIN in the same segment.
			cm.stats.Incr(RecvFin)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateLastAck)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			off, _ := h.TCP.OffsetAndFlags()
			h.TCP.SetOffsetAndFlags(off, tcp.FlagFIN|tcp.FlagACK)
			conn.SeqNxt = tcp.Add(conn.SeqNxt, 1)
			cm.stats.Incr(SentFinAck)
			return true, cmanager.CauseNone, false
		}
		return false, cmanager.CauseNone, false

	case tcp.StateLastAck:
		if seg.Flags.HasAny(tcp.FlagACK) && seg.ACK == conn.SeqNxt {
			cm.stats.Incr(RecvFinAck2)
			conn.Rec.PushState(tcp.StateClosed)
			return false, cmanager.CauseProtocolComplete, false
		}
		return false, cmanager.CauseNone, false

	case tcp.StateFinWait1:
		switch {
		case seg.Flags.HasAll(tcp.FlagFIN | tcp.FlagACK):
			cm.stats.Incr(RecvFinAck)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateClosed)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			cm.stats.Incr(SentFinAck2)
			return true, cmanager.CauseProtocolComplete, false
		case seg.Flags.HasAny(tcp.FlagFIN):
			cm.stats.Incr(RecvFinAck)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateClosing)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			cm.stats.Incr(SentFinAck2)
			return true, cmanager.CauseNone, false
		case seg.Flags.HasAny(tcp.FlagACK):
			conn.Rec.PushState(tcp.StateFinWait2)
			return false, cmanager.CauseNone, false
		}
		return false, cmanager.CauseNone, false

	case tcp.StateFinWait2:
		if seg.Flags.HasAny(tcp.FlagFIN) {
			cm.stats.Incr(RecvFinAck)
			conn.AckNxt = tcp.Add(seg.Last(), 1)
			conn.Rec.PushState(tcp.StateClosed)
			MakeReplyPacket(*h, 0, 0)
			h.TCP.SetSeq(conn.SeqNxt)
			h.TCP.SetAck(conn.AckNxt)
			cm.stats.Incr(SentFinAck2)
			return true, cmanager.CauseProtocolComplete, false
		}
		return false, cmanager.CauseNone, false

	case tcp.StateClosing:
		if seg.Flags.HasAny(tcp.FlagACK) {
			cm.stats.Incr(RecvFinAck2)
			conn.Rec.PushState(tcp.StateClosed)
			return false, cmanager.CauseProtocolComplete, false
		}
		return false, cmanager.CauseNone, false

	default:
		cm.stats.Incr(Unexpected)
		return false, cmanager.CauseNone, true
	}
}

// SendPayload writes a data segment for conn into h and advances SeqNxt by
// len(payload).
func (cm *ClientMachine) SendPayload(conn *cmanager.Connection, h *Headers, payload []byte) {
	seg := tcp.Segment{SEQ: conn.SeqNxt, ACK: conn.AckNxt, WND: 4096, DATALEN: tcp.Size(len(payload))}
	MakePayloadPacket(h, seg, payload)
	conn.SeqNxt = tcp.Add(conn.SeqNxt, tcp.Size(len(payload)))
	conn.Rec.PayloadPackets++
	PrepareChecksum(*h, cm.checksum)
}

// Close writes an active-close FIN|ACK for conn into h and advances SeqNxt
// by one (the FIN consumes a sequence number).
func (cm *ClientMachine) Close(conn *cmanager.Connection, h *Headers) {
	seg := tcp.Segment{SEQ: conn.SeqNxt, ACK: conn.AckNxt, WND: 4096, Flags: tcp.FlagFIN | tcp.FlagACK}
	StripPayload(h)
	h.TCP.SetSegment(seg, 5)
	conn.SeqNxt = tcp.Add(conn.SeqNxt, 1)
	conn.Rec.PushState(tcp.StateFinWait1)
	PrepareChecksum(*h, cm.checksum)
}
