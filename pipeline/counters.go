package pipeline

// TcpStatistic enumerates the event kinds a Pipeline's TcpCounter tracks:
// one per frame a client/server state machine sends or receives, plus the
// error-path counters from the classifier and payload deserializer.
type TcpStatistic uint8

const (
	SentSyn TcpStatistic = iota
	RecvSyn
	SentSynAck
	RecvSynAck
	RecvSynAck2
	SentFin
	RecvFin
	SentFinAck
	SentFinAck2
	RecvFinAck
	RecvFinAck2
	RecvRst
	SentRst
	Payload
	Unexpected
	Malformed

	tcpStatisticCount
)

var tcpStatisticNames = [tcpStatisticCount]string{
	SentSyn:     "SentSyn",
	RecvSyn:     "RecvSyn",
	SentSynAck:  "SentSynAck",
	RecvSynAck:  "RecvSynAck",
	RecvSynAck2: "RecvSynAck2",
	SentFin:     "SentFin",
	RecvFin:     "RecvFin",
	SentFinAck:  "SentFinAck",
	SentFinAck2: "SentFinAck2",
	RecvFinAck:  "RecvFinAck",
	RecvFinAck2: "RecvFinAck2",
	RecvRst:     "RecvRst",
	SentRst:     "SentRst",
	Payload:     "Payload",
	Unexpected:  "Unexpected",
	Malformed:   "Malformed",
}

func (s TcpStatistic) String() string {
	if s < tcpStatisticCount {
		return tcpStatisticNames[s]
	}
	return "Unknown"
}

// TcpCounter is a fixed-size mapping from TcpStatistic to an unsigned
// counter. A Pipeline owns one, shared by its ClientMachine and
// ServerMachine, and reports it verbatim on a FetchCounter request. Not
// safe for concurrent use; every increment happens on the single-threaded
// packet processing loop.
type TcpCounter struct {
	values [tcpStatisticCount]uint64
}

// Incr increments stat's counter by one.
func (c *TcpCounter) Incr(stat TcpStatistic) { c.values[stat]++ }

// Value returns stat's current counter value.
func (c *TcpCounter) Value(stat TcpStatistic) uint64 { return c.values[stat] }

// Snapshot returns every counter keyed by its name, for a FetchCounter
// control-plane reply.
func (c *TcpCounter) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, tcpStatisticCount)
	for s, v := range c.values {
		out[TcpStatistic(s).String()] = v
	}
	return out
}
