package pipeline_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/connlayer/nftraffic/control"
	"github.com/connlayer/nftraffic/ethernet"
	"github.com/connlayer/nftraffic/ipv4"
	"github.com/connlayer/nftraffic/nic"
	"github.com/connlayer/nftraffic/pipeline"
	"github.com/connlayer/nftraffic/tcp"
	"github.com/connlayer/nftraffic/wire"
)

var (
	engineMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	engineIP  = [4]byte{10, 0, 0, 1}
	serverMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	serverIP  = [4]byte{10, 0, 0, 2}
	serverTCP = uint16(80)

	clientMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	clientIP   = [4]byte{10, 0, 0, 3}
	clientPort = uint16(40000)
)

func newTestPipeline(t *testing.T) (*pipeline.Pipeline, *nic.Loopback) {
	t.Helper()
	lb := nic.NewLoopback(16, false)
	cfg := pipeline.Config{
		ID:            control.PipelineId{Core: 0, PortID: 0, RXQ: 0},
		Engine:        pipeline.L234Data{MAC: engineMAC, IP: engineIP, Port: 0},
		Servers:       []pipeline.L234Data{{MAC: serverMAC, IP: serverIP, Port: serverTCP}},
		ClientPortLo:  20000,
		ClientPortHi:  20010,
		ServerPortLo:  8080,
		ServerPortHi:  8081,
		CPSLimit:      1000,
		NrConnections: 1000,
		EstablishedTO: time.Hour,
		TickInterval:  time.Millisecond,
	}
	p, err := pipeline.New(cfg, lb, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p, lb
}

// buildSegment constructs a raw Ethernet/IPv4/TCP frame as an external peer
// would send it, used to feed Pipeline.Run's RX arm from the test.
func buildSegment(srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, seg tcp.Segment, payload []byte) []byte {
	buf := make([]byte, 14+20+20+len(payload))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = srcMAC
	*efrm.DestinationHardwareAddr() = dstMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	ifrm.SetTotalLength(uint16(40 + len(payload)))
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = dstIP

	tfrm, _ := tcp.NewFrame(ifrm.Payload())
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetSegment(seg, 5)
	copy(tfrm.Payload(), payload)

	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	var crc wire.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.SetCRC(0)
	crc.Write(tfrm.RawData()[:tfrm.HeaderLength()])
	crc.Write(payload)
	tfrm.SetCRC(crc.Sum16())
	return buf
}

func parseSent(t *testing.T, frame []byte) (ifrm ipv4.Frame, tfrm tcp.Frame) {
	t.Helper()
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	ifrm, err = ipv4.NewFrame(efrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	tfrm, err = tcp.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	return ifrm, tfrm
}

func drivePipeline(t *testing.T, p *pipeline.Pipeline, iterations int) {
	t.Helper()
	for i := 0; i < iterations; i++ {
		stepPipeline(p)
	}
}

// stepPipeline drives one iteration of the pipeline's scheduling loop.
// Run blocks on a context and would race with test assertions if started in
// the background, so tests instead call the white-box Step seam defined in
// export_test.go.
func stepPipeline(p *pipeline.Pipeline) {
	pipeline.Step(p, pipeline.TestNowCycles(p))
}

func TestPipeline_fullClientHandshake(t *testing.T) {
	p, lb := newTestPipeline(t)

	drivePipeline(t, p, 1) // SYN injection.
	if len(lb.Sent) != 1 {
		t.Fatalf("expected 1 frame sent (SYN), got %d", len(lb.Sent))
	}
	_, synFrm := parseSent(t, lb.Sent[0])
	_, flags := synFrm.OffsetAndFlags()
	if flags != tcp.FlagSYN {
		t.Fatalf("expected SYN, got %s", flags)
	}
	iss := synFrm.Seq()
	localPort := synFrm.SourcePort()

	synAck := buildSegment(serverMAC, engineMAC, serverIP, engineIP, serverTCP, localPort,
		tcp.Segment{SEQ: 5000, ACK: tcp.Add(iss, 1), WND: 4096, Flags: tcp.FlagSYN | tcp.FlagACK}, nil)
	lb.Inject(synAck)

	drivePipeline(t, p, 1) // RX: process SYN-ACK, send ACK.
	if len(lb.Sent) != 2 {
		t.Fatalf("expected ACK reply, got %d frames sent", len(lb.Sent))
	}
	_, ackFrm := parseSent(t, lb.Sent[1])
	_, ackFlags := ackFrm.OffsetAndFlags()
	if ackFlags != tcp.FlagACK {
		t.Fatalf("expected bare ACK, got %s", ackFlags)
	}
}

func TestPipeline_serverPassiveCloseOnClientFin(t *testing.T) {
	p, lb := newTestPipeline(t)

	syn := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 100, WND: 4096, Flags: tcp.FlagSYN}, nil)
	lb.Inject(syn)
	drivePipeline(t, p, 1)
	if len(lb.Sent) != 1 {
		t.Fatalf("expected SYN-ACK reply, got %d", len(lb.Sent))
	}
	_, synAckFrm := parseSent(t, lb.Sent[0])
	_, flags := synAckFrm.OffsetAndFlags()
	if flags != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("expected SYN|ACK, got %s", flags)
	}
	serverISS := synAckFrm.Seq()

	ack := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagACK}, nil)
	lb.Inject(ack)
	drivePipeline(t, p, 1) // establishes; no reply expected.
	sentBefore := len(lb.Sent)

	fin := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagFIN | tcp.FlagACK}, nil)
	lb.Inject(fin)
	drivePipeline(t, p, 1)
	if len(lb.Sent) != sentBefore+1 {
		t.Fatalf("expected passive-close FIN|ACK, got %d total frames", len(lb.Sent))
	}
	_, closeFrm := parseSent(t, lb.Sent[len(lb.Sent)-1])
	_, closeFlags := closeFrm.OffsetAndFlags()
	if closeFlags != tcp.FlagFIN|tcp.FlagACK {
		t.Fatalf("expected FIN|ACK on passive close, got %s", closeFlags)
	}
}

func TestPipeline_rstReleasesConnection(t *testing.T) {
	p, lb := newTestPipeline(t)
	drivePipeline(t, p, 1)
	_, synFrm := parseSent(t, lb.Sent[0])
	localPort := synFrm.SourcePort()

	rst := buildSegment(serverMAC, engineMAC, serverIP, engineIP, serverTCP, localPort,
		tcp.Segment{SEQ: 9999, Flags: tcp.FlagRST}, nil)
	lb.Inject(rst)
	drivePipeline(t, p, 1)
	// No reply to a RST, and the connection is released.
	if len(lb.Sent) != 1 {
		t.Fatalf("RST must not provoke a reply, total sent=%d", len(lb.Sent))
	}
	if pipeline.ClientConnActive(p, localPort) {
		t.Fatal("expected connection released after RST")
	}
}

func TestPipeline_kniPassthrough(t *testing.T) {
	lb := nic.NewLoopback(16, false)
	kni := nic.NewLoopback(4, false)
	p, err := pipeline.New(pipeline.Config{
		ID:            control.PipelineId{},
		Engine:        pipeline.L234Data{MAC: engineMAC, IP: engineIP},
		Servers:       []pipeline.L234Data{{MAC: serverMAC, IP: serverIP, Port: serverTCP}},
		ClientPortLo:  20000,
		ClientPortHi:  20010,
		ServerPortLo:  8080,
		ServerPortHi:  8081,
		CPSLimit:      1000,
		NrConnections: 1000,
		EstablishedTO: time.Hour,
		TickInterval:  time.Millisecond,
	}, lb, kni)
	if err != nil {
		t.Fatal(err)
	}

	// Traffic for a port this pipeline owns neither as client ephemeral
	// range nor as a synthetic server listen port: passthrough to the KNI.
	foreign := buildSegment(clientMAC, engineMAC, clientIP, engineIP, 55555, 9999,
		tcp.Segment{SEQ: 1, Flags: tcp.FlagACK}, nil)
	lb.Inject(foreign)
	drivePipeline(t, p, 1)
	if len(kni.Sent) != 1 {
		t.Fatalf("expected frame forwarded to KNI, got %d", len(kni.Sent))
	}
}

func TestPipeline_serverActiveCloseCompletes(t *testing.T) {
	p, lb := newTestPipeline(t)

	syn := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 100, WND: 4096, Flags: tcp.FlagSYN}, nil)
	lb.Inject(syn)
	drivePipeline(t, p, 1)
	_, synAckFrm := parseSent(t, lb.Sent[0])
	serverISS := synAckFrm.Seq()

	ack := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagACK}, nil)
	lb.Inject(ack)
	drivePipeline(t, p, 1) // reaches ESTABLISHED; no reply expected.

	if !pipeline.ServerConnActive(p, clientIP, clientPort) {
		t.Fatalf("expected server-side connection to be tracked after handshake")
	}
	if !pipeline.ServerCloseActive(p, clientIP, clientPort, 8080) {
		t.Fatalf("ServerCloseActive failed to send")
	}
	_, finFrm := parseSent(t, lb.Sent[len(lb.Sent)-1])
	_, finFlags := finFrm.OffsetAndFlags()
	if finFlags != tcp.FlagFIN|tcp.FlagACK {
		t.Fatalf("expected FIN|ACK from active close, got %s", finFlags)
	}
	serverFinSeq := finFrm.Seq()

	// Client acknowledges our FIN and closes its own direction in the same
	// segment, the common combined-FIN case.
	finAck := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverFinSeq, 1), WND: 4096, Flags: tcp.FlagFIN | tcp.FlagACK}, nil)
	lb.Inject(finAck)
	drivePipeline(t, p, 1)

	if pipeline.ServerConnActive(p, clientIP, clientPort) {
		t.Fatalf("expected server-side connection to be released after the close completed")
	}
}

func TestPipeline_establishedTimeoutReleasesConnection(t *testing.T) {
	lb := nic.NewLoopback(16, false)
	cfg := pipeline.Config{
		ID:            control.PipelineId{},
		Engine:        pipeline.L234Data{MAC: engineMAC, IP: engineIP},
		Servers:       []pipeline.L234Data{{MAC: serverMAC, IP: serverIP, Port: serverTCP}},
		ClientPortLo:  20000,
		ClientPortHi:  20010,
		ServerPortLo:  8080,
		ServerPortHi:  8081,
		CPSLimit:      1000,
		NrConnections: 1000,
		EstablishedTO: time.Nanosecond, // already expired by the time any tick polls it.
		TickInterval:  time.Millisecond,
	}
	p, err := pipeline.New(cfg, lb, nil)
	if err != nil {
		t.Fatal(err)
	}

	drivePipeline(t, p, 1) // SYN injection; schedules the established-timeout wheel entry.
	_, synFrm := parseSent(t, lb.Sent[0])
	localPort := synFrm.SourcePort()
	if !pipeline.ClientConnActive(p, localPort) {
		t.Fatalf("expected client connection to be tracked right after SYN injection")
	}

	time.Sleep(time.Millisecond) // let real monotonic time pass the (nanosecond) deadline.
	for i := 0; i < 8 && pipeline.ClientConnActive(p, localPort); i++ {
		drivePipeline(t, p, 1)
	}
	if pipeline.ClientConnActive(p, localPort) {
		t.Fatalf("expected client connection to be released by established-timeout")
	}
}

func TestPipeline_serverClosesOnFirstPayload(t *testing.T) {
	p, lb := newTestPipeline(t)

	syn := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 100, WND: 4096, Flags: tcp.FlagSYN}, nil)
	lb.Inject(syn)
	drivePipeline(t, p, 1)
	_, synAckFrm := parseSent(t, lb.Sent[0])
	serverISS := synAckFrm.Seq()

	ack := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagACK}, nil)
	lb.Inject(ack)
	drivePipeline(t, p, 1) // reaches ESTABLISHED; no reply expected.

	want := uuid.New()
	cdata := pipeline.CData{PeerIP: engineIP, PeerPort: 8080, ClientPort: 9999, UUID: want}
	payload := cdata.Encode(nil)
	data := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagACK}, payload)
	lb.Inject(data)
	drivePipeline(t, p, 1)

	_, finFrm := parseSent(t, lb.Sent[len(lb.Sent)-1])
	_, finFlags := finFrm.OffsetAndFlags()
	if finFlags != tcp.FlagFIN|tcp.FlagACK {
		t.Fatalf("expected server to piggyback its active close on the first payload, got %s", finFlags)
	}

	rec, ok := pipeline.ServerConnRecord(p, clientIP, clientPort)
	if !ok {
		t.Fatalf("expected server-side record to still exist in FinWait1")
	}
	if rec.UUID != want || rec.ClientPort != 9999 {
		t.Fatalf("expected record correlated from CData, got uuid=%s clientPort=%d", rec.UUID, rec.ClientPort)
	}
}

func TestPipeline_countersFullHandshake(t *testing.T) {
	p, lb := newTestPipeline(t)

	drivePipeline(t, p, 1) // SYN injection.
	_, synFrm := parseSent(t, lb.Sent[0])
	iss := synFrm.Seq()
	localPort := synFrm.SourcePort()

	if got := pipeline.StatValue(p, pipeline.SentSyn); got != 1 {
		t.Fatalf("expected SentSyn=1 after injection, got %d", got)
	}

	synAck := buildSegment(serverMAC, engineMAC, serverIP, engineIP, serverTCP, localPort,
		tcp.Segment{SEQ: 5000, ACK: tcp.Add(iss, 1), WND: 4096, Flags: tcp.FlagSYN | tcp.FlagACK}, nil)
	lb.Inject(synAck)
	drivePipeline(t, p, 1) // RX: process SYN-ACK, send ACK.

	if got := pipeline.StatValue(p, pipeline.RecvSynAck); got != 1 {
		t.Fatalf("expected RecvSynAck=1, got %d", got)
	}
	if got := pipeline.StatValue(p, pipeline.SentSynAck2); got != 1 {
		t.Fatalf("expected SentSynAck2=1, got %d", got)
	}
}

func TestPipeline_countersPayloadClose(t *testing.T) {
	p, lb := newTestPipeline(t)

	syn := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 100, WND: 4096, Flags: tcp.FlagSYN}, nil)
	lb.Inject(syn)
	drivePipeline(t, p, 1)
	_, synAckFrm := parseSent(t, lb.Sent[0])
	serverISS := synAckFrm.Seq()

	ack := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagACK}, nil)
	lb.Inject(ack)
	drivePipeline(t, p, 1)

	cdata := pipeline.CData{PeerIP: engineIP, PeerPort: 8080, ClientPort: 1234, UUID: uuid.New()}
	payload := cdata.Encode(nil)
	data := buildSegment(clientMAC, engineMAC, clientIP, engineIP, clientPort, 8080,
		tcp.Segment{SEQ: 101, ACK: tcp.Add(serverISS, 1), WND: 4096, Flags: tcp.FlagACK}, payload)
	lb.Inject(data)
	drivePipeline(t, p, 1)

	if got := pipeline.StatValue(p, pipeline.Payload); got != 1 {
		t.Fatalf("expected Payload=1, got %d", got)
	}
	if got := pipeline.StatValue(p, pipeline.SentFin); got != 1 {
		t.Fatalf("expected SentFin=1, got %d", got)
	}
}

func TestPipeline_synAdmissionGateClearsAtQuota(t *testing.T) {
	lb := nic.NewLoopback(16, false)
	p, err := pipeline.New(pipeline.Config{
		ID:            control.PipelineId{},
		Engine:        pipeline.L234Data{MAC: engineMAC, IP: engineIP},
		Servers:       []pipeline.L234Data{{MAC: serverMAC, IP: serverIP, Port: serverTCP}},
		ClientPortLo:  20000,
		ClientPortHi:  20010,
		ServerPortLo:  8080,
		ServerPortHi:  8081,
		CPSLimit:      1_000_000_000, // effectively unrated, so quota (not the rate limit) is what's under test.
		NrConnections: 2,
		EstablishedTO: time.Hour,
		TickInterval:  time.Millisecond,
	}, lb, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !pipeline.SynReady(p) {
		t.Fatalf("expected SYN injector ready before quota is reached")
	}
	for i := 0; i < 8 && pipeline.StatValue(p, pipeline.SentSyn) < 2; i++ {
		drivePipeline1(p)
	}
	if got := pipeline.StatValue(p, pipeline.SentSyn); got != 2 {
		t.Fatalf("expected SentSyn=2 at quota, got %d", got)
	}
	if pipeline.SynReady(p) {
		t.Fatalf("expected SYN injector to clear ready once SentSyn reaches nr_connections")
	}
	sentBefore := len(lb.Sent)
	drivePipeline(t, p, 1)
	if len(lb.Sent) != sentBefore {
		t.Fatalf("expected no further SYN injection once quota is reached, sent %d more", len(lb.Sent)-sentBefore)
	}
}

// drivePipeline1 steps the pipeline once and reports whether it did work,
// for loops that must keep polling until a rate-limited source fires.
func drivePipeline1(p *pipeline.Pipeline) bool {
	return pipeline.Step(p, pipeline.TestNowCycles(p))
}
