package tcp_test

import (
	"testing"

	"github.com/connlayer/nftraffic/ethernet"
	"github.com/connlayer/nftraffic/ipv4"
	"github.com/connlayer/nftraffic/tcp"
	"github.com/connlayer/nftraffic/wire"
)

const synackPacket = "\xd8\x5e\xd3\x43\x03\xeb\x28\xcd\xc1\x05\x4d\xbb\x08\x00\x45\x00\x00\x34\x00\x00\x40\x00\x40\x06\xb6\x4f\xc0\xa8\x01\x91\xc0\xa8\x01\x93\x04\xd2\x84\x96\xbe\x6e\x4c\x0f\x5e\x72\x2b\x7e\x80\x12\x10\x00\xc0\xbb\x00\x00\x02\x04\x05\xb4\x03\x03\x00\x04\x02\x00\x00\x00"

func TestFrame_parseSYNACK(t *testing.T) {
	b := []byte(synackPacket)
	var vld wire.Validator
	efrm, err := ethernet.NewFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
		t.Fatal("expected IPv4 ethertype")
	}
	efrm.ValidateSize(&vld)
	if vld.Err() != nil {
		t.Fatal(vld.Err())
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	ifrm.ValidateSize(&vld)
	if vld.Err() != nil {
		t.Fatal(vld.Err())
	}
	if ifrm.Protocol() != wire.IPProtoTCP {
		t.Fatalf("expected TCP protocol, got %s", ifrm.Protocol())
	}
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	tfrm.ValidateSize(&vld)
	if vld.Err() != nil {
		t.Fatal(vld.Err())
	}
	_, flags := tfrm.OffsetAndFlags()
	if flags != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("expected SYN|ACK flags, got %s", flags)
	}
	if tfrm.DestinationPort() != 33942 {
		t.Fatalf("expected destination port 33942, got %d", tfrm.DestinationPort())
	}
}

func TestFrame_setGetRoundtrip(t *testing.T) {
	buf := make([]byte, 40)
	frm, err := tcp.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(443)
	frm.SetDestinationPort(9090)
	frm.SetSeq(12345)
	frm.SetAck(67890)
	frm.SetOffsetAndFlags(5, tcp.FlagPSH|tcp.FlagACK)
	frm.SetWindowSize(4096)
	frm.SetUrgentPtr(0)

	if frm.SourcePort() != 443 || frm.DestinationPort() != 9090 {
		t.Fatal("port roundtrip mismatch")
	}
	if frm.Seq() != 12345 || frm.Ack() != 67890 {
		t.Fatal("seq/ack roundtrip mismatch")
	}
	off, flags := frm.OffsetAndFlags()
	if off != 5 || flags != tcp.FlagPSH|tcp.FlagACK {
		t.Fatalf("offset/flags roundtrip mismatch: off=%d flags=%s", off, flags)
	}
	if frm.HeaderLength() != 20 {
		t.Fatalf("expected header length 20, got %d", frm.HeaderLength())
	}
}

func TestFlags_String(t *testing.T) {
	cases := []struct {
		flags tcp.Flags
		want  string
	}{
		{0, "[]"},
		{tcp.FlagSYN, "[SYN]"},
		{tcp.FlagSYN | tcp.FlagACK, "[SYN,ACK]"},
		{tcp.FlagFIN | tcp.FlagACK, "[FIN,ACK]"},
		{tcp.FlagRST, "[RST]"},
	}
	for _, c := range cases {
		if got := c.flags.String(); got != c.want {
			t.Errorf("Flags(%d).String() = %q, want %q", c.flags, got, c.want)
		}
	}
}

func TestValue_arithmetic(t *testing.T) {
	var iss tcp.Value = 0xfffffffe
	next := tcp.Add(iss, 4) // wraps past 2**32
	if next != 2 {
		t.Fatalf("expected wraparound to 2, got %d", next)
	}
	if !tcp.LessThan(iss, next) {
		t.Fatal("expected iss to precede next across wraparound")
	}
	if !tcp.InWindow(tcp.Add(iss, 1), iss, 4) {
		t.Fatal("expected seq+1 to lie within window")
	}
	if tcp.InWindow(tcp.Add(iss, 5), iss, 4) {
		t.Fatal("seq+5 should lie outside a window of size 4")
	}
}
