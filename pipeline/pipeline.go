package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/connlayer/nftraffic/cmanager"
	"github.com/connlayer/nftraffic/control"
	"github.com/connlayer/nftraffic/inject"
	"github.com/connlayer/nftraffic/internal"
	"github.com/connlayer/nftraffic/nic"
	"github.com/connlayer/nftraffic/tcp"
	"github.com/connlayer/nftraffic/timerwheel"
)

// cyclesNow returns the current monotonic time expressed in the pipeline's
// cycle unit. A genuine cycle-counter read is unavailable in portable Go, so
// nanoseconds of monotonic time stand in for cycles uniformly across the
// whole fast path; every consumer of "cycles" in this package only ever
// compares them to each other, never to a real clock frequency.
func cyclesNow(start time.Time) uint64 {
	return uint64(time.Since(start))
}

// peerKeyToken identifies a server-side Connection for timer-wheel
// scheduling; it mirrors cmanager's unexported peer key so the wheel has no
// dependency on cmanager's internals.
type peerKeyToken struct {
	ip   [4]byte
	port uint16
}

// Config bundles what New needs besides the NIC/KNI queues (which New takes
// as separate arguments): the pipeline's identity, the server pool it drives
// traffic against, and its rate/timeout targets.
type Config struct {
	ID              control.PipelineId
	Engine          L234Data
	Servers         []L234Data
	ClientPortLo    uint16
	ClientPortHi    uint16
	ServerPortLo    uint16
	ServerPortHi    uint16
	CPSLimit        uint64
	NrConnections   int
	EstablishedTO   time.Duration
	TickInterval    time.Duration
	ChecksumOffload bool
	ControlKey      [32]byte
	Logger          *slog.Logger
}

// Pipeline is the per-core packet processing loop: one NIC RX/TX queue, one
// optional KNI side channel, both connection managers, both timer wheels,
// both injectors, the tick generator, and the control-plane connection back
// to its supervisor.
type Pipeline struct {
	cfg   Config
	log   *slog.Logger
	start time.Time

	rx  nic.Queue
	kni nic.Queue

	classifyCfg ClassifyConfig
	client      *ClientMachine
	server      *ServerMachine
	mgrC        *cmanager.ManagerC
	mgrS        *cmanager.ManagerS

	wheelC *timerwheel.Wheel
	wheelS *timerwheel.Wheel

	synReady     atomic.Bool
	payloadReady atomic.Bool
	syn          *inject.Injector
	payload      *inject.Injector
	tick         *inject.TickGenerator
	merger       *Merger

	plane *control.Plane
	stats TcpCounter

	buf []byte

	serverCursor int
	issSeed      uint32
	idle         internal.Backoff
}

// New builds a Pipeline from cfg, wiring rx as the fast-path NIC queue and
// kni (which may be nil) as the passthrough side channel.
func New(cfg Config, rx, kni nic.Queue) (*Pipeline, error) {
	var errs *multierror.Error
	if rx == nil {
		errs = multierror.Append(errs, fmt.Errorf("pipeline: nil rx queue"))
	}
	if len(cfg.Servers) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("pipeline: at least one server required"))
	}
	if cfg.ClientPortLo >= cfg.ClientPortHi {
		errs = multierror.Append(errs, fmt.Errorf("pipeline: empty client port range"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	offload := cfg.ChecksumOffload || rx.ChecksumOffload()

	p := &Pipeline{
		cfg:   cfg,
		log:   lg,
		start: time.Now(),
		rx:    rx,
		kni:   kni,
		classifyCfg: ClassifyConfig{
			EngineMAC: cfg.Engine.MAC,
			ListenLo:  cfg.ClientPortLo,
			ListenHi:  cfg.ClientPortHi,
			ServerLo:  cfg.ServerPortLo,
			ServerHi:  cfg.ServerPortHi,
		},
		mgrS:   cmanager.NewManagerS(),
		wheelC: timerwheel.NewDefault(uint64(time.Second)),
		wheelS: timerwheel.NewDefault(uint64(time.Second)),
		tick:   inject.NewTickGenerator(uint64(cfg.TickInterval)),
		plane:   control.NewPlane(cfg.ID, cfg.ControlKey, 64),
		buf:     make([]byte, 2048),
		issSeed: uint32(time.Now().UnixNano()) | 1, // xorshift requires a non-zero seed.
		idle:    internal.NewBackoff(internal.BackoffTCPConn),
	}
	p.mgrC = cmanager.NewManagerC(cfg.ClientPortLo, cfg.ClientPortHi, &p.payloadReady)
	p.client = NewClientMachine(p.mgrC, cfg.Engine, offload, &p.stats)
	p.server = NewServerMachine(p.mgrS, cfg.Engine, offload, &p.stats)
	p.syn = inject.New(&p.synReady, inject.EtherTypePacket, inject.PortSYN, cfg.CPSLimit, uint64(time.Second), 64)
	p.syn.SetReady(cfg.NrConnections != 0)
	p.payload = inject.New(&p.payloadReady, inject.EtherTypePacket, inject.PortPayload, cfg.CPSLimit, uint64(time.Second), 128)
	p.merger = NewMerger(p.tick, p.syn, p.payload)
	// A freshly constructed TickGenerator's first deadline is cycle 0, so
	// without priming it here the very first Pipeline.step call of this
	// pipeline's lifetime would always be a tick regardless of what else is
	// pending. Consume that initial free-running tick now so scheduling
	// starts one full interval out, like every subsequent tick.
	p.tick.Poll(0)
	return p, nil
}

// Plane returns the pipeline's control-plane handle, for a supervisor to
// hold on to.
func (p *Pipeline) Plane() *control.Plane { return p.plane }

// Run drives the pipeline loop until ctx is cancelled. Each iteration polls
// exactly one source (tick, an injector, or RX) per the Merger's schedule and
// processes at most one frame. An idle iteration backs off exponentially
// rather than spinning the core at 100%, using the internal.BackoffTCPConn
// policy.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := cyclesNow(p.start)
		if p.step(now) {
			p.idle.Hit()
			continue
		}
		p.idle.Miss()
	}
}

// step services one source and reports whether it did any work.
func (p *Pipeline) step(now uint64) bool {
	switch p.merger.Next(now) {
	case sourceTick:
		p.handleTick(now)
		return true
	case sourceSYN:
		return p.handleSynInject(now)
	case sourcePayload:
		return p.handlePayloadInject()
	default:
		return p.handleRX(now)
	}
}

func (p *Pipeline) handleTick(now uint64) {
	var expired []timerwheel.Token
	expired = p.wheelC.ReleaseTimeouts(now, expired[:0])
	for _, tok := range expired {
		port := tok.(uint16)
		p.mgrC.Release(port, cmanager.CauseTimedOut)
	}
	expired = p.wheelS.ReleaseTimeouts(now, expired[:0])
	for _, tok := range expired {
		key := tok.(peerKeyToken)
		p.mgrS.Release(key.ip, key.port, cmanager.CauseTimedOut)
	}

	p.plane.Drain(func(req control.Inbound) {
		switch {
		case req.FetchCounter != nil:
			p.plane.TrySend(control.Outbound{Counter: &control.Counter{
				PipelineID: p.cfg.ID,
				To:         time.Now(),
				Values:     p.stats.Snapshot(),
			}})
		case req.FetchCRecords != nil:
			recs := p.mgrC.Flush()
			srecs := p.mgrS.Flush()
			out := &control.CRecords{PipelineID: p.cfg.ID}
			for _, r := range recs {
				out.ClientRecords = append(out.ClientRecords, toControlRecord(r))
			}
			for _, r := range srecs {
				out.ServerRecords = append(out.ServerRecords, toControlRecord(r))
			}
			p.plane.TrySend(control.Outbound{CRecords: out})
		}
	})
}

func toControlRecord(r cmanager.ConnRecord) control.Record {
	hist := make([]string, len(r.StateHistory))
	for i, s := range r.StateHistory {
		hist[i] = s.String()
	}
	return control.Record{
		UUID:         r.UUID,
		ClientPort:   r.ClientPort,
		StateHistory: hist,
		ReleaseCause: r.ReleaseCause.String(),
		PayloadPkts:  r.PayloadPackets,
	}
}

func (p *Pipeline) handleSynInject(now uint64) bool {
	if len(p.cfg.Servers) == 0 {
		return false
	}
	if p.stats.Value(SentSyn) >= uint64(p.cfg.NrConnections) {
		p.syn.SetReady(false)
		return false
	}
	server := p.cfg.Servers[p.serverCursor%len(p.cfg.Servers)]
	p.serverCursor++

	h, err := NewEmptyHeaders(p.buf)
	if err != nil {
		internal.LogAttrs(p.log, slog.LevelWarn, "pipeline: building outbound template", slog.String("err", err.Error()))
		return false
	}
	p.issSeed = internal.Prand32(p.issSeed)
	iss := tcp.Value(p.issSeed)
	conn, err := p.client.Open(&h, server, iss, 4096)
	if err != nil {
		internal.LogAttrs(p.log, internal.LevelTrace, "pipeline: syn injection skipped", slog.String("err", err.Error()))
		return false
	}
	p.stats.Incr(SentSyn)
	if p.stats.Value(SentSyn) >= uint64(p.cfg.NrConnections) {
		p.syn.SetReady(false)
	}
	p.wheelC.Schedule(now, uint64(p.cfg.EstablishedTO), conn.Port)
	internal.LogAttrs(p.log, internal.LevelTrace, "pipeline: syn injected",
		internal.SlogAddr4("server_ip", &server.IP), internal.SlogAddr6("server_mac", &server.MAC))
	if err := p.rx.Send(h.RawData()); err != nil {
		internal.LogAttrs(p.log, slog.LevelWarn, "pipeline: send failed", slog.String("err", err.Error()))
	}
	return true
}

func (p *Pipeline) handlePayloadInject() bool {
	port, ok := p.mgrC.NextReady()
	if !ok {
		return false
	}
	conn := p.mgrC.Get(port)
	if conn == nil {
		return false
	}
	h, err := NewEmptyHeaders(p.buf)
	if err != nil {
		return false
	}
	SetHeader(h, p.cfg.Engine, L234Data{MAC: conn.DutMAC, IP: conn.DutIP, Port: conn.DutPort}, port)
	cdata := CData{PeerIP: conn.DutIP, PeerPort: conn.DutPort, ClientPort: conn.Rec.ClientPort, UUID: conn.Rec.UUID}
	payload := cdata.Encode(nil)
	p.client.SendPayload(conn, &h, payload)
	if err := p.rx.Send(h.RawData()); err != nil {
		internal.LogAttrs(p.log, slog.LevelWarn, "pipeline: send failed", slog.String("err", err.Error()))
	}
	p.client.Close(conn, &h)
	if err := p.rx.Send(h.RawData()); err != nil {
		internal.LogAttrs(p.log, slog.LevelWarn, "pipeline: send failed", slog.String("err", err.Error()))
	}
	return true
}

func (p *Pipeline) handleRX(now uint64) bool {
	n, err := p.rx.RecvInto(p.buf)
	if err != nil || n == 0 {
		return false
	}
	frame := p.buf[:n]
	switch Classify(frame, p.classifyCfg) {
	case KindTick, KindSYNInject, KindPayloadInject:
		return false // our own injected frames looped back; nothing to do.
	case KindKNI:
		p.stats.Incr(Unexpected)
		if p.kni != nil {
			p.kni.Send(frame)
		}
		return true
	case KindServerData:
		h, err := ParseHeaders(frame)
		if err != nil {
			return false
		}
		port := h.TCP.DestinationPort()
		conn := p.mgrC.Get(port)
		if conn == nil {
			return false
		}
		reply, cause, unexpected := p.client.HandleSegment(conn, &h)
		if reply {
			if err := p.rx.Send(h.RawData()); err != nil {
				internal.LogAttrs(p.log, slog.LevelWarn, "pipeline: send failed", slog.String("err", err.Error()))
			}
		}
		if unexpected && p.kni != nil {
			p.kni.Send(frame)
		}
		if cause != cmanager.CauseNone {
			p.wheelC.Remove(port)
			p.mgrC.Release(port, cause)
		}
		return true
	case KindClientData:
		h, err := ParseHeaders(frame)
		if err != nil {
			return false
		}
		peerIP := *h.IP.SourceAddr()
		peerPort := h.TCP.SourcePort()
		conn, reply, cause := p.server.HandleSegment(peerIP, peerPort, &h)
		if reply {
			if err := p.rx.Send(h.RawData()); err != nil {
				internal.LogAttrs(p.log, slog.LevelWarn, "pipeline: send failed", slog.String("err", err.Error()))
			}
		}
		if conn != nil && conn.Rec.LastState() == tcp.StateEstablished {
			p.wheelS.Schedule(now, uint64(p.cfg.EstablishedTO), peerKeyToken{ip: peerIP, port: peerPort})
		}
		if cause != cmanager.CauseNone {
			p.wheelS.Remove(peerKeyToken{ip: peerIP, port: peerPort})
			p.mgrS.Release(peerIP, peerPort, cause)
		}
		return true
	default:
		return false
	}
}
