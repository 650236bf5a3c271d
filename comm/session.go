package comm

import (
	"github.com/lcx/gamenet/buffer"
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
	"github.com/lcx/gamenet/packet"
	"github.com/lcx/gamenet/protocol"
)

// Session binds a socket to its protocol stack. A session is created fully
// wired and is then driven by exactly one poller, its owner, for the rest of
// its life. Listening sessions have no stack.
type Session struct {
	id     int
	sock   *Socket
	stack  *protocol.Stack
	owner  *basePoller
	logger log.Logger
	svc    ServiceSink
}

func newSession(id int, sock *Socket, ctx *Context, svc ServiceSink, builder *protocol.StackBuilder) *Session {
	s := &Session{
		id:     id,
		sock:   sock,
		svc:    svc,
		logger: ctx.sessionLogger(id),
	}
	if sock.IsListen() {
		return s
	}

	reg := ctx.Metrics
	reporter := protocol.ReporterFunc(func(sessionID int, layer protocol.Layer, level protocol.ReportLevel, report string) {
		reg.IncrCounterWithDimGroup(metricsGroup, "proto_report_total", 1, metrics.Dimension{"layer": layer.String()})
		svc.Push(&ProtoReportEvent{SessionID: sessionID, Layer: layer, Level: level, Report: report})
	})
	s.stack = builder.Build(protocol.FullStack, id, reporter)
	_ = s.stack.Connect(sock.LocalAddr(), sock.PeerAddr())
	return s
}

func (s *Session) ID() int                { return s.id }
func (s *Session) Socket() *Socket        { return s.sock }
func (s *Session) Stack() *protocol.Stack { return s.stack }
func (s *Session) IsListen() bool         { return s.sock.IsListen() }

// PollerID returns the id of the owning poller, or -1 before a poller took
// the session.
func (s *Session) PollerID() int {
	if s.owner == nil {
		return -1
	}
	return s.owner.id
}

// drivenBy records that p is operating on the session and counts a
// violation when p is not the owner.
func (s *Session) drivenBy(p *basePoller) {
	if s.owner == p {
		return
	}
	p.mgr.violations.Add(1)
	p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "ownership_violation_total", 1)
	s.logger.Error().Int("owner", s.PollerID()).Int("poller", p.id).Msg("session driven by foreign poller")
}

// encode runs pkt through the stack. A nil block with a nil error means a
// filter dropped the packet. Encode failures were already reported by the
// stack.
func (s *Session) encode(pkt *packet.Packet) (*buffer.Block, error) {
	pkt.SessionID = s.id
	return s.stack.Send(pkt)
}

// onRecv decodes b and delivers every packet to the service. b is consumed.
func (s *Session) onRecv(b *buffer.Block) {
	defer b.Release()
	pkts, _ := s.stack.Recv(b)
	for _, pkt := range pkts {
		s.svc.Push(&DataArrivalEvent{Packet: pkt})
	}
}

func (s *Session) createEvent() *SessionCreateEvent {
	return &SessionCreateEvent{
		SessionID: s.id,
		Local:     s.sock.LocalAddr(),
		Peer:      s.sock.PeerAddr(),
		IsListen:  s.sock.IsListen(),
		Handle:    s.sock.Handle(),
		PollerID:  s.PollerID(),
	}
}

func (s *Session) destroyEvent(reason string, initiative bool, code ErrCode) *SessionDestroyEvent {
	return &SessionDestroyEvent{
		SessionID:  s.id,
		Local:      s.sock.LocalAddr(),
		Peer:       s.sock.PeerAddr(),
		IsListen:   s.sock.IsListen(),
		Handle:     s.sock.Handle(),
		Reason:     reason,
		Initiative: initiative,
		ErrCode:    code,
	}
}

// free closes the socket. Pollers release backend state for the socket
// before calling it.
func (s *Session) free() {
	if !s.sock.IsClosed() {
		_ = s.sock.Close()
	}
	s.stack = nil
}
