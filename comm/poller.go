package comm

import (
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
	"github.com/lcx/gamenet/protocol"
	"github.com/lcx/gamenet/queue"
)

// PollerState is the lifecycle stage of a poller.
type PollerState int32

const (
	PollerCreated PollerState = iota
	PollerStarted
	PollerRunning
	PollerStopping
	PollerStopped
)

func (s PollerState) String() string {
	switch s {
	case PollerCreated:
		return "created"
	case PollerStarted:
		return "started"
	case PollerRunning:
		return "running"
	case PollerStopping:
		return "stopping"
	case PollerStopped:
		return "stopped"
	}
	return "unknown"
}

// Poller is one worker goroutine with its readiness mechanism and the
// sessions it owns. Implementations live in this package only.
type Poller interface {
	ID() int
	// Start creates the backend objects and launches the worker goroutine.
	Start() error
	// Stop asks the worker to exit and blocks until it has cleaned up.
	Stop() error
	State() PollerState
	SessionCount() int
	QueueLen() int

	// push hands ev to the poller. On success the parcel is emptied.
	push(p *queue.Parcel[*pollerEvent]) error
}

// pollerImpl is what a backend adds to basePoller.
type pollerImpl interface {
	// open creates kernel objects. It runs on the goroutine calling Start.
	open() error
	// tick runs one loop iteration: drain queued events and wait for I/O.
	tick()
	// close releases kernel objects after cleanup, on the worker goroutine.
	close()
	// wake interrupts a blocking tick. Called from any goroutine.
	wake()

	register(s *Session) error
	unregister(s *Session)
	// startConnect begins a non-blocking connect. done reports an
	// immediate completion.
	startConnect(pc *pendingConnect) (done bool, err error)
	// connectDone is called when pc leaves the connecting table.
	connectDone(pc *pendingConnect)
	// flush pushes a session's pending sends towards the OS.
	flush(s *Session) error
	onMonitor(m any)
	// releaseSocket drops backend state tied to sock before it is closed.
	releaseSocket(sock *Socket)
}

type pendingConnect struct {
	sessionID int
	sock      *Socket
	peer      netip.AddrPort
	deadline  time.Time
}

// basePoller holds what every backend shares: tables, the inbound queue,
// the dispatch table and the lifecycle. Backends embed it and fill impl.
type basePoller struct {
	id      int
	mgr     *PollerMgr
	cfg     *CommCfg
	ctx     *Context
	svc     ServiceSink
	builder *protocol.StackBuilder
	logger  *log.GameLogger
	dim     metrics.Dimension

	q        *queue.Queue[*pollerEvent]
	state    atomic.Int32
	stopping atomic.Bool
	done     chan struct{}

	sessions   map[int]*Session
	sockets    map[Handle]*Session
	connecting map[Handle]*pendingConnect

	handlers [evKindEnd]func(ev *pollerEvent)
	impl     pollerImpl
}

func (p *basePoller) init(id int, mgr *PollerMgr, impl pollerImpl) {
	p.id = id
	p.mgr = mgr
	p.cfg = mgr.cfg
	p.ctx = mgr.ctx
	p.svc = mgr.svc
	p.builder = mgr.builder
	p.logger = mgr.ctx.Logger
	p.dim = metrics.Dimension{"poller": strconv.Itoa(id)}
	p.impl = impl
	p.q = queue.New[*pollerEvent](queue.WithWaker(impl.wake))
	p.done = make(chan struct{})
	p.sessions = make(map[int]*Session)
	p.sockets = make(map[Handle]*Session)
	p.connecting = make(map[Handle]*pendingConnect)

	p.handlers = [evKindEnd]func(ev *pollerEvent){
		evAddSocket:    p.handleAddSocket,
		evAsyncConnect: p.handleAsyncConnect,
		evSend:         p.handleSend,
		evClose:        p.handleClose,
		evMonitor:      p.handleMonitor,
		evTakeOver:     p.handleTakeOver,
	}
}

func (p *basePoller) ID() int { return p.id }

func (p *basePoller) State() PollerState { return PollerState(p.state.Load()) }

func (p *basePoller) Start() error {
	if !p.state.CompareAndSwap(int32(PollerCreated), int32(PollerStarted)) {
		return codeError(ErrReentry)
	}
	if err := p.impl.open(); err != nil {
		p.state.Store(int32(PollerStopped))
		close(p.done)
		return err
	}
	go p.run()
	return nil
}

func (p *basePoller) Stop() error {
	if p.state.CompareAndSwap(int32(PollerCreated), int32(PollerStopped)) {
		close(p.done)
		return nil
	}
	p.stopping.Store(true)
	p.impl.wake()
	<-p.done
	return nil
}

func (p *basePoller) push(parcel *queue.Parcel[*pollerEvent]) error {
	if p.stopping.Load() {
		return codeError(ErrPollerStopped)
	}
	return p.q.PushBack(parcel)
}

func (p *basePoller) run() {
	defer close(p.done)

	p.state.Store(int32(PollerRunning))
	p.logger.Info().Int("poller", p.id).Msg("poller running")

	for !p.stopping.Load() {
		p.impl.tick()
		p.expireConnects(time.Now())
	}

	p.state.Store(int32(PollerStopping))
	p.cleanup()
	p.impl.close()
	p.state.Store(int32(PollerStopped))
	p.logger.Info().Int("poller", p.id).Msg("poller stopped")
}

// drive handles up to MaxDrivePerTick queued events.
func (p *basePoller) drive() int {
	n := 0
	for ; n < p.cfg.MaxDrivePerTick; n++ {
		parcel, ok := p.q.TryPop()
		if !ok {
			break
		}
		if ev, ok := parcel.Take(); ok {
			p.dispatch(ev)
		}
	}
	return n
}

func (p *basePoller) dispatch(ev *pollerEvent) {
	if ev.kind < 0 || ev.kind >= evKindEnd {
		p.logger.Error().Int("poller", p.id).Int("kind", int(ev.kind)).Msg("unknown poller event")
		ev.release()
		return
	}
	p.handlers[ev.kind](ev)
}

func (p *basePoller) handleAddSocket(ev *pollerEvent) {
	s := newSession(ev.sessionID, ev.sock, p.ctx, p.svc, p.builder)
	if err := p.addSession(s); err != nil {
		return
	}
	p.announce(s)
}

func (p *basePoller) handleAsyncConnect(ev *pollerEvent) {
	pc := &pendingConnect{sessionID: ev.sessionID, peer: ev.peer}
	if p.cfg.ConnTimeout > 0 {
		pc.deadline = time.Now().Add(p.cfg.ConnTimeout)
	}

	sock, err := NewSocket()
	if err != nil {
		p.connectFailed(pc, err)
		return
	}
	pc.sock = sock
	if err := sock.SetNonBlocking(); err != nil {
		p.connectFailed(pc, err)
		return
	}

	done, err := p.impl.startConnect(pc)
	switch {
	case err != nil:
		p.connectFailed(pc, err)
	case done:
		p.connectSucceeded(pc)
	default:
		p.connecting[sock.Handle()] = pc
	}
}

func (p *basePoller) handleSend(ev *pollerEvent) {
	s := p.sessions[ev.sessionID]
	if s == nil || s.IsListen() {
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "send_dropped_total", 1)
		p.logger.Debug().Int("poller", p.id).Int("sessionId", ev.sessionID).Msg("send to unknown session dropped")
		return
	}
	s.drivenBy(p)

	b, err := s.encode(ev.pkt)
	if err != nil || b == nil {
		return
	}
	s.sock.queueSend(b)
	if err := p.impl.flush(s); err != nil {
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "send_fail_total", 1)
		p.closeSession(s, err.Error(), false, ErrCodeOf(err))
	}
}

func (p *basePoller) handleClose(ev *pollerEvent) {
	s := p.sessions[ev.sessionID]
	if s == nil {
		return
	}
	s.drivenBy(p)
	p.closeSession(s, "closed by service", true, ErrOK)
}

func (p *basePoller) handleMonitor(ev *pollerEvent) {
	p.impl.onMonitor(ev.monitor)
}

func (p *basePoller) handleTakeOver(ev *pollerEvent) {
	s := ev.session
	p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "takeover_total", 1)
	if err := p.addSession(s); err != nil {
		return
	}
	p.announce(s)
}

// addSession makes p the owner of s and registers its socket with the
// backend. On failure s is freed.
func (p *basePoller) addSession(s *Session) error {
	s.owner = p
	if err := p.impl.register(s); err != nil {
		s.logger.Error().Int("poller", p.id).Err(err).Msg("register session failed")
		p.impl.releaseSocket(s.sock)
		s.free()
		return err
	}
	p.sessions[s.id] = s
	p.sockets[s.sock.Handle()] = s
	p.ctx.Metrics.UpdateGaugeWithDimGroup(metricsGroup, "poller_sessions", metrics.Value(len(p.sessions)), p.dim)
	return nil
}

func (p *basePoller) announce(s *Session) {
	kind := "connect"
	if s.IsListen() {
		kind = "listen"
	}
	p.ctx.Metrics.IncrCounterWithDimGroup(metricsGroup, "sessions_created_total", 1, metrics.Dimension{"kind": kind})
	s.logger.Info().Int("poller", p.id).Str("local", s.sock.LocalAddr().String()).
		Str("peer", s.sock.PeerAddr().String()).Bool("listen", s.IsListen()).Msg("session created")
	p.svc.Push(s.createEvent())
}

// addToPoller hands a new session to the poller its id routes to, taking
// it over directly when that is p.
func (p *basePoller) addToPoller(s *Session) {
	target := p.mgr.pollerIndex(s.id)
	if target == p.id {
		if err := p.addSession(s); err == nil {
			p.announce(s)
		}
		return
	}
	if err := p.mgr.pushMsgToPoller(target, &pollerEvent{kind: evTakeOver, sessionID: s.id, session: s}); err != nil {
		s.logger.Warn().Int("poller", p.id).Int("target", target).Err(err).Msg("take over failed")
		s.free()
	}
}

func (p *basePoller) removeSession(s *Session) {
	p.impl.unregister(s)
	delete(p.sessions, s.id)
	delete(p.sockets, s.sock.Handle())
	p.ctx.Metrics.UpdateGaugeWithDimGroup(metricsGroup, "poller_sessions", metrics.Value(len(p.sessions)), p.dim)
}

// closeSession removes s, tells the service and frees it.
func (p *basePoller) closeSession(s *Session, reason string, initiative bool, code ErrCode) {
	p.removeSession(s)
	p.svc.Push(s.destroyEvent(reason, initiative, code))
	p.ctx.Metrics.IncrCounterWithDimGroup(metricsGroup, "sessions_destroyed_total", 1,
		metrics.Dimension{"initiative": strconv.FormatBool(initiative)})
	s.logger.Info().Int("poller", p.id).Str("reason", reason).Bool("initiative", initiative).Msg("session destroyed")

	if s.IsListen() {
		p.mgr.onListenerClosed(s.id)
	}
	p.impl.releaseSocket(s.sock)
	s.free()
}

// onRecvError closes s after a failed or finished read.
func (p *basePoller) onRecvError(s *Session, err error) {
	reason := err.Error()
	if err == errPeerClosed {
		reason = "connection closed by peer"
	}
	p.closeSession(s, reason, false, ErrCodeOf(err))
}

// recv reads everything available. It reports false when the session was
// closed.
func (p *basePoller) recv(s *Session) bool {
	b, err := s.sock.recvAll()
	if b != nil {
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "bytes_recv_total", metrics.Value(b.Readable()))
		s.onRecv(b)
	}
	if err != nil {
		p.onRecvError(s, err)
		return false
	}
	return true
}

// adoptAccepted gives an accepted socket a session id and routes it to
// its owner.
func (p *basePoller) adoptAccepted(sock *Socket) {
	if err := sock.setConnectedOpts(p.cfg); err != nil {
		p.logger.Debug().Int("poller", p.id).Err(err).Msg("accepted socket options")
	}
	s := newSession(p.mgr.AllocSessionID(), sock, p.ctx, p.svc, p.builder)
	p.addToPoller(s)
}

func (p *basePoller) connectSucceeded(pc *pendingConnect) {
	delete(p.connecting, pc.sock.Handle())
	p.impl.connectDone(pc)
	_ = pc.sock.setConnectedOpts(p.cfg)

	s := newSession(pc.sessionID, pc.sock, p.ctx, p.svc, p.builder)
	if err := p.addSession(s); err != nil {
		p.svc.Push(&AsyncConnResultEvent{SessionID: pc.sessionID, Reason: err.Error(), Peer: pc.peer})
		return
	}
	p.ctx.Metrics.IncrCounterWithDimGroup(metricsGroup, "async_connect_total", 1, metrics.Dimension{"result": "success"})
	p.svc.Push(&AsyncConnResultEvent{SessionID: pc.sessionID, Connected: true, Peer: pc.peer})
	p.announce(s)
}

func (p *basePoller) connectFailed(pc *pendingConnect, err error) {
	if pc.sock != nil {
		delete(p.connecting, pc.sock.Handle())
		p.impl.connectDone(pc)
		p.impl.releaseSocket(pc.sock)
		_ = pc.sock.Close()
	}
	p.ctx.Metrics.IncrCounterWithDimGroup(metricsGroup, "async_connect_total", 1, metrics.Dimension{"result": "fail"})
	p.logger.Info().Int("poller", p.id).Int("sessionId", pc.sessionID).Str("peer", pc.peer.String()).Err(err).Msg("async connect failed")
	p.svc.Push(&AsyncConnResultEvent{SessionID: pc.sessionID, Reason: err.Error(), Peer: pc.peer})
}

func (p *basePoller) expireConnects(now time.Time) {
	for _, pc := range p.connecting {
		if !pc.deadline.IsZero() && now.After(pc.deadline) {
			p.connectFailed(pc, newError(ErrTimeout, nil, "connect "+pc.peer.String()))
		}
	}
}

// pollWait is how long the next kernel wait may block.
func (p *basePoller) pollWait() time.Duration {
	if p.q.Len() > 0 || p.stopping.Load() {
		return 0
	}
	return p.cfg.PollWait
}

// cleanup discards queued events and frees every session and pending
// connect. The service receives no destroy events for them.
func (p *basePoller) cleanup() {
	p.mgr.onPollerStop(p.id)

	dropped := p.q.Drain(func(ev *pollerEvent) {
		ev.release()
	})

	for _, s := range p.sessions {
		p.impl.unregister(s)
		p.impl.releaseSocket(s.sock)
		s.free()
	}
	clear(p.sessions)
	clear(p.sockets)

	for _, pc := range p.connecting {
		p.impl.connectDone(pc)
		p.impl.releaseSocket(pc.sock)
		_ = pc.sock.Close()
	}
	clear(p.connecting)

	p.ctx.Metrics.UpdateGaugeWithDimGroup(metricsGroup, "poller_sessions", 0, p.dim)
	if dropped > 0 {
		p.logger.Debug().Int("poller", p.id).Int("dropped", dropped).Msg("queued events discarded")
	}
}

// SessionCount returns the number of sessions owned by p. Only meaningful
// once the poller has stopped or from its own goroutine.
func (p *basePoller) SessionCount() int { return len(p.sessions) }

// QueueLen returns the number of queued events.
func (p *basePoller) QueueLen() int { return p.q.Len() }
