package comm

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lcx/gamenet/packet"
	"github.com/lcx/gamenet/protocol"
	"github.com/lcx/gamenet/queue"
)

// Registrar publishes listening sessions to a service registry.
type Registrar interface {
	Register(sessionID int, addr netip.AddrPort) error
	Deregister(sessionID int) error
}

// MgrOption configures a PollerMgr at construction.
type MgrOption func(*PollerMgr)

// WithRegistrar registers every successful Listen with r.
func WithRegistrar(r Registrar) MgrOption {
	return func(m *PollerMgr) { m.registrar = r }
}

// WithSendPacer paces Send on the calling goroutine. Pollers never wait on
// the pacer.
func WithSendPacer(p *protocol.SendPacer) MgrOption {
	return func(m *PollerMgr) { m.pacer = p }
}

// PollerMgr owns a fixed pool of pollers and is the service-facing entry
// point for establishing and driving connections.
//
// Sessions are routed to poller sessionID % count for their whole life.
// Listen, Connect and AsyncConnect may be called before Start; their work is
// held back and routed when the pool starts. Send and Close need a running
// pool.
type PollerMgr struct {
	ctx       *Context
	cfg       *CommCfg
	svc       ServiceSink
	builder   *protocol.StackBuilder
	registrar Registrar
	pacer     *protocol.SendPacer
	factory   pollerFactory

	mu        sync.Mutex
	started   bool
	stopped   bool
	pollers   []Poller
	slots     []Poller
	count     int
	pending   []*pollerEvent
	listeners map[int]struct{}

	nextID     atomic.Int64
	violations atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

// NewPollerMgr builds a manager. A nil cfg uses DefaultCommCfg and a nil
// builder builds stacks with cfg.MaxFrameSize and no coders.
func NewPollerMgr(ctx *Context, cfg *CommCfg, svc ServiceSink, builder *protocol.StackBuilder, opts ...MgrOption) (*PollerMgr, error) {
	if svc == nil {
		return nil, newError(ErrInvalidArg, nil, "nil service sink")
	}
	if ctx == nil {
		ctx = NewContext(nil, nil)
	}
	if cfg == nil {
		cfg = DefaultCommCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(ErrInvalidArg, err, "comm config")
	}
	factory, err := lookupBackend(cfg.PollerType)
	if err != nil {
		return nil, err
	}
	if builder == nil {
		builder = protocol.NewStackBuilder().MaxFrameSize(cfg.MaxFrameSize)
	}

	m := &PollerMgr{
		ctx:       ctx,
		cfg:       cfg,
		svc:       svc,
		builder:   builder,
		factory:   factory,
		listeners: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start creates count pollers, starts them and routes the work queued
// before the pool existed.
func (m *PollerMgr) Start(count int) error {
	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return newError(ErrPollerStopped, nil, "poller manager stopped")
	case m.started:
		m.mu.Unlock()
		return newError(ErrReentry, nil, "poller manager already started")
	case count <= 0:
		m.mu.Unlock()
		return newError(ErrInvalidArg, nil, "poller count must be positive")
	}

	m.count = count
	pollers := make([]Poller, count)
	for i := range pollers {
		pollers[i] = m.factory(i, m)
	}

	var eg errgroup.Group
	for _, p := range pollers {
		eg.Go(p.Start)
	}
	if err := eg.Wait(); err != nil {
		m.count = 0
		m.mu.Unlock()
		// running pollers take the lock in their cleanup
		for _, p := range pollers {
			_ = p.Stop()
		}
		return err
	}

	m.pollers = pollers
	m.slots = append([]Poller(nil), pollers...)
	m.started = true

	for _, ev := range m.pending {
		if err := m.pushLocked(m.pollerIndex(ev.sessionID), ev); err != nil {
			ev.release()
		}
	}
	m.pending = nil
	m.mu.Unlock()

	m.ctx.Logger.Info().Int("pollers", count).Str("backend", m.backendName()).Msg("poller manager started")
	return nil
}

// StartDefault starts CommCfg.PollerCount pollers.
func (m *PollerMgr) StartDefault() error {
	return m.Start(m.cfg.PollerCount)
}

// Stop stops every poller and waits for them. Sessions still open are
// closed without destroy events.
func (m *PollerMgr) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	pollers := m.pollers
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range pending {
		ev.release()
	}

	var eg errgroup.Group
	for _, p := range pollers {
		eg.Go(p.Stop)
	}
	err := eg.Wait()

	m.mu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	clear(m.listeners)
	m.mu.Unlock()
	for _, id := range ids {
		m.deregister(id)
	}

	m.ctx.Logger.Info().Msg("poller manager stopped")
	return err
}

// Listen opens a listening socket on host:port and returns its session id,
// or 0 with LastError set.
func (m *PollerMgr) Listen(host string, port uint16) int {
	addr, err := GetAddr(host, port)
	if err != nil {
		return m.fail(err)
	}
	sock, err := NewSocket()
	if err != nil {
		return m.fail(err)
	}

	err = sock.SetNonBlocking()
	if err == nil {
		err = sock.EnableAddrReuse()
	}
	if err == nil {
		err = sock.BindTo(addr)
	}
	if err == nil {
		err = sock.Listen(m.cfg.ListenBacklog)
	}
	if err != nil {
		_ = sock.Close()
		return m.fail(err)
	}

	local := sock.LocalAddr()
	id := m.AllocSessionID()

	// the listener must be in m.listeners before its poller can close it
	if m.registrar != nil {
		m.mu.Lock()
		m.listeners[id] = struct{}{}
		m.mu.Unlock()
		if err := m.registrar.Register(id, local); err != nil {
			m.ctx.Logger.Warn().Int("sessionId", id).Str("addr", local.String()).Err(err).Msg("register listener failed")
		}
	}

	if err := m.dispatch(&pollerEvent{kind: evAddSocket, sessionID: id, sock: sock}); err != nil {
		_ = sock.Close()
		m.onListenerClosed(id)
		return m.fail(err)
	}
	m.ctx.Logger.Info().Int("sessionId", id).Str("addr", local.String()).Msg("listening")
	return id
}

// Connect connects to host:port synchronously and returns the session id,
// or 0 with LastError set.
func (m *PollerMgr) Connect(host string, port uint16) int {
	addr, err := GetAddr(host, port)
	if err != nil {
		return m.fail(err)
	}
	sock, err := NewSocket()
	if err != nil {
		return m.fail(err)
	}

	err = sock.Connect(addr, m.cfg.ConnTimeout)
	if err == nil {
		err = sock.SetNonBlocking()
	}
	if err == nil {
		err = sock.setConnectedOpts(m.cfg)
	}
	if err != nil {
		_ = sock.Close()
		return m.fail(err)
	}

	id := m.AllocSessionID()
	if err := m.dispatch(&pollerEvent{kind: evAddSocket, sessionID: id, sock: sock}); err != nil {
		_ = sock.Close()
		return m.fail(err)
	}
	return id
}

// AsyncConnect starts a connect on the owning poller and returns the
// session id, or 0 with LastError set. The result arrives as an
// AsyncConnResultEvent.
func (m *PollerMgr) AsyncConnect(host string, port uint16) int {
	addr, err := GetAddr(host, port)
	if err != nil {
		return m.fail(err)
	}
	id := m.AllocSessionID()
	if err := m.dispatch(&pollerEvent{kind: evAsyncConnect, sessionID: id, peer: addr}); err != nil {
		return m.fail(err)
	}
	return id
}

// Send queues pkt for pkt.SessionID. pkt belongs to the poller afterwards.
// With a send pacer installed Send blocks the caller until pkt's slot.
func (m *PollerMgr) Send(pkt *packet.Packet) error {
	if pkt == nil {
		return newError(ErrInvalidArg, nil, "nil packet")
	}
	if m.pacer != nil {
		m.pacer.Take()
	}
	return m.route(&pollerEvent{kind: evSend, sessionID: pkt.SessionID, pkt: pkt})
}

// Close closes a session. The service receives a SessionDestroyEvent with
// Initiative set.
func (m *PollerMgr) Close(sessionID int) error {
	return m.route(&pollerEvent{kind: evClose, sessionID: sessionID})
}

func (m *PollerMgr) route(ev *pollerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return newError(ErrNotInit, nil, "poller manager not started")
	}
	return m.pushLocked(m.pollerIndex(ev.sessionID), ev)
}

// dispatch routes ev, or holds it until Start.
func (m *PollerMgr) dispatch(ev *pollerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		if m.stopped {
			return newError(ErrPollerStopped, nil, "poller manager stopped")
		}
		m.pending = append(m.pending, ev)
		return nil
	}
	return m.pushLocked(m.pollerIndex(ev.sessionID), ev)
}

// pushMsgToPoller hands ev to poller idx. ev is untouched on failure.
func (m *PollerMgr) pushMsgToPoller(idx int, ev *pollerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushLocked(idx, ev)
}

func (m *PollerMgr) pushLocked(idx int, ev *pollerEvent) error {
	if idx < 0 || idx >= len(m.slots) || m.slots[idx] == nil {
		return newError(ErrPollerStopped, nil, "poller unavailable")
	}
	return m.slots[idx].push(queue.Wrap(ev))
}

// onPollerStop takes a stopping poller out of routing.
func (m *PollerMgr) onPollerStop(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= 0 && idx < len(m.slots) {
		m.slots[idx] = nil
	}
}

// onListenerClosed is called by the owning poller when a listening session
// is destroyed.
func (m *PollerMgr) onListenerClosed(sessionID int) {
	m.mu.Lock()
	_, ok := m.listeners[sessionID]
	delete(m.listeners, sessionID)
	m.mu.Unlock()
	if ok {
		m.deregister(sessionID)
	}
}

func (m *PollerMgr) deregister(sessionID int) {
	if m.registrar == nil {
		return
	}
	if err := m.registrar.Deregister(sessionID); err != nil {
		m.ctx.Logger.Warn().Int("sessionId", sessionID).Err(err).Msg("deregister listener failed")
	}
}

// pollerIndex is the routing rule. count is fixed once the pool started.
func (m *PollerMgr) pollerIndex(sessionID int) int {
	return sessionID % m.count
}

// AllocSessionID returns the next session id. Ids start at 1 and are never
// reused.
func (m *PollerMgr) AllocSessionID() int {
	return int(m.nextID.Add(1))
}

// LastError returns the reason of the last failed Listen, Connect or
// AsyncConnect.
func (m *PollerMgr) LastError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

func (m *PollerMgr) fail(err error) int {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
	m.ctx.Metrics.IncrCounterWithDimGroup(metricsGroup, "establish_fail_total", 1,
		map[string]string{"code": ErrCodeOf(err).String()})
	m.ctx.Logger.Warn().Err(err).Msg("session establish failed")
	return 0
}

// PollerCount returns the pool size, 0 before Start.
func (m *PollerMgr) PollerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Poller returns poller idx of a started pool.
func (m *PollerMgr) Poller(idx int) (Poller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.pollers) {
		return nil, errors.Wrapf(codeError(ErrNotFound), "poller %d", idx)
	}
	return m.pollers[idx], nil
}

// OwnershipViolations counts operations a poller performed on a session it
// does not own. It stays zero unless routing is broken.
func (m *PollerMgr) OwnershipViolations() int64 {
	return m.violations.Load()
}

func (m *PollerMgr) backendName() string {
	if m.cfg.PollerType == "" {
		return defaultPollerType
	}
	return m.cfg.PollerType
}
