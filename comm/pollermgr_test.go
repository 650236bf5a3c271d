//go:build linux

package comm

import (
	stderrors "errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/gamenet/metrics"
	"github.com/lcx/gamenet/packet"
	"github.com/lcx/gamenet/protocol"
)

const eventTimeout = 5 * time.Second

// eventSink records every service event.
type eventSink struct {
	mu     sync.Mutex
	events []ServiceEvent
}

func (s *eventSink) Push(ev ServiceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func collect[T ServiceEvent](s *eventSink, match func(T) bool) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, ev := range s.events {
		if e, ok := ev.(T); ok && (match == nil || match(e)) {
			out = append(out, e)
		}
	}
	return out
}

func waitEvent[T ServiceEvent](t *testing.T, s *eventSink, match func(T) bool) T {
	t.Helper()
	var got T
	require.Eventually(t, func() bool {
		found := collect(s, match)
		if len(found) == 0 {
			return false
		}
		got = found[0]
		return true
	}, eventTimeout, 5*time.Millisecond)
	return got
}

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   map[int]netip.AddrPort
	deregistered []int
}

func (r *fakeRegistrar) Register(id int, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered == nil {
		r.registered = make(map[int]netip.AddrPort)
	}
	r.registered[id] = addr
	return nil
}

func (r *fakeRegistrar) Deregister(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, id)
	return nil
}

type testMgr struct {
	*PollerMgr
	sink *eventSink
	reg  *metrics.Registry
}

func newTestMgr(t *testing.T, backend string, builder *protocol.StackBuilder, opts ...MgrOption) *testMgr {
	t.Helper()
	cfg := DefaultCommCfg()
	cfg.PollerType = backend
	cfg.PollWait = 5 * time.Millisecond
	cfg.ConnTimeout = 2 * time.Second

	reg := metrics.NewRegistry("test", nil)
	sink := &eventSink{}
	mgr, err := NewPollerMgr(NewContext(nil, reg), cfg, sink, builder, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Stop() })
	return &testMgr{PollerMgr: mgr, sink: sink, reg: reg}
}

func (m *testMgr) listenLocal(t *testing.T) (int, netip.AddrPort) {
	t.Helper()
	id := m.Listen("127.0.0.1", 0)
	require.NotZero(t, id, "listen: %v", m.LastError())
	created := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == id })
	require.True(t, created.IsListen)
	require.NotZero(t, created.Local.Port())
	return id, created.Local
}

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

func counterValue(t *testing.T, reg *metrics.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

var backends = []string{PollerEpoll, PollerSelect}

func TestPollerMgr_ListenConnectSend(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			m := newTestMgr(t, backend, nil)
			require.NoError(t, m.Start(3))

			_, addr := m.listenLocal(t)

			clientID := m.Connect("127.0.0.1", addr.Port())
			require.NotZero(t, clientID, "connect: %v", m.LastError())
			client := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == clientID })
			assert.Equal(t, addr, client.Peer)

			server := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool {
				return !e.IsListen && e.Peer == client.Local
			})
			assert.Equal(t, addr, server.Local)

			require.NoError(t, m.Send(packet.New(clientID, 42, []byte{1, 2, 3})))

			data := waitEvent(t, m.sink, func(e *DataArrivalEvent) bool {
				return e.Packet.SessionID == server.SessionID
			})
			assert.Equal(t, uint32(42), data.Packet.Opcode)
			assert.Equal(t, []byte{1, 2, 3}, data.Packet.Payload)

			assert.Zero(t, m.OwnershipViolations())
			assert.Equal(t, 3.0, counterValue(t, m.reg, "test_comm_sessions_created_total"))
		})
	}
}

func TestPollerMgr_SessionRouting(t *testing.T) {
	const pollers, clients = 3, 9
	m := newTestMgr(t, PollerEpoll, nil)
	require.NoError(t, m.Start(pollers))
	_, addr := m.listenLocal(t)

	for i := 0; i < clients; i++ {
		id := m.Connect("127.0.0.1", addr.Port())
		require.NotZero(t, id, "connect: %v", m.LastError())
		require.NoError(t, m.Send(packet.New(id, uint32(i), []byte("ping"))))
	}

	require.Eventually(t, func() bool {
		return len(collect[*DataArrivalEvent](m.sink, nil)) == clients
	}, eventTimeout, 5*time.Millisecond)

	created := collect[*SessionCreateEvent](m.sink, nil)
	require.Len(t, created, 1+2*clients)
	owners := make(map[int]bool)
	for _, e := range created {
		assert.Equal(t, e.SessionID%pollers, e.PollerID, "session %d", e.SessionID)
		owners[e.PollerID] = true
	}
	assert.Len(t, owners, pollers)
	assert.Zero(t, m.OwnershipViolations())
	assert.Positive(t, counterValue(t, m.reg, "test_comm_takeover_total"))
}

func TestPollerMgr_SessionIDsIncrease(t *testing.T) {
	m := newTestMgr(t, PollerEpoll, nil)

	const workers, per = 8, 200
	var mu sync.Mutex
	var ids []int
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, m.AllocSessionID())
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Ints(ids)
	require.Len(t, ids, workers*per)
	assert.Equal(t, 1, ids[0])
	for i := 1; i < len(ids); i++ {
		require.Equal(t, ids[i-1]+1, ids[i])
	}

	require.NoError(t, m.Start(1))
	a := m.AsyncConnect("127.0.0.1", closedPort(t))
	b := m.AsyncConnect("127.0.0.1", closedPort(t))
	assert.Greater(t, b, a)
	assert.Greater(t, a, ids[len(ids)-1])
}

func TestPollerMgr_AsyncConnect(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			m := newTestMgr(t, backend, nil)
			require.NoError(t, m.Start(2))

			refused := m.AsyncConnect("127.0.0.1", closedPort(t))
			require.NotZero(t, refused)
			res := waitEvent(t, m.sink, func(e *AsyncConnResultEvent) bool { return e.SessionID == refused })
			assert.False(t, res.Connected)
			assert.NotEmpty(t, res.Reason)
			assert.Empty(t, collect(m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == refused }))

			_, addr := m.listenLocal(t)
			ok := m.AsyncConnect("127.0.0.1", addr.Port())
			require.NotZero(t, ok)
			res = waitEvent(t, m.sink, func(e *AsyncConnResultEvent) bool { return e.SessionID == ok })
			assert.True(t, res.Connected)
			assert.Equal(t, addr, res.Peer)

			created := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == ok })
			assert.Equal(t, addr, created.Peer)
			assert.Equal(t, ok%2, created.PollerID)

			require.NoError(t, m.Send(packet.New(ok, 5, []byte("hi"))))
			data := waitEvent(t, m.sink, func(e *DataArrivalEvent) bool { return e.Packet.Opcode == 5 })
			assert.Equal(t, []byte("hi"), data.Packet.Payload)
		})
	}
}

func TestPollerMgr_CloseReportsBothSides(t *testing.T) {
	m := newTestMgr(t, PollerEpoll, nil)
	require.NoError(t, m.Start(2))
	_, addr := m.listenLocal(t)

	clientID := m.Connect("127.0.0.1", addr.Port())
	require.NotZero(t, clientID)
	client := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == clientID })
	server := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return !e.IsListen && e.Peer == client.Local })

	require.NoError(t, m.Close(clientID))

	local := waitEvent(t, m.sink, func(e *SessionDestroyEvent) bool { return e.SessionID == clientID })
	assert.True(t, local.Initiative)
	assert.Equal(t, ErrOK, local.ErrCode)

	remote := waitEvent(t, m.sink, func(e *SessionDestroyEvent) bool { return e.SessionID == server.SessionID })
	assert.False(t, remote.Initiative)
	assert.NotEmpty(t, remote.Reason)

	// sends to a gone session are dropped silently
	require.NoError(t, m.Send(packet.New(clientID, 1, []byte("late"))))
	require.Eventually(t, func() bool {
		return counterValue(t, m.reg, "test_comm_send_dropped_total") == 1
	}, eventTimeout, 5*time.Millisecond)
}

type failingCoder struct{}

func (failingCoder) Encode() ([]byte, error) { return nil, stderrors.New("unused") }
func (failingCoder) Decode([]byte) error     { return stderrors.New("bad payload") }

func TestPollerMgr_ProtoReportKeepsSession(t *testing.T) {
	const opBroken, opPlain = 7, 8
	builder := protocol.NewStackBuilder()
	require.NoError(t, builder.AddCoder(opBroken, packet.CoderFactoryFunc(func() packet.Coder { return failingCoder{} })))

	m := newTestMgr(t, PollerEpoll, builder)
	require.NoError(t, m.Start(1))
	_, addr := m.listenLocal(t)

	clientID := m.Connect("127.0.0.1", addr.Port())
	require.NotZero(t, clientID)
	client := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == clientID })
	server := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return !e.IsListen && e.Peer == client.Local })

	require.NoError(t, m.Send(packet.New(clientID, opBroken, []byte{0xff})))
	require.NoError(t, m.Send(packet.New(clientID, opPlain, []byte("ok"))))

	report := waitEvent(t, m.sink, func(e *ProtoReportEvent) bool { return e.SessionID == server.SessionID })
	assert.Equal(t, protocol.LayerCodec, report.Layer)
	assert.Contains(t, report.Report, "bad payload")

	data := waitEvent(t, m.sink, func(e *DataArrivalEvent) bool { return e.Packet.SessionID == server.SessionID })
	assert.Equal(t, uint32(opPlain), data.Packet.Opcode)
	assert.Empty(t, collect[*SessionDestroyEvent](m.sink, nil))
}

func TestPollerMgr_ShutdownCompletes(t *testing.T) {
	m := newTestMgr(t, PollerEpoll, nil)
	require.NoError(t, m.Start(3))
	_, addr := m.listenLocal(t)
	for i := 0; i < 4; i++ {
		id := m.Connect("127.0.0.1", addr.Port())
		require.NotZero(t, id)
		require.NoError(t, m.Send(packet.New(id, 1, []byte("x"))))
	}
	require.Eventually(t, func() bool {
		return len(collect[*DataArrivalEvent](m.sink, nil)) == 4
	}, eventTimeout, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	for i := 0; i < 3; i++ {
		p, err := m.Poller(i)
		require.NoError(t, err)
		assert.Equal(t, PollerStopped, p.State())
		assert.Zero(t, p.SessionCount())
		assert.Zero(t, p.QueueLen())
	}

	before := m.sink.len()
	assert.True(t, IsCode(m.Send(packet.New(2, 1, nil)), ErrPollerStopped))
	assert.True(t, IsCode(m.Close(2), ErrPollerStopped))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, m.sink.len(), "no events after stop")
	assert.Empty(t, collect[*SessionDestroyEvent](m.sink, nil))

	require.NoError(t, m.Stop())
	assert.True(t, IsCode(m.Start(1), ErrPollerStopped))
}

func TestPollerMgr_Lifecycle(t *testing.T) {
	m := newTestMgr(t, PollerEpoll, nil)

	assert.True(t, IsCode(m.Send(packet.New(1, 1, nil)), ErrNotInit))
	assert.True(t, IsCode(m.Close(1), ErrNotInit))
	assert.True(t, IsCode(m.Start(0), ErrInvalidArg))

	// queued until the pool exists
	id := m.Listen("127.0.0.1", 0)
	require.NotZero(t, id)
	assert.Zero(t, m.sink.len())

	require.NoError(t, m.Start(2))
	assert.True(t, IsCode(m.Start(2), ErrReentry))
	assert.Equal(t, 2, m.PollerCount())

	created := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == id })
	assert.Equal(t, id%2, created.PollerID)

	_, err := m.Poller(5)
	assert.True(t, IsCode(err, ErrNotFound))
}

func TestPollerMgr_EstablishFailures(t *testing.T) {
	m := newTestMgr(t, PollerEpoll, nil)
	require.NoError(t, m.Start(1))
	_, addr := m.listenLocal(t)

	assert.Zero(t, m.Listen("127.0.0.1", addr.Port()))
	assert.True(t, IsCode(m.LastError(), ErrSockBind), "got %v", m.LastError())

	assert.Zero(t, m.Listen("::1", 0))
	assert.True(t, IsCode(m.LastError(), ErrAddrResolve))

	assert.Zero(t, m.Connect("127.0.0.1", closedPort(t)))
	assert.True(t, IsCode(m.LastError(), ErrSockConnect))

	assert.Zero(t, m.AsyncConnect("no-such-host.invalid", 1))
	assert.True(t, IsCode(m.LastError(), ErrAddrResolve))
}

func TestPollerMgr_Registrar(t *testing.T) {
	reg := &fakeRegistrar{}
	m := newTestMgr(t, PollerEpoll, nil, WithRegistrar(reg))
	require.NoError(t, m.Start(1))

	a, addrA := m.listenLocal(t)
	b, _ := m.listenLocal(t)

	reg.mu.Lock()
	assert.Equal(t, addrA, reg.registered[a])
	assert.Len(t, reg.registered, 2)
	reg.mu.Unlock()

	require.NoError(t, m.Close(a))
	waitEvent(t, m.sink, func(e *SessionDestroyEvent) bool { return e.SessionID == a })
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.deregistered) == 1
	}, eventTimeout, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, []int{a, b}, reg.deregistered)
}

// announcedRegistrar records whether the poller had already announced a
// listener when it was registered.
type announcedRegistrar struct {
	fakeRegistrar
	sink      *eventSink
	announced []bool
}

func (r *announcedRegistrar) Register(id int, addr netip.AddrPort) error {
	seen := len(collect(r.sink, func(e *SessionCreateEvent) bool { return e.SessionID == id })) > 0
	r.mu.Lock()
	r.announced = append(r.announced, seen)
	r.mu.Unlock()
	return r.fakeRegistrar.Register(id, addr)
}

func TestPollerMgr_ListenerRegisteredBeforeDispatch(t *testing.T) {
	reg := &announcedRegistrar{}
	m := newTestMgr(t, PollerEpoll, nil, WithRegistrar(reg))
	reg.sink = m.sink
	require.NoError(t, m.Start(1))

	for i := 0; i < 5; i++ {
		id, _ := m.listenLocal(t)
		require.NoError(t, m.Close(id))
		waitEvent(t, m.sink, func(e *SessionDestroyEvent) bool { return e.SessionID == id })
	}
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.deregistered) == 5
	}, eventTimeout, 5*time.Millisecond)
	reg.mu.Lock()
	assert.Equal(t, []bool{false, false, false, false, false}, reg.announced)
	reg.mu.Unlock()

	// a listener that never reaches a poller is withdrawn again
	require.NoError(t, m.Stop())
	assert.Zero(t, m.Listen("127.0.0.1", 0))
	assert.True(t, IsCode(m.LastError(), ErrPollerStopped))
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Len(t, reg.registered, 6)
	assert.Len(t, reg.deregistered, 6)
}

func TestPollerMgr_SendPacerBlocksCallerOnly(t *testing.T) {
	m := newTestMgr(t, PollerEpoll, nil, WithSendPacer(protocol.NewSendPacer(2)))
	require.NoError(t, m.Start(1))
	_, addr := m.listenLocal(t)

	paced := m.Connect("127.0.0.1", addr.Port())
	other := m.Connect("127.0.0.1", addr.Port())
	require.NotZero(t, paced)
	require.NotZero(t, other)
	pacedLocal := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == paced }).Local
	waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return e.SessionID == other })

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 5; i++ {
			_ = m.Send(packet.New(paced, 1, []byte{byte(i)}))
		}
	}()

	start := time.Now()
	require.NoError(t, m.Close(other))
	waitEvent(t, m.sink, func(e *SessionDestroyEvent) bool { return e.SessionID == other })
	assert.Less(t, time.Since(start), 500*time.Millisecond, "poller waited on the pacer")

	<-sent
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond, "sends were not paced")
	server := waitEvent(t, m.sink, func(e *SessionCreateEvent) bool { return !e.IsListen && e.Peer == pacedLocal })
	require.Eventually(t, func() bool {
		return len(collect(m.sink, func(e *DataArrivalEvent) bool { return e.Packet.SessionID == server.SessionID })) == 5
	}, eventTimeout, 5*time.Millisecond)
}

func TestNewPollerMgr_Errors(t *testing.T) {
	_, err := NewPollerMgr(nil, nil, nil, nil)
	assert.True(t, IsCode(err, ErrInvalidArg))

	cfg := DefaultCommCfg()
	cfg.PollerType = PollerIocp
	_, err = NewPollerMgr(nil, cfg, &eventSink{}, nil)
	assert.True(t, IsCode(err, ErrNotImpl))

	cfg = DefaultCommCfg()
	cfg.PollWait = 0
	_, err = NewPollerMgr(nil, cfg, &eventSink{}, nil)
	assert.True(t, IsCode(err, ErrInvalidArg))

	m, err := NewPollerMgr(nil, nil, &eventSink{}, nil)
	require.NoError(t, err)
	assert.Equal(t, PollerEpoll, m.backendName())
}
