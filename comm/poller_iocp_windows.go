//go:build windows

package comm

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/lcx/gamenet/buffer"
	"github.com/lcx/gamenet/metrics"
	"github.com/lcx/gamenet/queue"
)

func init() {
	registerBackend(PollerIocp, newIocpPoller)
}

type iocpOp int

const (
	opAccept iocpOp = iota
	opConnect
	opSend
	opRecv
)

// acceptAddrLen is the per-address space AcceptEx needs.
const acceptAddrLen = uint32(unsafe.Sizeof(windows.RawSockaddrAny{})) + 16

// iocpToken is one posted overlapped operation. ov must stay the first
// field: the completion port hands back &ov. A token lives in its socket's
// token set, or in the poller's orphan set once the socket is gone, until
// its completion is handled.
type iocpToken struct {
	ov         windows.Overlapped
	op         iocpOp
	sock       *Socket
	block      *buffer.Block
	acceptSock Handle
	freed      bool
}

func newToken(op iocpOp, sock *Socket) *iocpToken {
	return &iocpToken{op: op, sock: sock, acceptSock: InvalidHandle}
}

// free releases what the token holds. Only the first call does anything.
func (t *iocpToken) free() {
	if t.freed {
		return
	}
	t.freed = true
	if t.block != nil {
		t.block.Release()
		t.block = nil
	}
	if t.acceptSock != InvalidHandle {
		_ = sysClose(t.acceptSock)
		t.acceptSock = InvalidHandle
	}
}

// iocpCompletion is the Monitor payload of the iocp backend.
type iocpCompletion struct {
	tok   *iocpToken
	bytes uint32
	err   error
}

func (c iocpCompletion) release() { c.tok.free() }

// iocpPoller posts every operation to a completion port. A monitor
// goroutine waits on the port and feeds completions into the poller's own
// queue, so the worker loop consumes everything from one place.
type iocpPoller struct {
	basePoller
	port        windows.Handle
	orphans     map[*iocpToken]struct{}
	quit        atomic.Bool
	monitorDone chan struct{}
}

func newIocpPoller(id int, mgr *PollerMgr) Poller {
	p := &iocpPoller{orphans: make(map[*iocpToken]struct{})}
	p.init(id, mgr, p)
	return p
}

func (p *iocpPoller) open() error {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return newError(ErrSockCreate, err, "CreateIoCompletionPort")
	}
	p.port = port
	p.monitorDone = make(chan struct{})
	go p.monitor()
	return nil
}

func (p *iocpPoller) monitor() {
	defer close(p.monitorDone)

	wait := uint32(p.cfg.PollWait / time.Millisecond)
	for !p.quit.Load() {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(p.port, &qty, &key, &ov, wait)
		if ov == nil {
			if err != nil && err != waitTimeout && !p.quit.Load() {
				p.logger.Error().Int("poller", p.id).Err(err).Msg("GetQueuedCompletionStatus failed")
			}
			continue
		}
		tok := (*iocpToken)(unsafe.Pointer(ov))
		ev := &pollerEvent{kind: evMonitor, monitor: iocpCompletion{tok: tok, bytes: qty, err: err}}
		_ = p.q.PushBack(queue.Wrap(ev))
	}
}

// orphanDrainTimeout bounds how long close waits for the completions of
// operations posted on sockets closed during cleanup.
const orphanDrainTimeout = time.Second

// stranded keeps tokens whose completion never arrived reachable, since the
// kernel may still write into their Overlapped.
var stranded struct {
	sync.Mutex
	tokens map[*iocpToken]struct{}
}

// close stops the monitor, then collects the completion of every orphan
// before the port goes away.
func (p *iocpPoller) close() {
	if p.monitorDone == nil {
		return
	}
	p.quit.Store(true)
	<-p.monitorDone

	p.q.Drain(func(ev *pollerEvent) {
		if c, ok := ev.monitor.(iocpCompletion); ok {
			delete(p.orphans, c.tok)
		}
		ev.release()
	})
	// freed tokens already had their completion consumed
	for tok := range p.orphans {
		if tok.freed {
			delete(p.orphans, tok)
		}
	}
	p.drainOrphans(orphanDrainTimeout)

	if n := len(p.orphans); n > 0 {
		p.logger.Warn().Int("poller", p.id).Int("tokens", n).Msg("completion port closed with operations outstanding")
		stranded.Lock()
		if stranded.tokens == nil {
			stranded.tokens = make(map[*iocpToken]struct{})
		}
		for tok := range p.orphans {
			tok.free()
			stranded.tokens[tok] = struct{}{}
		}
		stranded.Unlock()
		clear(p.orphans)
	}
	_ = windows.CloseHandle(p.port)
}

// drainOrphans dequeues completions until every orphan is accounted for or
// timeout passes.
func (p *iocpPoller) drainOrphans(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(p.orphans) > 0 {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(p.port, &qty, &key, &ov, uint32(left/time.Millisecond)+1)
		if ov == nil {
			if err != nil && err != waitTimeout {
				p.logger.Error().Int("poller", p.id).Err(err).Msg("GetQueuedCompletionStatus failed")
				return
			}
			continue
		}
		tok := (*iocpToken)(unsafe.Pointer(ov))
		delete(p.orphans, tok)
		tok.free()
	}
}

// wake is a no-op: the queue wakes its own Pop.
func (p *iocpPoller) wake() {}

func (p *iocpPoller) tick() {
	if parcel, ok := p.q.Pop(p.pollWait()); ok {
		if ev, ok := parcel.Take(); ok {
			p.dispatch(ev)
		}
	}
	p.drive()
}

func (p *iocpPoller) associate(sock *Socket) error {
	if sock.sys.associated {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(sock.Handle(), p.port, 0, 0); err != nil {
		return newError(ErrSockOption, err, "associate completion port")
	}
	sock.sys.associated = true
	return nil
}

func (p *iocpPoller) register(s *Session) error {
	if err := p.associate(s.sock); err != nil {
		return err
	}
	if s.IsListen() {
		return p.postAccept(s.sock)
	}
	if err := p.postRecv(s.sock); err != nil {
		return err
	}
	if s.sock.HasPendingSend() {
		return p.flush(s)
	}
	return nil
}

// unregister is a no-op: closing the socket completes its posted
// operations with an error.
func (p *iocpPoller) unregister(*Session) {}

// releaseSocket moves the socket's outstanding tokens to the orphan set.
func (p *iocpPoller) releaseSocket(sock *Socket) {
	for tok := range sock.sys.tokens {
		p.orphans[tok] = struct{}{}
	}
	clear(sock.sys.tokens)
}

func (p *iocpPoller) postAccept(ls *Socket) error {
	h, err := sysSocket()
	if err != nil {
		return newError(ErrSockCreate, err, "socket")
	}
	tok := newToken(opAccept, ls)
	tok.acceptSock = h
	tok.block = buffer.New(int(2 * acceptAddrLen))

	var recvd uint32
	err = windows.AcceptEx(ls.Handle(), h, &tok.block.Free()[0], 0, acceptAddrLen, acceptAddrLen, &recvd, &tok.ov)
	if err != nil && err != windows.ERROR_IO_PENDING {
		tok.free()
		return newError(ErrSockIO, err, "AcceptEx")
	}
	ls.sys.add(tok)
	return nil
}

// postRecv posts a zero-byte receive that completes when data is readable.
func (p *iocpPoller) postRecv(sock *Socket) error {
	tok := newToken(opRecv, sock)
	var buf windows.WSABuf
	var recvd, flags uint32
	err := windows.WSARecv(sock.Handle(), &buf, 1, &recvd, &flags, &tok.ov, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		tok.free()
		return newError(ErrSockIO, err, "WSARecv")
	}
	sock.sys.add(tok)
	return nil
}

// flush posts one WSASend with every pending block merged. Only one send
// is outstanding per socket; its completion posts the next.
func (p *iocpPoller) flush(s *Session) error {
	sock := s.sock
	if sock.sys.sending {
		return nil
	}
	b := sock.pending.Merge()
	if b == nil {
		return nil
	}

	tok := newToken(opSend, sock)
	tok.block = b
	data := b.Bytes()
	buf := windows.WSABuf{Len: uint32(len(data)), Buf: &data[0]}
	var sent uint32
	err := windows.WSASend(sock.Handle(), &buf, 1, &sent, 0, &tok.ov, nil)
	if err == wsaENOBUFS {
		// out of non-paged pool: requeue and wait for a zero-byte send
		tok.block = nil
		sock.pending.PushFront(b)
		buf = windows.WSABuf{}
		err = windows.WSASend(sock.Handle(), &buf, 1, &sent, 0, &tok.ov, nil)
	}
	if err != nil && err != windows.ERROR_IO_PENDING {
		tok.free()
		return newError(ErrSockIO, err, "WSASend")
	}
	sock.sys.add(tok)
	sock.sys.sending = true
	return nil
}

func (p *iocpPoller) startConnect(pc *pendingConnect) (bool, error) {
	sock := pc.sock
	if err := p.associate(sock); err != nil {
		return false, err
	}
	// ConnectEx needs a bound socket
	if err := sock.BindTo(netipAny); err != nil {
		return false, err
	}
	tok := newToken(opConnect, sock)
	err := windows.ConnectEx(sock.Handle(), toSockaddr(pc.peer), nil, 0, nil, &tok.ov)
	if err != nil && err != windows.ERROR_IO_PENDING {
		tok.free()
		return false, newError(ErrSockConnect, err, "ConnectEx "+pc.peer.String())
	}
	sock.peer = pc.peer
	sock.sys.add(tok)
	return false, nil
}

func (p *iocpPoller) connectDone(*pendingConnect) {}

func (p *iocpPoller) onMonitor(m any) {
	c, ok := m.(iocpCompletion)
	if !ok {
		return
	}
	tok := c.tok
	if _, orphan := p.orphans[tok]; orphan {
		delete(p.orphans, tok)
		tok.free()
		return
	}
	if tok.freed {
		return
	}
	delete(tok.sock.sys.tokens, tok)

	switch tok.op {
	case opAccept:
		p.onAccept(tok, c.err)
	case opConnect:
		p.onConnect(tok, c.err)
	case opSend:
		p.onSend(tok, c.bytes, c.err)
	case opRecv:
		p.onRecvReady(tok, c.err)
	}
}

func (p *iocpPoller) onAccept(tok *iocpToken, err error) {
	ls := p.sockets[tok.sock.Handle()]
	if err != nil {
		tok.free()
		if ls != nil {
			ls.logger.Warn().Int("poller", p.id).Err(err).Msg("AcceptEx failed")
			p.repostAccept(ls)
		}
		return
	}

	h := tok.acceptSock
	tok.acceptSock = InvalidHandle
	tok.free()

	lh := tok.sock.Handle()
	err = windows.Setsockopt(h, windows.SOL_SOCKET, soUpdateAcceptContext, (*byte)(unsafe.Pointer(&lh)), int32(unsafe.Sizeof(lh)))
	sock := wrapSocket(h)
	if err == nil {
		err = sock.SetNonBlocking()
	}
	if err != nil {
		_ = sock.Close()
		p.logger.Warn().Int("poller", p.id).Err(err).Msg("accepted socket setup failed")
	} else {
		p.adoptAccepted(sock)
	}

	if ls != nil {
		ls.drivenBy(&p.basePoller)
		p.repostAccept(ls)
	}
}

func (p *iocpPoller) repostAccept(ls *Session) {
	if err := p.postAccept(ls.sock); err != nil {
		p.closeSession(ls, err.Error(), false, ErrCodeOf(err))
	}
}

func (p *iocpPoller) onConnect(tok *iocpToken, err error) {
	tok.free()
	pc := p.connecting[tok.sock.Handle()]
	if pc == nil {
		return
	}
	if err != nil {
		p.connectFailed(pc, newError(ErrSockConnect, err, "connect "+pc.peer.String()))
		return
	}
	if err := windows.Setsockopt(pc.sock.Handle(), windows.SOL_SOCKET, soUpdateConnectContext, nil, 0); err != nil {
		p.connectFailed(pc, newError(ErrSockOption, err, "SO_UPDATE_CONNECT_CONTEXT"))
		return
	}
	p.connectSucceeded(pc)
}

func (p *iocpPoller) onSend(tok *iocpToken, n uint32, err error) {
	sock := tok.sock
	sock.sys.sending = false
	s := p.sockets[sock.Handle()]
	if s == nil {
		tok.free()
		return
	}
	s.drivenBy(&p.basePoller)

	if err != nil {
		tok.free()
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "send_fail_total", 1)
		p.closeSession(s, newError(ErrSockIO, err, "send").Error(), false, ErrSockIO)
		return
	}
	if b := tok.block; b != nil {
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "bytes_sent_total", metrics.Value(n))
		_ = b.ShiftReadPos(int(n))
		if b.Readable() > 0 {
			tok.block = nil
			sock.pending.PushFront(b)
		}
	}
	tok.free()

	if err := p.flush(s); err != nil {
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "send_fail_total", 1)
		p.closeSession(s, err.Error(), false, ErrCodeOf(err))
	}
}

func (p *iocpPoller) onRecvReady(tok *iocpToken, err error) {
	tok.free()
	s := p.sockets[tok.sock.Handle()]
	if s == nil {
		return
	}
	s.drivenBy(&p.basePoller)

	if err != nil {
		p.onRecvError(s, newError(ErrSockIO, err, "recv"))
		return
	}
	if !p.recv(s) {
		return
	}
	if err := p.postRecv(s.sock); err != nil {
		p.closeSession(s, err.Error(), false, ErrCodeOf(err))
	}
}
