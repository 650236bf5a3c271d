package comm

import (
	"net/netip"
	"time"

	"github.com/lcx/gamenet/buffer"
)

const recvBlockSize = 4096

// errPeerClosed is returned by recvAll when the peer shut the connection.
var errPeerClosed = codeError(ErrClosed)

// Socket is the OS-facing half of a connection. It is owned by exactly one
// goroutine at a time: the creator until the socket is handed to a poller,
// then that poller.
type Socket struct {
	handle      Handle
	listening   bool
	nonBlocking bool
	local       netip.AddrPort
	peer        netip.AddrPort

	// pending holds bytes accepted by AsyncSend and not yet taken by the OS.
	pending buffer.Chain

	sys socketSys
}

// NewSocket creates an unconnected IPv4 TCP socket.
func NewSocket() (*Socket, error) {
	h, err := sysSocket()
	if err != nil {
		return nil, newError(ErrSockCreate, err, "socket")
	}
	return wrapSocket(h), nil
}

func wrapSocket(h Handle) *Socket {
	return &Socket{handle: h}
}

func (s *Socket) Handle() Handle            { return s.handle }
func (s *Socket) IsListen() bool            { return s.listening }
func (s *Socket) IsNonBlocking() bool       { return s.nonBlocking }
func (s *Socket) IsClosed() bool            { return s.handle == InvalidHandle }
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }
func (s *Socket) PeerAddr() netip.AddrPort  { return s.peer }

// SetNonBlocking switches the socket to non-blocking mode. A second call
// fails with ErrReentry.
func (s *Socket) SetNonBlocking() error {
	if s.nonBlocking {
		return codeError(ErrReentry)
	}
	if err := sysSetNonblock(s.handle); err != nil {
		return newError(ErrSockOption, err, "set non-blocking")
	}
	s.nonBlocking = true
	return nil
}

func (s *Socket) EnableAddrReuse() error {
	if err := sysReuseAddr(s.handle); err != nil {
		return newError(ErrSockOption, err, "SO_REUSEADDR")
	}
	return nil
}

func (s *Socket) SetBufSize(snd, rcv int) error {
	if err := sysSetBufSize(s.handle, snd, rcv); err != nil {
		return newError(ErrSockOption, err, "set buffer size")
	}
	return nil
}

func (s *Socket) BindTo(a netip.AddrPort) error {
	if err := sysBind(s.handle, a); err != nil {
		return newError(ErrSockBind, err, "bind "+a.String())
	}
	s.local = a
	return nil
}

// Listen starts listening and records the bound address, which carries the
// real port when the socket was bound to port 0.
func (s *Socket) Listen(backlog int) error {
	if err := sysListen(s.handle, backlog); err != nil {
		return newError(ErrSockListen, err, "listen")
	}
	s.listening = true
	_ = s.UpdateLocalAddr()
	return nil
}

// Connect performs a blocking connect bounded by timeout.
func (s *Socket) Connect(a netip.AddrPort, timeout time.Duration) error {
	if err := sysConnect(s.handle, a, timeout); err != nil {
		if isWouldBlock(err) || isInProgress(err) {
			return newError(ErrTimeout, err, "connect "+a.String())
		}
		return newError(ErrSockConnect, err, "connect "+a.String())
	}
	s.peer = a
	_ = s.UpdateLocalAddr()
	return nil
}

// connectStart begins a non-blocking connect. done reports an immediate
// success; otherwise completion is signalled by writability.
func (s *Socket) connectStart(a netip.AddrPort) (done bool, err error) {
	err = sysConnectStart(s.handle, a)
	switch {
	case err == nil:
		s.peer = a
		return true, nil
	case isInProgress(err):
		s.peer = a
		return false, nil
	default:
		return false, newError(ErrSockConnect, err, "connect "+a.String())
	}
}

func (s *Socket) connectResult() error {
	if err := sysConnectResult(s.handle); err != nil {
		return newError(ErrSockConnect, err, "connect "+s.peer.String())
	}
	return nil
}

// accept takes one pending connection. ErrWouldBlock means the backlog is
// empty.
func (s *Socket) accept() (*Socket, error) {
	h, peer, err := sysAccept(s.handle)
	if err != nil {
		if isWouldBlock(err) {
			return nil, codeError(ErrWouldBlock)
		}
		return nil, newError(ErrSockIO, err, "accept")
	}
	ns := wrapSocket(h)
	ns.nonBlocking = true
	ns.peer = peer
	return ns, nil
}

func (s *Socket) UpdateLocalAddr() error {
	a, err := sysLocalAddr(s.handle)
	if err != nil {
		return newError(ErrSockOption, err, "getsockname")
	}
	s.local = a
	return nil
}

func (s *Socket) UpdatePeerAddr() error {
	a, err := sysPeerAddr(s.handle)
	if err != nil {
		return newError(ErrSockOption, err, "getpeername")
	}
	s.peer = a
	return nil
}

// setConnectedOpts refreshes both addresses and applies the configured
// buffer sizes to an established connection.
func (s *Socket) setConnectedOpts(cfg *CommCfg) error {
	_ = s.UpdateLocalAddr()
	_ = s.UpdatePeerAddr()
	return s.SetBufSize(cfg.SendBufSize, cfg.RecvBufSize)
}

// Send writes p directly and returns the bytes the OS accepted.
func (s *Socket) Send(p []byte) (int, error) {
	n, err := sysSend(s.handle, p)
	if err != nil {
		if isWouldBlock(err) {
			return n, codeError(ErrWouldBlock)
		}
		return n, newError(ErrSockIO, err, "send")
	}
	return n, nil
}

// queueSend appends b to the pending chain. The socket owns b from here on.
func (s *Socket) queueSend(b *buffer.Block) {
	if b.Readable() == 0 {
		b.Release()
		return
	}
	s.pending.PushBack(b)
}

func (s *Socket) HasPendingSend() bool {
	return !s.pending.Empty()
}

// flush writes pending blocks until the chain is empty or the OS would
// block. It returns the bytes written; a non-nil error is fatal.
func (s *Socket) flush() (int, error) {
	total := 0
	for b := s.pending.Front(); b != nil; b = s.pending.Front() {
		n, err := sysSend(s.handle, b.Bytes())
		if n > 0 {
			total += n
			_ = b.ShiftReadPos(n)
		}
		if b.Readable() == 0 {
			s.pending.PopFront().Release()
			continue
		}
		if err == nil {
			continue
		}
		if isWouldBlock(err) {
			return total, nil
		}
		return total, newError(ErrSockIO, err, "send")
	}
	return total, nil
}

// recvAll reads until the OS would block. Data read before a failure is
// returned with the error; errPeerClosed reports an orderly shutdown.
func (s *Socket) recvAll() (*buffer.Block, error) {
	var blk *buffer.Block
	for {
		if blk == nil {
			blk = buffer.New(recvBlockSize)
		} else if blk.Writable() == 0 {
			_ = blk.Allocate(blk.Size() * 2)
		}
		n, err := sysRecv(s.handle, blk.Free())
		if n > 0 {
			_ = blk.ShiftWritePos(n)
		}
		switch {
		case err != nil && isWouldBlock(err):
			return nonEmpty(blk), nil
		case err != nil:
			return nonEmpty(blk), newError(ErrSockIO, err, "recv")
		case n == 0:
			return nonEmpty(blk), errPeerClosed
		}
	}
}

func nonEmpty(b *buffer.Block) *buffer.Block {
	if b.Readable() == 0 {
		b.Release()
		return nil
	}
	return b
}

// Close releases the handle and any unsent bytes. Closing twice fails with
// ErrClosed.
func (s *Socket) Close() error {
	if s.handle == InvalidHandle {
		return codeError(ErrClosed)
	}
	err := sysClose(s.handle)
	s.handle = InvalidHandle
	s.pending.Release()
	if err != nil {
		return newError(ErrSockIO, err, "close")
	}
	return nil
}
