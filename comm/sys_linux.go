//go:build linux

package comm

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is the native socket descriptor.
type Handle = int

// InvalidHandle marks a closed or never opened socket.
const InvalidHandle Handle = -1

const defaultBacklog = unix.SOMAXCONN

func sysSocket() (Handle, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

func sysClose(h Handle) error {
	return unix.Close(h)
}

func sysSetNonblock(h Handle) error {
	return unix.SetNonblock(h, true)
}

func sysReuseAddr(h Handle) error {
	return unix.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func sysSetBufSize(h Handle, snd, rcv int) error {
	if snd > 0 {
		if err := unix.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_SNDBUF, snd); err != nil {
			return err
		}
	}
	if rcv > 0 {
		if err := unix.SetsockoptInt(h, unix.SOL_SOCKET, unix.SO_RCVBUF, rcv); err != nil {
			return err
		}
	}
	return nil
}

func toSockaddr(a netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(a.Port()), Addr: a.Addr().As4()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	}
	return netip.AddrPort{}
}

func sysBind(h Handle, a netip.AddrPort) error {
	return unix.Bind(h, toSockaddr(a))
}

func sysListen(h Handle, backlog int) error {
	return unix.Listen(h, backlog)
}

func sysAccept(h Handle) (Handle, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(h, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return InvalidHandle, netip.AddrPort{}, err
	}
	return nfd, fromSockaddr(sa), nil
}

// sysConnect connects a blocking socket, giving up after timeout.
func sysConnect(h Handle, a netip.AddrPort, timeout time.Duration) error {
	if timeout > 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(h, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return err
		}
		defer func() {
			var zero unix.Timeval
			_ = unix.SetsockoptTimeval(h, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &zero)
		}()
	}
	for {
		err := unix.Connect(h, toSockaddr(a))
		if err != unix.EINTR {
			return err
		}
	}
}

// sysConnectStart begins a connect on a non-blocking socket. A nil error
// means the connect completed at once.
func sysConnectStart(h Handle, a netip.AddrPort) error {
	err := unix.Connect(h, toSockaddr(a))
	if err == unix.EINTR {
		return unix.EINPROGRESS
	}
	return err
}

// sysConnectResult reads the outcome of a finished non-blocking connect.
func sysConnectResult(h Handle) error {
	v, err := unix.GetsockoptInt(h, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func sysSend(h Handle, p []byte) (int, error) {
	for {
		n, err := unix.Write(h, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func sysRecv(h Handle, p []byte) (int, error) {
	for {
		n, err := unix.Read(h, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func sysLocalAddr(h Handle) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func sysPeerAddr(h Handle) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func isInProgress(err error) bool {
	return err == unix.EINPROGRESS || err == unix.EALREADY
}

// socketSys is the per-socket backend state.
type socketSys struct {
	// writeArmed is set while epoll also watches the socket for EPOLLOUT.
	writeArmed bool
}

const defaultPollerType = PollerEpoll
