//go:build windows

package comm

import (
	"net/netip"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Handle is the native socket handle.
type Handle = windows.Handle

// InvalidHandle marks a closed or never opened socket.
const InvalidHandle Handle = windows.InvalidHandle

const defaultBacklog = 0x7fffffff // SOMAXCONN

const (
	fionbio                = 0x8004667e
	soUpdateAcceptContext  = 0x700b
	soUpdateConnectContext = 0x7010

	wsaEWOULDBLOCK = windows.Errno(10035)
	wsaEINPROGRESS = windows.Errno(10036)
	wsaEALREADY    = windows.Errno(10037)
	wsaENOBUFS     = windows.Errno(10055)

	waitTimeout = windows.Errno(258)
)

func sysSocket() (Handle, error) {
	return windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
}

func sysClose(h Handle) error {
	return windows.Closesocket(h)
}

func sysSetNonblock(h Handle) error {
	var on uint32 = 1
	var ret uint32
	return windows.WSAIoctl(h, fionbio, (*byte)(unsafe.Pointer(&on)), uint32(unsafe.Sizeof(on)), nil, 0, &ret, nil, 0)
}

func sysReuseAddr(h Handle) error {
	return windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func sysSetBufSize(h Handle, snd, rcv int) error {
	if snd > 0 {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, snd); err != nil {
			return err
		}
	}
	if rcv > 0 {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, rcv); err != nil {
			return err
		}
	}
	return nil
}

func toSockaddr(a netip.AddrPort) *windows.SockaddrInet4 {
	return &windows.SockaddrInet4{Port: int(a.Port()), Addr: a.Addr().As4()}
}

func fromSockaddr(sa windows.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *windows.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	}
	return netip.AddrPort{}
}

func sysBind(h Handle, a netip.AddrPort) error {
	return windows.Bind(h, toSockaddr(a))
}

func sysListen(h Handle, backlog int) error {
	return windows.Listen(h, backlog)
}

// sysAccept is not used on windows: listeners accept through AcceptEx.
func sysAccept(Handle) (Handle, netip.AddrPort, error) {
	return InvalidHandle, netip.AddrPort{}, newError(ErrNotImpl, nil, "accept without AcceptEx")
}

// sysConnect connects a blocking socket. Windows has no send timeout for
// connect, so timeout is ignored and the OS default applies.
func sysConnect(h Handle, a netip.AddrPort, _ time.Duration) error {
	return windows.Connect(h, toSockaddr(a))
}

func sysConnectStart(h Handle, a netip.AddrPort) error {
	return windows.Connect(h, toSockaddr(a))
}

func sysConnectResult(h Handle) error {
	v, err := windows.GetsockoptInt(h, windows.SOL_SOCKET, windows.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return windows.Errno(v)
	}
	return nil
}

func sysSend(h Handle, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	var sent uint32
	err := windows.WSASend(h, &buf, 1, &sent, 0, nil, nil)
	return int(sent), err
}

func sysRecv(h Handle, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	var recvd, flags uint32
	err := windows.WSARecv(h, &buf, 1, &recvd, &flags, nil, nil)
	return int(recvd), err
}

func sysLocalAddr(h Handle) (netip.AddrPort, error) {
	sa, err := windows.Getsockname(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func sysPeerAddr(h Handle) (netip.AddrPort, error) {
	sa, err := windows.Getpeername(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func isWouldBlock(err error) bool {
	return err == wsaEWOULDBLOCK
}

func isInProgress(err error) bool {
	return err == wsaEWOULDBLOCK || err == wsaEINPROGRESS || err == wsaEALREADY
}

const defaultPollerType = PollerIocp

var netipAny = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

// socketSys holds the completion port state of a socket.
type socketSys struct {
	tokens     map[*iocpToken]struct{}
	associated bool
	// sending is set while a WSASend is outstanding.
	sending bool
}

func (s *socketSys) add(tok *iocpToken) {
	if s.tokens == nil {
		s.tokens = make(map[*iocpToken]struct{})
	}
	s.tokens[tok] = struct{}{}
}
