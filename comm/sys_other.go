//go:build !linux && !windows

package comm

import (
	"net/netip"
	"time"
)

type Handle = int

const InvalidHandle Handle = -1

const defaultBacklog = 128

var errNoBackend = newError(ErrNotImpl, nil, "no socket backend for this platform")

func sysSocket() (Handle, error)                             { return InvalidHandle, errNoBackend }
func sysClose(Handle) error                                  { return errNoBackend }
func sysSetNonblock(Handle) error                            { return errNoBackend }
func sysReuseAddr(Handle) error                              { return errNoBackend }
func sysSetBufSize(Handle, int, int) error                   { return errNoBackend }
func sysBind(Handle, netip.AddrPort) error                   { return errNoBackend }
func sysListen(Handle, int) error                            { return errNoBackend }
func sysConnect(Handle, netip.AddrPort, time.Duration) error { return errNoBackend }
func sysConnectStart(Handle, netip.AddrPort) error           { return errNoBackend }
func sysConnectResult(Handle) error                          { return errNoBackend }
func sysSend(Handle, []byte) (int, error)                    { return 0, errNoBackend }
func sysRecv(Handle, []byte) (int, error)                    { return 0, errNoBackend }
func sysLocalAddr(Handle) (netip.AddrPort, error)            { return netip.AddrPort{}, errNoBackend }
func sysPeerAddr(Handle) (netip.AddrPort, error)             { return netip.AddrPort{}, errNoBackend }
func isWouldBlock(error) bool                                { return false }
func isInProgress(error) bool                                { return false }

func sysAccept(Handle) (Handle, netip.AddrPort, error) {
	return InvalidHandle, netip.AddrPort{}, errNoBackend
}

type socketSys struct{}

const defaultPollerType = ""
