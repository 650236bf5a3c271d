package comm

import (
	"net/netip"

	"github.com/lcx/gamenet/packet"
	"github.com/lcx/gamenet/protocol"
)

// pollerEventKind indexes a poller's dispatch table.
type pollerEventKind int

const (
	evAddSocket pollerEventKind = iota
	evAsyncConnect
	evSend
	evClose
	evMonitor
	evTakeOver
	evKindEnd
)

var pollerEventNames = [evKindEnd]string{"add_socket", "async_connect", "send", "close", "monitor", "take_over"}

func (k pollerEventKind) String() string {
	if k < 0 || k >= evKindEnd {
		return "unknown"
	}
	return pollerEventNames[k]
}

// pollerEvent is a command for one poller. Only the fields of its kind are
// set. Whatever it references (socket, packet, session) belongs to the
// receiving poller once pushed.
type pollerEvent struct {
	kind      pollerEventKind
	sessionID int
	sock      *Socket
	peer      netip.AddrPort
	pkt       *packet.Packet
	session   *Session
	monitor   any
}

// release frees what an undelivered event owns.
func (ev *pollerEvent) release() {
	if ev.sock != nil {
		_ = ev.sock.Close()
	}
	if ev.session != nil {
		ev.session.free()
	}
	if ev.monitor != nil {
		if r, ok := ev.monitor.(interface{ release() }); ok {
			r.release()
		}
	}
}

// ServiceEvent is a notification delivered to the service goroutine.
type ServiceEvent interface {
	serviceEvent()
}

// SessionCreateEvent reports a registered session: a listener, an accepted
// connection or an established connect.
type SessionCreateEvent struct {
	SessionID int
	Local     netip.AddrPort
	Peer      netip.AddrPort
	IsListen  bool
	Handle    Handle
	// PollerID is the poller that owns the session.
	PollerID int
}

// SessionDestroyEvent reports a closed session. Initiative is true when the
// close was requested locally through PollerMgr.Close.
type SessionDestroyEvent struct {
	SessionID  int
	Local      netip.AddrPort
	Peer       netip.AddrPort
	IsListen   bool
	Handle     Handle
	Reason     string
	Initiative bool
	ErrCode    ErrCode
}

// AsyncConnResultEvent reports the outcome of PollerMgr.AsyncConnect. On
// success a SessionCreateEvent for the same id follows.
type AsyncConnResultEvent struct {
	SessionID int
	Connected bool
	Reason    string
	Peer      netip.AddrPort
}

// DataArrivalEvent carries one decoded packet.
type DataArrivalEvent struct {
	Packet *packet.Packet
}

// ProtoReportEvent carries a protocol layer failure. The session stays
// open.
type ProtoReportEvent struct {
	SessionID int
	Layer     protocol.Layer
	Level     protocol.ReportLevel
	Report    string
}

// Listener receives the payload of fired events it subscribed to.
type Listener func(payload any)

// SubscribeEvent adds Listener for EventID under Stub.
type SubscribeEvent struct {
	EventID  int
	Stub     uint64
	Listener Listener
}

// UnsubscribeEvent removes the subscription Stub, or every subscription of
// EventID when Stub is zero.
type UnsubscribeEvent struct {
	EventID int
	Stub    uint64
}

// FireEvent delivers Payload to every listener of EventID.
type FireEvent struct {
	EventID int
	Payload any
}

// CallableEvent runs Fn on the service goroutine.
type CallableEvent struct {
	Fn func()
}

func (*SessionCreateEvent) serviceEvent()   {}
func (*SessionDestroyEvent) serviceEvent()  {}
func (*AsyncConnResultEvent) serviceEvent() {}
func (*DataArrivalEvent) serviceEvent()     {}
func (*ProtoReportEvent) serviceEvent()     {}
func (*SubscribeEvent) serviceEvent()       {}
func (*UnsubscribeEvent) serviceEvent()     {}
func (*FireEvent) serviceEvent()            {}
func (*CallableEvent) serviceEvent()        {}
