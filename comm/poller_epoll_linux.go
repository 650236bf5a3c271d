//go:build linux

package comm

import (
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(PollerEpoll, newEpollPoller)
}

const (
	epollRead  = unix.EPOLLIN | unix.EPOLLRDHUP
	epollWrite = unix.EPOLLOUT
)

// epollPoller waits on an epoll instance. Sockets are watched for input all
// the time and for output only while sends are pending.
type epollPoller struct {
	basePoller
	epfd   int
	waker  eventWaker
	events []unix.EpollEvent
}

func newEpollPoller(id int, mgr *PollerMgr) Poller {
	p := &epollPoller{epfd: -1}
	p.init(id, mgr, p)
	p.events = make([]unix.EpollEvent, p.cfg.MaxEventCount)
	return p
}

func (p *epollPoller) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return newError(ErrSockCreate, err, "epoll create")
	}
	p.epfd = epfd

	if err := p.waker.open(); err != nil {
		_ = unix.Close(epfd)
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.waker.handle())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.waker.handle(), &ev); err != nil {
		p.waker.close()
		_ = unix.Close(epfd)
		return newError(ErrSockOption, err, "epoll add waker")
	}
	return nil
}

func (p *epollPoller) close() {
	p.waker.close()
	if p.epfd >= 0 {
		_ = unix.Close(p.epfd)
		p.epfd = -1
	}
}

func (p *epollPoller) wake() { p.waker.wake() }

func (p *epollPoller) tick() {
	p.drive()

	n, err := unix.EpollWait(p.epfd, p.events, int(p.pollWait()/time.Millisecond))
	if err != nil {
		if err != unix.EINTR {
			p.logger.Error().Int("poller", p.id).Err(err).Msg("epoll wait failed")
		}
		return
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.waker.handle() {
			p.waker.drain()
			continue
		}
		p.dispatch(&pollerEvent{kind: evMonitor, monitor: readiness{
			fd:       fd,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0,
		}})
	}
}

func (p *epollPoller) ctl(op int, sock *Socket, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(sock.Handle())}
	return unix.EpollCtl(p.epfd, op, sock.Handle(), &ev)
}

func (p *epollPoller) register(s *Session) error {
	events := uint32(epollRead)
	if s.sock.HasPendingSend() {
		events |= epollWrite
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, s.sock, events); err != nil {
		return newError(ErrSockOption, err, "epoll add")
	}
	s.sock.sys.writeArmed = events&epollWrite != 0
	return nil
}

func (p *epollPoller) unregister(s *Session) {
	if !s.sock.IsClosed() {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, s.sock.Handle(), nil)
	}
}

func (p *epollPoller) startConnect(pc *pendingConnect) (bool, error) {
	done, err := pc.sock.connectStart(pc.peer)
	if err != nil || done {
		return done, err
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, pc.sock, epollWrite); err != nil {
		return false, newError(ErrSockOption, err, "epoll add")
	}
	return false, nil
}

// connectDone removes the connect registration; a successful socket is
// registered again as a session.
func (p *epollPoller) connectDone(pc *pendingConnect) {
	if !pc.sock.IsClosed() {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, pc.sock.Handle(), nil)
	}
}

// flush writes until the OS would block and toggles EPOLLOUT to match what
// is left.
func (p *epollPoller) flush(s *Session) error {
	more, err := p.flushReady(s)
	if err != nil {
		return err
	}
	if more == s.sock.sys.writeArmed {
		return nil
	}
	events := uint32(epollRead)
	if more {
		events |= epollWrite
	}
	if err := p.ctl(unix.EPOLL_CTL_MOD, s.sock, events); err != nil {
		return newError(ErrSockOption, err, "epoll mod")
	}
	s.sock.sys.writeArmed = more
	return nil
}

func (p *epollPoller) onMonitor(m any) {
	if r, ok := m.(readiness); ok {
		p.onReadiness(r)
	}
}

func (p *epollPoller) releaseSocket(*Socket) {}
