//go:build linux

package comm

import (
	"golang.org/x/sys/unix"
)

func init() {
	registerBackend(PollerSelect, newSelectPoller)
}

// fdSetSize is FD_SETSIZE; select cannot watch descriptors at or above it.
const fdSetSize = 1024

// selectPoller rebuilds its descriptor sets from the session tables on
// every tick.
type selectPoller struct {
	basePoller
	waker eventWaker
	fds   []int
}

func newSelectPoller(id int, mgr *PollerMgr) Poller {
	p := &selectPoller{}
	p.init(id, mgr, p)
	return p
}

func (p *selectPoller) open() error { return p.waker.open() }

func (p *selectPoller) close() { p.waker.close() }

func (p *selectPoller) wake() { p.waker.wake() }

func (p *selectPoller) tick() {
	p.drive()

	var rset, wset unix.FdSet
	rset.Zero()
	wset.Zero()

	wfd := p.waker.handle()
	rset.Set(wfd)
	maxFd := wfd

	p.fds = p.fds[:0]
	for h, s := range p.sockets {
		rset.Set(h)
		if s.sock.HasPendingSend() {
			wset.Set(h)
		}
		p.fds = append(p.fds, h)
		maxFd = max(maxFd, h)
	}
	for h := range p.connecting {
		wset.Set(h)
		p.fds = append(p.fds, h)
		maxFd = max(maxFd, h)
	}

	tv := unix.NsecToTimeval(p.pollWait().Nanoseconds())
	n, err := unix.Select(maxFd+1, &rset, &wset, nil, &tv)
	if err != nil {
		if err != unix.EINTR {
			p.logger.Error().Int("poller", p.id).Err(err).Msg("select failed")
		}
		return
	}
	if n == 0 {
		return
	}
	if rset.IsSet(wfd) {
		p.waker.drain()
	}

	for _, fd := range p.fds {
		r, w := rset.IsSet(fd), wset.IsSet(fd)
		if !r && !w {
			continue
		}
		p.dispatch(&pollerEvent{kind: evMonitor, monitor: readiness{fd: fd, readable: r, writable: w}})
	}
}

func checkFdSetSize(sock *Socket) error {
	if sock.Handle() >= fdSetSize {
		return newError(ErrInvalidArg, nil, "descriptor exceeds FD_SETSIZE")
	}
	return nil
}

func (p *selectPoller) register(s *Session) error {
	return checkFdSetSize(s.sock)
}

func (p *selectPoller) unregister(*Session) {}

func (p *selectPoller) startConnect(pc *pendingConnect) (bool, error) {
	if err := checkFdSetSize(pc.sock); err != nil {
		return false, err
	}
	return pc.sock.connectStart(pc.peer)
}

func (p *selectPoller) connectDone(*pendingConnect) {}

func (p *selectPoller) flush(s *Session) error {
	_, err := p.flushReady(s)
	return err
}

func (p *selectPoller) onMonitor(m any) {
	if r, ok := m.(readiness); ok {
		p.onReadiness(r)
	}
}

func (p *selectPoller) releaseSocket(*Socket) {}
