//go:build linux

package comm

import (
	"sync/atomic"

	"github.com/lcx/gamenet/metrics"
	"golang.org/x/sys/unix"
)

// readiness is the Monitor payload of the select and epoll backends.
type readiness struct {
	fd       int
	readable bool
	writable bool
}

// onReadiness handles one ready descriptor: it completes a pending
// connect, accepts, reads or flushes.
func (p *basePoller) onReadiness(r readiness) {
	if pc, ok := p.connecting[r.fd]; ok {
		if err := pc.sock.connectResult(); err != nil {
			p.connectFailed(pc, err)
		} else {
			p.connectSucceeded(pc)
		}
		return
	}

	s := p.sockets[r.fd]
	if s == nil {
		return
	}
	s.drivenBy(p)

	if r.readable {
		if s.IsListen() {
			p.acceptAll(s)
			return
		}
		if !p.recv(s) {
			return
		}
	}
	if r.writable && s.sock.HasPendingSend() {
		if err := p.impl.flush(s); err != nil {
			p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "send_fail_total", 1)
			p.closeSession(s, err.Error(), false, ErrCodeOf(err))
		}
	}
}

func (p *basePoller) acceptAll(ls *Session) {
	for {
		sock, err := ls.sock.accept()
		if err != nil {
			if !IsCode(err, ErrWouldBlock) {
				ls.logger.Warn().Int("poller", p.id).Err(err).Msg("accept failed")
			}
			return
		}
		p.adoptAccepted(sock)
	}
}

// flushReady sends what the OS takes and reports whether bytes are left.
func (p *basePoller) flushReady(s *Session) (bool, error) {
	n, err := s.sock.flush()
	if n > 0 {
		p.ctx.Metrics.IncrCounterWithGroup(metricsGroup, "bytes_sent_total", metrics.Value(n))
	}
	if err != nil {
		return false, err
	}
	return s.sock.HasPendingSend(), nil
}

// eventWaker interrupts a kernel wait through an eventfd.
type eventWaker struct {
	fd atomic.Int32
}

func (w *eventWaker) open() error {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return newError(ErrSockCreate, err, "eventfd")
	}
	w.fd.Store(int32(fd))
	return nil
}

func (w *eventWaker) handle() int {
	return int(w.fd.Load())
}

func (w *eventWaker) wake() {
	fd := w.handle()
	if fd <= 0 {
		return
	}
	one := [8]byte{1}
	_, _ = unix.Write(fd, one[:])
}

func (w *eventWaker) drain() {
	var buf [8]byte
	_, _ = unix.Read(w.handle(), buf[:])
}

func (w *eventWaker) close() {
	fd := int(w.fd.Swap(-1))
	if fd > 0 {
		_ = unix.Close(fd)
	}
}
